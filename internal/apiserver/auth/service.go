package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"studymate-server/internal/shared/cache"
	"studymate-server/internal/shared/model"
	"studymate-server/internal/shared/storage"
)

// 一次性令牌有效期
const (
	PasswordResetTTL    = time.Hour
	EmailVerifyTokenTTL = 7 * 24 * time.Hour
)

// 微信默认用户名后缀重试上限。撞满说明用户名空间配置有问题，
// 按致命错误处理而不是继续无限尝试。
const maxUsernameAttempts = 20

// UserStore 用户存储接口，由 mongostore.Store 实现
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	SaveUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*model.User, error)
	GetUserByOpenID(ctx context.Context, openID string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	UpdateUserPassword(ctx context.Context, id, passwordHash string) error
	SetPasswordResetToken(ctx context.Context, id string, token *model.SecretToken) error
	ConsumePasswordResetToken(ctx context.Context, tokenHash, newPasswordHash string) (*model.User, error)
	SetEmailVerificationToken(ctx context.Context, id string, token *model.SecretToken) error
	ConsumeEmailVerificationToken(ctx context.Context, tokenHash string) (*model.User, error)
	SetSchoolVerification(ctx context.Context, id string, v *model.SchoolVerification) error
}

// Outcome 查找或创建的结果：登录的是已有账号还是新建账号
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeExisting Outcome = "existing"
)

// TokenPair 登录成功签发的令牌对
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// LoginResult 登录/注册流程的完整结果
type LoginResult struct {
	User    *model.User
	Tokens  TokenPair
	Outcome Outcome
}

// Service 身份解析服务
//
// 每条流程跨请求无状态，持久状态只存在于用户存储和验证码缓存。
// 对外部服务（微信、短信商）的调用都发生在任何存储写入之前，
// 慢的第三方不会拖住其他用户的请求。
type Service struct {
	store  UserStore
	codes  cache.CodeStore
	sms    SMSSender
	wechat WechatVerifier
	cfg    Config
}

// NewService 创建身份解析服务
func NewService(store UserStore, codes cache.CodeStore, sms SMSSender, wechat WechatVerifier, cfg Config) *Service {
	return &Service{store: store, codes: codes, sms: sms, wechat: wechat, cfg: cfg}
}

func (s *Service) issueTokens(user *model.User) (TokenPair, error) {
	access, err := GenerateAccessToken(s.cfg, user)
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate access token: %w", err)
	}
	refresh, err := GenerateRefreshToken(s.cfg, user)
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// translateDuplicate 把存储层唯一键冲突转换为字段级的身份占用错误
func translateDuplicate(err error) error {
	var dup *storage.DuplicateKeyError
	if errors.As(err, &dup) {
		field := dup.Field
		if field == "wechat_openid" {
			field = "wechat"
		}
		return &IdentityTakenError{Field: field}
	}
	return err
}

// newUserID 生成 12 字节随机十六进制用户 ID（与 ObjectID 等长）
func newUserID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// ============================================================================
// 邮箱渠道
// ============================================================================

// RegisterInput 邮箱注册参数
type RegisterInput struct {
	Username string
	Email    string
	Password string
	School   string
}

// Register 邮箱注册
//
// 预检查用户名/邮箱只是为了给出友好的 409 提示；并发注册撞车时
// 真正的判定来自唯一索引，CreateUser 的冲突同样转换为 IdentityTaken。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	if in.Username == "" || in.Email == "" || in.Password == "" {
		ve := NewValidationError("username, email and password are required")
		ve.Fields = map[string]string{}
		if in.Username == "" {
			ve.Fields["username"] = "username is required"
		}
		if in.Email == "" {
			ve.Fields["email"] = "email is required"
		}
		if in.Password == "" {
			ve.Fields["password"] = "password is required"
		}
		return nil, ve
	}
	if !model.IsValidUsername(in.Username) {
		return nil, NewValidationError(fmt.Sprintf("username must be %d-%d characters", model.UsernameMinLen, model.UsernameMaxLen))
	}
	email := model.NormalizeEmail(in.Email)
	if !model.IsValidEmail(email) {
		return nil, NewValidationError("invalid email format")
	}
	if len(in.Password) < model.PasswordMinLen {
		return nil, NewValidationError(fmt.Sprintf("password must be at least %d characters", model.PasswordMinLen))
	}

	// 友好提示用的预检查，权威判定在 CreateUser 的唯一索引
	if existing, err := s.store.GetUserByUsername(ctx, in.Username); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, &IdentityTakenError{Field: "username"}
	}
	if existing, err := s.store.GetUserByEmail(ctx, email); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, &IdentityTakenError{Field: "email"}
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now()
	user := &model.User{
		ID:           newUserID(),
		Username:     in.Username,
		Email:        email,
		PasswordHash: hash,
		School:       in.School,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := user.Validate(); err != nil {
		return nil, NewValidationError(err.Error())
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, translateDuplicate(err)
	}

	log.Printf("[auth] user registered: %s (%s)", user.Username, user.ID)
	return user, nil
}

// Login 邮箱+密码登录
//
// "用户不存在"和"密码错误"返回同一个错误，不给枚举账号的机会。
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if email == "" || password == "" {
		return nil, NewValidationError("email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || !CheckPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	tokens, err := s.issueTokens(user)
	if err != nil {
		return nil, err
	}
	log.Printf("[auth] user logged in: %s", user.Username)
	return &LoginResult{User: user, Tokens: tokens, Outcome: OutcomeExisting}, nil
}

// ============================================================================
// 手机号渠道
// ============================================================================

// SendPhoneCode 生成并下发手机验证码
//
// 与手机号是否已注册无关。下发失败时验证码不会写入缓存，
// 整个流程没有任何用户记录的创建或修改。
// 返回的明文验证码只用于非生产环境的响应透出。
func (s *Service) SendPhoneCode(ctx context.Context, phone string) (string, error) {
	if !model.IsValidPhone(phone) {
		return "", NewValidationError("invalid phone number")
	}

	code, err := GenerateCode()
	if err != nil {
		return "", err
	}
	if err := s.sms.SendVerificationCode(ctx, phone, code); err != nil {
		log.Printf("[auth] sms delivery failed for %s: %v", phone, err)
		return "", ErrDeliveryFailed
	}
	// 写入覆盖旧码：重新下发即作废上一个验证码
	if err := s.codes.SetCode(ctx, phone, code); err != nil {
		return "", fmt.Errorf("store verification code: %w", err)
	}
	return code, nil
}

// PhoneLogin 手机号验证码登录/注册
//
// 验证码通过后：手机号已注册则直接登录；未注册则要求 username
// 并创建无密码新账号。两个分支都签发令牌，调用方按 Outcome
// 选择响应文案。
func (s *Service) PhoneLogin(ctx context.Context, phone, code, username string) (*LoginResult, error) {
	if !model.IsValidPhone(phone) {
		return nil, NewValidationError("invalid phone number")
	}
	if code == "" {
		return nil, NewValidationError("verification code is required")
	}

	ok, err := s.codes.ConsumeCode(ctx, phone, code)
	if err != nil {
		return nil, fmt.Errorf("verify code: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCode
	}

	user, err := s.store.GetUserByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	outcome := OutcomeExisting
	if user == nil {
		if username == "" {
			return nil, NewValidationError("username is required for first-time phone login")
		}
		if !model.IsValidUsername(username) {
			return nil, NewValidationError(fmt.Sprintf("username must be %d-%d characters", model.UsernameMinLen, model.UsernameMaxLen))
		}
		if existing, err := s.store.GetUserByUsername(ctx, username); err != nil {
			return nil, err
		} else if existing != nil {
			return nil, &IdentityTakenError{Field: "username"}
		}

		now := time.Now()
		user = &model.User{
			ID:        newUserID(),
			Username:  username,
			Phone:     phone,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := user.Validate(); err != nil {
			return nil, NewValidationError(err.Error())
		}
		if err := s.store.CreateUser(ctx, user); err != nil {
			return nil, translateDuplicate(err)
		}
		outcome = OutcomeCreated
		log.Printf("[auth] user created via phone: %s (%s)", user.Username, user.ID)
	}

	tokens, err := s.issueTokens(user)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user, Tokens: tokens, Outcome: outcome}, nil
}

// ============================================================================
// 微信渠道
// ============================================================================

// WechatLogin 微信登录/注册
//
// 身份交换发生在任何存储写入之前，交换失败不会留下半写入的记录。
// OpenID 已注册时就地更新可变的资料字段（昵称/头像/补写 UnionID）；
// 未注册时生成默认用户名创建无密码账号。
func (s *Service) WechatLogin(ctx context.Context, code, nickname, avatar string) (*LoginResult, error) {
	if code == "" {
		return nil, NewValidationError("wechat code is required")
	}

	identity, err := s.wechat.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByOpenID(ctx, identity.OpenID)
	if err != nil {
		return nil, err
	}

	if user != nil {
		changed := false
		if nickname != "" && nickname != user.Nickname {
			user.Nickname = nickname
			changed = true
		}
		if avatar != "" && avatar != user.Avatar {
			user.Avatar = avatar
			changed = true
		}
		if user.WechatUnionID == "" && identity.UnionID != "" {
			user.WechatUnionID = identity.UnionID
			changed = true
		}
		if changed {
			user.UpdatedAt = time.Now()
			if err := s.store.SaveUser(ctx, user); err != nil {
				return nil, translateDuplicate(err)
			}
		}
		tokens, err := s.issueTokens(user)
		if err != nil {
			return nil, err
		}
		return &LoginResult{User: user, Tokens: tokens, Outcome: OutcomeExisting}, nil
	}

	user, err = s.createWechatUser(ctx, identity, nickname, avatar)
	if err != nil {
		return nil, err
	}
	tokens, err := s.issueTokens(user)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user, Tokens: tokens, Outcome: OutcomeCreated}, nil
}

// createWechatUser 创建微信新用户，默认用户名冲突时追加 _1、_2 后缀
func (s *Service) createWechatUser(ctx context.Context, identity *WechatIdentity, nickname, avatar string) (*model.User, error) {
	base := defaultWechatUsername(nickname, identity.OpenID)

	for i := 0; i < maxUsernameAttempts; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d", base, i)
		}
		if len([]rune(candidate)) > model.UsernameMaxLen {
			// 追加后缀超长时截短基名
			runes := []rune(base)
			candidate = fmt.Sprintf("%s_%d", string(runes[:model.UsernameMaxLen-len(fmt.Sprintf("_%d", i))]), i)
		}

		if existing, err := s.store.GetUserByUsername(ctx, candidate); err != nil {
			return nil, err
		} else if existing != nil {
			continue
		}

		now := time.Now()
		user := &model.User{
			ID:            newUserID(),
			Username:      candidate,
			WechatOpenID:  identity.OpenID,
			WechatUnionID: identity.UnionID,
			Nickname:      nickname,
			Avatar:        avatar,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := user.Validate(); err != nil {
			return nil, NewValidationError(err.Error())
		}
		err := s.store.CreateUser(ctx, user)
		if err == nil {
			log.Printf("[auth] user created via wechat: %s (%s)", user.Username, user.ID)
			return user, nil
		}
		// 并发撞名继续下一个候选；openid 撞车说明同一微信号并发注册，
		// 直接按身份占用返回
		var dup *storage.DuplicateKeyError
		if errors.As(err, &dup) && dup.Field == "username" {
			continue
		}
		return nil, translateDuplicate(err)
	}

	return nil, fmt.Errorf("exhausted %d username candidates for base %q", maxUsernameAttempts, base)
}

// defaultWechatUsername 生成微信新用户的默认用户名基名
func defaultWechatUsername(nickname, openID string) string {
	if model.IsValidUsername(nickname) {
		return nickname
	}
	tail := openID
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return "wx_" + tail
}

// ============================================================================
// 会话刷新
// ============================================================================

// Refresh 用有效的刷新令牌换取新的访问令牌
//
// 刷新令牌本身不轮换也不作废（没有吊销存储），这是已知并有意保留的
// 限制。主体用户必须仍然存在。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := ParseToken(s.cfg, refreshToken)
	if err != nil {
		return "", err
	}
	if claims.Type != "refresh" {
		return "", ErrTokenInvalid
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", ErrUserNotFound
	}

	return GenerateAccessToken(s.cfg, user)
}

// ============================================================================
// 资料与密码
// ============================================================================

// ProfileUpdate 资料更新参数，nil 字段表示不修改
//
// Email 只能绑定或修改，不能清空：渠道字段只增不减。
type ProfileUpdate struct {
	Username *string
	School   *string
	Avatar   *string
	Nickname *string
	Email    *string
}

// UpdateProfile 更新当前用户资料
//
// 改用户名时排除自身后重查唯一性；并发撞名仍由唯一索引兜底。
func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileUpdate) (*model.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	if in.Username != nil && *in.Username != user.Username {
		if !model.IsValidUsername(*in.Username) {
			return nil, NewValidationError(fmt.Sprintf("username must be %d-%d characters", model.UsernameMinLen, model.UsernameMaxLen))
		}
		if existing, err := s.store.GetUserByUsername(ctx, *in.Username); err != nil {
			return nil, err
		} else if existing != nil && existing.ID != user.ID {
			return nil, &IdentityTakenError{Field: "username"}
		}
		user.Username = *in.Username
	}
	if in.Email != nil {
		email := model.NormalizeEmail(*in.Email)
		if email != user.Email {
			if !model.IsValidEmail(email) {
				return nil, NewValidationError("invalid email format")
			}
			if existing, err := s.store.GetUserByEmail(ctx, email); err != nil {
				return nil, err
			} else if existing != nil && existing.ID != user.ID {
				return nil, &IdentityTakenError{Field: "email"}
			}
			user.Email = email
			user.EmailVerified = false
		}
	}
	if in.School != nil {
		user.School = *in.School
	}
	if in.Avatar != nil {
		user.Avatar = *in.Avatar
	}
	if in.Nickname != nil {
		user.Nickname = *in.Nickname
	}

	user.UpdatedAt = time.Now()
	if err := user.Validate(); err != nil {
		return nil, NewValidationError(err.Error())
	}
	if err := s.store.SaveUser(ctx, user); err != nil {
		return nil, translateDuplicate(err)
	}
	return user, nil
}

// ChangePassword 修改密码，要求先验证当前密码
//
// 无密码账号（验证码注册后绑定了邮箱的用户）首次设置密码时没有
// 当前密码可验证，跳过该检查；手机号等已有渠道保持不变，也不需要
// 重新验证。微信账号和未绑定邮箱的账号不能设置密码（账号不变量）。
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if newPassword == "" {
		return NewValidationError("new password is required")
	}
	if len(newPassword) < model.PasswordMinLen {
		return NewValidationError(fmt.Sprintf("password must be at least %d characters", model.PasswordMinLen))
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}

	if user.PasswordHash == "" {
		if user.WechatOpenID != "" {
			return NewValidationError("wechat accounts cannot set a password")
		}
		if user.Email == "" {
			return NewValidationError("bind an email before setting a password")
		}
	} else {
		if currentPassword == "" {
			return NewValidationError("current password is required")
		}
		if !CheckPassword(currentPassword, user.PasswordHash) {
			return ErrInvalidCredentials
		}
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdateUserPassword(ctx, userID, hash)
}

// ============================================================================
// 密码重置（一次性密钥令牌）
// ============================================================================

// generateSecretToken 生成一次性令牌：返回明文和存储摘要
func generateSecretToken(ttl time.Duration) (plaintext string, token *model.SecretToken, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	plaintext = hex.EncodeToString(buf)
	token = &model.SecretToken{
		TokenHash: HashToken(plaintext),
		ExpiresAt: time.Now().Add(ttl),
	}
	return plaintext, token, nil
}

// ForgotPassword 发起密码重置
//
// 邮箱不存在时返回空令牌且不报错：调用方对存在和不存在的邮箱
// 给出完全一致的响应（枚举防护），令牌只签发给真实用户。
// 明文令牌只返回一次，不落库、不打日志。
func (s *Service) ForgotPassword(ctx context.Context, email string) (string, error) {
	if !model.IsValidEmail(model.NormalizeEmail(email)) {
		return "", NewValidationError("invalid email format")
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	// 微信账号不能持有密码（账号不变量），与未注册邮箱同样静默处理
	if user == nil || user.Email == "" || user.WechatOpenID != "" {
		return "", nil
	}

	plaintext, token, err := generateSecretToken(PasswordResetTTL)
	if err != nil {
		return "", err
	}
	if err := s.store.SetPasswordResetToken(ctx, user.ID, token); err != nil {
		return "", err
	}
	log.Printf("[auth] password reset requested for user %s", user.ID)
	return plaintext, nil
}

// ResetPassword 消费重置令牌并设置新密码
//
// 查找与清除由存储层的单次条件更新保证原子性，同一令牌的并发消费
// 只有一个成功。令牌错误、过期、已消费一律返回同一个错误。
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return NewValidationError("token is required")
	}
	if len(newPassword) < model.PasswordMinLen {
		return NewValidationError(fmt.Sprintf("password must be at least %d characters", model.PasswordMinLen))
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.ConsumePasswordResetToken(ctx, HashToken(token), hash)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrInvalidOrExpiredToken
	}
	log.Printf("[auth] password reset completed for user %s", user.ID)
	return nil
}

// ============================================================================
// 邮箱验证（与密码重置同一机制）
// ============================================================================

// SendEmailVerification 签发邮箱验证令牌
func (s *Service) SendEmailVerification(ctx context.Context, userID string) (string, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", ErrUserNotFound
	}
	if user.Email == "" {
		return "", NewValidationError("account has no email to verify")
	}
	if user.EmailVerified {
		return "", NewValidationError("email is already verified")
	}

	plaintext, token, err := generateSecretToken(EmailVerifyTokenTTL)
	if err != nil {
		return "", err
	}
	if err := s.store.SetEmailVerificationToken(ctx, user.ID, token); err != nil {
		return "", err
	}
	return plaintext, nil
}

// VerifyEmail 消费邮箱验证令牌
func (s *Service) VerifyEmail(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, NewValidationError("token is required")
	}
	user, err := s.store.ConsumeEmailVerificationToken(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidOrExpiredToken
	}
	return user, nil
}

// ============================================================================
// 学校认证流程
// ============================================================================

// SubmitSchoolVerification 提交学校认证，状态进入 pending
func (s *Service) SubmitSchoolVerification(ctx context.Context, userID, studentID, method, proofRef string) (*model.SchoolVerification, error) {
	if strings.TrimSpace(studentID) == "" || strings.TrimSpace(method) == "" {
		return nil, NewValidationError("studentId and verificationMethod are required")
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if err := user.CanSubmitSchoolVerification(); err != nil {
		return nil, NewValidationError(err.Error())
	}

	v := &model.SchoolVerification{
		StudentID:   studentID,
		Method:      method,
		Status:      model.SchoolVerificationPending,
		ProofRef:    proofRef,
		SubmittedAt: time.Now(),
	}
	if err := s.store.SetSchoolVerification(ctx, userID, v); err != nil {
		return nil, err
	}
	log.Printf("[auth] school verification submitted by user %s", userID)
	return v, nil
}

// GetSchoolVerification 查询当前用户的学校认证状态，任何状态下可读
func (s *Service) GetSchoolVerification(ctx context.Context, userID string) (*model.SchoolVerification, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user.SchoolVerification, nil
}

// GetUser 按 ID 获取用户
func (s *Service) GetUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
