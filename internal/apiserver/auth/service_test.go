package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymate-server/internal/shared/cache"
	"studymate-server/internal/shared/model"
	"studymate-server/internal/shared/storage"
)

// ============================================================================
// 测试用内存存储，唯一性语义与 mongostore 对齐
// ============================================================================

type memStore struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*model.User)}
}

func cloneUser(u *model.User) *model.User {
	if u == nil {
		return nil
	}
	c := *u
	if u.SchoolVerification != nil {
		v := *u.SchoolVerification
		c.SchoolVerification = &v
	}
	if u.PasswordReset != nil {
		t := *u.PasswordReset
		c.PasswordReset = &t
	}
	if u.EmailVerification != nil {
		t := *u.EmailVerification
		c.EmailVerification = &t
	}
	return &c
}

// checkUnique 模拟唯一索引：username 全局唯一，渠道字段稀疏唯一
func (m *memStore) checkUnique(u *model.User) error {
	for _, other := range m.users {
		if other.ID == u.ID {
			continue
		}
		if other.Username == u.Username {
			return &storage.DuplicateKeyError{Field: "username"}
		}
		if u.Email != "" && other.Email == u.Email {
			return &storage.DuplicateKeyError{Field: "email"}
		}
		if u.Phone != "" && other.Phone == u.Phone {
			return &storage.DuplicateKeyError{Field: "phone"}
		}
		if u.WechatOpenID != "" && other.WechatOpenID == u.WechatOpenID {
			return &storage.DuplicateKeyError{Field: "wechat_openid"}
		}
	}
	return nil
}

func (m *memStore) CreateUser(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; ok {
		return &storage.DuplicateKeyError{Field: "_id"}
	}
	if err := m.checkUnique(user); err != nil {
		return err
	}
	m.users[user.ID] = cloneUser(user)
	return nil
}

func (m *memStore) SaveUser(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return storage.ErrNotFound
	}
	if err := m.checkUnique(user); err != nil {
		return err
	}
	m.users[user.ID] = cloneUser(user)
	return nil
}

func (m *memStore) findBy(match func(*model.User) bool) *model.User {
	for _, u := range m.users {
		if match(u) {
			return cloneUser(u)
		}
	}
	return nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneUser(m.users[id]), nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = model.NormalizeEmail(email)
	return m.findBy(func(u *model.User) bool { return u.Email != "" && u.Email == email }), nil
}

func (m *memStore) GetUserByPhone(_ context.Context, phone string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findBy(func(u *model.User) bool { return u.Phone != "" && u.Phone == phone }), nil
}

func (m *memStore) GetUserByOpenID(_ context.Context, openID string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findBy(func(u *model.User) bool { return u.WechatOpenID != "" && u.WechatOpenID == openID }), nil
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findBy(func(u *model.User) bool { return u.Username == username }), nil
}

func (m *memStore) UpdateUserPassword(_ context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) SetPasswordResetToken(_ context.Context, id string, token *model.SecretToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	t := *token
	u.PasswordReset = &t
	return nil
}

func (m *memStore) ConsumePasswordResetToken(_ context.Context, tokenHash, newPasswordHash string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, u := range m.users {
		if u.PasswordReset != nil && u.PasswordReset.TokenHash == tokenHash && u.PasswordReset.ExpiresAt.After(now) {
			u.PasswordHash = newPasswordHash
			u.PasswordReset = nil
			u.UpdatedAt = now
			return cloneUser(u), nil
		}
	}
	return nil, nil
}

func (m *memStore) SetEmailVerificationToken(_ context.Context, id string, token *model.SecretToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	t := *token
	u.EmailVerification = &t
	return nil
}

func (m *memStore) ConsumeEmailVerificationToken(_ context.Context, tokenHash string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, u := range m.users {
		if u.EmailVerification != nil && u.EmailVerification.TokenHash == tokenHash && u.EmailVerification.ExpiresAt.After(now) {
			u.EmailVerified = true
			u.EmailVerification = nil
			u.UpdatedAt = now
			return cloneUser(u), nil
		}
	}
	return nil, nil
}

func (m *memStore) SetSchoolVerification(_ context.Context, id string, v *model.SchoolVerification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	sv := *v
	u.SchoolVerification = &sv
	u.UpdatedAt = time.Now()
	return nil
}

// mutate 直接修改底层记录，测试构造过期令牌等场景用
func (m *memStore) mutate(id string, fn func(*model.User)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.users[id])
}

var _ UserStore = (*memStore)(nil)

// ============================================================================
// 测试替身：短信与微信
// ============================================================================

type recordingSMS struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
	codes map[string]string
}

func (r *recordingSMS) SendVerificationCode(_ context.Context, phone, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("provider down")
	}
	r.sent = append(r.sent, phone)
	if r.codes == nil {
		r.codes = make(map[string]string)
	}
	r.codes[phone] = code
	return nil
}

type stubWechat struct {
	identity *WechatIdentity
	err      error
}

func (s *stubWechat) Exchange(_ context.Context, _ string) (*WechatIdentity, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.identity, nil
}

type testEnv struct {
	svc    *Service
	store  *memStore
	codes  *cache.MemoryCodeStore
	sms    *recordingSMS
	wechat *stubWechat
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  newMemStore(),
		codes:  cache.NewMemoryCodeStore(),
		sms:    &recordingSMS{},
		wechat: &stubWechat{identity: &WechatIdentity{OpenID: "oX-default"}},
	}
	env.svc = NewService(env.store, env.codes, env.sms, env.wechat, testAuthConfig())
	return env
}

func (e *testEnv) register(t *testing.T, username, email, password string) *model.User {
	t.Helper()
	user, err := e.svc.Register(t.Context(), RegisterInput{Username: username, Email: email, Password: password})
	require.NoError(t, err)
	return user
}

// ============================================================================
// 邮箱渠道
// ============================================================================

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	user := env.register(t, "alice123", "alice@example.com", "secret123")
	assert.Equal(t, "alice123", user.Username)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.NotEmpty(t, user.PasswordHash)
	assert.NotEqual(t, "secret123", user.PasswordHash)
	assert.False(t, user.EmailVerified)

	// 用户名占用
	_, err := env.svc.Register(ctx, RegisterInput{Username: "alice123", Email: "other@example.com", Password: "secret123"})
	var taken *IdentityTakenError
	require.ErrorAs(t, err, &taken)
	assert.Equal(t, "username", taken.Field)

	// 邮箱占用（大小写归一化后判定）
	_, err = env.svc.Register(ctx, RegisterInput{Username: "bob12345", Email: "Alice@Example.COM", Password: "secret123"})
	require.ErrorAs(t, err, &taken)
	assert.Equal(t, "email", taken.Field)
}

func TestRegister_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	// 字段级缺失提示
	_, err := env.svc.Register(ctx, RegisterInput{Username: "alice123"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "email")
	assert.Contains(t, ve.Fields, "password")
	assert.NotContains(t, ve.Fields, "username")

	tests := []struct {
		name string
		in   RegisterInput
	}{
		{"short username", RegisterInput{Username: "ab", Email: "a@x.com", Password: "secret123"}},
		{"bad email", RegisterInput{Username: "alice123", Email: "nope", Password: "secret123"}},
		{"short password", RegisterInput{Username: "alice123", Email: "a@x.com", Password: "12345"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Register(ctx, tt.in)
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.register(t, "alice123", "alice@example.com", "secret123")

	result, err := env.svc.Login(ctx, "alice@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExisting, result.Outcome)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)

	claims, err := ParseToken(env.svc.cfg, result.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice123", claims.Username)
	assert.Equal(t, "email", claims.Identity)
}

func TestLogin_NoEnumeration(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.register(t, "alice123", "alice@example.com", "secret123")

	// 密码错误与账号不存在必须返回同一个错误
	_, errWrongPassword := env.svc.Login(ctx, "alice@example.com", "wrong-password")
	_, errUnknownUser := env.svc.Login(ctx, "nobody@example.com", "secret123")

	assert.ErrorIs(t, errWrongPassword, ErrInvalidCredentials)
	assert.ErrorIs(t, errUnknownUser, ErrInvalidCredentials)
	assert.Equal(t, errWrongPassword, errUnknownUser)
}

// ============================================================================
// 手机号渠道
// ============================================================================

func TestSendPhoneCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	_, err := env.svc.SendPhoneCode(ctx, "12345")
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)

	code, err := env.svc.SendPhoneCode(ctx, "13800000000")
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.Equal(t, []string{"13800000000"}, env.sms.sent)
	assert.Equal(t, code, env.sms.codes["13800000000"])
}

func TestSendPhoneCode_DeliveryFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.sms.fail = true

	_, err := env.svc.SendPhoneCode(ctx, "13800000000")
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	// 下发失败时验证码不得入库，随便猜一个码必须失败
	env.sms.fail = false
	_, err = env.svc.PhoneLogin(ctx, "13800000000", "123456", "bob12345")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestPhoneLogin_NewUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	code, err := env.svc.SendPhoneCode(ctx, "13800000000")
	require.NoError(t, err)

	// 新手机号必须提供 username
	_, err = env.svc.PhoneLogin(ctx, "13800000000", code, "")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	// 上一步消费失败不应烧掉验证码，但 ConsumeCode 已消费——重新下发
	code, err = env.svc.SendPhoneCode(ctx, "13800000000")
	require.NoError(t, err)

	result, err := env.svc.PhoneLogin(ctx, "13800000000", code, "bob12345")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, result.Outcome)
	assert.Equal(t, "bob12345", result.User.Username)
	assert.Equal(t, "13800000000", result.User.Phone)
	assert.Empty(t, result.User.PasswordHash)
	assert.Empty(t, result.User.Email)

	claims, err := ParseToken(env.svc.cfg, result.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "phone", claims.Identity)
}

func TestPhoneLogin_ExistingUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	code, _ := env.svc.SendPhoneCode(ctx, "13800000000")
	_, err := env.svc.PhoneLogin(ctx, "13800000000", code, "bob12345")
	require.NoError(t, err)

	// 第二次登录不需要 username
	code, _ = env.svc.SendPhoneCode(ctx, "13800000000")
	result, err := env.svc.PhoneLogin(ctx, "13800000000", code, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExisting, result.Outcome)
	assert.Equal(t, "bob12345", result.User.Username)
}

func TestPhoneLogin_CodeSemantics(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	code, _ := env.svc.SendPhoneCode(ctx, "13800000000")

	// 猜错不烧码
	_, err := env.svc.PhoneLogin(ctx, "13800000000", "000000", "bob12345")
	assert.ErrorIs(t, err, ErrInvalidCode)

	// 重发作废旧码
	fresh, _ := env.svc.SendPhoneCode(ctx, "13800000000")
	_, err = env.svc.PhoneLogin(ctx, "13800000000", code, "bob12345")
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = env.svc.PhoneLogin(ctx, "13800000000", fresh, "bob12345")
	require.NoError(t, err)

	// 验证码单次有效
	_, err = env.svc.PhoneLogin(ctx, "13800000000", fresh, "")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

// ============================================================================
// 微信渠道
// ============================================================================

func TestWechatLogin_NewUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.wechat.identity = &WechatIdentity{OpenID: "oX-abc123", UnionID: "uX-1"}

	result, err := env.svc.WechatLogin(ctx, "code-1", "炸鸡爱好者", "http://a/1.png")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, result.Outcome)
	assert.Equal(t, "oX-abc123", result.User.WechatOpenID)
	assert.Equal(t, "uX-1", result.User.WechatUnionID)
	assert.Equal(t, "炸鸡爱好者", result.User.Nickname)
	assert.Empty(t, result.User.PasswordHash)
	// 昵称合法时直接用作用户名
	assert.Equal(t, "炸鸡爱好者", result.User.Username)
}

func TestWechatLogin_DefaultUsernameFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.wechat.identity = &WechatIdentity{OpenID: "oX-abcdefgh"}

	// 昵称过短不能作用户名，回落到 openid 尾部
	result, err := env.svc.WechatLogin(ctx, "code-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, "wx_abcdefgh", result.User.Username)
}

func TestWechatLogin_UsernameDisambiguation(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.register(t, "nickname1", "a@x.com", "secret123")

	env.wechat.identity = &WechatIdentity{OpenID: "oX-1"}
	result, err := env.svc.WechatLogin(ctx, "code-1", "nickname1", "")
	require.NoError(t, err)
	assert.Equal(t, "nickname1_1", result.User.Username)
}

func TestWechatLogin_ExistingUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.wechat.identity = &WechatIdentity{OpenID: "oX-1"}

	first, err := env.svc.WechatLogin(ctx, "code-1", "nickname1", "http://a/1.png")
	require.NoError(t, err)

	// 同一 openid 再登录：同一账号，资料就地更新
	env.wechat.identity = &WechatIdentity{OpenID: "oX-1", UnionID: "uX-1"}
	second, err := env.svc.WechatLogin(ctx, "code-2", "nickname2", "http://a/2.png")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExisting, second.Outcome)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, "nickname2", second.User.Nickname)
	assert.Equal(t, "http://a/2.png", second.User.Avatar)
	assert.Equal(t, "uX-1", second.User.WechatUnionID)
	// 用户名不随昵称变化
	assert.Equal(t, first.User.Username, second.User.Username)
}

func TestWechatLogin_ExchangeFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.wechat.err = &ExternalAuthError{Code: 40029, Message: "invalid code"}

	_, err := env.svc.WechatLogin(ctx, "bad-code", "", "")
	var extErr *ExternalAuthError
	require.ErrorAs(t, err, &extErr)

	// 交换失败不得留下任何用户记录
	u, _ := env.store.GetUserByOpenID(ctx, "oX-default")
	assert.Nil(t, u)
}

// ============================================================================
// 会话刷新
// ============================================================================

func TestRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.register(t, "alice123", "alice@example.com", "secret123")

	result, err := env.svc.Login(ctx, "alice@example.com", "secret123")
	require.NoError(t, err)

	access, err := env.svc.Refresh(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)

	claims, err := ParseToken(env.svc.cfg, access)
	require.NoError(t, err)
	assert.Equal(t, "access", claims.Type)
	assert.Equal(t, "alice123", claims.Username)

	// 访问令牌不能用来刷新
	_, err = env.svc.Refresh(ctx, result.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// 用户被删除后刷新失败
	env.store.mu.Lock()
	for id := range env.store.users {
		delete(env.store.users, id)
	}
	env.store.mu.Unlock()
	_, err = env.svc.Refresh(ctx, result.Tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

// ============================================================================
// 资料与密码
// ============================================================================

func strPtr(s string) *string { return &s }

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	user := env.register(t, "alice123", "alice@example.com", "secret123")
	env.register(t, "bob12345", "bob@example.com", "secret123")

	updated, err := env.svc.UpdateProfile(ctx, user.ID, ProfileUpdate{
		Username: strPtr("alice456"),
		School:   strPtr("Tsinghua"),
		Nickname: strPtr("Al"),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice456", updated.Username)
	assert.Equal(t, "Tsinghua", updated.School)
	assert.Equal(t, "Al", updated.Nickname)

	// 占用他人用户名
	_, err = env.svc.UpdateProfile(ctx, user.ID, ProfileUpdate{Username: strPtr("bob12345")})
	var taken *IdentityTakenError
	require.ErrorAs(t, err, &taken)
	assert.Equal(t, "username", taken.Field)

	// 占用他人邮箱
	_, err = env.svc.UpdateProfile(ctx, user.ID, ProfileUpdate{Email: strPtr("bob@example.com")})
	require.ErrorAs(t, err, &taken)
	assert.Equal(t, "email", taken.Field)

	// 提交自己当前的用户名/邮箱是幂等操作
	_, err = env.svc.UpdateProfile(ctx, user.ID, ProfileUpdate{
		Username: strPtr("alice456"),
		Email:    strPtr("alice@example.com"),
	})
	assert.NoError(t, err)
}

func TestUpdateProfile_EmailChangeResetsVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	user := env.register(t, "alice123", "alice@example.com", "secret123")

	env.store.mutate(user.ID, func(u *model.User) { u.EmailVerified = true })

	updated, err := env.svc.UpdateProfile(ctx, user.ID, ProfileUpdate{Email: strPtr("new@example.com")})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", updated.Email)
	assert.False(t, updated.EmailVerified, "换邮箱后验证状态必须重置")
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	user := env.register(t, "alice123", "alice@example.com", "secret123")

	err := env.svc.ChangePassword(ctx, user.ID, "wrong-password", "newsecret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = env.svc.ChangePassword(ctx, user.ID, "secret123", "newsecret1")
	require.NoError(t, err)

	_, err = env.svc.Login(ctx, "alice@example.com", "secret123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.svc.Login(ctx, "alice@example.com", "newsecret1")
	assert.NoError(t, err)
}

// 验证码注册的手机号账号补设密码：先绑邮箱，首次设置不验证当前密码，
// 设置后手机号渠道保持可用。
func TestChangePassword_FirstTimeSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	code, _ := env.svc.SendPhoneCode(ctx, "13800000000")
	result, err := env.svc.PhoneLogin(ctx, "13800000000", code, "bob12345")
	require.NoError(t, err)
	userID := result.User.ID

	// 未绑定邮箱不能设置密码
	err = env.svc.ChangePassword(ctx, userID, "", "newsecret1")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = env.svc.UpdateProfile(ctx, userID, ProfileUpdate{Email: strPtr("bob@example.com")})
	require.NoError(t, err)

	err = env.svc.ChangePassword(ctx, userID, "", "newsecret1")
	require.NoError(t, err)

	// 邮箱渠道生效
	_, err = env.svc.Login(ctx, "bob@example.com", "newsecret1")
	assert.NoError(t, err)

	// 手机号渠道保留
	user, err := env.svc.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "13800000000", user.Phone)
}

func TestChangePassword_WechatBlocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.wechat.identity = &WechatIdentity{OpenID: "oX-1"}

	result, err := env.svc.WechatLogin(ctx, "code-1", "nickname1", "")
	require.NoError(t, err)

	err = env.svc.ChangePassword(ctx, result.User.ID, "", "newsecret1")
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

// ============================================================================
// 密码重置
// ============================================================================

func TestPasswordReset_FullFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.register(t, "alice123", "alice@example.com", "secret123")

	token, err := env.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Len(t, token, 64) // 32 字节十六进制

	require.NoError(t, env.svc.ResetPassword(ctx, token, "newsecret1"))

	_, err = env.svc.Login(ctx, "alice@example.com", "secret123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.svc.Login(ctx, "alice@example.com", "newsecret1")
	assert.NoError(t, err)

	// 令牌单次有效
	err = env.svc.ResetPassword(ctx, token, "another123")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestForgotPassword_UnknownEmailSilent(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.svc.ForgotPassword(t.Context(), "nobody@example.com")
	assert.NoError(t, err)
	assert.Empty(t, token)
}

func TestForgotPassword_WechatAccountSilent(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.wechat.identity = &WechatIdentity{OpenID: "oX-1"}

	result, err := env.svc.WechatLogin(ctx, "code-1", "nickname1", "")
	require.NoError(t, err)
	_, err = env.svc.UpdateProfile(ctx, result.User.ID, ProfileUpdate{Email: strPtr("wx@example.com")})
	require.NoError(t, err)

	// 微信账号不能经由重置流程获得密码
	token, err := env.svc.ForgotPassword(ctx, "wx@example.com")
	assert.NoError(t, err)
	assert.Empty(t, token)
}

func TestResetPassword_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	user := env.register(t, "alice123", "alice@example.com", "secret123")

	token, err := env.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)

	// 把令牌推到有效期之外
	env.store.mutate(user.ID, func(u *model.User) {
		u.PasswordReset.ExpiresAt = time.Now().Add(-time.Minute)
	})

	err = env.svc.ResetPassword(ctx, token, "newsecret1")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	// 旧密码仍然有效
	_, err = env.svc.Login(ctx, "alice@example.com", "secret123")
	assert.NoError(t, err)
}

func TestResetPassword_ReissueInvalidatesOld(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.register(t, "alice123", "alice@example.com", "secret123")

	first, err := env.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)
	second, err := env.svc.ForgotPassword(ctx, "alice@example.com")
	require.NoError(t, err)

	assert.ErrorIs(t, env.svc.ResetPassword(ctx, first, "newsecret1"), ErrInvalidOrExpiredToken)
	assert.NoError(t, env.svc.ResetPassword(ctx, second, "newsecret1"))
}

// ============================================================================
// 邮箱验证
// ============================================================================

func TestEmailVerification_FullFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	user := env.register(t, "alice123", "alice@example.com", "secret123")

	token, err := env.svc.SendEmailVerification(ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	verified, err := env.svc.VerifyEmail(ctx, token)
	require.NoError(t, err)
	assert.True(t, verified.EmailVerified)
	assert.Equal(t, user.ID, verified.ID)

	// 令牌单次有效
	_, err = env.svc.VerifyEmail(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	// 已验证账号不再签发
	_, err = env.svc.SendEmailVerification(ctx, user.ID)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSendEmailVerification_NoEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	code, _ := env.svc.SendPhoneCode(ctx, "13800000000")
	result, err := env.svc.PhoneLogin(ctx, "13800000000", code, "bob12345")
	require.NoError(t, err)

	_, err = env.svc.SendEmailVerification(ctx, result.User.ID)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

// ============================================================================
// 学校认证
// ============================================================================

func TestSchoolVerification_Flow(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	user := env.register(t, "alice123", "alice@example.com", "secret123")

	// 未填写学校拒绝提交
	_, err := env.svc.SubmitSchoolVerification(ctx, user.ID, "2021012345", "student_card", "")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = env.svc.UpdateProfile(ctx, user.ID, ProfileUpdate{School: strPtr("Tsinghua")})
	require.NoError(t, err)

	v, err := env.svc.SubmitSchoolVerification(ctx, user.ID, "2021012345", "student_card", "school-proofs/x/card.jpg")
	require.NoError(t, err)
	assert.Equal(t, model.SchoolVerificationPending, v.Status)
	assert.Equal(t, "2021012345", v.StudentID)
	assert.False(t, v.SubmittedAt.IsZero())

	// pending 状态禁止重复提交
	_, err = env.svc.SubmitSchoolVerification(ctx, user.ID, "2021012345", "student_card", "")
	require.ErrorAs(t, err, &ve)

	got, err := env.svc.GetSchoolVerification(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SchoolVerificationPending, got.Status)

	// 被拒绝后允许重新提交
	env.store.mutate(user.ID, func(u *model.User) {
		u.SchoolVerification.Status = model.SchoolVerificationRejected
	})
	v, err = env.svc.SubmitSchoolVerification(ctx, user.ID, "2021012345", "admission_letter", "")
	require.NoError(t, err)
	assert.Equal(t, model.SchoolVerificationPending, v.Status)
	assert.Equal(t, "admission_letter", v.Method)
}

func TestSchoolVerification_MissingFields(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	user := env.register(t, "alice123", "alice@example.com", "secret123")

	_, err := env.svc.SubmitSchoolVerification(ctx, user.ID, "", "student_card", "")
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = env.svc.SubmitSchoolVerification(ctx, user.ID, "2021012345", " ", "")
	assert.ErrorAs(t, err, &ve)
}

func TestGetUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	user := env.register(t, "alice123", "alice@example.com", "secret123")

	got, err := env.svc.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = env.svc.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
