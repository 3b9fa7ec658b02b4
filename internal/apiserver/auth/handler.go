package auth

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"studymate-server/internal/shared/objstore"
)

// 证明材料上传大小上限
const maxProofSize = 10 << 20 // 10 MiB

// Handler 认证 HTTP 处理器
type Handler struct {
	svc     *Service
	cfg     Config
	proofs  *objstore.Client // 可为 nil（未配置对象存储）
	devMode bool             // 非生产模式下在响应中透出验证码/重置令牌
}

// NewHandler 创建认证处理器
func NewHandler(svc *Service, cfg Config, proofs *objstore.Client, devMode bool) *Handler {
	return &Handler{svc: svc, cfg: cfg, proofs: proofs, devMode: devMode}
}

// RegisterRoutes 注册认证相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/register", h.Register)
	mux.HandleFunc("POST /api/auth/login", h.Login)
	mux.HandleFunc("POST /api/auth/forgot-password", h.ForgotPassword)
	mux.HandleFunc("POST /api/auth/reset-password", h.ResetPassword)
	mux.HandleFunc("POST /api/auth/refresh-token", h.RefreshToken)
	mux.HandleFunc("PUT /api/auth/profile", h.RequireAuth(h.UpdateProfile))
	mux.HandleFunc("PUT /api/auth/change-password", h.RequireAuth(h.ChangePassword))
	mux.HandleFunc("GET /api/auth/me", h.RequireAuth(h.Me))
	mux.HandleFunc("POST /api/auth/phone/send-code", h.SendPhoneCode)
	mux.HandleFunc("POST /api/auth/phone/login", h.PhoneLogin)
	mux.HandleFunc("POST /api/auth/wechat/login", h.WechatLogin)
	mux.HandleFunc("POST /api/auth/send-verify-email", h.RequireAuth(h.SendVerifyEmail))
	mux.HandleFunc("POST /api/auth/verify-email", h.VerifyEmail)
	mux.HandleFunc("POST /api/auth/school/verify", h.RequireAuth(h.SubmitSchoolVerification))
	mux.HandleFunc("GET /api/auth/school/verify", h.RequireAuth(h.GetSchoolVerification))
	mux.HandleFunc("POST /api/auth/school/verify/proof", h.RequireAuth(h.UploadProof))
}

// ============================================================================
// 请求类型
// ============================================================================

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	School   string `json:"school"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type updateProfileRequest struct {
	Username *string `json:"username"`
	School   *string `json:"school"`
	Avatar   *string `json:"avatar"`
	Nickname *string `json:"nickname"`
	Email    *string `json:"email"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type sendCodeRequest struct {
	Phone string `json:"phone"`
}

type phoneLoginRequest struct {
	Phone    string `json:"phone"`
	Code     string `json:"code"`
	Username string `json:"username"`
}

type wechatLoginRequest struct {
	Code     string `json:"code"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

type schoolVerifyRequest struct {
	StudentID          string `json:"studentId"`
	VerificationMethod string `json:"verificationMethod"`
	ProofRef           string `json:"proofRef"`
}

// ============================================================================
// Handlers
// ============================================================================

// Register 用户注册
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.svc.Register(r.Context(), RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		School:   req.School,
	})
	if err != nil {
		recordAuthAttempt("register", "failure")
		h.writeServiceError(w, err)
		return
	}

	recordAuthAttempt("register", "success")
	writeSuccess(w, http.StatusCreated, "registration successful", map[string]interface{}{
		"user": user,
	})
}

// Login 邮箱密码登录
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		recordAuthAttempt("email_login", "failure")
		h.writeServiceError(w, err)
		return
	}

	recordAuthAttempt("email_login", "success")
	writeSuccess(w, http.StatusOK, "login successful", map[string]interface{}{
		"user":         result.User,
		"accessToken":  result.Tokens.AccessToken,
		"refreshToken": result.Tokens.RefreshToken,
	})
}

// ForgotPassword 请求密码重置
//
// 对存在和不存在的邮箱返回完全一致的响应（枚举防护）。
// 非生产模式下把明文令牌透出到响应里，代替真实的邮件投递。
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.svc.ForgotPassword(r.Context(), req.Email)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	var data map[string]interface{}
	if h.devMode && token != "" {
		data = map[string]interface{}{"devToken": token}
	}
	writeSuccess(w, http.StatusOK, "if the email is registered, a reset link has been sent", data)
}

// ResetPassword 消费重置令牌并设置新密码
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "password has been reset", nil)
}

// RefreshToken 刷新访问令牌
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	access, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "token refreshed", map[string]interface{}{
		"accessToken": access,
	})
}

// UpdateProfile 更新用户资料
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	authUser := GetAuthUser(r.Context())

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.svc.UpdateProfile(r.Context(), authUser.ID, ProfileUpdate{
		Username: req.Username,
		School:   req.School,
		Avatar:   req.Avatar,
		Nickname: req.Nickname,
		Email:    req.Email,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "profile updated", map[string]interface{}{
		"user": user,
	})
}

// ChangePassword 修改密码
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	authUser := GetAuthUser(r.Context())

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.ChangePassword(r.Context(), authUser.ID, req.CurrentPassword, req.NewPassword); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "password updated", nil)
}

// Me 获取当前用户信息
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	authUser := GetAuthUser(r.Context())

	user, err := h.svc.GetUser(r.Context(), authUser.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", map[string]interface{}{
		"user": user,
	})
}

// SendPhoneCode 发送手机验证码
func (h *Handler) SendPhoneCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	code, err := h.svc.SendPhoneCode(r.Context(), req.Phone)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	var data map[string]interface{}
	if h.devMode {
		data = map[string]interface{}{"devCode": code}
	}
	writeSuccess(w, http.StatusOK, "verification code sent", data)
}

// PhoneLogin 手机号验证码登录/注册
func (h *Handler) PhoneLogin(w http.ResponseWriter, r *http.Request) {
	var req phoneLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.svc.PhoneLogin(r.Context(), req.Phone, req.Code, req.Username)
	if err != nil {
		recordAuthAttempt("phone_login", "failure")
		h.writeServiceError(w, err)
		return
	}
	recordAuthAttempt("phone_login", "success")
	h.writeLoginResult(w, result)
}

// WechatLogin 微信登录/注册
func (h *Handler) WechatLogin(w http.ResponseWriter, r *http.Request) {
	var req wechatLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.svc.WechatLogin(r.Context(), req.Code, req.Nickname, req.Avatar)
	if err != nil {
		recordAuthAttempt("wechat_login", "failure")
		h.writeServiceError(w, err)
		return
	}
	recordAuthAttempt("wechat_login", "success")
	h.writeLoginResult(w, result)
}

// writeLoginResult 按 Outcome 返回登录或注册的响应
func (h *Handler) writeLoginResult(w http.ResponseWriter, result *LoginResult) {
	status := http.StatusOK
	message := "login successful"
	if result.Outcome == OutcomeCreated {
		status = http.StatusCreated
		message = "account created"
	}
	writeSuccess(w, status, message, map[string]interface{}{
		"user":         result.User,
		"accessToken":  result.Tokens.AccessToken,
		"refreshToken": result.Tokens.RefreshToken,
	})
}

// SendVerifyEmail 签发邮箱验证令牌
func (h *Handler) SendVerifyEmail(w http.ResponseWriter, r *http.Request) {
	authUser := GetAuthUser(r.Context())

	token, err := h.svc.SendEmailVerification(r.Context(), authUser.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	var data map[string]interface{}
	if h.devMode {
		data = map[string]interface{}{"devToken": token}
	}
	writeSuccess(w, http.StatusOK, "verification email sent", data)
}

// VerifyEmail 消费邮箱验证令牌
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.svc.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "email verified", map[string]interface{}{
		"user": user,
	})
}

// SubmitSchoolVerification 提交学校认证
func (h *Handler) SubmitSchoolVerification(w http.ResponseWriter, r *http.Request) {
	authUser := GetAuthUser(r.Context())

	var req schoolVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	v, err := h.svc.SubmitSchoolVerification(r.Context(), authUser.ID, req.StudentID, req.VerificationMethod, req.ProofRef)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "verification submitted", map[string]interface{}{
		"verification": v,
	})
}

// GetSchoolVerification 查询学校认证状态
func (h *Handler) GetSchoolVerification(w http.ResponseWriter, r *http.Request) {
	authUser := GetAuthUser(r.Context())

	v, err := h.svc.GetSchoolVerification(r.Context(), authUser.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", map[string]interface{}{
		"verification": v,
	})
}

// UploadProof 上传学校认证证明材料，返回 proofRef
func (h *Handler) UploadProof(w http.ResponseWriter, r *http.Request) {
	authUser := GetAuthUser(r.Context())

	if h.proofs == nil {
		writeError(w, http.StatusServiceUnavailable, "proof upload is not configured")
		return
	}

	if err := r.ParseMultipartForm(maxProofSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("proof")
	if err != nil {
		writeError(w, http.StatusBadRequest, "proof file is required")
		return
	}
	defer file.Close()

	key := objstore.ProofKey(authUser.ID, header.Filename)
	contentType := header.Header.Get("Content-Type")
	if err := h.proofs.Upload(r.Context(), key, file, header.Size, contentType); err != nil {
		log.Printf("[auth] proof upload failed for user %s: %v", authUser.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to store proof")
		return
	}

	writeSuccess(w, http.StatusCreated, "proof uploaded", map[string]interface{}{
		"proofRef": key,
	})
}

// ============================================================================
// 响应工具
// ============================================================================

type apiResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Data    interface{}       `json:"data,omitempty"`
	Field   string            `json:"field,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeSuccess(w http.ResponseWriter, status int, message string, data interface{}) {
	writeJSON(w, status, apiResponse{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiResponse{Success: false, Message: message})
}

// writeServiceError 把领域错误映射为 HTTP 响应
//
// 未识别的内部错误对客户端只暴露通用提示，细节进日志。
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Message: ve.Message, Errors: ve.Fields})
		return
	}
	var taken *IdentityTakenError
	if errors.As(err, &taken) {
		writeJSON(w, http.StatusConflict, apiResponse{Success: false, Message: taken.Error(), Field: taken.Field})
		return
	}
	var ext *ExternalAuthError
	if errors.As(err, &ext) {
		writeError(w, http.StatusBadGateway, ext.Error())
		return
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, ErrInvalidCredentials.Error())
	case errors.Is(err, ErrInvalidCode):
		writeError(w, http.StatusUnauthorized, ErrInvalidCode.Error())
	case errors.Is(err, ErrInvalidOrExpiredToken):
		writeError(w, http.StatusBadRequest, ErrInvalidOrExpiredToken.Error())
	case errors.Is(err, ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token expired, please refresh")
	case errors.Is(err, ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "invalid token, please log in again")
	case errors.Is(err, ErrDeliveryFailed):
		writeError(w, http.StatusBadGateway, ErrDeliveryFailed.Error())
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, ErrUserNotFound.Error())
	default:
		log.Printf("[auth] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
