package auth

import (
	"errors"
	"fmt"
)

// 认证流程的领域错误
//
// 凭证类错误刻意不区分具体原因（防止账号/令牌枚举）：
//   - ErrInvalidCredentials 同时覆盖"用户不存在"和"密码错误"
//   - ErrInvalidOrExpiredToken 同时覆盖"令牌不存在/过期/已消费"
//
// 会话令牌错误必须区分过期和无效，客户端据此决定是静默刷新还是
// 强制重新登录。
var (
	// ErrInvalidCredentials 邮箱或密码错误
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrInvalidCode 手机验证码错误或已过期
	ErrInvalidCode = errors.New("invalid or expired verification code")

	// ErrInvalidOrExpiredToken 一次性令牌不存在、过期或已被消费
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")

	// ErrTokenExpired 会话令牌已过期（客户端应刷新）
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid 会话令牌被篡改或格式错误（客户端应重新登录）
	ErrTokenInvalid = errors.New("invalid token")

	// ErrDeliveryFailed 验证码短信下发失败
	ErrDeliveryFailed = errors.New("failed to deliver verification code")

	// ErrUserNotFound 用户不存在（校验通过后的引用缺失）
	ErrUserNotFound = errors.New("user not found")
)

// ValidationError 输入校验失败，未做任何 I/O 即终止请求
type ValidationError struct {
	Message string
	// Fields 字段级错误信息，支持表单逐字段提示
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError 创建校验错误
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// IdentityTakenError 身份字段唯一性冲突
//
// 可能来自预检查（友好提示），也可能来自写入时的唯一索引兜底。
type IdentityTakenError struct {
	Field string
}

func (e *IdentityTakenError) Error() string {
	return fmt.Sprintf("%s is already taken", e.Field)
}

// ExternalAuthError 第三方身份交换失败
//
// 携带提供方返回的错误码和描述，本层不做自动重试。
type ExternalAuthError struct {
	Code    int
	Message string
}

func (e *ExternalAuthError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("wechat auth failed: %s (errcode %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("wechat auth failed: %s", e.Message)
}
