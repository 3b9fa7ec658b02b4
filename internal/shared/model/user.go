// Package model 定义核心数据模型
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// IdentityChannel 登录渠道
type IdentityChannel string

const (
	ChannelEmail  IdentityChannel = "email"
	ChannelPhone  IdentityChannel = "phone"
	ChannelWechat IdentityChannel = "wechat"
)

// SchoolVerificationStatus 学校认证状态
type SchoolVerificationStatus string

const (
	SchoolVerificationPending  SchoolVerificationStatus = "pending"
	SchoolVerificationApproved SchoolVerificationStatus = "approved"
	SchoolVerificationRejected SchoolVerificationStatus = "rejected"
)

// SchoolVerification 学校认证记录
//
// 状态机：无 → pending → approved|rejected。
// pending/approved 状态下不允许重复提交。
type SchoolVerification struct {
	StudentID   string                   `json:"studentId" bson:"student_id"`
	Method      string                   `json:"method" bson:"method"`
	Status      SchoolVerificationStatus `json:"status" bson:"status"`
	ProofRef    string                   `json:"proofRef,omitempty" bson:"proof_ref,omitempty"`
	SubmittedAt time.Time                `json:"submittedAt" bson:"submitted_at"`
	VerifiedAt  *time.Time               `json:"verifiedAt,omitempty" bson:"verified_at,omitempty"`
	VerifiedBy  string                   `json:"verifiedBy,omitempty" bson:"verified_by,omitempty"`
}

// SecretToken 一次性密钥令牌（密码重置 / 邮箱验证）
//
// 只存储 SHA-256 摘要，明文仅在签发时返回调用方一次。
type SecretToken struct {
	TokenHash string    `json:"-" bson:"token_hash"`
	ExpiresAt time.Time `json:"-" bson:"expires_at"`
}

// User 用户账号
//
// 一个账号可以通过三种互相独立的渠道建立：邮箱+密码、手机号+验证码、
// 微信 OAuth。渠道字段均为可选，但至少要有一个存在（见 Validate）。
// 渠道只增不减：验证码注册的用户之后可以补设密码、绑定邮箱。
type User struct {
	ID       string `json:"id" bson:"_id"`
	Username string `json:"username" bson:"username"`

	// 身份渠道字段，稀疏唯一索引由 mongostore 维护
	Email         string `json:"email,omitempty" bson:"email,omitempty"`
	Phone         string `json:"phone,omitempty" bson:"phone,omitempty"`
	WechatOpenID  string `json:"-" bson:"wechat_openid,omitempty"`
	WechatUnionID string `json:"-" bson:"wechat_unionid,omitempty"`

	PasswordHash string `json:"-" bson:"password_hash,omitempty"` // never expose in JSON

	Nickname string `json:"nickname,omitempty" bson:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty" bson:"avatar,omitempty"`
	School   string `json:"school,omitempty" bson:"school,omitempty"`

	EmailVerified bool `json:"emailVerified" bson:"email_verified"`

	SchoolVerification *SchoolVerification `json:"schoolVerification,omitempty" bson:"school_verification,omitempty"`

	PasswordReset     *SecretToken `json:"-" bson:"password_reset,omitempty"`
	EmailVerification *SecretToken `json:"-" bson:"email_verification,omitempty"`

	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

// 输入校验边界
const (
	UsernameMinLen = 3
	UsernameMaxLen = 20
	PasswordMinLen = 6
)

var (
	emailRegex = regexp.MustCompile(`^\S+@\S+\.\S+$`)
	phoneRegex = regexp.MustCompile(`^1[3-9]\d{9}$`)
)

// IsValidEmail 校验邮箱格式
func IsValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// IsValidPhone 校验手机号格式（中国大陆手机号）
func IsValidPhone(phone string) bool {
	return phoneRegex.MatchString(phone)
}

// IsValidUsername 校验用户名长度
func IsValidUsername(username string) bool {
	n := len([]rune(username))
	return n >= UsernameMinLen && n <= UsernameMaxLen
}

// NormalizeEmail 邮箱写入前归一化：去空白 + 小写
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate 检查账号不变量，每次写入前调用
//
// 不变量：
//  1. email / phone / wechat_openid 至少存在一个
//  2. 设置了密码的账号必须有 email 且不能是微信账号
//     （密码只对邮箱登录有意义，OAuth 账号天然无密码）
func (u *User) Validate() error {
	if !IsValidUsername(u.Username) {
		return fmt.Errorf("username must be %d-%d characters", UsernameMinLen, UsernameMaxLen)
	}
	if u.Email == "" && u.Phone == "" && u.WechatOpenID == "" {
		return fmt.Errorf("user must have at least one identity channel (email, phone or wechat)")
	}
	if u.Email != "" && !IsValidEmail(u.Email) {
		return fmt.Errorf("invalid email format")
	}
	if u.Phone != "" && !IsValidPhone(u.Phone) {
		return fmt.Errorf("invalid phone format")
	}
	if u.PasswordHash != "" {
		if u.Email == "" {
			return fmt.Errorf("password requires an email channel")
		}
		if u.WechatOpenID != "" {
			return fmt.Errorf("wechat accounts cannot carry a password")
		}
	}
	return nil
}

// Identity 返回账号的展示身份提示，嵌入会话令牌的 claims
func (u *User) Identity() IdentityChannel {
	switch {
	case u.Email != "":
		return ChannelEmail
	case u.Phone != "":
		return ChannelPhone
	default:
		return ChannelWechat
	}
}

// CanSubmitSchoolVerification 是否允许提交学校认证
//
// pending / approved 状态下拒绝重复提交；rejected 后可以重新提交。
func (u *User) CanSubmitSchoolVerification() error {
	if u.School == "" {
		return fmt.Errorf("school must be set before requesting verification")
	}
	if v := u.SchoolVerification; v != nil {
		switch v.Status {
		case SchoolVerificationPending:
			return fmt.Errorf("a verification request is already pending")
		case SchoolVerificationApproved:
			return fmt.Errorf("school is already verified")
		}
	}
	return nil
}
