// Package auth 用户认证：JWT 令牌管理、密码/令牌哈希、HTTP 中间件
//
// 以及三条登录渠道（邮箱+密码、手机号+验证码、微信 OAuth）的编排逻辑。
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"studymate-server/internal/shared/model"
)

// contextKey context 键类型
type contextKey string

const ctxKeyAuthUser contextKey = "auth_user"

// JWT 签发方与受众标识
const (
	tokenIssuer   = "studymate-app"
	tokenAudience = "studymate-app-users"
)

// AuthUser 从 JWT 解析出的用户信息
type AuthUser struct {
	ID       string
	Username string
	Identity model.IdentityChannel
}

// Config 认证配置
//
// 刷新令牌使用后既不轮换也不失效（没有吊销存储），令牌在自然过期前
// 始终可用。这是有意保留的信任模型简化，不是疏漏。
type Config struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// DefaultConfig 返回默认认证配置
//
// 访问令牌 7 天有效期是面向移动端的取舍：接受较长的暴露窗口，
// 换取客户端极少触发重新登录。
func DefaultConfig() Config {
	return Config{
		JWTSecret:       "",
		AccessTokenTTL:  7 * 24 * time.Hour,
		RefreshTokenTTL: 30 * 24 * time.Hour,
	}
}

// ============================================================================
// 密码哈希 / 令牌摘要
// ============================================================================

// HashPassword 使用 bcrypt 哈希密码
//
// cost 12 使校验耗时落在几十毫秒量级。密码只在明文进入系统的那一刻
// 哈希一次（注册、改密、重置），已哈希的值不会被二次哈希。
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	return string(bytes), err
}

// CheckPassword 验证密码
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashToken 计算一次性令牌的存储摘要
//
// 令牌本身是高熵随机值，不需要 bcrypt 的自适应开销，
// SHA-256 足够且可以直接按摘要建索引查找。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// JWT Token
// ============================================================================

// Claims JWT 声明
//
// 只携带识别主体所需的最小信息，不含密码哈希或任何嵌套令牌。
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
	Identity string `json:"identity,omitempty"` // "email" | "phone" | "wechat"
	Type     string `json:"type,omitempty"`     // "access" | "refresh"
}

// GenerateAccessToken 生成访问令牌
func GenerateAccessToken(cfg Config, user *model.User) (string, error) {
	return generateToken(cfg, user, "access", cfg.AccessTokenTTL)
}

// GenerateRefreshToken 生成刷新令牌
func GenerateRefreshToken(cfg Config, user *model.User) (string, error) {
	return generateToken(cfg, user, "refresh", cfg.RefreshTokenTTL)
}

func generateToken(cfg Config, user *model.User, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: user.Username,
		Identity: string(user.Identity()),
		Type:     tokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ParseToken 解析并验证 JWT
//
// 签名、签发方、受众、过期时间都会检查。对外只区分两类失败：
// ErrTokenExpired（重新刷新即可）和 ErrTokenInvalid（篡改或垃圾值，
// 需要重新登录），内部哪项检查失败不向调用方泄露。
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(cfg.JWTSecret), nil
		},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ============================================================================
// Context 辅助函数
// ============================================================================

// WithAuthUser 将认证用户信息注入 context
func WithAuthUser(ctx context.Context, user *AuthUser) context.Context {
	return context.WithValue(ctx, ctxKeyAuthUser, user)
}

// GetAuthUser 从 context 获取认证用户
func GetAuthUser(ctx context.Context) *AuthUser {
	user, _ := ctx.Value(ctxKeyAuthUser).(*AuthUser)
	return user
}
