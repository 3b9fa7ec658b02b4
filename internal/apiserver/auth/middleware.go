package auth

import (
	"errors"
	"net/http"
	"strings"

	"studymate-server/internal/shared/model"
)

// BearerToken 从请求头提取 Bearer 令牌，没有或格式错误返回空串
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireAuth 保护需要登录的路由
//
// 解析访问令牌并把用户信息注入 context。过期和无效返回不同的
// 提示信息，客户端据此决定刷新还是重新登录。
func (h *Handler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		claims, err := ParseToken(h.cfg, token)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "token expired, please refresh")
			} else {
				writeError(w, http.StatusUnauthorized, "invalid token, please log in again")
			}
			return
		}
		if claims.Type != "access" {
			writeError(w, http.StatusUnauthorized, "invalid token type")
			return
		}

		user := &AuthUser{
			ID:       claims.Subject,
			Username: claims.Username,
			Identity: model.IdentityChannel(claims.Identity),
		}
		next(w, r.WithContext(WithAuthUser(r.Context(), user)))
	}
}
