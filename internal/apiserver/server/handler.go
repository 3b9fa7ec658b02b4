// Package server 路由配置与核心基础设施
//
// 认证子系统的所有业务路由在 auth 包中定义，本包负责：
//   - Router: 组装路由与指标中间件
//   - Health: 健康检查
//   - metrics.go: Prometheus 指标
package server

import (
	"encoding/json"
	"net/http"

	"studymate-server/internal/apiserver/auth"
)

// Handler API Server 核心处理器
type Handler struct {
	authHandler *auth.Handler
	metrics     *Metrics
}

// NewHandler 创建核心处理器
func NewHandler(authHandler *auth.Handler) *Handler {
	return &Handler{
		authHandler: authHandler,
		metrics:     NewMetrics("studymate"),
	}
}

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查 / 指标:
//   - GET  /health  - 服务健康检查
//   - GET  /metrics - Prometheus 指标
//
// 认证 (auth 包):
//   - POST /api/auth/register            - 邮箱注册
//   - POST /api/auth/login               - 邮箱登录
//   - POST /api/auth/forgot-password     - 请求密码重置
//   - POST /api/auth/reset-password      - 重置密码
//   - POST /api/auth/refresh-token       - 刷新访问令牌
//   - PUT  /api/auth/profile             - 更新资料（登录）
//   - PUT  /api/auth/change-password     - 修改密码（登录）
//   - GET  /api/auth/me                  - 当前用户（登录）
//   - POST /api/auth/phone/send-code     - 发送手机验证码
//   - POST /api/auth/phone/login         - 手机验证码登录/注册
//   - POST /api/auth/wechat/login        - 微信登录/注册
//   - POST /api/auth/send-verify-email   - 签发邮箱验证令牌（登录）
//   - POST /api/auth/verify-email        - 验证邮箱
//   - POST /api/auth/school/verify       - 提交学校认证（登录）
//   - GET  /api/auth/school/verify       - 学校认证状态（登录）
//   - POST /api/auth/school/verify/proof - 上传证明材料（登录）
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", MetricsHandler())

	h.authHandler.RegisterRoutes(mux)

	return h.metrics.Middleware(mux)
}

// Health 健康检查
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
