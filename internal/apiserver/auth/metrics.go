package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 认证流程指标
var authAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "studymate",
		Name:      "auth_attempts_total",
		Help:      "Authentication attempts by flow and outcome",
	},
	[]string{"flow", "outcome"},
)

// recordAuthAttempt 记录一次认证尝试
// flow: register | email_login | phone_login | wechat_login
func recordAuthAttempt(flow, outcome string) {
	authAttemptsTotal.WithLabelValues(flow, outcome).Inc()
}
