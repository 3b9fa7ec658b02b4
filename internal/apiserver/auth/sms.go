package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"
)

// GenerateCode 生成 6 位数字验证码，在 000000–999999 上均匀分布
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// SMSSender 短信下发接口
//
// 下发失败必须让整个 send-code 流程失败，不允许在未送达的情况下
// 创建或修改任何用户记录。
type SMSSender interface {
	SendVerificationCode(ctx context.Context, phone, code string) error
}

// ============================================================================
// HTTP 短信服务商
// ============================================================================

// SMSConfig 短信服务商配置
type SMSConfig struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`
}

// HTTPSMSSender 通过短信服务商 HTTP API 下发验证码
type HTTPSMSSender struct {
	cfg    SMSConfig
	client *http.Client
}

// NewHTTPSMSSender 创建短信下发客户端
func NewHTTPSMSSender(cfg SMSConfig) *HTTPSMSSender {
	return &HTTPSMSSender{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendVerificationCode 调用服务商接口下发验证码
func (s *HTTPSMSSender) SendVerificationCode(ctx context.Context, phone, code string) error {
	body, err := json.Marshal(map[string]string{
		"phone":    phone,
		"code":     code,
		"template": "verification",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sms provider returned status %d", resp.StatusCode)
	}
	return nil
}

// ============================================================================
// 开发环境实现
// ============================================================================

// LogSMSSender 开发环境短信实现：只打印到日志，不实际下发
type LogSMSSender struct{}

// SendVerificationCode 打印验证码
func (LogSMSSender) SendVerificationCode(_ context.Context, phone, code string) error {
	log.Printf("[sms] verification code for %s: %s (valid 5 minutes)", phone, code)
	return nil
}

var (
	_ SMSSender = (*HTTPSMSSender)(nil)
	_ SMSSender = LogSMSSender{}
)
