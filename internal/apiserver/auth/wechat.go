package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

// 微信小程序 code2session 默认接口地址
const defaultWechatEndpoint = "https://api.weixin.qq.com/sns/jscode2session"

// WechatIdentity 微信身份交换结果
type WechatIdentity struct {
	OpenID  string // 应用内稳定的用户标识
	UnionID string // 同一微信开放平台账号的跨应用标识，可能为空
}

// WechatVerifier 第三方身份校验接口
//
// 把一次性的授权 code 换成稳定的外部身份标识。提供方报错
// （code 无效/过期、配置错误）以 ExternalAuthError 形式返回，
// 本层不自动重试，重试策略由调用方决定。
type WechatVerifier interface {
	Exchange(ctx context.Context, code string) (*WechatIdentity, error)
}

// WechatConfig 微信小程序配置
type WechatConfig struct {
	AppID    string `yaml:"app_id"`
	Secret   string `yaml:"secret"`
	Endpoint string `yaml:"endpoint"` // 留空使用微信官方地址，测试时指向 mock
}

// WechatClient 微信 code2session 客户端
type WechatClient struct {
	cfg    WechatConfig
	client *http.Client
}

// NewWechatClient 创建微信身份交换客户端
func NewWechatClient(cfg WechatConfig) *WechatClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultWechatEndpoint
	}
	return &WechatClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// jscode2session 响应体。session_key 不出本方法，不落库、不打日志。
type wechatSessionResponse struct {
	OpenID     string `json:"openid"`
	SessionKey string `json:"session_key"`
	UnionID    string `json:"unionid"`
	ErrCode    int    `json:"errcode"`
	ErrMsg     string `json:"errmsg"`
}

// Exchange 用授权 code 换取 OpenID / UnionID
func (c *WechatClient) Exchange(ctx context.Context, code string) (*WechatIdentity, error) {
	if c.cfg.AppID == "" || c.cfg.Secret == "" {
		return nil, &ExternalAuthError{Message: "wechat app credentials not configured"}
	}

	params := url.Values{}
	params.Set("appid", c.cfg.AppID)
	params.Set("secret", c.cfg.Secret)
	params.Set("js_code", code)
	params.Set("grant_type", "authorization_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ExternalAuthError{Message: err.Error()}
	}
	defer resp.Body.Close()

	var body wechatSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &ExternalAuthError{Message: fmt.Sprintf("malformed response: %v", err)}
	}
	if body.ErrCode != 0 {
		return nil, &ExternalAuthError{Code: body.ErrCode, Message: body.ErrMsg}
	}
	if body.OpenID == "" {
		return nil, &ExternalAuthError{Message: "provider returned empty openid"}
	}

	return &WechatIdentity{OpenID: body.OpenID, UnionID: body.UnionID}, nil
}

// MockWechatVerifier 开发环境微信身份实现
//
// 未配置 AppID 时使用，按 code 生成确定的假 OpenID。
type MockWechatVerifier struct{}

// Exchange 返回模拟身份
func (MockWechatVerifier) Exchange(_ context.Context, code string) (*WechatIdentity, error) {
	log.Printf("[wechat] dev mode: issuing mock identity for code %s", code)
	return &WechatIdentity{OpenID: "mock_openid_" + code}, nil
}

var (
	_ WechatVerifier = (*WechatClient)(nil)
	_ WechatVerifier = MockWechatVerifier{}
)
