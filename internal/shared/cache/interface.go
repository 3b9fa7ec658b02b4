// Package cache 缓存层抽象接口
//
// 提供短 TTL 临时状态的存取能力，当前由 Redis 实现，
// 开发/测试环境可使用进程内实现。
package cache

import (
	"context"
	"time"
)

// CodeTTL 手机验证码有效期
const CodeTTL = 5 * time.Minute

// KeyPhoneCode 验证码键前缀
const KeyPhoneCode = "auth:code:"

// CodeStore 手机验证码存储接口
//
// 语义约束：
//   - 同一手机号任何时刻至多一个有效验证码，重新下发覆盖旧码
//   - 验证即消费：校验成功后验证码立即失效，不可重放
//   - 验证码在 CodeTTL 后自动过期
type CodeStore interface {
	// SetCode 写入验证码，覆盖该手机号之前的验证码
	SetCode(ctx context.Context, phone, code string) error

	// ConsumeCode 校验并消费验证码
	// 返回 true 表示验证码正确且未过期，同时原子移除该验证码，
	// 两个并发的正确校验只有一个返回 true
	ConsumeCode(ctx context.Context, phone, code string) (bool, error)

	Close() error
}
