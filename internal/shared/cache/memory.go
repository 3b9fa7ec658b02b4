package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCodeStore 进程内验证码存储
//
// 用于开发环境和测试，不依赖外部 Redis。过期检查发生在读取时，
// 没有单独的清理协程（条目数量以活跃手机号为上限，可以接受）。
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]memoryCode
	ttl   time.Duration
	now   func() time.Time // 测试注入时钟
}

type memoryCode struct {
	code      string
	expiresAt time.Time
}

// NewMemoryCodeStore 创建进程内验证码存储
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{
		codes: make(map[string]memoryCode),
		ttl:   CodeTTL,
		now:   time.Now,
	}
}

// SetCode 写入验证码，覆盖旧码
func (s *MemoryCodeStore) SetCode(_ context.Context, phone, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[phone] = memoryCode{code: code, expiresAt: s.now().Add(s.ttl)}
	return nil
}

// ConsumeCode 校验并消费验证码
func (s *MemoryCodeStore) ConsumeCode(_ context.Context, phone, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[phone]
	if !ok {
		return false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.codes, phone)
		return false, nil
	}
	if entry.code != code {
		return false, nil
	}
	delete(s.codes, phone)
	return true, nil
}

// Close 实现 CodeStore 接口
func (s *MemoryCodeStore) Close() error {
	return nil
}

var _ CodeStore = (*MemoryCodeStore)(nil)
