// Package redis Redis 验证码存储实现
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"studymate-server/internal/shared/cache"
)

// Store Redis 缓存存储
type Store struct {
	client *redis.Client
}

// NewStoreFromURL 从 URL 创建 Redis 缓存实例
func NewStoreFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[redis] Connected to %s", opts.Addr)
	return &Store{client: client}, nil
}

// NewStoreFromClient 从现有 Redis 客户端创建缓存实例
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// ============================================================================
// CodeStore
// ============================================================================

// 校验与删除必须原子完成，否则两个并发的正确校验都会通过。
// GET 与 DEL 合并进一个 Lua 脚本，只有值匹配时才删除。
var consumeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// SetCode 写入验证码，SET 覆盖旧值并重置 TTL（后写者胜）
func (s *Store) SetCode(ctx context.Context, phone, code string) error {
	key := cache.KeyPhoneCode + phone
	return s.client.Set(ctx, key, code, cache.CodeTTL).Err()
}

// ConsumeCode 校验并消费验证码
func (s *Store) ConsumeCode(ctx context.Context, phone, code string) (bool, error) {
	key := cache.KeyPhoneCode + phone
	n, err := consumeScript.Run(ctx, s.client, []string{key}, code).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ cache.CodeStore = (*Store)(nil)
