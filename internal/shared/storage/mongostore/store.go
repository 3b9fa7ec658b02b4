// Package mongostore 实现基于 MongoDB 的用户凭证存储
//
// 使用 mongo-go-driver v2，通过 bson tag 实现 model 结构体的序列化/反序列化。
// 所有 Collection 名称和索引在 ensureIndexes 中统一管理。
//
// 身份字段（email / phone / wechat_openid）使用稀疏唯一索引：
// 缺省值不参与唯一性约束，多个用户可以同时没有某个可选身份字段。
package mongostore

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection 名称常量
const (
	ColUsers = "users"
)

// Store MongoDB 存储实例
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewStore 创建 MongoDB 存储实例
//
// uri: MongoDB 连接 URI，如 "mongodb://localhost:27017"
// dbName: 数据库名称，如 "studymate"
func NewStore(uri, dbName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}

	// 验证连接
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{client: client, db: db}

	// 唯一索引是注册竞态的唯一权威防线，创建失败直接报错而非警告
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongostore: ensure indexes failed: %w", err)
	}

	log.Printf("[mongostore] Connected to %s/%s", uri, dbName)
	return s, nil
}

// Close 关闭 MongoDB 连接
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// col 获取指定 Collection
func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// ensureIndexes 创建所有必要的索引
func (s *Store) ensureIndexes(ctx context.Context) error {
	type idx struct {
		col    string
		keys   bson.D
		unique bool
		sparse bool
	}

	indexes := []idx{
		// users：username 必填唯一；三个身份渠道稀疏唯一
		{ColUsers, bson.D{{Key: "username", Value: 1}}, true, false},
		{ColUsers, bson.D{{Key: "email", Value: 1}}, true, true},
		{ColUsers, bson.D{{Key: "phone", Value: 1}}, true, true},
		{ColUsers, bson.D{{Key: "wechat_openid", Value: 1}}, true, true},

		// 密码重置令牌按摘要查找
		{ColUsers, bson.D{{Key: "password_reset.token_hash", Value: 1}}, false, true},
		{ColUsers, bson.D{{Key: "email_verification.token_hash", Value: 1}}, false, true},
	}

	for _, i := range indexes {
		model := mongo.IndexModel{Keys: i.keys}
		opts := options.Index()
		if i.unique {
			opts = opts.SetUnique(true)
		}
		if i.sparse {
			opts = opts.SetSparse(true)
		}
		if i.unique || i.sparse {
			model.Options = opts
		}
		if _, err := s.col(i.col).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("create index on %s: %w", i.col, err)
		}
	}

	return nil
}
