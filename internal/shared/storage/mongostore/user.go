package mongostore

import (
	"context"
	"errors"
	"time"

	"studymate-server/internal/shared/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// UserStore
// ============================================================================

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	return insertOne(ctx, s.col(ColUsers), user)
}

// SaveUser 整体保存用户记录
//
// 唯一键冲突（如并发改名撞车）由唯一索引兜底，转换为 DuplicateKeyError。
func (s *Store) SaveUser(ctx context.Context, user *model.User) error {
	res, err := s.col(ColUsers).ReplaceOne(ctx, bson.D{{Key: "_id", Value: user.ID}}, user)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		return errors.New("save user: no matching document")
	}
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return findOne[model.User](ctx, s.col(ColUsers), bson.D{{Key: "_id", Value: id}})
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return findOne[model.User](ctx, s.col(ColUsers), bson.D{{Key: "email", Value: model.NormalizeEmail(email)}})
}

func (s *Store) GetUserByPhone(ctx context.Context, phone string) (*model.User, error) {
	return findOne[model.User](ctx, s.col(ColUsers), bson.D{{Key: "phone", Value: phone}})
}

func (s *Store) GetUserByOpenID(ctx context.Context, openID string) (*model.User, error) {
	return findOne[model.User](ctx, s.col(ColUsers), bson.D{{Key: "wechat_openid", Value: openID}})
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return findOne[model.User](ctx, s.col(ColUsers), bson.D{{Key: "username", Value: username}})
}

func (s *Store) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	return updateFields(ctx, s.col(ColUsers), id, bson.D{
		{Key: "password_hash", Value: passwordHash},
		{Key: "updated_at", Value: time.Now()},
	})
}

// ============================================================================
// 一次性密钥令牌（密码重置 / 邮箱验证）
// ============================================================================

// SetPasswordResetToken 记录密码重置令牌摘要
// 同一用户重复请求时直接覆盖，任何时刻至多一个有效重置请求
func (s *Store) SetPasswordResetToken(ctx context.Context, id string, token *model.SecretToken) error {
	return updateFields(ctx, s.col(ColUsers), id, bson.D{
		{Key: "password_reset", Value: token},
		{Key: "updated_at", Value: time.Now()},
	})
}

// ConsumePasswordResetToken 原子消费密码重置令牌
//
// 查找与清除在同一个条件更新中完成：过滤条件要求摘要匹配且未过期，
// 命中后同时写入新密码哈希并清空令牌字段。两个并发消费者拿着同一个
// 令牌时只有一个能匹配到仍然持有令牌的文档。
//
// 未命中（令牌错误、已过期或已被消费）返回 (nil, nil)，调用方统一
// 映射为同一种错误，不向外泄露具体原因。
func (s *Store) ConsumePasswordResetToken(ctx context.Context, tokenHash, newPasswordHash string) (*model.User, error) {
	filter := bson.D{
		{Key: "password_reset.token_hash", Value: tokenHash},
		{Key: "password_reset.expires_at", Value: bson.D{{Key: "$gt", Value: time.Now()}}},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "password_hash", Value: newPasswordHash},
			{Key: "updated_at", Value: time.Now()},
		}},
		{Key: "$unset", Value: bson.D{{Key: "password_reset", Value: ""}}},
	}

	var user model.User
	err := s.col(ColUsers).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, wrapError(err)
	}
	return &user, nil
}

// SetEmailVerificationToken 记录邮箱验证令牌摘要
func (s *Store) SetEmailVerificationToken(ctx context.Context, id string, token *model.SecretToken) error {
	return updateFields(ctx, s.col(ColUsers), id, bson.D{
		{Key: "email_verification", Value: token},
		{Key: "updated_at", Value: time.Now()},
	})
}

// ConsumeEmailVerificationToken 原子消费邮箱验证令牌，命中后标记邮箱已验证
func (s *Store) ConsumeEmailVerificationToken(ctx context.Context, tokenHash string) (*model.User, error) {
	filter := bson.D{
		{Key: "email_verification.token_hash", Value: tokenHash},
		{Key: "email_verification.expires_at", Value: bson.D{{Key: "$gt", Value: time.Now()}}},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "email_verified", Value: true},
			{Key: "updated_at", Value: time.Now()},
		}},
		{Key: "$unset", Value: bson.D{{Key: "email_verification", Value: ""}}},
	}

	var user model.User
	err := s.col(ColUsers).FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, wrapError(err)
	}
	return &user, nil
}

// ============================================================================
// 学校认证
// ============================================================================

func (s *Store) SetSchoolVerification(ctx context.Context, id string, v *model.SchoolVerification) error {
	return updateFields(ctx, s.col(ColUsers), id, bson.D{
		{Key: "school_verification", Value: v},
		{Key: "updated_at", Value: time.Now()},
	})
}
