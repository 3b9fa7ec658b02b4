// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 驱动实现（mongostore）负责将底层错误转换为这些领域错误。
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 实体不存在
	// 替代 mongo.ErrNoDocuments
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate 唯一键冲突
	ErrDuplicate = errors.New("duplicate: entity already exists")
)

// DuplicateKeyError 唯一键冲突，带具体冲突字段
//
// 并发写入下唯一索引是唯一可靠的去重手段，应用层的
// "先查后插" 只能用来提前给出友好错误信息。冲突字段来自
// 索引名解析，调用方据此返回 409 和 field 提示。
type DuplicateKeyError struct {
	Field string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate value for field %q", e.Field)
}

// Is 让 errors.Is(err, ErrDuplicate) 对 DuplicateKeyError 成立
func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicate
}
