// Package vaulterr 定义对外错误分类。
//
// 约定：
//   - 服务层只返回这里的类型（或用 %w 包住它们），HTTP 层据此映射状态码；
//   - 内部细节（路径、SQL、密钥信息）不允许进入这些错误的文案。
package vaulterr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 表示证据或案件不存在。对外一律 404，不区分“哪个不存在”。
	ErrNotFound = errors.New("not found")

	// ErrRoleForbidden 表示调用方角色不具备访问资格。
	ErrRoleForbidden = errors.New("forbidden: role not permitted")

	// ErrCaseClosed 表示案件已 RESOLVED，证据访问已被吊销。
	// 必须与 ErrRoleForbidden 区分开，审计与 HTTP 响应要说清楚拒绝原因。
	ErrCaseClosed = errors.New("forbidden: case closed, evidence access revoked")

	// ErrAuthentication 表示 AEAD 认证标签校验失败：
	// 密文被篡改、信封损坏或密钥不对。禁止解码任何部分输出。
	ErrAuthentication = errors.New("authentication failed: ciphertext or key corrupted")

	// ErrIntegrity 表示解密成功但明文摘要与入库基线不一致。
	// 与 ErrAuthentication 不同：标签有效时也可能发生（基线本身录错）。
	ErrIntegrity = errors.New("integrity mismatch: content hash does not match baseline")

	// ErrConflict 表示状态流转的条件更新失败（两个审核员竞争同一案件）。
	ErrConflict = errors.New("conflict: report was modified concurrently")
)

// ValidationError 表示调用方输入不合法（缺必填 notes、状态值无法识别等）。
// 文案可以直接返回给客户端。
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

// Validationf 构造 ValidationError。
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation 判断 err 是否为输入校验错误。
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StorageError 表示信封或元数据的 I/O 失败。对外只给 500，不带内部细节。
type StorageError struct {
	Op  string // 出错的操作，例如 "read envelope"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage 包装一次存储层错误。
func Storage(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsStorage 判断 err 是否为存储层错误。
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
