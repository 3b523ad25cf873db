// Package vaultfs 负责加密信封的落盘：一条证据一个文件。
// 目录里只有密文信封，明文永远不经过这里。
package vaultfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"evidence-vault/internal/domain/vaulterr"
	"evidence-vault/internal/platform/aead"
)

// Store 是文件系统上的信封仓库。
type Store struct {
	root string
}

// NewStore 打开（必要时创建）信封根目录。
func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("vault root is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create vault root: %w", err)
	}
	return &Store{root: root}, nil
}

// Save 写入一个信封，返回存储定位符（相对文件名，对上层不透明）。
// 写失败不重试：半个信封必须暴露出来，而不是被掩盖。
func (s *Store) Save(evidenceID string, env *aead.Envelope) (string, error) {
	raw, err := aead.Marshal(env)
	if err != nil {
		return "", err
	}

	locator := evidenceID + ".env.json"
	path := filepath.Join(s.root, locator)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", vaulterr.Storage("write envelope", err)
	}
	return locator, nil
}

// Load 按定位符读取并解析信封。
// 瞬时 I/O 错误最多重试一次；文件不存在不属于瞬时错误，直接上报。
func (s *Store) Load(locator string) (*aead.Envelope, error) {
	path := s.Path(locator)

	raw, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, vaulterr.Storage("read envelope", err)
	}

	env, err := aead.Parse(raw)
	if err != nil {
		return nil, vaulterr.Storage("parse envelope", err)
	}
	return env, nil
}

// Path 返回定位符对应的绝对路径。定位符取 Base，杜绝路径穿越。
func (s *Store) Path(locator string) string {
	return filepath.Join(s.root, filepath.Base(locator))
}
