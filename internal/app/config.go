package app

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 存放应用级配置。
// 密钥材料优先取环境变量，配置文件里的同名字段只作本地开发兜底。
type Config struct {
	DBPath     string `yaml:"db_path"`
	VaultRoot  string `yaml:"vault_root"`  // 加密信封根目录
	ExportDir  string `yaml:"export_dir"`  // 链路报告/导出产物目录
	ListenAddr string `yaml:"listen_addr"`

	// EncryptionSecret 是部署密钥材料，经 HKDF 归一化为 32 字节数据密钥。
	// 为空时启动失败（加密不可用的保险库没有运行的意义）。
	EncryptionSecret string `yaml:"encryption_secret"`
	// JWTSecret 用于校验 Bearer Token（HS256）。
	JWTSecret string `yaml:"jwt_secret"`
}

// DefaultConfig 返回本地开发环境的默认配置。
func DefaultConfig() Config {
	return Config{
		DBPath:     "data/vault.db",
		VaultRoot:  "data/envelopes",
		ExportDir:  "data/exports",
		ListenAddr: "127.0.0.1:8788",
	}
}

// LoadConfig 按顺序叠加：默认值 <- yaml 文件（可选） <- 环境变量。
// path 为空字符串时跳过文件层。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("VAULT_ENCRYPTION_SECRET"); v != "" {
		cfg.EncryptionSecret = v
	}
	if v := os.Getenv("VAULT_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("VAULT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VAULT_ROOT"); v != "" {
		cfg.VaultRoot = v
	}

	return cfg, nil
}
