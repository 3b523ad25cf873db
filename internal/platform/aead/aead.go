// Package aead 实现证据密文信封：AES-256-GCM，一次加密一个信封。
//
// 信封格式全系统唯一（版本号 1），落盘为 JSON：
//
//	{ "version": 1, "iv": "<hex,12字节>", "authTag": "<hex,16字节>", "ciphertext": "<hex>" }
//
// 历史实现里混用过 CBC（无认证标签）与裸 hex 落盘，这里统一收敛：
// 没有认证标签的密文无法发现比特翻转篡改，不允许再出现。
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"evidence-vault/internal/domain/vaulterr"
)

const (
	// EnvelopeVersion 是当前唯一支持的信封版本。
	EnvelopeVersion = 1

	// KeySize AES-256 密钥长度（32 字节）。
	KeySize = 32

	// NonceSize GCM nonce 长度（12 字节 / 96 位）。
	// 每次加密必须用新的随机 nonce：同一密钥下复用 nonce 会彻底破坏 GCM 的保密性。
	NonceSize = 12

	// TagSize GCM 认证标签长度（16 字节）。
	TagSize = 16
)

// 密钥派生的域分隔标签。换用途必须换标签，避免同一部署密钥派生出相同子密钥。
const keyDerivationInfo = "evidence-vault/data-key/v1"

// Envelope 是一份加密证据的落盘形态。各字段均为小写 hex。
type Envelope struct {
	Version    int    `json:"version"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	Ciphertext string `json:"ciphertext"`
}

// DeriveKey 把部署密钥材料归一化为 32 字节数据密钥（HKDF-SHA256 单向派生）。
// 未配置密钥属于部署错误，启动期就要失败，不能等到第一次加密。
func DeriveKey(secret string) ([KeySize]byte, error) {
	var key [KeySize]byte
	if strings.TrimSpace(secret) == "" {
		return key, fmt.Errorf("encryption secret is not configured")
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyDerivationInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive data key: %w", err)
	}
	return key, nil
}

// Seal 加密一段明文，返回新信封。nonce 每次从 crypto/rand 取，绝不复用。
func Seal(plaintext []byte, key [KeySize]byte) (*Envelope, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Go 的 GCM 把标签追加在密文尾部；信封格式要求两者分开存。
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	return &Envelope{
		Version:    EnvelopeVersion,
		IV:         hex.EncodeToString(nonce),
		AuthTag:    hex.EncodeToString(tag),
		Ciphertext: hex.EncodeToString(ct),
	}, nil
}

// Open 解密信封。认证标签校验失败时返回 vaulterr.ErrAuthentication，
// 调用方必须视为“密文或密钥已损坏”，不得使用任何部分输出。
func Open(env *Envelope, key [KeySize]byte) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Version)
	}

	nonce, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("bad iv length: %d", len(nonce))
	}
	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("decode auth tag: %w", err)
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("bad auth tag length: %d", len(tag))
	}
	ct, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		// 标准库不区分“标签不符”与其他失败，对调用方而言等价：内容不可信。
		return nil, vaulterr.ErrAuthentication
	}
	return plaintext, nil
}

// Marshal 序列化信封为落盘 JSON。
func Marshal(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return raw, nil
}

// Parse 解析落盘 JSON 并做结构校验。旧格式（裸 hex、无 authTag）直接拒绝。
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Version)
	}
	if env.IV == "" || env.AuthTag == "" || env.Ciphertext == "" {
		return nil, fmt.Errorf("envelope missing required fields")
	}
	return &env, nil
}
