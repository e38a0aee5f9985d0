// Package auth 提供调用方身份相关的功能。
// 该包实现了租户 API Key 的生成与校验，以及上游代理签发的可信客户端 IP 令牌的验证。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/oriys/edgejs/internal/domain"
)

// KeyPrefix 是本系统 API Key 的前缀。
const KeyPrefix = "ejs_"

// GenerateAPIKey 生成一个新的 API Key。
// 该函数使用加密安全的随机数生成器创建密钥，并计算其哈希值用于存储。
// 返回:
//   - string: 原始 API Key（只展示一次，应安全地交给租户）
//   - string: API Key 的 SHA-256 哈希值（写入配置或数据库）
//   - error: 如果随机数生成失败则返回错误
func GenerateAPIKey() (string, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	key := KeyPrefix + hex.EncodeToString(buf)
	return key, HashAPIKey(key), nil
}

// HashAPIKey 计算 API Key 的 SHA-256 哈希值（十六进制编码）。
// 配置中只保存哈希，校验时对调用方提供的 Key 取哈希后比较。
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// KeyVerifier 校验租户的 API Key。
type KeyVerifier interface {
	Verify(ctx context.Context, tenantID, key string) error
}

// StaticKeyStore 基于静态配置的 API Key 哈希集合。
type StaticKeyStore struct {
	hashes map[string][]string
}

// NewStaticKeyStore 创建静态 Key 存储，键为租户 ID，值为允许的 Key 哈希。
func NewStaticKeyStore(hashes map[string][]string) *StaticKeyStore {
	normalized := make(map[string][]string, len(hashes))
	for tenant, list := range hashes {
		for _, h := range list {
			normalized[tenant] = append(normalized[tenant], strings.ToLower(strings.TrimSpace(h)))
		}
	}
	return &StaticKeyStore{hashes: normalized}
}

// Verify 校验 key 是否属于 tenantID。
// 返回:
//   - error: 缺失或不匹配时返回包装了 domain.ErrUnauthorized 的错误
func (s *StaticKeyStore) Verify(_ context.Context, tenantID, key string) error {
	if key == "" {
		return domain.NewError(domain.KindUnauthorized, "missing api key", domain.ErrUnauthorized)
	}
	sum := []byte(HashAPIKey(key))
	for _, h := range s.hashes[tenantID] {
		if subtle.ConstantTimeCompare(sum, []byte(h)) == 1 {
			return nil
		}
	}
	return domain.NewError(domain.KindUnauthorized, "invalid api key", domain.ErrUnauthorized)
}
