package domain

import (
	"encoding/json"
	"time"
)

// MaxKVKeyBytes 是 KV 键的最大字节数。
const MaxKVKeyBytes = 512

// KVEntry 是租户命名空间下的一条 KV 记录。
type KVEntry struct {
	Key string `json:"key"`
	// Value 序列化后的 JSON 值
	Value json.RawMessage `json:"value"`
	// ExpiresAt 绝对过期时间，nil 表示永不过期
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Size 返回该记录计入配额的字节数（键 + 序列化值）。
func (e *KVEntry) Size() int64 {
	return KVSize(e.Key, e.Value)
}

// Expired 判断记录在 now 时刻是否已过期。
func (e *KVEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// KVSize 计算键值对计入配额的字节数。
func KVSize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// ValidateKVKey 校验 KV 键。
func ValidateKVKey(key string) error {
	if key == "" || len(key) > MaxKVKeyBytes {
		return ErrKVInvalidKey
	}
	return nil
}
