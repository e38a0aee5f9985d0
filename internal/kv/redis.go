package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oriys/edgejs/internal/domain"
	"github.com/redis/go-redis/v9"
)

// setScript 原子地检查配额并写入。
// KEYS: 值哈希、过期哈希、用量计数；ARGV: key、value、新记录大小、配额、过期毫秒（空为不过期）。
// 返回 -1 表示超出配额，否则返回写入后的用量。
var setScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], ARGV[1])
local oldSize = 0
if old then
  oldSize = string.len(ARGV[1]) + string.len(old)
end
local newSize = tonumber(ARGV[3])
local usage = tonumber(redis.call('GET', KEYS[3]) or '0')
local quota = tonumber(ARGV[4])
if quota > 0 and usage - oldSize + newSize > quota then
  return -1
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
if ARGV[5] == '' then
  redis.call('HDEL', KEYS[2], ARGV[1])
else
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[5])
end
redis.call('INCRBY', KEYS[3], newSize - oldSize)
return usage - oldSize + newSize
`)

// deleteScript 删除记录并扣减用量，返回 1 表示记录存在。
var deleteScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], ARGV[1])
if not old then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('DECRBY', KEYS[3], string.len(ARGV[1]) + string.len(old))
return 1
`)

const tenantsKey = "edgejs:kv:tenants"

// RedisStore 使用三个键保存一个租户的命名空间：值哈希、过期哈希与用量计数。
// 键名中的 {tenant} 保证同一租户的键位于同一个哈希槽。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 使用已有客户端创建后端。
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func tenantKeys(tenantID string) []string {
	base := "edgejs:kv:{" + tenantID + "}"
	return []string{base + ":v", base + ":e", base + ":usage"}
}

func (s *RedisStore) Get(ctx context.Context, tenantID, key string) (*domain.KVEntry, error) {
	keys := tenantKeys(tenantID)
	pipe := s.client.Pipeline()
	valCmd := pipe.HGet(ctx, keys[0], key)
	expCmd := pipe.HGet(ctx, keys[1], key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	val, err := valCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := &domain.KVEntry{Key: key, Value: json.RawMessage(val)}
	if exp, err := expCmd.Result(); err == nil && exp != "" {
		ms, perr := strconv.ParseInt(exp, 10, 64)
		if perr == nil {
			t := time.UnixMilli(ms)
			entry.ExpiresAt = &t
		}
	}
	return entry, nil
}

func (s *RedisStore) Set(ctx context.Context, tenantID string, entry domain.KVEntry, quota int64) error {
	exp := ""
	if entry.ExpiresAt != nil {
		exp = strconv.FormatInt(entry.ExpiresAt.UnixMilli(), 10)
	}
	size := entry.Size()
	res, err := setScript.Run(ctx, s.client, tenantKeys(tenantID),
		entry.Key, string(entry.Value), size, quota, exp).Int64()
	if err != nil {
		return err
	}
	if res < 0 {
		usage, _ := s.Usage(ctx, tenantID)
		return quotaError(tenantID, usage, size, quota)
	}
	return s.client.SAdd(ctx, tenantsKey, tenantID).Err()
}

func (s *RedisStore) Delete(ctx context.Context, tenantID, key string) (bool, error) {
	n, err := deleteScript.Run(ctx, s.client, tenantKeys(tenantID), key).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Clear(ctx context.Context, tenantID string) error {
	keys := tenantKeys(tenantID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, tenantsKey, tenantID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Usage(ctx context.Context, tenantID string) (int64, error) {
	n, err := s.client.Get(ctx, tenantKeys(tenantID)[2]).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	tenants, err := s.client.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, tenant := range tenants {
		keys := tenantKeys(tenant)
		expiries, err := s.client.HGetAll(ctx, keys[1]).Result()
		if err != nil {
			return removed, fmt.Errorf("tenant %s: %w", tenant, err)
		}
		for key, exp := range expiries {
			ms, err := strconv.ParseInt(exp, 10, 64)
			if err != nil || now.Before(time.UnixMilli(ms)) {
				continue
			}
			ok, err := s.Delete(ctx, tenant, key)
			if err != nil {
				return removed, err
			}
			if ok {
				removed++
			}
		}
	}
	return removed, nil
}

// Close 不关闭共享客户端，由创建者负责。
func (s *RedisStore) Close() error { return nil }
