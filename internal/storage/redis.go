package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/edgejs/internal/config"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisStore 封装 Redis 客户端。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建客户端并验证连通性。
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	return &RedisStore{client: client}, nil
}

// Client 返回底层客户端。
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close 关闭客户端。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
