// Package storage 提供 PostgreSQL 与 Redis 连接的创建与表结构初始化。
// KV 后端与网络规则仓库共享这里创建的连接。
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/oriys/edgejs/internal/config"
	"github.com/oriys/edgejs/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore 封装 PostgreSQL 连接池。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建连接池并验证连通性。
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxConnections / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB 使用已有连接创建存储，测试中配合 sqlmock 使用。
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB 返回底层连接池。
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Migrate 创建缺失的表。
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close 关闭连接池。
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
