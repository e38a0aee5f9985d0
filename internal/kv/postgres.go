package kv

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/oriys/edgejs/internal/domain"
)

// PostgresStore 使用 kv_entries 保存记录，kv_usage 保存每租户用量。
// 写入在事务内对用量行加锁（SELECT ... FOR UPDATE），同一租户的并发写入因此串行化。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 使用已有连接池创建后端。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, key string) (*domain.KVEntry, error) {
	var value []byte
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE tenant_id = $1 AND key = $2`,
		tenantID, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := &domain.KVEntry{Key: key, Value: value}
	if expires.Valid {
		t := expires.Time
		entry.ExpiresAt = &t
	}
	return entry, nil
}

func (s *PostgresStore) Set(ctx context.Context, tenantID string, entry domain.KVEntry, quota int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv_usage (tenant_id, bytes) VALUES ($1, 0) ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID); err != nil {
		return err
	}
	var usage int64
	if err := tx.QueryRowContext(ctx,
		`SELECT bytes FROM kv_usage WHERE tenant_id = $1 FOR UPDATE`,
		tenantID).Scan(&usage); err != nil {
		return err
	}
	var oldSize int64
	err = tx.QueryRowContext(ctx,
		`SELECT size FROM kv_entries WHERE tenant_id = $1 AND key = $2`,
		tenantID, entry.Key).Scan(&oldSize)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	size := entry.Size()
	if quota > 0 && usage-oldSize+size > quota {
		return quotaError(tenantID, usage, size, quota)
	}

	var expires interface{}
	if entry.ExpiresAt != nil {
		expires = *entry.ExpiresAt
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv_entries (tenant_id, key, value, size, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (tenant_id, key) DO UPDATE
		 SET value = EXCLUDED.value, size = EXCLUDED.size, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		tenantID, entry.Key, []byte(entry.Value), size, expires); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE kv_usage SET bytes = bytes + $2 WHERE tenant_id = $1`,
		tenantID, size-oldSize); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Delete(ctx context.Context, tenantID, key string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var size int64
	err = tx.QueryRowContext(ctx,
		`DELETE FROM kv_entries WHERE tenant_id = $1 AND key = $2 RETURNING size`,
		tenantID, key).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE kv_usage SET bytes = bytes - $2 WHERE tenant_id = $1`,
		tenantID, size); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *PostgresStore) Clear(ctx context.Context, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE tenant_id = $1`, tenantID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE kv_usage SET bytes = 0 WHERE tenant_id = $1`, tenantID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Usage(ctx context.Context, tenantID string) (int64, error) {
	var usage int64
	err := s.db.QueryRowContext(ctx,
		`SELECT bytes FROM kv_usage WHERE tenant_id = $1`, tenantID).Scan(&usage)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return usage, err
}

const sweepSQL = `WITH expired AS (
	DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= $1 RETURNING tenant_id, size
), totals AS (
	SELECT tenant_id, SUM(size) AS total, COUNT(*) AS n FROM expired GROUP BY tenant_id
), adjusted AS (
	UPDATE kv_usage u SET bytes = u.bytes - t.total FROM totals t WHERE u.tenant_id = t.tenant_id
)
SELECT COALESCE(SUM(n), 0) FROM totals`

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, sweepSQL, now).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close 不关闭共享连接池，由创建者负责。
func (s *PostgresStore) Close() error { return nil }
