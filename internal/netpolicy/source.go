package netpolicy

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/edgejs/internal/domain"
	"github.com/sirupsen/logrus"
)

// RuleSource 返回租户的出站规则。
type RuleSource interface {
	Rules(ctx context.Context, tenantID string) ([]domain.NetworkRule, error)
}

// StaticSource 是来自配置文件的只读规则集合。
type StaticSource struct {
	rules map[string][]domain.NetworkRule
}

// NewStaticSource 校验并保存规则。
func NewStaticSource(rules map[string][]domain.NetworkRule) (*StaticSource, error) {
	copied := make(map[string][]domain.NetworkRule, len(rules))
	for tenant, list := range rules {
		for i, r := range list {
			if err := r.Validate(); err != nil {
				return nil, fmt.Errorf("tenant %s rule %d: %w", tenant, i, err)
			}
			r.TenantID = tenant
			copied[tenant] = append(copied[tenant], r)
		}
	}
	return &StaticSource{rules: copied}, nil
}

// Rules 返回租户规则的副本。
func (s *StaticSource) Rules(_ context.Context, tenantID string) ([]domain.NetworkRule, error) {
	return append([]domain.NetworkRule(nil), s.rules[tenantID]...), nil
}

type cachedRules struct {
	rules   []domain.NetworkRule
	fetched time.Time
}

// PostgresSource 从 network_rules 表读取规则，并按 TTL 缓存。
type PostgresSource struct {
	db     *sql.DB
	ttl    time.Duration
	logger *logrus.Logger

	mu    sync.Mutex
	cache map[string]cachedRules
}

// NewPostgresSource 创建数据库规则源。
func NewPostgresSource(db *sql.DB, ttl time.Duration, logger *logrus.Logger) *PostgresSource {
	return &PostgresSource{
		db:     db,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]cachedRules),
	}
}

const selectRulesSQL = `SELECT id, action, target_type, target, priority FROM network_rules WHERE tenant_id = $1 ORDER BY priority ASC, id ASC`

// Rules 返回租户规则；格式非法的行会被跳过并记录告警。
func (s *PostgresSource) Rules(ctx context.Context, tenantID string) ([]domain.NetworkRule, error) {
	s.mu.Lock()
	if c, ok := s.cache[tenantID]; ok && time.Since(c.fetched) < s.ttl {
		s.mu.Unlock()
		return c.rules, nil
	}
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, selectRulesSQL, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}
	defer rows.Close()

	var rules []domain.NetworkRule
	for rows.Next() {
		r := domain.NetworkRule{TenantID: tenantID}
		if err := rows.Scan(&r.ID, &r.Action, &r.Type, &r.Target, &r.Priority); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
		}
		if err := r.Validate(); err != nil {
			s.logger.WithFields(logrus.Fields{
				"tenant_id": tenantID,
				"rule_id":   r.ID,
				"error":     err.Error(),
			}).Warn("Skipping invalid network rule")
			continue
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageQuery, err)
	}

	s.mu.Lock()
	s.cache[tenantID] = cachedRules{rules: rules, fetched: time.Now()}
	s.mu.Unlock()
	return rules, nil
}

// Invalidate 丢弃租户的缓存规则。
func (s *PostgresSource) Invalidate(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, tenantID)
}
