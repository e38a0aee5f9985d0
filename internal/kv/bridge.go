package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// QuotaFunc 返回租户的 KV 配额（字节），<= 0 表示不限。
type QuotaFunc func(tenantID string) int64

// Bridge 是执行上下文访问 KV 的唯一入口，本身不持有数据。
type Bridge struct {
	store     Store
	quota     QuotaFunc
	opTimeout time.Duration
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	cron     *cron.Cron
	stopOnce sync.Once
}

// NewBridge 创建 KV 桥接。
func NewBridge(store Store, quota QuotaFunc, opTimeout time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Bridge {
	if quota == nil {
		quota = func(string) int64 { return 0 }
	}
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Bridge{
		store:     store,
		quota:     quota,
		opTimeout: opTimeout,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// StartSweeper 按 cron 表达式周期性删除过期记录。
func (b *Bridge) StartSweeper(schedule string) error {
	if schedule == "" {
		schedule = "@every 1m"
	}
	b.cron = cron.New()
	if _, err := b.cron.AddFunc(schedule, b.sweep); err != nil {
		return fmt.Errorf("invalid kv sweep schedule %q: %w", schedule, err)
	}
	b.cron.Start()
	return nil
}

func (b *Bridge) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := b.store.SweepExpired(ctx, b.now())
	if err != nil {
		b.logger.WithError(err).Warn("KV expiry sweep failed")
		return
	}
	if n > 0 {
		b.logger.WithField("removed", n).Info("KV expiry sweep completed")
	}
}

// Close 停止清理任务并关闭后端。
func (b *Bridge) Close() error {
	b.stopOnce.Do(func() {
		if b.cron != nil {
			<-b.cron.Stop().Done()
		}
	})
	return b.store.Close()
}

// ForTenant 返回绑定到 tenantID 的句柄。每个执行上下文持有一个，销毁时调用 Revoke。
func (b *Bridge) ForTenant(tenantID string) *TenantKV {
	return &TenantKV{bridge: b, tenantID: tenantID}
}

// TenantKV 是单个租户的 KV 句柄。
type TenantKV struct {
	bridge   *Bridge
	tenantID string
	revoked  atomic.Bool
}

// Revoke 撤销句柄，之后的所有调用返回 domain.ErrKVRevoked。
func (t *TenantKV) Revoke() {
	t.revoked.Store(true)
}

func (t *TenantKV) begin(ctx context.Context, key string, checkKey bool) (context.Context, context.CancelFunc, error) {
	if t.revoked.Load() {
		return nil, nil, domain.ErrKVRevoked
	}
	if checkKey {
		if err := domain.ValidateKVKey(key); err != nil {
			return nil, nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, t.bridge.opTimeout)
	return ctx, cancel, nil
}

// finish 记录指标并把后端错误归类为 KvBackendError；配额错误保持原样。
func (t *TenantKV) finish(op string, start time.Time, err error) error {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrKVQuotaExceeded):
		result = "quota_exceeded"
	default:
		result = "error"
		t.bridge.logger.WithFields(logrus.Fields{
			"tenant_id": t.tenantID,
			"operation": op,
			"error":     err.Error(),
		}).Warn("KV backend operation failed")
		err = domain.NewError(domain.KindKvBackendError, fmt.Sprintf("kv %s failed", op),
			fmt.Errorf("%w: %v", domain.ErrKVBackend, err))
	}
	t.bridge.metrics.RecordKVOperation(op, result, float64(time.Since(start).Milliseconds()))
	return err
}

// Get 读取记录，过期记录视为不存在并被顺带删除。
func (t *TenantKV) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	ctx, cancel, err := t.begin(ctx, key, true)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	start := time.Now()

	entry, err := t.bridge.store.Get(ctx, t.tenantID, key)
	if err != nil {
		return nil, false, t.finish("get", start, err)
	}
	if entry != nil && entry.Expired(t.bridge.now()) {
		if _, err := t.bridge.store.Delete(ctx, t.tenantID, key); err != nil {
			t.bridge.logger.WithError(err).Debug("Failed to delete expired KV entry")
		}
		entry = nil
	}
	t.finish("get", start, nil)
	if entry == nil {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Has 判断记录是否存在且未过期。
func (t *TenantKV) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := t.Get(ctx, key)
	return ok, err
}

// Set 写入 JSON 值；ttl > 0 时记录在 ttl 后过期。
func (t *TenantKV) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	ctx, cancel, err := t.begin(ctx, key, true)
	if err != nil {
		return err
	}
	defer cancel()
	if !json.Valid(value) {
		return fmt.Errorf("kv value for %q is not valid JSON", key)
	}
	start := time.Now()

	entry := domain.KVEntry{Key: key, Value: value}
	if ttl > 0 {
		exp := t.bridge.now().Add(ttl)
		entry.ExpiresAt = &exp
	}
	return t.finish("set", start, t.bridge.store.Set(ctx, t.tenantID, entry, t.bridge.quota(t.tenantID)))
}

// Delete 删除记录，返回记录是否存在。
func (t *TenantKV) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel, err := t.begin(ctx, key, true)
	if err != nil {
		return false, err
	}
	defer cancel()
	start := time.Now()
	ok, err := t.bridge.store.Delete(ctx, t.tenantID, key)
	return ok, t.finish("delete", start, err)
}

// Clear 删除本租户的全部记录，不影响其他租户。
func (t *TenantKV) Clear(ctx context.Context) error {
	ctx, cancel, err := t.begin(ctx, "", false)
	if err != nil {
		return err
	}
	defer cancel()
	start := time.Now()
	return t.finish("clear", start, t.bridge.store.Clear(ctx, t.tenantID))
}
