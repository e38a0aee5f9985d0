// Package sandbox 管理隔离执行上下文的生命周期。
// 每个上下文是一个独立的 goja 运行时，配有自己的事件循环和绑定到单个租户的能力集合。
// Manager 维护一个有界的上下文池：同一 (租户, 函数包) 的就绪上下文可被复用，
// 池饱和时调用在有界队列中等待，否则立即以 CapacityExceeded 失败。
// 池大小为 1 时每次调用都新建上下文并在调用结束后销毁。
package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/oriys/edgejs/internal/config"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/eventloop"
	"github.com/oriys/edgejs/internal/kv"
	"github.com/oriys/edgejs/internal/metrics"
	"github.com/oriys/edgejs/internal/shim"
	"github.com/sirupsen/logrus"
)

// Config 是上下文池配置。
type Config struct {
	PoolSize          int           // 上下文总数上限
	QueueSize         int           // 池饱和时允许等待的调用数，0 表示立即失败
	QueueTimeout      time.Duration // 排队等待上限，<= 0 表示只受调用方 ctx 约束
	MaxInvocations    int           // 单个上下文最多服务的调用次数，<= 0 表示不限
	MaxIdle           time.Duration // 空闲上下文的保留时间，<= 0 表示不回收
	MemoryLimit       int64         // 默认内存上限（字节）
	MaxFetchBytes     int64
	MaxConsoleEntries int
}

// ConfigFromEngine 从引擎配置生成池配置。
func ConfigFromEngine(cfg config.EngineConfig) Config {
	return Config{
		PoolSize:          cfg.PoolSize,
		QueueSize:         cfg.QueueSize,
		QueueTimeout:      cfg.QueueTimeout,
		MaxInvocations:    cfg.MaxInvocations,
		MaxIdle:           cfg.MaxIdle,
		MemoryLimit:       int64(cfg.MemoryLimitMB) << 20,
		MaxFetchBytes:     cfg.MaxFetchBytes,
		MaxConsoleEntries: cfg.MaxConsoleEntries,
	}
}

// Target 描述一次获取请求要绑定的租户与函数。
type Target struct {
	TenantID    string
	Ref         domain.PackageRef
	Entry       string
	Env         map[string]string
	MemoryLimit int64 // <= 0 时使用 Config.MemoryLimit
}

// Key 返回上下文复用键。不同租户、不同内容哈希或不同内存上限的上下文互不复用。
func (t Target) Key() string {
	key := t.TenantID + "/" + t.Ref.ContextKey()
	if t.MemoryLimit > 0 {
		key += "/" + strconv.FormatInt(t.MemoryLimit, 10)
	}
	return key
}

// Lease 是已就位的函数包：本地目录及其引用释放函数。
// 获取到新上下文时租约归上下文所有，复用就绪上下文时租约被立即释放。
type Lease struct {
	Dir     string
	Release func()
}

func (l Lease) drop() {
	if l.Release != nil {
		l.Release()
	}
}

// Deps 是构建上下文时注入的依赖。
type Deps struct {
	Catalog *shim.Catalog
	Policy  shim.Policy // 为 nil 时禁止所有出站连接
	KV      *kv.Bridge  // 为 nil 时 kv 调用失败
}

// Stats 表示池的状态统计信息。
type Stats struct {
	Live    int `json:"live"`    // 存活上下文数（含正在创建与运行中）
	Idle    int `json:"idle"`    // 就绪空闲上下文数
	Waiting int `json:"waiting"` // 排队等待的调用数
	Max     int `json:"max"`
}

// Manager 是执行上下文管理器。
type Manager struct {
	cfg     Config
	deps    Deps
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	idle    map[string][]*Context
	live    int
	waiters []chan struct{}
	closed  bool

	stop chan struct{}
}

// NewManager 创建上下文管理器。
// 参数：
//   - cfg: 池配置，PoolSize <= 0 时按 1 处理
//   - deps: 能力目录、网络策略与 KV 桥
//   - logger: 日志记录器
//   - m: 指标收集器（可为 nil）
func NewManager(cfg Config, deps Deps, logger *logrus.Logger, m *metrics.Metrics) (*Manager, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("sandbox: capability catalog is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: m,
		idle:    make(map[string][]*Context),
		stop:    make(chan struct{}),
	}, nil
}

// Start 启动空闲上下文回收协程。
func (m *Manager) Start() {
	if m.cfg.MaxIdle <= 0 {
		return
	}
	interval := m.cfg.MaxIdle / 2
	if interval < time.Second {
		interval = time.Second
	}
	go m.reapWorker(interval)
}

func (m *Manager) reapWorker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.reapIdle(now)
		}
	}
}

// reapIdle 销毁空闲超过 MaxIdle 的上下文，返回销毁数量。
func (m *Manager) reapIdle(now time.Time) int {
	var expired []*Context
	m.mu.Lock()
	for key, list := range m.idle {
		kept := list[:0]
		for _, c := range list {
			if now.Sub(c.lastUsed) > m.cfg.MaxIdle {
				expired = append(expired, c)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(m.idle, key)
		} else {
			m.idle[key] = kept
		}
	}
	m.mu.Unlock()

	for _, c := range expired {
		m.dispose(c, "idle")
	}
	return len(expired)
}

// Acquire 获取一个绑定到 target 的执行上下文。
// 优先复用同键的就绪上下文（热启动）；否则在池容量内新建（冷启动），
// 池满时淘汰其他键的空闲上下文；仍无法获取时进入等待队列，队列已满或等待超时返回 CapacityExceeded。
//
// 返回：
//   - *Context: 处于 Running 状态的上下文，调用结束后必须交给 Release
//   - bool: 是否为冷启动
//   - error: 错误信息
func (m *Manager) Acquire(ctx context.Context, target Target, lease Lease) (*Context, bool, error) {
	key := target.Key()
	var deadline <-chan time.Time
	if m.cfg.QueueTimeout > 0 {
		t := time.NewTimer(m.cfg.QueueTimeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			lease.drop()
			return nil, false, domain.ErrManagerClosed
		}

		if c := m.popIdleLocked(key); c != nil {
			c.setState(StateRunning)
			m.reportLocked()
			m.mu.Unlock()
			lease.drop()
			return c, false, nil
		}

		if m.live < m.cfg.PoolSize {
			m.live++
			m.reportLocked()
			m.mu.Unlock()
			c, err := m.provision(ctx, target, lease)
			if err != nil {
				m.mu.Lock()
				m.live--
				m.signalLocked()
				m.reportLocked()
				m.mu.Unlock()
				return nil, true, err
			}
			return c, true, nil
		}

		if victim := m.evictLocked(); victim != nil {
			m.mu.Unlock()
			m.dispose(victim, "evicted")
			continue
		}

		if len(m.waiters) >= m.cfg.QueueSize {
			m.mu.Unlock()
			lease.drop()
			return nil, false, domain.NewError(domain.KindCapacityExceeded,
				fmt.Sprintf("all %d execution contexts are busy", m.cfg.PoolSize), domain.ErrCapacityExceeded)
		}

		wake := make(chan struct{})
		m.waiters = append(m.waiters, wake)
		m.reportLocked()
		m.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			m.removeWaiter(wake)
			lease.drop()
			return nil, false, domain.NewError(domain.KindCapacityExceeded,
				fmt.Sprintf("no execution context became available within %s", m.cfg.QueueTimeout), domain.ErrCapacityExceeded)
		case <-ctx.Done():
			m.removeWaiter(wake)
			lease.drop()
			return nil, false, domain.NewError(domain.KindCapacityExceeded,
				"no execution context became available before the invocation deadline", domain.ErrCapacityExceeded)
		}
	}
}

// popIdleLocked 取出同键最近使用的就绪上下文。调用方必须持有 m.mu。
func (m *Manager) popIdleLocked(key string) *Context {
	list := m.idle[key]
	if len(list) == 0 {
		return nil
	}
	c := list[len(list)-1]
	if len(list) == 1 {
		delete(m.idle, key)
	} else {
		m.idle[key] = list[:len(list)-1]
	}
	return c
}

// evictLocked 取出最久未使用的空闲上下文（任意键）。调用方必须持有 m.mu。
func (m *Manager) evictLocked() *Context {
	var (
		victimKey string
		victimIdx int
		victim    *Context
	)
	for key, list := range m.idle {
		for i, c := range list {
			if victim == nil || c.lastUsed.Before(victim.lastUsed) {
				victimKey, victimIdx, victim = key, i, c
			}
		}
	}
	if victim == nil {
		return nil
	}
	list := m.idle[victimKey]
	list = append(list[:victimIdx], list[victimIdx+1:]...)
	if len(list) == 0 {
		delete(m.idle, victimKey)
	} else {
		m.idle[victimKey] = list
	}
	return victim
}

// signalLocked 唤醒最早的等待者。调用方必须持有 m.mu。
func (m *Manager) signalLocked() {
	if len(m.waiters) == 0 {
		return
	}
	close(m.waiters[0])
	m.waiters = m.waiters[1:]
}

func (m *Manager) removeWaiter(wake chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == wake {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.reportLocked()
			return
		}
	}
	// 已被唤醒但放弃等待，把机会让给下一个等待者
	m.signalLocked()
}

// provision 新建上下文：构建能力集合、创建运行时与事件循环、加载入口模块。
// 失败时已分配的资源全部释放，租约也随之释放。
func (m *Manager) provision(ctx context.Context, target Target, lease Lease) (*Context, error) {
	start := time.Now()
	c := &Context{
		ID:        uuid.New().String(),
		Key:       target.Key(),
		TenantID:  target.TenantID,
		Ref:       target.Ref,
		CreatedAt: start,
		lastUsed:  start,
		release:   lease.Release,
	}
	c.setState(StateProvisioning)

	memory := target.MemoryLimit
	if memory <= 0 {
		memory = m.cfg.MemoryLimit
	}
	binding := shim.Binding{
		TenantID:          target.TenantID,
		FunctionID:        target.Ref.FunctionID,
		Version:           target.Ref.Version,
		PackageDir:        lease.Dir,
		Entry:             target.Entry,
		Env:               target.Env,
		MemoryLimit:       memory,
		MaxFetchBytes:     m.cfg.MaxFetchBytes,
		MaxConsoleEntries: m.cfg.MaxConsoleEntries,
		Logger:            m.logger,
	}
	if m.deps.Policy != nil {
		binding.Policy = m.deps.Policy
	}
	if m.deps.KV != nil {
		binding.KV = m.deps.KV.ForTenant(target.TenantID)
	}

	c.caps = m.deps.Catalog.Build(binding)
	c.vm = goja.New()
	c.loop = eventloop.New()

	fail := func(err error) (*Context, error) {
		c.destroy()
		m.metrics.RecordDispose("provision_failed")
		m.logger.WithFields(logrus.Fields{
			"context_id":  c.ID,
			"tenant_id":   target.TenantID,
			"function_id": target.Ref.FunctionID,
		}).WithError(err).Warn("Failed to provision execution context")
		return nil, err
	}

	if err := c.caps.Attach(c.vm, c.loop); err != nil {
		return fail(err)
	}
	exports, err := c.caps.LoadEntry(ctx)
	if err != nil {
		return fail(err)
	}
	c.exports = exports
	c.setState(StateRunning)

	m.logger.WithFields(logrus.Fields{
		"context_id":  c.ID,
		"tenant_id":   target.TenantID,
		"function_id": target.Ref.FunctionID,
		"version":     target.Ref.Version,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Provisioned execution context")
	return c, nil
}

// Release 在调用结束后归还上下文。
// kind 是本次调用的错误分类：致命分类（超时、内存超限、创建失败）、池大小为 1、
// 达到最大调用次数、能力已撤销或管理器已关闭时销毁上下文，否则放回空闲列表。
func (m *Manager) Release(c *Context, kind domain.ErrorKind) {
	if c == nil || c.State() != StateRunning {
		return
	}

	m.mu.Lock()
	c.uses++
	c.lastUsed = time.Now()
	reason := ""
	switch {
	case m.closed:
		reason = "closed"
	case kind.Terminal():
		reason = "terminal"
	case m.cfg.PoolSize == 1:
		reason = "single_use"
	case m.cfg.MaxInvocations > 0 && c.uses >= m.cfg.MaxInvocations:
		reason = "max_invocations"
	case c.caps.Revoked():
		reason = "revoked"
	}
	if reason == "" {
		c.setState(StateReady)
		m.idle[c.Key] = append(m.idle[c.Key], c)
		m.signalLocked()
		m.reportLocked()
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.dispose(c, reason)
}

// Dispose 强制销毁上下文，可从任意 goroutine 调用，用于超时等无法等待调用返回的场景。
func (m *Manager) Dispose(c *Context, reason string) {
	if c == nil {
		return
	}
	m.mu.Lock()
	if list := m.idle[c.Key]; len(list) > 0 {
		for i, ic := range list {
			if ic == c {
				m.idle[c.Key] = append(list[:i], list[i+1:]...)
				if len(m.idle[c.Key]) == 0 {
					delete(m.idle, c.Key)
				}
				break
			}
		}
	}
	m.mu.Unlock()
	m.dispose(c, reason)
}

// dispose 销毁上下文并归还池容量。
func (m *Manager) dispose(c *Context, reason string) {
	if !c.destroy() {
		return
	}
	m.mu.Lock()
	m.live--
	m.signalLocked()
	m.reportLocked()
	m.mu.Unlock()

	m.metrics.RecordDispose(reason)
	m.logger.WithFields(logrus.Fields{
		"context_id":  c.ID,
		"tenant_id":   c.TenantID,
		"function_id": c.Ref.FunctionID,
		"reason":      reason,
	}).Debug("Disposed execution context")
}

// reportLocked 上报池状态指标。调用方必须持有 m.mu。
func (m *Manager) reportLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.UpdatePoolStats(m.live, m.idleCountLocked(), len(m.waiters))
}

func (m *Manager) idleCountLocked() int {
	n := 0
	for _, list := range m.idle {
		n += len(list)
	}
	return n
}

// Stats 返回池状态统计。
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Live:    m.live,
		Idle:    m.idleCountLocked(),
		Waiting: len(m.waiters),
		Max:     m.cfg.PoolSize,
	}
}

// Close 关闭管理器：销毁所有空闲上下文并唤醒等待者。
// 运行中的上下文在 Release 时销毁。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var idle []*Context
	for _, list := range m.idle {
		idle = append(idle, list...)
	}
	m.idle = make(map[string][]*Context)
	for _, w := range m.waiters {
		close(w)
	}
	m.waiters = nil
	m.mu.Unlock()

	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	for _, c := range idle {
		m.dispose(c, "closed")
	}
}
