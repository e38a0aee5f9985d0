// Package engine 是执行编排器：单次调用的唯一入口。
//
// 调用流程：
//  1. 校验 API Key（启用时）
//  2. 确保函数包已在本地缓存（PackageIoError 重试一次）
//  3. 从上下文管理器获取绑定到租户与函数包的执行上下文
//  4. 在墙钟预算内通过桥接执行处理函数；预算耗尽时强制销毁上下文并返回 IsolateTimeout
//  5. 归还上下文，记录指标、日志并发布调用完成事件
//
// 任何结局都会产生完整的 InvocationResult；只有引擎已关闭这类宿主故障才返回 error。
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/edgejs/internal/auth"
	"github.com/oriys/edgejs/internal/bridge"
	"github.com/oriys/edgejs/internal/config"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/events"
	"github.com/oriys/edgejs/internal/metrics"
	"github.com/oriys/edgejs/internal/sandbox"
	"github.com/oriys/edgejs/internal/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrEngineClosed 表示引擎已关闭，不再接受调用。
var ErrEngineClosed = errors.New("engine closed")

// publishTimeout 是发布调用完成事件的超时时间。
const publishTimeout = 5 * time.Second

// PackageCache 是引擎依赖的函数包缓存，*pkgcache.Cache 实现了该接口。
type PackageCache interface {
	Ensure(ctx context.Context, ref domain.PackageRef) (string, func(), error)
}

// Config 是编排器配置。
type Config struct {
	// Timeout 默认墙钟预算
	Timeout time.Duration
	// MemoryLimit 默认内存上限（字节）
	MemoryLimit int64
	// RequireAPIKey 是否强制校验 API Key
	RequireAPIKey bool
}

// ConfigFromEngine 从引擎配置生成编排器配置。
func ConfigFromEngine(cfg config.EngineConfig) Config {
	return Config{
		Timeout:       cfg.Timeout,
		MemoryLimit:   int64(cfg.MemoryLimitMB) << 20,
		RequireAPIKey: cfg.RequireAPIKey,
	}
}

// Deps 是编排器依赖。
type Deps struct {
	Cache   PackageCache
	Pool    *sandbox.Manager
	Keys    auth.KeyVerifier // RequireAPIKey 为 true 时必填
	Events  events.Publisher // 可为 nil
	Logger  *logrus.Logger
	Metrics *metrics.Metrics // 可为 nil
}

// ExecuteInput 是一次调用的输入。
type ExecuteInput struct {
	FunctionID string
	Version    string
	TenantID   string
	// Package 函数包引用，FunctionID/Version 为空时取外层字段
	Package domain.PackageRef
	// Entry 入口文件，为空时读取 package.json 的 main，默认 index.js
	Entry   string
	Env     map[string]string
	Request *domain.InvocationRequest
	// Limits 为零值的字段使用引擎默认值
	Limits domain.Limits
	// Sink 实时接收 console 输出，可为 nil
	Sink func(domain.ConsoleEntry)
}

// Engine 是执行编排器。
type Engine struct {
	cfg     Config
	cache   PackageCache
	pool    *sandbox.Manager
	keys    auth.KeyVerifier
	events  events.Publisher
	logger  *logrus.Logger
	metrics *metrics.Metrics

	closed atomic.Bool
}

// New 创建编排器。
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Cache == nil || deps.Pool == nil {
		return nil, fmt.Errorf("engine: package cache and context pool are required")
	}
	if cfg.RequireAPIKey && deps.Keys == nil {
		return nil, fmt.Errorf("engine: api key enforcement requires a key verifier")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Engine{
		cfg:     cfg,
		cache:   deps.Cache,
		pool:    deps.Pool,
		keys:    deps.Keys,
		events:  deps.Events,
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}, nil
}

// Execute 执行一次调用。
// 参数：
//   - ctx: 调用方上下文，取消时按超时处理
//   - in: 调用输入
//
// 返回：
//   - domain.InvocationResult: 调用结果，失败时带有错误分类与统一的错误响应体
//   - error: 仅在引擎已关闭时返回 ErrEngineClosed
func (e *Engine) Execute(ctx context.Context, in ExecuteInput) (domain.InvocationResult, error) {
	if e.closed.Load() {
		return domain.InvocationResult{}, ErrEngineClosed
	}
	start := time.Now()

	ref := in.Package
	if ref.FunctionID == "" {
		ref.FunctionID = in.FunctionID
	}
	if ref.Version == "" {
		ref.Version = in.Version
	}
	req := in.Request
	if req == nil {
		req = &domain.InvocationRequest{Method: http.MethodGet, Path: "/"}
	}
	req.TenantID = in.TenantID
	req.Normalize()

	// 调用方只能收紧配置的上限，不能放宽
	timeout := time.Duration(clampLimit(int64(in.Limits.Timeout), int64(e.cfg.Timeout)))
	memory := clampLimit(in.Limits.MemoryBytes, e.cfg.MemoryLimit)

	invocationID := uuid.New().String()
	ctx, span := telemetry.StartSpan(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("invocation.id", invocationID),
		attribute.String("function.id", ref.FunctionID),
		attribute.String("function.version", ref.Version),
		attribute.String("tenant.id", in.TenantID),
	))
	defer span.End()

	logger := telemetry.EntryWithTraceContext(ctx, e.logger.WithFields(logrus.Fields{
		"invocation_id": invocationID,
		"function_id":   ref.FunctionID,
		"version":       ref.Version,
		"tenant_id":     in.TenantID,
	}))

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, cold := e.run(execCtx, span, logger, ref, req, in, memory)

	result.InvocationID = invocationID
	result.FunctionID = ref.FunctionID
	result.Version = ref.Version
	result.TenantID = in.TenantID
	result.RequestBytes = req.Size()
	result.ColdStart = cold
	result.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("http.status_code", result.StatusCode),
		attribute.Bool("cold_start", cold),
	)
	if result.Failed() {
		telemetry.RecordError(span, errors.New(result.ErrorMessage), string(result.ErrorKind))
	}
	e.metrics.RecordInvocation(ref.FunctionID, in.TenantID, string(result.ErrorKind),
		float64(result.Duration.Microseconds())/1000, cold)
	e.logResult(logger, &result)
	e.publish(&result)
	return result, nil
}

// run 执行缓存、获取、调用三个阶段，返回结果与是否冷启动。
func (e *Engine) run(
	ctx context.Context,
	span trace.Span,
	logger *logrus.Entry,
	ref domain.PackageRef,
	req *domain.InvocationRequest,
	in ExecuteInput,
	memory int64,
) (domain.InvocationResult, bool) {
	var result domain.InvocationResult

	if e.cfg.RequireAPIKey {
		if err := e.keys.Verify(ctx, in.TenantID, req.APIKey); err != nil {
			if domain.KindOf(err) != domain.KindUnauthorized {
				err = domain.NewError(domain.KindUnauthorized, err.Error(), domain.ErrUnauthorized)
			}
			result.ApplyError(err)
			return result, false
		}
	}

	// ========== 阶段1：函数包 ==========
	dir, release, err := e.ensure(ctx, logger, ref)
	span.AddEvent("cache.ensure")
	if err != nil {
		result.ApplyError(err)
		return result, false
	}

	// ========== 阶段2：执行上下文 ==========
	target := sandbox.Target{
		TenantID:    in.TenantID,
		Ref:         ref,
		Entry:       in.Entry,
		Env:         in.Env,
		MemoryLimit: memory,
	}
	c, cold, err := e.pool.Acquire(ctx, target, sandbox.Lease{Dir: dir, Release: release})
	span.AddEvent("context.acquire", trace.WithAttributes(attribute.Bool("cold_start", cold)))
	if err != nil {
		if ctx.Err() != nil && domain.KindOf(err) != domain.KindCapacityExceeded {
			err = domain.NewError(domain.KindIsolateTimeout, "function exceeded its time budget while starting", err)
		}
		result.ApplyError(err)
		return result, cold
	}
	e.metrics.RecordStart(ref.FunctionID, cold)
	logger.WithFields(logrus.Fields{
		"context_id": c.ID,
		"cold_start": cold,
	}).Debug("Execution context acquired")

	// ========== 阶段3：执行处理函数 ==========
	done := make(chan domain.InvocationResult, 1)
	go func() {
		done <- bridge.Invoke(ctx, c, req, in.Sink)
	}()

	select {
	case result = <-done:
		e.pool.Release(c, result.ErrorKind)
	case <-ctx.Done():
		// 超时是权威的：不等待处理函数返回，直接销毁上下文
		e.pool.Dispose(c, "timeout")
		result = domain.InvocationResult{}
		result.ApplyError(domain.NewError(domain.KindIsolateTimeout,
			fmt.Sprintf("function exceeded its time budget: %v", ctx.Err()), domain.ErrIsolateTimeout))
	}
	span.AddEvent("handler.complete")
	return result, cold
}

// clampLimit 返回请求值与配置上限中较小的一个；请求值 <= 0 时使用配置值，配置值 <= 0 表示不限。
func clampLimit(requested, configured int64) int64 {
	if requested <= 0 || (configured > 0 && requested > configured) {
		return configured
	}
	return requested
}

// ensure 确保函数包在本地，PackageIoError 时重试一次。
func (e *Engine) ensure(ctx context.Context, logger *logrus.Entry, ref domain.PackageRef) (string, func(), error) {
	dir, release, err := e.cache.Ensure(ctx, ref)
	if err != nil && ctx.Err() == nil && domain.KindOf(packageError(err)).Retryable() {
		logger.WithError(err).Warn("Package fetch failed, retrying once")
		dir, release, err = e.cache.Ensure(ctx, ref)
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return "", nil, domain.NewError(domain.KindIsolateTimeout, "function exceeded its time budget while fetching package", err)
		}
		return "", nil, packageError(err)
	}
	return dir, release, nil
}

// packageError 保证缓存返回的错误落在函数包错误分类内，未识别的错误视为可重试的 I/O 错误。
func packageError(err error) error {
	switch domain.KindOf(err) {
	case domain.KindPackageNotFound, domain.KindPackageCorrupt, domain.KindPackageIoError:
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrPackageIO, err)
}

func (e *Engine) logResult(logger *logrus.Entry, r *domain.InvocationResult) {
	entry := logger.WithFields(logrus.Fields{
		"status_code": r.StatusCode,
		"duration_ms": r.Duration.Milliseconds(),
		"cold_start":  r.ColdStart,
	})
	if r.Failed() {
		entry.WithFields(logrus.Fields{
			"error_kind": r.ErrorKind,
			"error":      r.ErrorMessage,
		}).Warn("Invocation failed")
		return
	}
	entry.Info("Invocation completed")
}

// publish 异步发布调用完成事件，失败只记录日志。
func (e *Engine) publish(r *domain.InvocationResult) {
	if e.events == nil {
		return
	}
	snapshot := *r
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := e.events.PublishInvocationCompleted(ctx, &snapshot); err != nil {
			e.logger.WithError(err).WithField("invocation_id", snapshot.InvocationID).Warn("Failed to publish invocation event")
		}
	}()
}

// Stats 返回上下文池状态。
func (e *Engine) Stats() sandbox.Stats {
	return e.pool.Stats()
}

// Close 停止接受调用并关闭上下文池。
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.pool.Close()
}
