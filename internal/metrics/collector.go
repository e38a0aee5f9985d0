// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义引擎关键指标（调用、上下文池、包缓存、KV、网络策略），便于在各模块复用并保持标签一致。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 封装引擎运行时指标集合。
// 所有辅助方法对 nil 接收者安全，未启用指标时调用方可直接传 nil。
//
// 指标分类:
//   - 调用指标: 跟踪函数调用的数量、耗时和错误分类
//   - 上下文池指标: 监控执行上下文的存活、空闲与排队情况
//   - 包缓存指标: 命中、未命中、下载耗时与淘汰
//   - KV 与网络策略指标
type Metrics struct {
	registry *prometheus.Registry

	// ========== 调用相关指标 ==========

	// InvocationsTotal 函数调用总次数计数器
	// 标签: function_id, tenant_id, status
	InvocationsTotal *prometheus.CounterVec

	// InvocationDuration 函数调用耗时直方图（单位：毫秒）
	// 标签: function_id, cold_start
	InvocationDuration *prometheus.HistogramVec

	// InvocationErrors 调用错误计数器，按错误分类
	// 标签: function_id, error_kind
	InvocationErrors *prometheus.CounterVec

	// ========== 上下文池相关指标 ==========

	// ContextsLive 存活的执行上下文数量
	ContextsLive prometheus.Gauge
	// ContextsIdle 空闲（Ready）的执行上下文数量
	ContextsIdle prometheus.Gauge
	// AcquireWaiting 正在排队等待上下文的调用数
	AcquireWaiting prometheus.Gauge
	// ColdStarts 冷启动次数计数器
	// 标签: function_id
	ColdStarts *prometheus.CounterVec
	// WarmStarts 热启动次数计数器
	// 标签: function_id
	WarmStarts *prometheus.CounterVec
	// ContextsDisposed 上下文销毁次数
	// 标签: reason
	ContextsDisposed *prometheus.CounterVec

	// ========== 包缓存相关指标 ==========

	// CacheHits 包缓存命中次数
	CacheHits prometheus.Counter
	// CacheMisses 包缓存未命中次数
	CacheMisses prometheus.Counter
	// CacheEvictions 被淘汰的缓存条目数
	CacheEvictions prometheus.Counter
	// CacheBytes 缓存当前占用字节数
	CacheBytes prometheus.Gauge
	// PackageFetchDuration 包下载与解压耗时直方图（单位：毫秒）
	// 标签: result
	PackageFetchDuration *prometheus.HistogramVec

	// ========== KV 与网络策略 ==========

	// KVOperations KV 操作次数
	// 标签: operation, result
	KVOperations *prometheus.CounterVec
	// KVOperationDuration KV 操作耗时直方图（单位：毫秒）
	// 标签: operation
	KVOperationDuration *prometheus.HistogramVec
	// PolicyDecisions 网络策略判定次数
	// 标签: decision
	PolicyDecisions *prometheus.CounterVec
}

// NewMetrics 创建并注册一组 Prometheus 指标。
// namespace 用作所有指标名前缀；指标注册在独立的 Registry 上，通过 Handler 暴露。
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		InvocationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of function invocations",
			},
			[]string{"function_id", "tenant_id", "status"},
		),
		InvocationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_ms",
				Help:      "Function invocation duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"function_id", "cold_start"},
		),
		InvocationErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocation_errors_total",
				Help:      "Total number of failed invocations by error kind",
			},
			[]string{"function_id", "error_kind"},
		),
		ContextsLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_live",
			Help:      "Number of live execution contexts",
		}),
		ContextsIdle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_idle",
			Help:      "Number of ready execution contexts waiting for reuse",
		}),
		AcquireWaiting: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "acquire_waiting",
			Help:      "Number of invocations queued for an execution context",
		}),
		ColdStarts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_starts_total",
				Help:      "Total number of invocations that provisioned a new context",
			},
			[]string{"function_id"},
		),
		WarmStarts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warm_starts_total",
				Help:      "Total number of invocations served by a pooled context",
			},
			[]string{"function_id"},
		),
		ContextsDisposed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "contexts_disposed_total",
				Help:      "Total number of disposed execution contexts",
			},
			[]string{"reason"},
		),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_cache_hits_total",
			Help:      "Total number of package cache hits",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_cache_misses_total",
			Help:      "Total number of package cache misses",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_cache_evictions_total",
			Help:      "Total number of evicted package cache entries",
		}),
		CacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "package_cache_bytes",
			Help:      "Bytes currently used by the package cache",
		}),
		PackageFetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "package_fetch_duration_ms",
				Help:      "Package download and extraction duration in milliseconds",
				Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"result"},
		),
		KVOperations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kv_operations_total",
				Help:      "Total number of KV bridge operations",
			},
			[]string{"operation", "result"},
		),
		KVOperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "kv_operation_duration_ms",
				Help:      "KV bridge operation duration in milliseconds",
				Buckets:   []float64{0.5, 1, 5, 10, 25, 50, 100, 250, 1000},
			},
			[]string{"operation"},
		),
		PolicyDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "network_policy_decisions_total",
				Help:      "Total number of outbound network policy decisions",
			},
			[]string{"decision"},
		),
	}
}

// Handler 返回暴露本组指标的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 Registry，便于测试读取指标。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordInvocation 记录一次调用结果。
// errorKind 为空表示成功，否则同时计入错误分类计数。
func (m *Metrics) RecordInvocation(functionID, tenantID, errorKind string, durationMs float64, coldStart bool) {
	if m == nil {
		return
	}
	status := "success"
	if errorKind != "" {
		status = "error"
		m.InvocationErrors.WithLabelValues(functionID, errorKind).Inc()
	}
	m.InvocationsTotal.WithLabelValues(functionID, tenantID, status).Inc()
	m.InvocationDuration.WithLabelValues(functionID, strconv.FormatBool(coldStart)).Observe(durationMs)
}

// RecordStart 记录一次冷/热启动。
func (m *Metrics) RecordStart(functionID string, cold bool) {
	if m == nil {
		return
	}
	if cold {
		m.ColdStarts.WithLabelValues(functionID).Inc()
		return
	}
	m.WarmStarts.WithLabelValues(functionID).Inc()
}

// RecordDispose 记录一次上下文销毁及原因。
func (m *Metrics) RecordDispose(reason string) {
	if m == nil {
		return
	}
	m.ContextsDisposed.WithLabelValues(reason).Inc()
}

// UpdatePoolStats 更新上下文池状态。
func (m *Metrics) UpdatePoolStats(live, idle, waiting int) {
	if m == nil {
		return
	}
	m.ContextsLive.Set(float64(live))
	m.ContextsIdle.Set(float64(idle))
	m.AcquireWaiting.Set(float64(waiting))
}

// RecordCacheLookup 记录包缓存命中或未命中。
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
		return
	}
	m.CacheMisses.Inc()
}

// RecordPackageFetch 记录一次包下载与解压。
func (m *Metrics) RecordPackageFetch(durationMs float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PackageFetchDuration.WithLabelValues(result).Observe(durationMs)
}

// RecordEviction 记录淘汰的条目数与当前缓存占用。
func (m *Metrics) RecordEviction(evicted int, bytes int64) {
	if m == nil {
		return
	}
	m.CacheEvictions.Add(float64(evicted))
	m.CacheBytes.Set(float64(bytes))
}

// UpdateCacheBytes 更新缓存当前占用。
func (m *Metrics) UpdateCacheBytes(bytes int64) {
	if m == nil {
		return
	}
	m.CacheBytes.Set(float64(bytes))
}

// RecordKVOperation 记录一次 KV 操作。
func (m *Metrics) RecordKVOperation(operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.KVOperations.WithLabelValues(operation, result).Inc()
	m.KVOperationDuration.WithLabelValues(operation).Observe(durationMs)
}

// RecordPolicyDecision 记录一次网络策略判定。
func (m *Metrics) RecordPolicyDecision(allowed bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.PolicyDecisions.WithLabelValues(decision).Inc()
}
