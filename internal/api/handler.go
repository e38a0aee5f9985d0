// Package api 提供 edgejs serve 的 HTTP 调用接口。
// 该文件包含调用处理器：将入站 HTTP 请求转换为调用请求，交给执行引擎，再把结果写回。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/edgejs/internal/auth"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/engine"
	"github.com/oriys/edgejs/internal/sandbox"
	"github.com/oriys/edgejs/internal/telemetry"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTenant 是请求未携带租户头时使用的租户
	DefaultTenant = "default"
	// PackageHashHeader 是直通调用携带函数包哈希的请求头
	PackageHashHeader = "X-Edge-Package-Sha256"
	// EntryHeader 是直通调用覆盖入口文件的请求头
	EntryHeader = "X-Edge-Entry"
)

// Invoker 是处理器依赖的执行引擎接口，*engine.Engine 实现了该接口。
type Invoker interface {
	Execute(ctx context.Context, in engine.ExecuteInput) (domain.InvocationResult, error)
	Stats() sandbox.Stats
}

// HandlerConfig 是调用处理器配置。
type HandlerConfig struct {
	// MaxBodyBytes 请求体上限
	MaxBodyBytes int64
	// TenantEnv 每个租户暴露给 process.env 的变量
	TenantEnv map[string]map[string]string
	// StripHeaders 直通调用时不转发给函数的请求头（身份与信任头）
	StripHeaders []string
}

// Handler 处理调用 API 请求。
type Handler struct {
	invoker Invoker
	cfg     HandlerConfig
	strip   map[string]bool
	logger  *logrus.Logger
}

// NewHandler 创建调用处理器。
func NewHandler(invoker Invoker, cfg HandlerConfig, logger *logrus.Logger) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 6 << 20
	}
	strip := make(map[string]bool, len(cfg.StripHeaders)+2)
	for _, h := range append(cfg.StripHeaders, PackageHashHeader, EntryHeader) {
		strip[strings.ToLower(h)] = true
	}
	return &Handler{invoker: invoker, cfg: cfg, strip: strip, logger: logger}
}

// InvokeRequest 是 POST /v1/functions/{id}/invoke 的请求体。
type InvokeRequest struct {
	// Package 函数包引用，function_id 取路径参数
	Package domain.PackageRef `json:"package"`
	// Entry 入口文件，可选
	Entry string `json:"entry,omitempty"`
	// Env 附加环境变量，覆盖租户配置中的同名变量
	Env map[string]string `json:"env,omitempty"`
	// Request 交给处理函数的请求
	Request *domain.InvocationRequest `json:"request"`
	// TimeoutMs 墙钟预算（毫秒），0 使用配置值，超过配置值时按配置值执行
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
	// MemoryMB 内存上限（MB），0 使用配置值，超过配置值时按配置值执行
	MemoryMB int64 `json:"memory_mb,omitempty"`
}

// Invoke 处理调用请求，返回完整的调用结果 JSON。
// HTTP端点: POST /v1/functions/{id}/invoke
//
// 返回值：
//   - 200: 调用已执行（函数本身的状态码在 status_code 字段中）
//   - 400: 请求体无法解析
//   - 503: 引擎已关闭
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "id")

	var body InvokeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Package.FunctionID != "" && body.Package.FunctionID != functionID {
		writeError(w, r, http.StatusBadRequest, "package function_id does not match the path")
		return
	}
	body.Package.FunctionID = functionID

	req := body.Request
	if req == nil {
		req = &domain.InvocationRequest{}
	}
	caller := callerOf(r)
	req.ClientIP = caller.ClientIP
	req.APIKey = caller.APIKey

	in := engine.ExecuteInput{
		FunctionID: functionID,
		Version:    body.Package.Version,
		TenantID:   caller.TenantID,
		Package:    body.Package,
		Entry:      body.Entry,
		Env:        h.env(caller.TenantID, body.Env),
		Request:    req,
		Limits: domain.Limits{
			Timeout:     time.Duration(body.TimeoutMs) * time.Millisecond,
			MemoryBytes: body.MemoryMB << 20,
		},
	}
	result, ok := h.execute(w, r, in)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// InvokeHTTP 把入站 HTTP 请求原样交给函数，并把函数响应原样写回。
// HTTP端点: ANY /v1/functions/{id}/versions/{version}/http/*
// 函数包哈希由 X-Edge-Package-Sha256 请求头提供。
func (h *Handler) InvokeHTTP(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "id")
	version := chi.URLParam(r, "version")
	sum := r.Header.Get(PackageHashHeader)
	if sum == "" {
		writeError(w, r, http.StatusBadRequest, PackageHashHeader+" header required")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	caller := callerOf(r)
	req := &domain.InvocationRequest{
		Method:   r.Method,
		Path:     "/" + chi.URLParam(r, "*"),
		Body:     payload,
		ClientIP: caller.ClientIP,
		APIKey:   caller.APIKey,
	}
	if q := r.URL.Query(); len(q) > 0 {
		req.Query = q
	}
	for name, values := range r.Header {
		if h.strip[strings.ToLower(name)] || len(values) == 0 {
			continue
		}
		req.SetHeader(name, strings.Join(values, ", "))
	}

	in := engine.ExecuteInput{
		FunctionID: functionID,
		Version:    version,
		TenantID:   caller.TenantID,
		Package:    domain.PackageRef{FunctionID: functionID, Version: version, SHA256: sum},
		Entry:      r.Header.Get(EntryHeader),
		Env:        h.env(caller.TenantID, nil),
		Request:    req,
	}
	result, ok := h.execute(w, r, in)
	if !ok {
		return
	}
	for _, name := range result.HeaderNames() {
		w.Header().Set(name, result.Headers[name])
	}
	w.Header().Set("X-Edge-Invocation-Id", result.InvocationID)
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, in engine.ExecuteInput) (domain.InvocationResult, bool) {
	result, err := h.invoker.Execute(r.Context(), in)
	if err != nil {
		h.logRequest(r, in).WithError(err).Error("Invocation rejected")
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrEngineClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, r, status, err.Error())
		return result, false
	}
	h.logRequest(r, in).WithFields(logrus.Fields{
		"invocation_id": result.InvocationID,
		"status_code":   result.StatusCode,
	}).Debug("Invocation served")
	return result, true
}

// env 合并租户环境变量与请求附加变量。
func (h *Handler) env(tenantID string, extra map[string]string) map[string]string {
	base := h.cfg.TenantEnv[tenantID]
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// Health 处理健康检查请求。
// HTTP端点: GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready 处理就绪探针请求，返回上下文池状态。
// HTTP端点: GET /readyz
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	stats := h.invoker.Stats()
	status := http.StatusOK
	state := "ready"
	if stats.Live >= stats.Max && stats.Idle == 0 && stats.Waiting > 0 {
		status = http.StatusServiceUnavailable
		state = "saturated"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"pool":   stats,
	})
}

func callerOf(r *http.Request) *auth.Caller {
	caller := auth.GetCaller(r.Context())
	if caller == nil {
		caller = &auth.Caller{ClientIP: r.RemoteAddr}
	}
	if caller.TenantID == "" {
		c := *caller
		c.TenantID = DefaultTenant
		caller = &c
	}
	return caller
}

func (h *Handler) logRequest(r *http.Request, in engine.ExecuteInput) *logrus.Entry {
	return telemetry.EntryWithTraceContext(r.Context(), h.logger.WithFields(logrus.Fields{
		"path":        r.URL.Path,
		"request_id":  middleware.GetReqID(r.Context()),
		"function_id": in.FunctionID,
		"version":     in.Version,
		"tenant_id":   in.TenantID,
	}))
}

// writeJSON 将数据以 JSON 格式写入响应。
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse 是接口层错误的响应结构体。
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// writeError 写入带请求 ID 与追踪 ID 的错误响应。
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
		TraceID:   telemetry.TraceIDFromContext(r.Context()),
	})
}
