package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/edgejs/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler 调用处理器
	Handler *Handler
	// Logs 实时日志广播器（可选）
	Logs *LogHub
	// Identify 提取调用方身份的中间件（可选）
	Identify func(http.Handler) http.Handler
	// Metrics Prometheus 指标端点（可选）
	Metrics http.Handler
	// ServiceName 遥测中的服务名
	ServiceName string
	// Logger 日志记录器
	Logger *logrus.Logger
}

// NewRouter 创建并配置 HTTP 路由器。
//
// 路由结构：
//
//	/healthz                                           - 健康检查
//	/readyz                                            - 就绪探针（上下文池状态）
//	/metrics                                           - Prometheus 指标
//	/v1/functions/{id}/invoke                          - JSON 信封调用
//	/v1/functions/{id}/versions/{version}/http/*       - HTTP 直通调用
//	/v1/logs/stream                                    - 实时日志 WebSocket
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	name := cfg.ServiceName
	if name == "" {
		name = "edgejs"
	}

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware(name))
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.Identify != nil {
			r.Use(cfg.Identify)
		}
		r.Post("/functions/{id}/invoke", h.Invoke)
		r.HandleFunc("/functions/{id}/versions/{version}/http", h.InvokeHTTP)
		r.HandleFunc("/functions/{id}/versions/{version}/http/*", h.InvokeHTTP)
		if cfg.Logs != nil {
			r.Get("/logs/stream", cfg.Logs.Stream)
		}
	})
	return r
}
