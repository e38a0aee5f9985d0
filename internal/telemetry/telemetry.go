// Package telemetry 提供 OpenTelemetry 链路追踪与日志关联的封装。
// 引擎在每次调用上开启 engine.execute Span，并在缓存、上下文获取、处理函数执行等阶段记录事件；
// 追踪数据通过 OTLP gRPC 导出到 Tempo、Jaeger 等后端。
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName 是引擎内部 Span 使用的追踪器名称。
const TracerName = "github.com/oriys/edgejs"

// Config 定义遥测配置。
type Config struct {
	// Enabled 为 false 时使用全局空操作追踪器
	Enabled bool
	// Endpoint OTLP 接收器的 gRPC 地址，例如 "tempo:4317"
	Endpoint string
	// ServiceName 服务名称
	ServiceName string
	// ServiceVersion 服务版本
	ServiceVersion string
	// SampleRate 采样率，取值范围 0.0 到 1.0
	SampleRate float64
	// Environment 运行环境，如 production、staging
	Environment string
}

// Telemetry 持有追踪提供者，负责追踪数据的生命周期。
type Telemetry struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// New 根据配置初始化遥测。
// 未启用时返回仅包含全局追踪器的实例；启用时建立到 OTLP 接收器的 gRPC 连接，
// 按采样率创建父级采样器，并设置全局追踪提供者与 W3C 传播器。
//
// 参数：
//   - ctx: 上下文，用于控制连接超时
//   - cfg: 遥测配置
//
// 返回：
//   - *Telemetry: 遥测实例
//   - error: 初始化错误
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{config: cfg, tracer: otel.Tracer(TracerName)}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "edgejs"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 0.1
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "tempo:4317"
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", cfg.Endpoint, err)
	}

	exporter, err := otlptracegrpc.New(dialCtx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(dialCtx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{
		config:         cfg,
		tracerProvider: tp,
		tracer:         tp.Tracer(TracerName),
	}, nil
}

// Tracer 返回追踪器。
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Shutdown 刷新待发送的追踪数据并释放资源。
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider == nil {
		return nil
	}
	return t.tracerProvider.Shutdown(ctx)
}

// IsEnabled 返回遥测是否启用。
func (t *Telemetry) IsEnabled() bool {
	return t.config.Enabled
}

// StartSpan 使用全局追踪提供者创建 Span。
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, opts...)
}

// TraceIDFromContext 从上下文中提取 Trace ID，无效时返回空字符串。
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// RecordError 在 Span 上记录错误并标记失败状态。
func RecordError(span trace.Span, err error, description string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, description)
}
