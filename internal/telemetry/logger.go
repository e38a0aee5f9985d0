package telemetry

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger 按级别和格式创建 logrus 日志器，并挂载追踪上下文钩子。
// format 为 text 时输出带颜色的文本，其余输出 JSON。
func NewLogger(level, format string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)
	if lvl, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
		logger.SetLevel(lvl)
	}
	if strings.EqualFold(format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger.AddHook(NewLogrusHook())
	return logger
}

// LogrusHook 在日志条目携带有效 Span 时写入 trace_id 与 span_id。
//
// 使用示例：
//
//	logger.WithContext(ctx).Info("invocation completed")
type LogrusHook struct{}

// NewLogrusHook 创建 LogrusHook。
func NewLogrusHook() *LogrusHook {
	return &LogrusHook{}
}

// Levels 对所有级别生效。
func (h *LogrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 写入追踪字段。
func (h *LogrusHook) Fire(entry *logrus.Entry) error {
	if entry.Context == nil {
		return nil
	}
	sc := trace.SpanFromContext(entry.Context).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	entry.Data["trace_id"] = sc.TraceID().String()
	entry.Data["span_id"] = sc.SpanID().String()
	if sc.IsSampled() {
		entry.Data["trace_sampled"] = true
	}
	return nil
}

// EntryWithTraceContext 向现有日志条目追加追踪字段。
func EntryWithTraceContext(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return entry
	}
	return entry.WithFields(logrus.Fields{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	})
}
