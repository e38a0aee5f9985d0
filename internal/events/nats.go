// Package events 提供调用事件发布。
// 当前实现基于 NATS JetStream，每次调用结束后发布 invocation.<function>.completed 事件。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/sirupsen/logrus"
)

// StreamName 是调用事件所在的 JetStream Stream。
const StreamName = "EDGEJS_INVOCATIONS"

// Publisher 是引擎依赖的事件发布接口。
type Publisher interface {
	PublishInvocationCompleted(ctx context.Context, result *domain.InvocationResult) error
	Close() error
}

// EventBus 封装 NATS/JetStream 连接与发布操作。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
}

// Event 表示平台内部事件（JSON 格式）。
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEventBus 创建 EventBus 并确保调用事件 Stream 存在。
func NewEventBus(natsURL string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("edgejs"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"invocation.>"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	}
	if _, err := js.AddStream(cfg); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		if _, err := js.UpdateStream(cfg); err != nil {
			logger.WithError(err).Warn("Failed to ensure invocation stream")
		}
	}

	return &EventBus{conn: nc, js: js, logger: logger}, nil
}

// Close 关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	eb.conn.Close()
	return nil
}

// Publish 发布事件到其 subject。
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := eb.js.Publish(event.Subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":  event.Subject,
		"event_id": event.ID,
		"type":     event.Type,
	}).Debug("Event published")
	return nil
}

// PublishInvocationCompleted 发布“调用完成”事件。
func (eb *EventBus) PublishInvocationCompleted(ctx context.Context, result *domain.InvocationResult) error {
	event, err := CompletedEvent(result)
	if err != nil {
		return err
	}
	return eb.Publish(ctx, event)
}

// CompletedEvent 由调用结果构造完成事件，事件数据不包含响应体。
func CompletedEvent(result *domain.InvocationResult) (*Event, error) {
	summary := struct {
		InvocationID  string `json:"invocation_id"`
		FunctionID    string `json:"function_id"`
		Version       string `json:"version"`
		TenantID      string `json:"tenant_id"`
		StatusCode    int    `json:"status_code"`
		ColdStart     bool   `json:"cold_start"`
		DurationMs    int64  `json:"duration_ms"`
		RequestBytes  int64  `json:"request_bytes"`
		ResponseBytes int64  `json:"response_bytes"`
		ErrorKind     string `json:"error_kind,omitempty"`
	}{
		InvocationID:  result.InvocationID,
		FunctionID:    result.FunctionID,
		Version:       result.Version,
		TenantID:      result.TenantID,
		StatusCode:    result.StatusCode,
		ColdStart:     result.ColdStart,
		DurationMs:    result.Duration.Milliseconds(),
		RequestBytes:  result.RequestBytes,
		ResponseBytes: result.ResponseBytes,
		ErrorKind:     string(result.ErrorKind),
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	id := result.InvocationID
	if id == "" {
		id = uuid.New().String()
	}
	return &Event{
		ID:        id,
		Type:      "invocation.completed",
		Source:    "edgejs-engine",
		Subject:   fmt.Sprintf("invocation.%s.completed", result.FunctionID),
		Data:      data,
		Timestamp: time.Now(),
	}, nil
}
