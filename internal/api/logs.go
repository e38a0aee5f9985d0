package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	// logBuffer 是每个订阅者的缓冲条数，满时丢弃
	logBuffer = 256
	// pingInterval 是 WebSocket 心跳间隔
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// LogHub 把调用产生的 console 输出与完成事件广播给实时日志流的订阅者。
// 它实现了 events.Publisher，由引擎在每次调用结束后调用。
type LogHub struct {
	mu          sync.RWMutex
	subscribers map[chan domain.LogEntry]struct{}
	closed      bool
	upgrader    websocket.Upgrader
	logger      *logrus.Logger
}

// NewLogHub 创建日志广播器。
func NewLogHub(logger *logrus.Logger) *LogHub {
	return &LogHub{
		subscribers: make(map[chan domain.LogEntry]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// Subscribe 注册订阅者，返回接收通道与取消函数。
func (h *LogHub) Subscribe() (<-chan domain.LogEntry, func()) {
	ch := make(chan domain.LogEntry, logBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subscribers[ch]; ok {
				delete(h.subscribers, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

// Broadcast 非阻塞地推送一条日志。
func (h *LogHub) Broadcast(entry domain.LogEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- entry:
		default:
			// 订阅者太慢，丢弃
		}
	}
}

// PublishInvocationCompleted 广播调用的 console 输出与完成事件。
func (h *LogHub) PublishInvocationCompleted(_ context.Context, result *domain.InvocationResult) error {
	for _, entry := range domain.LogEntriesFromResult(result) {
		h.Broadcast(entry)
	}
	return nil
}

// Close 关闭所有订阅通道。
func (h *LogHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
	return nil
}

// Subscribers 返回当前订阅者数量。
func (h *LogHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Stream 处理 GET /v1/logs/stream：升级为 WebSocket 并持续推送日志。
// 可选查询参数 function_id 与 tenant_id 用于过滤。
func (h *LogHub) Stream(w http.ResponseWriter, r *http.Request) {
	functionID := r.URL.Query().Get("function_id")
	tenantID := r.URL.Query().Get("tenant_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	logs, cancel := h.Subscribe()
	defer cancel()

	// 读循环只用于感知客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case entry, ok := <-logs:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			if functionID != "" && entry.FunctionID != functionID {
				continue
			}
			if tenantID != "" && entry.TenantID != tenantID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}
