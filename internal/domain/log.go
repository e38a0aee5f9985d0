package domain

import "time"

// LogEntry 是推送到实时日志流的一条事件。
// console 输出与调用完成事件都以该结构在 WebSocket 上推送。
type LogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Level        string    `json:"level"`
	FunctionID   string    `json:"function_id"`
	TenantID     string    `json:"tenant_id,omitempty"`
	InvocationID string    `json:"invocation_id,omitempty"`
	Message      string    `json:"message"`
	StatusCode   int       `json:"status_code,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
}

// LogEntriesFromResult 将调用结果展开为日志事件：每条 console 输出一条，外加一条完成事件。
func LogEntriesFromResult(r *InvocationResult) []LogEntry {
	entries := make([]LogEntry, 0, len(r.Logs)+1)
	for _, l := range r.Logs {
		entries = append(entries, LogEntry{
			Timestamp:    l.Timestamp,
			Level:        l.Level,
			FunctionID:   r.FunctionID,
			TenantID:     r.TenantID,
			InvocationID: r.InvocationID,
			Message:      l.Message,
		})
	}
	level := "info"
	if r.Failed() {
		level = "error"
	}
	msg := "invocation completed"
	if r.ErrorMessage != "" {
		msg = r.ErrorMessage
	}
	entries = append(entries, LogEntry{
		Timestamp:    time.Now(),
		Level:        level,
		FunctionID:   r.FunctionID,
		TenantID:     r.TenantID,
		InvocationID: r.InvocationID,
		Message:      msg,
		StatusCode:   r.StatusCode,
		ErrorKind:    r.ErrorKind,
		DurationMs:   r.Duration.Milliseconds(),
	})
	return entries
}
