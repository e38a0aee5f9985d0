package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// InvocationRequest 表示一次进入沙箱的请求。
// JSON 形式与调用契约 {method, path, query, headers, body} 保持一致。
type InvocationRequest struct {
	// Method HTTP 方法，默认 GET
	Method string `json:"method"`
	// Path 请求路径，默认 /
	Path string `json:"path"`
	// Query 查询参数，单值参数在沙箱中以字符串呈现
	Query map[string][]string `json:"query,omitempty"`
	// Headers 请求头，键统一为小写
	Headers map[string]string `json:"headers,omitempty"`
	// Body 原始请求体
	Body []byte `json:"-"`
	// ClientIP 客户端地址（仅在上游令牌校验通过时为真实地址，否则为对端地址）
	ClientIP string `json:"client_ip,omitempty"`
	// TenantID 租户标识
	TenantID string `json:"tenant_id,omitempty"`
	// APIKey 调用方提供的 API Key
	APIKey string `json:"-"`
}

type invocationRequestJSON struct {
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Query    map[string]any    `json:"query,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	ClientIP string            `json:"client_ip,omitempty"`
	TenantID string            `json:"tenant_id,omitempty"`
}

// UnmarshalJSON 接受字符串或数组形式的查询参数，以及字符串或任意 JSON 形式的 body。
func (r *InvocationRequest) UnmarshalJSON(data []byte) error {
	var raw invocationRequestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = InvocationRequest{
		Method:   raw.Method,
		Path:     raw.Path,
		ClientIP: raw.ClientIP,
		TenantID: raw.TenantID,
	}
	if len(raw.Headers) > 0 {
		r.Headers = make(map[string]string, len(raw.Headers))
		for k, v := range raw.Headers {
			r.Headers[strings.ToLower(k)] = v
		}
	}
	if len(raw.Query) > 0 {
		r.Query = make(map[string][]string, len(raw.Query))
		for k, v := range raw.Query {
			switch val := v.(type) {
			case []any:
				for _, item := range val {
					r.Query[k] = append(r.Query[k], fmt.Sprint(item))
				}
			case nil:
				r.Query[k] = []string{""}
			default:
				r.Query[k] = []string{fmt.Sprint(val)}
			}
		}
	}
	body := bytes.TrimSpace(raw.Body)
	if len(body) > 0 && !bytes.Equal(body, []byte("null")) {
		var s string
		if body[0] == '"' && json.Unmarshal(body, &s) == nil {
			r.Body = []byte(s)
		} else {
			r.Body = append([]byte(nil), body...)
			if r.Header("content-type") == "" {
				r.SetHeader("content-type", "application/json")
			}
		}
	}
	return nil
}

// Normalize 填充默认方法和路径，并将请求头键统一为小写。
func (r *InvocationRequest) Normalize() {
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	r.Method = strings.ToUpper(r.Method)
	if r.Path == "" {
		r.Path = "/"
	}
	if !strings.HasPrefix(r.Path, "/") {
		r.Path = "/" + r.Path
	}
	if len(r.Headers) > 0 {
		lowered := make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			lowered[strings.ToLower(k)] = v
		}
		r.Headers = lowered
	}
}

// Header 返回指定请求头（大小写不敏感）。
func (r *InvocationRequest) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// SetHeader 设置请求头。
func (r *InvocationRequest) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[strings.ToLower(name)] = value
}

// IsJSON 判断请求体是否按 JSON 解析。
func (r *InvocationRequest) IsJSON() bool {
	ct := strings.ToLower(r.Header("content-type"))
	return strings.Contains(ct, "json") && json.Valid(r.Body)
}

// Size 估算请求字节数（请求行 + 头 + 体）。
func (r *InvocationRequest) Size() int64 {
	n := int64(len(r.Method) + len(r.Path) + len(r.Body))
	for k, vs := range r.Query {
		for _, v := range vs {
			n += int64(len(k) + len(v) + 2)
		}
	}
	for k, v := range r.Headers {
		n += int64(len(k) + len(v) + 4)
	}
	return n
}

// Limits 是单次调用的资源限制。
type Limits struct {
	// Timeout 墙钟时间预算
	Timeout time.Duration `json:"timeout"`
	// MemoryBytes 内存上限（字节）
	MemoryBytes int64 `json:"memory_bytes"`
}

// ConsoleEntry 是一条被捕获的 console 输出。
type ConsoleEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// InvocationResult 是一次调用的完整结果，任何结局都会产生。
type InvocationResult struct {
	InvocationID  string            `json:"invocation_id"`
	FunctionID    string            `json:"function_id"`
	Version       string            `json:"version"`
	TenantID      string            `json:"tenant_id"`
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"-"`
	Logs          []ConsoleEntry    `json:"logs"`
	Duration      time.Duration     `json:"-"`
	RequestBytes  int64             `json:"request_bytes"`
	ResponseBytes int64             `json:"response_bytes"`
	ColdStart     bool              `json:"cold_start"`
	ErrorKind     ErrorKind         `json:"error_kind,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

// MarshalJSON 将 JSON 类型的响应体内联输出，其余按字符串输出。
func (r InvocationResult) MarshalJSON() ([]byte, error) {
	type alias InvocationResult
	var body json.RawMessage
	if len(r.Body) > 0 {
		if strings.Contains(r.Headers["content-type"], "json") && json.Valid(r.Body) {
			body = r.Body
		} else {
			b, err := json.Marshal(string(r.Body))
			if err != nil {
				return nil, err
			}
			body = b
		}
	}
	return json.Marshal(struct {
		alias
		Body       json.RawMessage `json:"body,omitempty"`
		DurationMs int64           `json:"duration_ms"`
	}{
		alias:      alias(r),
		Body:       body,
		DurationMs: r.Duration.Milliseconds(),
	})
}

// Failed 表示结果是否带有错误分类。
func (r *InvocationResult) Failed() bool {
	return r.ErrorKind != KindNone
}

// ExitCode 返回单次执行模式下的进程退出码：2xx/3xx 为 0，其余为 1。
func (r *InvocationResult) ExitCode() int {
	if r.StatusCode >= 200 && r.StatusCode < 400 {
		return 0
	}
	return 1
}

// ApplyError 将错误写入结果，生成统一的错误响应体。
func (r *InvocationResult) ApplyError(err error) {
	kind := KindOf(err)
	r.ErrorKind = kind
	r.ErrorMessage = err.Error()
	var de *Error
	if errors.As(err, &de) && de.Message != "" {
		r.ErrorMessage = de.Message
	}
	r.StatusCode = kind.StatusCode()
	r.Headers = map[string]string{"content-type": "application/json"}
	r.Body, _ = json.Marshal(map[string]string{
		"error":   string(kind),
		"message": r.ErrorMessage,
	})
	r.ResponseBytes = int64(len(r.Body))
}

// HeaderNames 返回排序后的响应头名称。
func (r *InvocationResult) HeaderNames() []string {
	names := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
