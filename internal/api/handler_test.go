package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oriys/edgejs/internal/auth"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/engine"
	"github.com/oriys/edgejs/internal/sandbox"
	"github.com/sirupsen/logrus"
)

const testHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

// fakeInvoker 记录收到的调用输入，并返回预设结果。
type fakeInvoker struct {
	mu     sync.Mutex
	inputs []engine.ExecuteInput
	result domain.InvocationResult
	err    error
	stats  sandbox.Stats
}

func (f *fakeInvoker) Execute(_ context.Context, in engine.ExecuteInput) (domain.InvocationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return f.result, f.err
}

func (f *fakeInvoker) Stats() sandbox.Stats { return f.stats }

func (f *fakeInvoker) last(t *testing.T) engine.ExecuteInput {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		t.Fatal("invoker was not called")
	}
	return f.inputs[len(f.inputs)-1]
}

func newTestRouter(inv Invoker, hub *LogHub) http.Handler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	identify := auth.NewMiddleware(nil, "X-Edge-Client-Token", "X-Edge-Tenant", "X-API-Key")
	h := NewHandler(inv, HandlerConfig{
		MaxBodyBytes: 1 << 10,
		TenantEnv:    map[string]map[string]string{"acme": {"REGION": "eu", "MODE": "prod"}},
		StripHeaders: []string{"X-Edge-Client-Token", "X-Edge-Tenant", "X-API-Key"},
	}, logger)
	return NewRouter(&RouterConfig{
		Handler:  h,
		Logs:     hub,
		Identify: identify.Identify,
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics")) }),
		Logger:   logger,
	})
}

func okResult() domain.InvocationResult {
	return domain.InvocationResult{
		InvocationID: "inv-1",
		FunctionID:   "hello",
		StatusCode:   201,
		Headers:      map[string]string{"content-type": "application/json", "x-custom": "yes"},
		Body:         []byte(`{"ok":true}`),
		Duration:     12 * time.Millisecond,
	}
}

func TestInvoke_Envelope(t *testing.T) {
	inv := &fakeInvoker{result: okResult()}
	router := newTestRouter(inv, nil)

	body := `{
  "package": {"version": "v1", "sha256": "` + testHash + `"},
  "env": {"MODE": "test"},
  "request": {"method": "post", "path": "/items", "query": {"q": "x"}, "body": {"a": 1}},
  "timeout_ms": 250,
  "memory_mb": 64
}`
	req := httptest.NewRequest(http.MethodPost, "/v1/functions/hello/invoke", strings.NewReader(body))
	req.Header.Set("X-Edge-Tenant", "acme")
	req.Header.Set("X-API-Key", "edg_secret")
	req.RemoteAddr = "203.0.113.7:5555"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var got map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status_code"] != float64(201) || got["invocation_id"] != "inv-1" {
		t.Errorf("response = %v", got)
	}
	if b, ok := got["body"].(map[string]interface{}); !ok || b["ok"] != true {
		t.Errorf("json body should be inlined: %v", got["body"])
	}

	in := inv.last(t)
	if in.FunctionID != "hello" || in.Package.FunctionID != "hello" || in.Version != "v1" || in.Package.SHA256 != testHash {
		t.Errorf("package = %+v", in.Package)
	}
	if in.TenantID != "acme" || in.Request.APIKey != "edg_secret" || in.Request.ClientIP != "203.0.113.7" {
		t.Errorf("caller = tenant %q key %q ip %q", in.TenantID, in.Request.APIKey, in.Request.ClientIP)
	}
	if in.Env["REGION"] != "eu" || in.Env["MODE"] != "test" {
		t.Errorf("env = %v", in.Env)
	}
	if in.Limits.Timeout != 250*time.Millisecond || in.Limits.MemoryBytes != 64<<20 {
		t.Errorf("limits = %+v", in.Limits)
	}
	if in.Request.Method != "post" || in.Request.Query["q"][0] != "x" || string(in.Request.Body) != `{"a": 1}` {
		t.Errorf("request = %+v", in.Request)
	}
}

func TestInvoke_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed json", "/v1/functions/hello/invoke", `{"package":`},
		{"function id mismatch", "/v1/functions/hello/invoke", `{"package": {"function_id": "other"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &fakeInvoker{result: okResult()}
			w := httptest.NewRecorder()
			newTestRouter(inv, nil).ServeHTTP(w, httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body)))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d", w.Code)
			}
			if len(inv.inputs) != 0 {
				t.Error("invoker should not be called")
			}
		})
	}
}

func TestInvoke_DefaultTenant(t *testing.T) {
	inv := &fakeInvoker{result: okResult()}
	w := httptest.NewRecorder()
	newTestRouter(inv, nil).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/functions/hello/invoke", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if in := inv.last(t); in.TenantID != DefaultTenant || in.Env != nil {
		t.Errorf("tenant = %q env = %v", in.TenantID, in.Env)
	}
}

func TestInvoke_EngineClosed(t *testing.T) {
	inv := &fakeInvoker{err: engine.ErrEngineClosed}
	w := httptest.NewRecorder()
	newTestRouter(inv, nil).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/functions/hello/invoke", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Error == "" || resp.RequestID == "" {
		t.Errorf("error response = %s", w.Body.String())
	}
}

func TestInvokeHTTP_Passthrough(t *testing.T) {
	inv := &fakeInvoker{result: okResult()}
	router := newTestRouter(inv, nil)

	req := httptest.NewRequest(http.MethodPut, "/v1/functions/hello/versions/v2/http/users/42?expand=1&expand=2", strings.NewReader("payload"))
	req.Header.Set(PackageHashHeader, testHash)
	req.Header.Set("X-Edge-Tenant", "acme")
	req.Header.Set("X-API-Key", "edg_secret")
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 201 || w.Body.String() != `{"ok":true}` {
		t.Fatalf("response = %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Custom") != "yes" || w.Header().Get("X-Edge-Invocation-Id") != "inv-1" {
		t.Errorf("headers = %v", w.Header())
	}

	in := inv.last(t)
	if in.Package.Version != "v2" || in.Package.SHA256 != testHash {
		t.Errorf("package = %+v", in.Package)
	}
	r := in.Request
	if r.Method != http.MethodPut || r.Path != "/users/42" || string(r.Body) != "payload" {
		t.Errorf("request = %s %s %q", r.Method, r.Path, r.Body)
	}
	if len(r.Query["expand"]) != 2 {
		t.Errorf("query = %v", r.Query)
	}
	if r.Header("content-type") != "text/plain" {
		t.Errorf("content-type not forwarded: %v", r.Headers)
	}
	for _, stripped := range []string{"x-api-key", "x-edge-tenant", strings.ToLower(PackageHashHeader)} {
		if _, ok := r.Headers[stripped]; ok {
			t.Errorf("header %s should not reach the function", stripped)
		}
	}
	if r.APIKey != "edg_secret" || in.TenantID != "acme" {
		t.Errorf("caller = %q %q", in.TenantID, r.APIKey)
	}
}

func TestInvokeHTTP_Errors(t *testing.T) {
	tests := []struct {
		name   string
		hash   string
		body   string
		status int
	}{
		{"missing package hash", "", "", http.StatusBadRequest},
		{"body too large", testHash, strings.Repeat("x", 2<<10), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &fakeInvoker{result: okResult()}
			req := httptest.NewRequest(http.MethodPost, "/v1/functions/hello/versions/v1/http", strings.NewReader(tt.body))
			if tt.hash != "" {
				req.Header.Set(PackageHashHeader, tt.hash)
			}
			w := httptest.NewRecorder()
			newTestRouter(inv, nil).ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestHealthAndReady(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		stats  sandbox.Stats
		status int
	}{
		{"health", "/healthz", sandbox.Stats{}, http.StatusOK},
		{"ready", "/readyz", sandbox.Stats{Live: 1, Idle: 1, Max: 4}, http.StatusOK},
		{"saturated", "/readyz", sandbox.Stats{Live: 4, Waiting: 3, Max: 4}, http.StatusServiceUnavailable},
		{"metrics", "/metrics", sandbox.Stats{}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			newTestRouter(&fakeInvoker{stats: tt.stats}, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestLogHub_PublishAndUnsubscribe(t *testing.T) {
	hub := NewLogHub(logrus.New())
	logs, cancel := hub.Subscribe()

	result := &domain.InvocationResult{
		InvocationID: "inv-1",
		FunctionID:   "hello",
		StatusCode:   200,
		Logs:         []domain.ConsoleEntry{{Level: "info", Message: "hi"}},
	}
	if err := hub.PublishInvocationCompleted(context.Background(), result); err != nil {
		t.Fatalf("publish: %v", err)
	}
	first := <-logs
	second := <-logs
	if first.Message != "hi" || second.Message != "invocation completed" || second.StatusCode != 200 {
		t.Errorf("entries = %+v %+v", first, second)
	}

	cancel()
	cancel()
	if hub.Subscribers() != 0 {
		t.Errorf("subscribers = %d", hub.Subscribers())
	}
	if _, ok := <-logs; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestLogHub_Close(t *testing.T) {
	hub := NewLogHub(logrus.New())
	logs, cancel := hub.Subscribe()
	defer cancel()
	hub.Close()
	if _, ok := <-logs; ok {
		t.Error("channel should be closed")
	}
	late, _ := hub.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribing to a closed hub should yield a closed channel")
	}
}

func TestLogStream_WebSocket(t *testing.T) {
	hub := NewLogHub(logrus.New())
	srv := httptest.NewServer(newTestRouter(&fakeInvoker{}, hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/logs/stream?function_id=hello"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(domain.LogEntry{FunctionID: "other", Message: "filtered"})
	hub.Broadcast(domain.LogEntry{FunctionID: "hello", Message: "visible"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var entry domain.LogEntry
	if err := conn.ReadJSON(&entry); err != nil {
		t.Fatalf("read: %v", err)
	}
	if entry.Message != "visible" {
		t.Errorf("message = %q, want the unfiltered entry", entry.Message)
	}
}
