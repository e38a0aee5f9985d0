package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/eventloop"
	"github.com/oriys/edgejs/internal/shim"
	"github.com/sirupsen/logrus"
)

type testHandle struct {
	vm      *goja.Runtime
	loop    *eventloop.Loop
	caps    *shim.CapabilitySet
	exports goja.Value
}

func (h *testHandle) Runtime() *goja.Runtime           { return h.vm }
func (h *testHandle) Loop() *eventloop.Loop             { return h.loop }
func (h *testHandle) Capabilities() *shim.CapabilitySet { return h.caps }
func (h *testHandle) Exports() goja.Value               { return h.exports }

func newHandle(t *testing.T, source string, b shim.Binding) *testHandle {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	catalog, err := shim.NewCatalog(logger)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	b.PackageDir = t.TempDir()
	if b.TenantID == "" {
		b.TenantID = "acme"
	}
	if err := os.WriteFile(filepath.Join(b.PackageDir, "index.js"), []byte(source), 0o644); err != nil {
		t.Fatalf("write index.js: %v", err)
	}
	h := &testHandle{vm: goja.New(), loop: eventloop.New(), caps: catalog.Build(b)}
	if err := h.caps.Attach(h.vm, h.loop); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	h.exports, err = h.caps.LoadEntry(context.Background())
	if err != nil {
		t.Fatalf("LoadEntry: %v", err)
	}
	t.Cleanup(func() {
		h.caps.Revoke()
		h.loop.Close()
	})
	return h
}

func getRequest(path string) *domain.InvocationRequest {
	req := &domain.InvocationRequest{Method: http.MethodGet, Path: path, TenantID: "acme"}
	req.Normalize()
	return req
}

func TestInvoke_Responses(t *testing.T) {
	tests := []struct {
		name        string
		source      string
		req         *domain.InvocationRequest
		status      int
		body        string
		contentType string
	}{
		{
			name:        "res.status().json()",
			source:      `module.exports = function (req, res) { res.status(201).json({ ok: true }); };`,
			status:      201,
			body:        `{"ok":true}`,
			contentType: "application/json",
		},
		{
			name:        "returned object with body object",
			source:      `module.exports.handler = async function () { return { statusCode: 201, body: { ok: true } }; };`,
			status:      201,
			body:        `{"ok":true}`,
			contentType: "application/json",
		},
		{
			name:        "returned object with JSON string body",
			source:      `module.exports.default = function () { return { statusCode: 201, body: JSON.stringify({ ok: true }) }; };`,
			status:      201,
			body:        `{"ok":true}`,
			contentType: "application/json",
		},
		{
			name:        "query parameters",
			source:      `module.exports = function (req, res) { res.send('hi ' + req.query.name); };`,
			req:         &domain.InvocationRequest{Method: http.MethodGet, Path: "/", Query: map[string][]string{"name": {"bob"}}},
			status:      200,
			body:        "hi bob",
			contentType: "text/plain; charset=utf-8",
		},
		{
			name:   "JSON request body",
			source: `module.exports = function (req, res) { res.json(req.body.a + 1); };`,
			req: &domain.InvocationRequest{
				Method:  http.MethodPost,
				Path:    "/",
				Headers: map[string]string{"content-type": "application/json"},
				Body:    []byte(`{"a":1}`),
			},
			status:      200,
			body:        "2",
			contentType: "application/json",
		},
		{
			name:   "await sleep then send",
			source: `module.exports = async function (req, res) { await sleep(5); res.set('x-done', 'yes').send('slept'); };`,
			status: 200,
			body:   "slept",
		},
		{
			name:   "sync handler sends from a timer",
			source: `module.exports = function (req, res) { setTimeout(function () { res.send('late'); }, 5); };`,
			status: 200,
			body:   "late",
		},
		{
			name:        "fetch Response return value",
			source:      `module.exports = async function () { return new Response('<p>hi</p>', { status: 202 }); };`,
			status:      202,
			body:        "<p>hi</p>",
			contentType: "text/plain;charset=UTF-8",
		},
		{
			name:   "res.end without body",
			source: `module.exports = function (req, res) { res.statusCode = 204; res.end(); };`,
			status: 204,
			body:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandle(t, tt.source, shim.Binding{})
			req := tt.req
			if req == nil {
				req = getRequest("/")
			} else {
				req.Normalize()
			}
			res := Invoke(context.Background(), h, req, nil)
			if res.ErrorKind != domain.KindNone {
				t.Fatalf("ErrorKind = %s: %s", res.ErrorKind, res.ErrorMessage)
			}
			if res.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", res.StatusCode, tt.status)
			}
			if string(res.Body) != tt.body {
				t.Errorf("Body = %q, want %q", res.Body, tt.body)
			}
			if tt.contentType != "" && res.Headers["content-type"] != tt.contentType {
				t.Errorf("content-type = %q, want %q", res.Headers["content-type"], tt.contentType)
			}
			if res.ResponseBytes != int64(len(tt.body)) {
				t.Errorf("ResponseBytes = %d", res.ResponseBytes)
			}
		})
	}
}

func TestInvoke_Failures(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		timeout time.Duration
		kind    domain.ErrorKind
		message string
	}{
		{"throws", `module.exports = function () { throw new TypeError('boom'); };`, 0, domain.KindHandlerThrew, "TypeError: boom"},
		{"rejects", `module.exports = async function () { await sleep(1); throw new Error('async boom'); };`, 0, domain.KindHandlerThrew, "async boom"},
		{"throws a string", `module.exports = function () { throw 'plain'; };`, 0, domain.KindHandlerThrew, "plain"},
		{"no response", `module.exports = function () {};`, 0, domain.KindInvalidResponseShape, "without sending"},
		{"not a response", `module.exports = function () { return 42; };`, 0, domain.KindInvalidResponseShape, "not a response"},
		{"never settles", `module.exports = function () { return new Promise(function () {}); };`, 0, domain.KindInvalidResponseShape, "never settled"},
		{"no handler export", `module.exports = { other: 1 };`, 0, domain.KindIsolateCreationFailed, "must export"},
		{"busy loop", `module.exports = function () { for (;;) {} };`, 100 * time.Millisecond, domain.KindIsolateTimeout, ""},
		{"interval never sends", `module.exports = function () { setInterval(function () {}, 10); };`, 100 * time.Millisecond, domain.KindIsolateTimeout, ""},
		{"uncaught policy violation", `module.exports = async function () { await fetch('http://127.0.0.1:1/'); };`, 0, domain.KindNetworkPolicyViolation, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandle(t, tt.source, shim.Binding{})
			ctx := context.Background()
			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}
			res := Invoke(ctx, h, getRequest("/"), nil)
			if res.ErrorKind != tt.kind {
				t.Fatalf("ErrorKind = %q (%s), want %q", res.ErrorKind, res.ErrorMessage, tt.kind)
			}
			if res.StatusCode != tt.kind.StatusCode() {
				t.Errorf("StatusCode = %d, want %d", res.StatusCode, tt.kind.StatusCode())
			}
			if !strings.Contains(res.ErrorMessage, tt.message) {
				t.Errorf("ErrorMessage = %q, want it to contain %q", res.ErrorMessage, tt.message)
			}
			if res.Headers["content-type"] != "application/json" || !strings.Contains(string(res.Body), string(tt.kind)) {
				t.Errorf("error body = %q", res.Body)
			}
		})
	}
}

func TestInvoke_ContextReusableAfterThrow(t *testing.T) {
	h := newHandle(t, `
var calls = 0;
module.exports = function (req, res) {
  calls++;
  if (req.query.fail) throw new Error('requested failure');
  res.send('calls=' + calls);
};`, shim.Binding{})

	failing := &domain.InvocationRequest{Method: http.MethodGet, Path: "/", Query: map[string][]string{"fail": {"1"}}}
	failing.Normalize()
	if res := Invoke(context.Background(), h, failing, nil); res.ErrorKind != domain.KindHandlerThrew {
		t.Fatalf("first ErrorKind = %q", res.ErrorKind)
	}
	res := Invoke(context.Background(), h, getRequest("/"), nil)
	if res.ErrorKind != domain.KindNone || string(res.Body) != "calls=2" {
		t.Errorf("second invocation = %d %q (%s)", res.StatusCode, res.Body, res.ErrorMessage)
	}
}

func TestInvoke_TimeoutThenReuse(t *testing.T) {
	h := newHandle(t, `module.exports = function (req, res) {
  if (req.query.spin) { for (;;) {} }
  res.send('ok');
};`, shim.Binding{})

	spin := &domain.InvocationRequest{Method: http.MethodGet, Path: "/", Query: map[string][]string{"spin": {"1"}}}
	spin.Normalize()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if res := Invoke(ctx, h, spin, nil); res.ErrorKind != domain.KindIsolateTimeout {
		t.Fatalf("ErrorKind = %q", res.ErrorKind)
	}
	// 中断标记已清除，同一运行时仍可执行
	if res := Invoke(context.Background(), h, getRequest("/"), nil); string(res.Body) != "ok" {
		t.Errorf("after timeout: %d %q (%s)", res.StatusCode, res.Body, res.ErrorMessage)
	}
}

func TestInvoke_ConsoleCapture(t *testing.T) {
	h := newHandle(t, `module.exports = async function (req, res) {
  console.log('start', req.method);
  await sleep(1);
  console.error('after sleep');
  res.send('done');
};`, shim.Binding{})

	var streamed []domain.ConsoleEntry
	res := Invoke(context.Background(), h, getRequest("/"), func(e domain.ConsoleEntry) {
		streamed = append(streamed, e)
	})
	if len(res.Logs) != 2 {
		t.Fatalf("Logs = %+v", res.Logs)
	}
	if res.Logs[0].Message != "start GET" || res.Logs[1].Level != "error" {
		t.Errorf("Logs = %+v", res.Logs)
	}
	if len(streamed) != 2 {
		t.Errorf("streamed %d entries, want 2", len(streamed))
	}
	if res.Duration <= 0 {
		t.Error("Duration not recorded")
	}
}

func TestInvoke_MemoryLimit(t *testing.T) {
	h := newHandle(t, `module.exports = function (req, res) { res.send('x'.repeat(64 * 1024)); };`,
		shim.Binding{MemoryLimit: 16 * 1024})

	res := Invoke(context.Background(), h, getRequest("/"), nil)
	if res.ErrorKind != domain.KindIsolateMemoryExceeded {
		t.Fatalf("ErrorKind = %q (%s)", res.ErrorKind, res.ErrorMessage)
	}
	if !res.ErrorKind.Terminal() {
		t.Error("memory exhaustion must be terminal for the context")
	}
}

func TestInvoke_KVQuotaUncaught(t *testing.T) {
	h := newHandle(t, `module.exports = async function (req, res) {
  await kv.set('k', 'v');
  res.send('stored');
};`, shim.Binding{KV: quotaKV{}})

	res := Invoke(context.Background(), h, getRequest("/"), nil)
	if res.ErrorKind != domain.KindKvQuotaExceeded {
		t.Fatalf("ErrorKind = %q (%s)", res.ErrorKind, res.ErrorMessage)
	}
	if res.StatusCode != http.StatusInsufficientStorage {
		t.Errorf("StatusCode = %d", res.StatusCode)
	}
}

func TestResolveHandler(t *testing.T) {
	vm := goja.New()
	tests := []struct {
		name   string
		source string
		ok     bool
	}{
		{"function", `(function () {})`, true},
		{"handler", `({ handler: function () {} })`, true},
		{"default", `({ default: function () {} })`, true},
		{"object without function", `({ handler: 1 })`, false},
		{"undefined", `undefined`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := vm.RunString(tt.source)
			if err != nil {
				t.Fatal(err)
			}
			_, err = resolveHandler(vm, v)
			if (err == nil) != tt.ok {
				t.Errorf("resolveHandler() error = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && domain.KindOf(err) != domain.KindIsolateCreationFailed {
				t.Errorf("KindOf = %q", domain.KindOf(err))
			}
		})
	}
}

// quotaKV 是所有写入都超出配额的 KV 句柄。
type quotaKV struct{}

func (quotaKV) Get(context.Context, string) (json.RawMessage, bool, error) { return nil, false, nil }
func (quotaKV) Has(context.Context, string) (bool, error)                  { return false, nil }
func (quotaKV) Set(context.Context, string, json.RawMessage, time.Duration) error {
	return domain.NewError(domain.KindKvQuotaExceeded, "tenant quota exhausted", domain.ErrKVQuotaExceeded)
}
func (quotaKV) Delete(context.Context, string) (bool, error) { return false, nil }
func (quotaKV) Clear(context.Context) error                  { return nil }
func (quotaKV) Revoke()                                      {}

func TestInvoke_HeapGrowthExceedsLimit(t *testing.T) {
	h := newHandle(t, `module.exports = function (req, res) {
  var keep = [];
  for (var i = 0; i < 40000; i++) {
    var row = [];
    for (var j = 0; j < 200; j++) row.push(j);
    keep.push(row);
  }
  res.send('allocated ' + keep.length);
};`, shim.Binding{MemoryLimit: 1 << 20})

	res := Invoke(context.Background(), h, getRequest("/"), nil)
	if res.ErrorKind != domain.KindIsolateMemoryExceeded {
		t.Fatalf("ErrorKind = %q status=%d body=%q", res.ErrorKind, res.StatusCode, res.Body)
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d", res.StatusCode)
	}
}

func TestInvoke_SmallAllocationWithinLimit(t *testing.T) {
	h := newHandle(t, `module.exports = function (req, res) {
  var parts = [];
  for (var i = 0; i < 100; i++) parts.push(i);
  res.send(parts.join(','));
};`, shim.Binding{MemoryLimit: 1 << 20})

	for i := 0; i < 3; i++ {
		res := Invoke(context.Background(), h, getRequest("/"), nil)
		if res.ErrorKind != domain.KindNone || res.StatusCode != http.StatusOK {
			t.Fatalf("run %d: kind=%q status=%d (%s)", i, res.ErrorKind, res.StatusCode, res.ErrorMessage)
		}
	}
}
