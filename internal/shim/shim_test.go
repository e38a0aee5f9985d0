package shim

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/eventloop"
	"github.com/oriys/edgejs/internal/kv"
	"github.com/oriys/edgejs/internal/netpolicy"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type harness struct {
	t    *testing.T
	vm   *goja.Runtime
	loop *eventloop.Loop
	caps *CapabilitySet
}

func newHarness(t *testing.T, b Binding) *harness {
	t.Helper()
	catalog, err := NewCatalog(quietLogger())
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	if b.PackageDir == "" {
		b.PackageDir = t.TempDir()
	}
	if b.TenantID == "" {
		b.TenantID = "acme"
	}
	caps := catalog.Build(b)
	vm := goja.New()
	loop := eventloop.New()
	if err := caps.Attach(vm, loop); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	caps.Begin(context.Background(), nil)
	t.Cleanup(func() {
		caps.End()
		caps.Revoke()
		loop.Close()
	})
	return &harness{t: t, vm: vm, loop: loop, caps: caps}
}

func (h *harness) eval(src string) goja.Value {
	h.t.Helper()
	v, err := h.vm.RunString(src)
	if err != nil {
		h.t.Fatalf("eval %q: %v", src, err)
	}
	return v
}

func (h *harness) str(src string) string {
	h.t.Helper()
	return h.eval(src).String()
}

// await 执行返回 Promise 的表达式，运行事件循环直到其完成，并返回兑现值。
func (h *harness) await(src string) goja.Value {
	h.t.Helper()
	p, ok := h.eval(src).Export().(*goja.Promise)
	if !ok {
		h.t.Fatalf("%q did not return a promise", src)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.loop.Run(ctx, func() bool { return p.State() != goja.PromiseStatePending })
	if err != nil && !errors.Is(err, eventloop.ErrIdle) {
		h.t.Fatalf("loop: %v", err)
	}
	switch p.State() {
	case goja.PromiseStateRejected:
		h.t.Fatalf("%q rejected: %v", src, p.Result())
	case goja.PromiseStatePending:
		h.t.Fatalf("%q still pending", src)
	}
	return p.Result()
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCatalog_Modules(t *testing.T) {
	c, err := NewCatalog(quietLogger())
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	mods := c.Modules()
	for i := 1; i < len(mods); i++ {
		if mods[i-1] > mods[i] {
			t.Fatalf("Modules() not sorted: %v", mods)
		}
	}
	if c.Version() != CatalogVersion {
		t.Errorf("Version() = %s", c.Version())
	}
	mods[0] = "mutated"
	if c.Modules()[0] == "mutated" {
		t.Error("Modules() must return a copy")
	}
}

func TestBuild_Independent(t *testing.T) {
	a := newHarness(t, Binding{})
	b := newHarness(t, Binding{})
	a.eval(`globalThis.leak = 42; require('events').shared = true`)
	if got := b.str(`typeof globalThis.leak + ':' + typeof require('events').shared`); got != "undefined:undefined" {
		t.Errorf("state leaked between capability sets: %s", got)
	}
}

func TestShim_Buffer(t *testing.T) {
	h := newHarness(t, Binding{})
	tests := []struct {
		expr string
		want string
	}{
		{`Buffer.from('hello').toString('hex')`, "68656c6c6f"},
		{`Buffer.from('aGVsbG8=', 'base64').toString()`, "hello"},
		{`Buffer.from('hello').toString('base64url')`, "aGVsbG8"},
		{`Buffer.concat([Buffer.from('ab'), Buffer.from('cd')]).toString()`, "abcd"},
		{`Buffer.from([1, 2, 3, 4]).readUInt16BE(1).toString()`, "515"},
		{`(function () { var b = Buffer.alloc(4); b.writeInt32LE(-2, 0); return b.toString('hex'); })()`, "feffffff"},
		{`Buffer.isBuffer(Buffer.from('x')) + ':' + (Buffer.from('x') instanceof Uint8Array)`, "true:true"},
		{`Buffer.from('héllo').length.toString()`, "6"},
		{`Buffer.from('hello world').indexOf('world').toString()`, "6"},
		{`Buffer.from('abc').equals(Buffer.from('abc')).toString()`, "true"},
		{`Buffer.from('hello').subarray(1, 3).toString()`, "el"},
		{`JSON.stringify(Buffer.from('hi'))`, `{"type":"Buffer","data":[104,105]}`},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if got := h.str(tt.expr); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShim_EncodingAndUtil(t *testing.T) {
	h := newHarness(t, Binding{})
	tests := []struct {
		expr string
		want string
	}{
		{`new TextDecoder().decode(new TextEncoder().encode('héllo'))`, "héllo"},
		{`btoa('hello')`, "aGVsbG8="},
		{`atob('aGVsbG8=')`, "hello"},
		{`require('util').format('%s=%d %j', 'a', 42, {x: 1})`, `a=42 {"x":1}`},
		{`require('util').inspect({a: [1, 'b']})`, `{ a: [ 1, 'b' ] }`},
		{`require('util').isDeepStrictEqual({a: [1]}, {a: [1]}).toString()`, "true"},
		{`require('querystring').stringify({a: '1', b: ['x', 'y']})`, "a=1&b=x&b=y"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if got := h.str(tt.expr); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShim_Crypto(t *testing.T) {
	h := newHarness(t, Binding{})
	tests := []struct {
		expr string
		want string
	}{
		{`require('crypto').createHash('sha256').update('abc').digest('hex')`,
			"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{`require('node:crypto').createHash('md5').update('a').update('bc').digest('hex')`,
			"900150983cd24fb0d6963f7d28e17f72"},
		{`require('crypto').createHmac('sha256', 'key').update('The quick brown fox jumps over the lazy dog').digest('hex')`,
			"f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"},
		{`require('crypto').randomBytes(16).length.toString()`, "16"},
		{`/^[0-9a-f-]{36}$/.test(crypto.randomUUID()).toString()`, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := h.str(tt.expr); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	digest := h.await(`crypto.subtle.digest('SHA-1', new TextEncoder().encode('abc')).then(function (ab) { return Buffer.from(ab).toString('hex'); })`)
	if digest.String() != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Errorf("subtle.digest = %s", digest)
	}
}

func TestShim_PathURLEvents(t *testing.T) {
	h := newHarness(t, Binding{})
	tests := []struct {
		expr string
		want string
	}{
		{`require('path').join('/a', 'b', '../c')`, "/a/c"},
		{`require('path').extname('index.test.js')`, ".js"},
		{`require('path').dirname('/a/b/c.txt')`, "/a/b"},
		{`require('path').relative('/a/b', '/a/c/d')`, "../c/d"},
		{`new URL('https://Example.com:443/a?b=1#h').href`, "https://example.com/a?b=1#h"},
		{`new URL('/x?y=2', 'http://h.test:8080/base').href`, "http://h.test:8080/x?y=2"},
		{`new URL('https://h.test/?q=a+b').searchParams.get('q')`, "a b"},
		{`(function () { var u = new URL('https://h.test/p'); u.searchParams.append('k', 'v w'); return u.href; })()`, "https://h.test/p?k=v+w"},
		{`URL.canParse('not a url').toString()`, "false"},
		{`(function () {
			var EE = require('events');
			var e = new EE(); var n = 0;
			e.once('x', function (v) { n += v; });
			e.on('x', function (v) { n += v * 10; });
			e.emit('x', 1); e.emit('x', 1);
			return n + ':' + e.listenerCount('x');
		})()`, "21:1"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := h.str(tt.expr); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShim_TimersAndSleep(t *testing.T) {
	h := newHarness(t, Binding{})
	got := h.await(`new Promise(function (resolve) {
		var order = [];
		setTimeout(function () { order.push('timeout'); resolve(order.join(',')); }, 5);
		setImmediate(function () { order.push('immediate'); });
		queueMicrotask(function () { order.push('micro'); });
	})`)
	if got.String() != "micro,immediate,timeout" {
		t.Errorf("order = %s", got)
	}

	start := time.Now()
	h.await(`sleep(20)`)
	if time.Since(start) < 20*time.Millisecond {
		t.Error("sleep resolved too early")
	}

	cleared := h.await(`new Promise(function (resolve) {
		var fired = false;
		var t = setTimeout(function () { fired = true; }, 5);
		clearTimeout(t);
		setTimeout(function () { resolve(fired); }, 15);
	})`)
	if cleared.ToBoolean() {
		t.Error("cleared timer fired")
	}
}

func TestShim_DeniedOperations(t *testing.T) {
	h := newHarness(t, Binding{})
	tests := []struct {
		name string
		expr string
	}{
		{"child_process", `require('child_process')`},
		{"node prefix", `require('node:os')`},
		{"process.exit", `process.exit(1)`},
		{"fs write", `require('fs').writeFileSync('/x', 'y')`},
		{"net.createServer", `require('net').createServer()`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.str(`(function () {
				try { ` + tt.expr + `; return 'ok'; } catch (e) { return e.name + ':' + e.code; }
			})()`)
			if got != "PermissionError:ERR_ACCESS_DENIED" {
				t.Errorf("got %s", got)
			}
		})
	}
}

func TestShim_VirtualFS(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"data/hello.txt": "hello fs",
		"config.json":    `{"name":"demo"}`,
	})
	h := newHarness(t, Binding{PackageDir: dir})

	tests := []struct {
		expr string
		want string
	}{
		{`require('fs').readFileSync('/data/hello.txt', 'utf8')`, "hello fs"},
		{`require('fs').readFileSync('data/hello.txt').toString()`, "hello fs"},
		{`require('fs').existsSync('/config.json') + ':' + require('fs').existsSync('/nope')`, "true:false"},
		{`require('fs').readdirSync('/').join(',')`, "config.json,data"},
		{`require('fs').statSync('/data').isDirectory().toString()`, "true"},
		{`(function () { try { require('fs').readFileSync('/missing.txt'); } catch (e) { return e.code + ' ' + e.message; } })()`,
			"ENOENT ENOENT: no such file or directory, open '/missing.txt'"},
		{`(function () { try { require('fs').readFileSync('../../etc/passwd'); } catch (e) { return e.code; } })()`,
			"ERR_ACCESS_DENIED"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := h.str(tt.expr); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	got := h.await(`require('fs/promises').readFile('/config.json', 'utf8').then(JSON.parse).then(function (c) { return c.name; })`)
	if got.String() != "demo" {
		t.Errorf("fs/promises readFile = %s", got)
	}
}

func TestLoadEntry(t *testing.T) {
	t.Run("package main and relative modules", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{
			"package.json":                   `{"main": "main.js"}`,
			"main.js":                        `var greet = require('./lib/greet'); var dep = require('tiny'); module.exports = function () { return greet() + dep; };`,
			"lib/greet.js":                   `var cfg = require('../settings.json'); module.exports = function () { return 'hi ' + cfg.who; };`,
			"settings.json":                  `{"who": "bob"}`,
			"node_modules/tiny/package.json": `{"main": "index.js"}`,
			"node_modules/tiny/index.js":     `module.exports = '!';`,
		})
		h := newHarness(t, Binding{PackageDir: dir})
		exports, err := h.caps.LoadEntry(context.Background())
		if err != nil {
			t.Fatalf("LoadEntry() error = %v", err)
		}
		fn, ok := goja.AssertFunction(exports)
		if !ok {
			t.Fatalf("exports is not a function: %v", exports)
		}
		v, err := fn(goja.Undefined())
		if err != nil {
			t.Fatal(err)
		}
		if v.String() != "hi bob!" {
			t.Errorf("handler returned %q", v)
		}
	})

	t.Run("escape package root", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"index.js": `require('../../outside');`})
		h := newHarness(t, Binding{PackageDir: dir})
		if _, err := h.caps.LoadEntry(context.Background()); !errors.Is(err, domain.ErrIsolateCreation) {
			t.Errorf("LoadEntry() error = %v, want ErrIsolateCreation", err)
		}
	})

	t.Run("syntax error", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"index.js": `module.exports = function ( {`})
		h := newHarness(t, Binding{PackageDir: dir})
		if _, err := h.caps.LoadEntry(context.Background()); !errors.Is(err, domain.ErrIsolateCreation) {
			t.Errorf("LoadEntry() error = %v, want ErrIsolateCreation", err)
		}
	})

	t.Run("entry escapes root", func(t *testing.T) {
		h := newHarness(t, Binding{Entry: "../x.js"})
		if _, err := h.caps.LoadEntry(context.Background()); !errors.Is(err, domain.ErrIsolateCreation) {
			t.Errorf("LoadEntry() error = %v", err)
		}
	})
}

func staticPolicy(t *testing.T, rules map[string][]domain.NetworkRule) *netpolicy.Filter {
	t.Helper()
	src, err := netpolicy.NewStaticSource(rules)
	if err != nil {
		t.Fatalf("NewStaticSource() error = %v", err)
	}
	return netpolicy.NewFilter(src, nil, true, quietLogger(), nil)
}

func TestShim_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Method", r.Method)
			w.Write([]byte(`{"got":"` + string(body) + `","test":"` + r.Header.Get("X-Test") + `"}`))
		case "/redirect":
			http.Redirect(w, r, "/echo", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	policy := staticPolicy(t, map[string][]domain.NetworkRule{
		"acme":    {{Action: domain.RuleAllow, Type: domain.TargetIP, Target: "127.0.0.1", Priority: 1}},
		"blocked": {{Action: domain.RuleDeny, Type: domain.TargetCIDR, Target: "127.0.0.0/8", Priority: 1}},
	})

	t.Run("allowed", func(t *testing.T) {
		h := newHarness(t, Binding{Policy: policy})
		h.vm.Set("BASE", srv.URL)
		got := h.await(`fetch(BASE + '/echo', { method: 'POST', body: 'ping', headers: { 'X-Test': 'yes' } })
			.then(function (r) { return r.json().then(function (j) { return r.status + ' ' + r.headers.get('x-method') + ' ' + j.got + ' ' + j.test; }); })`)
		if got.String() != "200 POST ping yes" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("redirect followed", func(t *testing.T) {
		h := newHarness(t, Binding{Policy: policy})
		h.vm.Set("BASE", srv.URL)
		got := h.await(`fetch(BASE + '/redirect').then(function (r) { return r.redirected + ' ' + r.status; })`)
		if got.String() != "true 200" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("denied by policy", func(t *testing.T) {
		h := newHarness(t, Binding{TenantID: "blocked", Policy: policy})
		h.vm.Set("BASE", srv.URL)
		got := h.await(`fetch(BASE + '/echo').then(function () { return 'ok'; }, function (e) { return e.name + ':' + e.code; })`)
		if got.String() != "NetworkPolicyError:ERR_NETWORK_POLICY" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("no policy disables network", func(t *testing.T) {
		h := newHarness(t, Binding{})
		h.vm.Set("BASE", srv.URL)
		got := h.await(`fetch(BASE + '/echo').then(function () { return 'ok'; }, function (e) { return e.code; })`)
		if got.String() != "ERR_NETWORK_POLICY" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("abort", func(t *testing.T) {
		h := newHarness(t, Binding{Policy: policy})
		h.vm.Set("BASE", srv.URL)
		got := h.await(`(function () {
			var c = new AbortController();
			var p = fetch(BASE + '/echo', { signal: c.signal });
			c.abort();
			return p.then(function () { return 'ok'; }, function (e) { return e.name; });
		})()`)
		if got.String() != "AbortError" {
			t.Errorf("got %q", got)
		}
	})
}

func TestShim_DNSLookupRespectsPolicy(t *testing.T) {
	policy := staticPolicy(t, map[string][]domain.NetworkRule{
		"acme": {{Action: domain.RuleAllow, Type: domain.TargetIP, Target: "127.0.0.1", Priority: 1}},
	})
	h := newHarness(t, Binding{Policy: policy})
	got := h.await(`require('dns').promises.lookup('127.0.0.1').then(function (a) { return a.address + '/' + a.family; })`)
	if got.String() != "127.0.0.1/4" {
		t.Errorf("lookup = %q", got)
	}
	denied := h.await(`require('dns').promises.lookup('10.0.0.1').then(function () { return 'ok'; }, function (e) { return e.code; })`)
	if denied.String() != "ERR_NETWORK_POLICY" {
		t.Errorf("denied lookup = %q", denied)
	}
}

func TestShim_KV(t *testing.T) {
	bridge := kv.NewBridge(kv.NewMemoryStore(), func(string) int64 { return 64 }, time.Second, quietLogger(), nil)
	defer bridge.Close()

	t.Run("round trip", func(t *testing.T) {
		h := newHarness(t, Binding{KV: bridge.ForTenant("acme")})
		got := h.await(`kv.set('user', {name: 'ann'}).then(function () { return kv.get('user'); })
			.then(function (v) { return kv.has('user').then(function (has) { return v.name + ':' + has; }); })`)
		if got.String() != "ann:true" {
			t.Errorf("got %q", got)
		}
		missing := h.await(`kv.get('nope')`)
		if !goja.IsNull(missing) {
			t.Errorf("get(missing) = %v, want null", missing)
		}
	})

	t.Run("tenant isolation", func(t *testing.T) {
		a := newHarness(t, Binding{TenantID: "a", KV: bridge.ForTenant("a")})
		b := newHarness(t, Binding{TenantID: "b", KV: bridge.ForTenant("b")})
		a.await(`kv.set('shared', 'from-a')`)
		got := b.await(`kv.get('shared')`)
		if !goja.IsNull(got) {
			t.Errorf("tenant b saw %v", got)
		}
	})

	t.Run("quota", func(t *testing.T) {
		h := newHarness(t, Binding{TenantID: "q", KV: bridge.ForTenant("q")})
		got := h.await(`kv.set('big', 'x'.repeat(200)).then(function () { return 'ok'; }, function (e) { return e.name + ':' + e.code; })`)
		if got.String() != "KVError:ERR_KV_QUOTA" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		h := newHarness(t, Binding{})
		got := h.await(`kv.get('x').then(function () { return 'ok'; }, function (e) { return e.code; })`)
		if got.String() != "ERR_KV_BACKEND" {
			t.Errorf("got %q", got)
		}
	})
}

func TestShim_Response(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		wantStatus int
		wantType   string
		wantBody   string
	}{
		{"res.json", `res.status(201).json({ok: true})`, 201, "application/json", `{"ok":true}`},
		{"returned object", `adopt({statusCode: 201, body: JSON.stringify({ok: true})})`, 201, "application/json", `{"ok":true}`},
		{"send text", `res.send('hi')`, 200, "text/plain; charset=utf-8", "hi"},
		{"send html", `res.send('<p>x</p>')`, 200, "text/html; charset=utf-8", "<p>x</p>"},
		{"explicit type", `res.type('text').status(404).send('{"a":1}')`, 404, "text/plain; charset=utf-8", `{"a":1}`},
		{"write end", `res.writeHead(202, {'X-A': '1'}); res.write('a'); res.end('b')`, 202, "text/plain; charset=utf-8", "ab"},
		{"Response object", `adopt(Response.json({n: 1}, {status: 200}))`, 200, "application/json", `{"n":1}`},
		{"base64 body", `adopt({statusCode: 200, isBase64Encoded: true, body: 'aGk='})`, 200, "application/octet-stream", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Binding{})
			res, err := h.caps.NewResponse()
			if err != nil {
				t.Fatal(err)
			}
			h.vm.Set("res", res)
			h.vm.Set("adopt", func(v goja.Value) bool {
				ok, err := h.caps.AdoptReturn(v)
				if err != nil {
					panic(h.vm.NewGoError(err))
				}
				return ok
			})
			h.eval(tt.script)
			got := h.caps.Response()
			if !got.Sent {
				t.Fatal("response not sent")
			}
			if got.Status != tt.wantStatus || got.Headers["content-type"] != tt.wantType || string(got.Body) != tt.wantBody {
				t.Errorf("got %d %q %q", got.Status, got.Headers["content-type"], got.Body)
			}
		})
	}
}

func TestShim_ResponseSentTwice(t *testing.T) {
	h := newHarness(t, Binding{})
	res, _ := h.caps.NewResponse()
	h.vm.Set("res", res)
	got := h.str(`res.send('a'); (function () { try { res.send('b'); return 'ok'; } catch (e) { return e.code; } })()`)
	if got != "ERR_HTTP_HEADERS_SENT" {
		t.Errorf("got %s", got)
	}
	if string(h.caps.Response().Body) != "a" {
		t.Errorf("body = %q", h.caps.Response().Body)
	}
}

func TestAdoptReturn_NotAResponse(t *testing.T) {
	h := newHarness(t, Binding{})
	for _, src := range []string{`undefined`, `'text'`, `({body: 'x'})`, `({statusCode: '200'})`} {
		ok, err := h.caps.AdoptReturn(h.eval(src))
		if err != nil || ok {
			t.Errorf("AdoptReturn(%s) = %v, %v", src, ok, err)
		}
	}
}

func TestNewRequest(t *testing.T) {
	h := newHarness(t, Binding{})
	req := &domain.InvocationRequest{
		Method:   "POST",
		Path:     "/orders",
		Query:    map[string][]string{"name": {"Bob"}, "tag": {"a", "b"}},
		Headers:  map[string]string{"content-type": "application/json", "host": "fn.local:8080"},
		Body:     []byte(`{"qty":2}`),
		ClientIP: "203.0.113.9",
		TenantID: "acme",
	}
	v, err := h.caps.NewRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	h.vm.Set("req", v)
	got := h.str(`[req.method, req.path, req.query.name, req.query.tag.join('|'), req.body.qty, req.get('Content-Type'), req.hostname, req.ip, req.is('json')].join(' ')`)
	want := "POST /orders Bob a|b 2 application/json fn.local 203.0.113.9 json"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if u := h.str(`req.url`); !strings.HasPrefix(u, "/orders?") {
		t.Errorf("req.url = %q", u)
	}
}

func TestConsoleCapture(t *testing.T) {
	h := newHarness(t, Binding{MaxConsoleEntries: 2})
	var streamed []string
	h.caps.End()
	h.caps.Begin(context.Background(), func(e domain.ConsoleEntry) { streamed = append(streamed, e.Level+":"+e.Message) })
	h.eval(`console.log('a', 1, {b: 2}); console.error('boom'); console.warn('dropped')`)
	logs := h.caps.End()
	if len(logs) != 3 {
		t.Fatalf("logs = %+v", logs)
	}
	if logs[0].Message != "a 1 { b: 2 }" || logs[1].Level != "error" {
		t.Errorf("logs = %+v", logs)
	}
	if !strings.Contains(logs[2].Message, "1 console entries dropped") {
		t.Errorf("missing drop note: %+v", logs[2])
	}
	if len(streamed) != 2 {
		t.Errorf("streamed = %v", streamed)
	}
	h.caps.Begin(context.Background(), nil)
}

func TestMemoryLimit(t *testing.T) {
	h := newHarness(t, Binding{MemoryLimit: 1024})
	_, err := h.vm.RunString(`Buffer.alloc(4096)`)
	h.vm.ClearInterrupt()
	if err == nil {
		t.Fatal("allocation above the limit succeeded")
	}
	if h.caps.MemoryUsed() <= 1024 {
		t.Errorf("MemoryUsed() = %d", h.caps.MemoryUsed())
	}
}

func TestRevoke(t *testing.T) {
	bridge := kv.NewBridge(kv.NewMemoryStore(), nil, time.Second, quietLogger(), nil)
	defer bridge.Close()
	h := newHarness(t, Binding{KV: bridge.ForTenant("acme")})
	h.caps.Revoke()
	h.caps.Revoke()
	if !h.caps.Revoked() {
		t.Fatal("Revoked() = false")
	}
	got := h.await(`kv.get('x').then(function () { return 'ok'; }, function (e) { return e.code; })`)
	if got.String() != "ERR_KV_REVOKED" {
		t.Errorf("kv after revoke = %q", got)
	}
	denied := h.await(`fetch('http://127.0.0.1:1/').then(function () { return 'ok'; }, function (e) { return e.name; })`)
	if denied.String() != "PermissionError" {
		t.Errorf("fetch after revoke = %q", denied)
	}
}

func TestWebAssembly(t *testing.T) {
	h := newHarness(t, Binding{})
	got := h.str(`(function () {
		var bytes = new Uint8Array([
			0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
			0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
			0x03, 0x02, 0x01, 0x00,
			0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
			0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b
		]);
		var inst = new WebAssembly.Instance(new WebAssembly.Module(bytes));
		return inst.exports.add(2, 3) + ':' + WebAssembly.validate(new Uint8Array([1, 2, 3]));
	})()`)
	if got != "5:false" {
		t.Errorf("got %q", got)
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		kind string
		body string
		want string
	}{
		{"json", `{"a":1}`, "application/json"},
		{"bytes", "\x00\x01", "application/octet-stream"},
		{"text", ` [1,2] `, "application/json"},
		{"text", `{not json`, "text/plain; charset=utf-8"},
		{"text", "<html></html>", "text/html; charset=utf-8"},
		{"", "", ""},
	}
	for _, tt := range tests {
		if got := contentTypeFor(tt.kind, []byte(tt.body)); got != tt.want {
			t.Errorf("contentTypeFor(%q, %q) = %q, want %q", tt.kind, tt.body, got, tt.want)
		}
	}
}
