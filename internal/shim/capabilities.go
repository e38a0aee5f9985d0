package shim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/eventloop"
	"github.com/oriys/edgejs/internal/telemetry"
	"github.com/sirupsen/logrus"
)

const (
	maxCallStackSize     = 4096
	dialTimeout          = 10 * time.Second
	defaultMaxFetchBytes = 10 << 20
)

// Response 是处理函数产生的响应。
type Response struct {
	Sent    bool
	Status  int
	Headers map[string]string
	Body    []byte
}

// ErrorInfo 描述沙箱内抛出的值。
type ErrorInfo struct {
	Name    string
	Code    string
	Message string
	Stack   string
}

// invocation 是单次调用期间的可变状态，只在循环 goroutine 上访问。
type invocation struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sink     func(domain.ConsoleEntry)
	logs     []domain.ConsoleEntry
	dropped  int
	response Response
}

// jsHooks 是 prelude 返回的、供宿主调用的 JS 函数。
type jsHooks struct {
	makeError     goja.Callable
	makeRequest   goja.Callable
	makeResponse  goja.Callable
	adoptReturn   goja.Callable
	describeError goja.Callable
}

// CapabilitySet 是绑定到单个租户上下文的能力集合。
// 除 Revoke 外，所有方法都必须在拥有该运行时的 goroutine 上调用。
type CapabilitySet struct {
	catalog *Catalog
	binding Binding
	logger  *logrus.Logger
	started time.Time
	used    atomic.Int64

	vm      *goja.Runtime
	loop    *eventloop.Loop
	require *require.RequireModule
	modules *goja.Object
	js      jsHooks

	transport *http.Transport
	client    *http.Client

	inv *invocation

	mu      sync.Mutex
	revoked bool
	nextID  int64
	fetches map[int64]context.CancelFunc
	sockets map[int64]*socket
	wasm    *wasmState
}

func newCapabilitySet(c *Catalog, b Binding) *CapabilitySet {
	if b.Logger == nil {
		b.Logger = c.logger
	}
	if b.MaxFetchBytes <= 0 {
		b.MaxFetchBytes = defaultMaxFetchBytes
	}
	cs := &CapabilitySet{
		catalog: c,
		binding: b,
		logger:  b.Logger,
		started: time.Now(),
		fetches: make(map[int64]context.CancelFunc),
		sockets: make(map[int64]*socket),
	}

	base := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, networkDisabled(addr)
	}
	if b.Policy != nil {
		dial = b.Policy.Dialer(b.TenantID, base)
	}
	cs.transport = &http.Transport{
		Proxy:                 nil,
		DialContext:           dial,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	cs.client = &http.Client{
		Transport:     telemetry.HTTPClientTransport(cs.transport),
		CheckRedirect: checkRedirect,
	}
	return cs
}

func networkDisabled(destination string) error {
	return domain.NewError(domain.KindNetworkPolicyViolation,
		fmt.Sprintf("connection to %s blocked: outbound network is disabled", destination),
		domain.ErrNetworkPolicyViolation)
}

// Binding 返回绑定信息。
func (cs *CapabilitySet) Binding() Binding {
	return cs.binding
}

// Attach 在运行时中执行 prelude，安装全局对象，并启用受包根目录约束的 require。
func (cs *CapabilitySet) Attach(vm *goja.Runtime, loop *eventloop.Loop) error {
	cs.vm = vm
	cs.loop = loop
	vm.SetMaxCallStackSize(maxCallStackSize)

	fnVal, err := vm.RunProgram(cs.catalog.prelude)
	if err != nil {
		return fmt.Errorf("%w: run prelude: %v", domain.ErrIsolateCreation, err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return fmt.Errorf("%w: prelude is not a function", domain.ErrIsolateCreation)
	}
	ret, err := fn(goja.Undefined(), cs.hostObject())
	if err != nil {
		return fmt.Errorf("%w: init prelude: %v", domain.ErrIsolateCreation, err)
	}
	exports := ret.ToObject(vm)
	cs.modules = exports.Get("modules").ToObject(vm)

	hooks := exports.Get("invocation").ToObject(vm)
	for name, dst := range map[string]*goja.Callable{
		"makeError":     &cs.js.makeError,
		"makeRequest":   &cs.js.makeRequest,
		"makeResponse":  &cs.js.makeResponse,
		"adoptReturn":   &cs.js.adoptReturn,
		"describeError": &cs.js.describeError,
	} {
		f, ok := goja.AssertFunction(hooks.Get(name))
		if !ok {
			return fmt.Errorf("%w: prelude hook %s missing", domain.ErrIsolateCreation, name)
		}
		*dst = f
	}

	registry := require.NewRegistry(require.WithLoader(cs.loadSource))
	for _, name := range builtinModules {
		loader := cs.nativeModule(name)
		registry.RegisterNativeModule(name, loader)
		registry.RegisterNativeModule("node:"+name, loader)
	}
	for _, name := range deniedModules {
		loader := cs.deniedModule(name)
		registry.RegisterNativeModule(name, loader)
		registry.RegisterNativeModule("node:"+name, loader)
	}
	cs.require = registry.Enable(vm)
	return nil
}

func (cs *CapabilitySet) nativeModule(name string) require.ModuleLoader {
	return func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", cs.modules.Get(name))
	}
}

// deniedModule 在首次加载时抛出权限错误；之后再次加载得到的导出对象在任何属性访问时抛出。
func (cs *CapabilitySet) deniedModule(name string) require.ModuleLoader {
	return func(_ *goja.Runtime, module *goja.Object) {
		module.Set("exports", cs.modules.Get("__denied__").ToObject(cs.vm).Get(name))
		cs.throw("PermissionError", "ERR_ACCESS_DENIED",
			fmt.Sprintf("module '%s' is not available in the sandbox", name))
	}
}

// LoadEntry 加载入口模块并返回其 module.exports。ctx 结束时中断加载。
func (cs *CapabilitySet) LoadEntry(ctx context.Context) (exports goja.Value, err error) {
	entry, err := cs.entryFile()
	if err != nil {
		return nil, err
	}

	cs.Begin(ctx, nil)
	stop := context.AfterFunc(ctx, func() { cs.vm.Interrupt(domain.ErrIsolateTimeout) })
	defer func() {
		stop()
		cs.vm.ClearInterrupt()
		cs.End()
		if r := recover(); r != nil {
			exports, err = nil, fmt.Errorf("%w: load %s: %v", domain.ErrIsolateCreation, entry, r)
		}
	}()

	v, err := cs.require.Require("./" + entry)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return nil, fmt.Errorf("%w: load %s: %v", domain.ErrIsolateCreation, entry, cause)
			}
		}
		return nil, fmt.Errorf("%w: load %s: %v", domain.ErrIsolateCreation, entry, err)
	}
	return v, nil
}

// entryFile 返回入口文件相对路径：Binding.Entry > package.json main > index.js。
func (cs *CapabilitySet) entryFile() (string, error) {
	entry := cs.binding.Entry
	if entry == "" {
		data, err := os.ReadFile(filepath.Join(cs.binding.PackageDir, "package.json"))
		if err == nil {
			var pkg struct {
				Main string `json:"main"`
			}
			if err := json.Unmarshal(data, &pkg); err != nil {
				return "", fmt.Errorf("%w: invalid package.json: %v", domain.ErrIsolateCreation, err)
			}
			entry = pkg.Main
		}
	}
	if entry == "" {
		entry = "index.js"
	}
	clean := path.Clean(strings.TrimPrefix(filepath.ToSlash(entry), "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: entry %q escapes package root", domain.ErrIsolateCreation, entry)
	}
	return clean, nil
}

// Begin 开始一次调用：重置内存计量与响应状态，sink 实时接收 console 输出（可为 nil）。
func (cs *CapabilitySet) Begin(ctx context.Context, sink func(domain.ConsoleEntry)) {
	ictx, cancel := context.WithCancel(ctx)
	cs.inv = &invocation{
		ctx:      ictx,
		cancel:   cancel,
		sink:     sink,
		response: Response{Status: http.StatusOK},
	}
	cs.used.Store(0)
}

// MemoryLimit 返回单次调用的内存上限（字节），<= 0 表示不限。
func (cs *CapabilitySet) MemoryLimit() int64 {
	return cs.binding.MemoryLimit
}

// End 结束调用：取消进行中的 fetch、关闭套接字、清空事件循环，返回捕获的 console 输出。
func (cs *CapabilitySet) End() []domain.ConsoleEntry {
	inv := cs.inv
	if inv == nil {
		return nil
	}
	inv.cancel()
	cs.closeSockets()
	if cs.loop != nil {
		cs.loop.Reset()
	}
	logs := inv.logs
	if inv.dropped > 0 {
		logs = append(logs, domain.ConsoleEntry{
			Level:     "warn",
			Message:   fmt.Sprintf("%d console entries dropped", inv.dropped),
			Timestamp: time.Now(),
		})
	}
	cs.inv = nil
	return logs
}

func (cs *CapabilitySet) current() *invocation {
	if cs.inv == nil {
		cs.Begin(context.Background(), nil)
	}
	return cs.inv
}

func (cs *CapabilitySet) ctx() context.Context {
	return cs.current().ctx
}

// NewRequest 为一次调用构造沙箱内的 req 对象。
func (cs *CapabilitySet) NewRequest(req *domain.InvocationRequest) (goja.Value, error) {
	vm := cs.vm
	data := vm.NewObject()
	data.Set("method", req.Method)
	data.Set("path", req.Path)
	data.Set("url", requestURL(req))
	data.Set("ip", req.ClientIP)
	data.Set("tenantId", req.TenantID)
	data.Set("json", req.IsJSON())

	headers := vm.NewObject()
	for _, k := range sortedKeys(req.Headers) {
		headers.Set(k, req.Headers[k])
	}
	data.Set("headers", headers)

	query := vm.NewObject()
	for _, k := range sortedKeys(req.Query) {
		values := req.Query[k]
		if len(values) == 1 {
			query.Set(k, values[0])
			continue
		}
		items := make([]interface{}, len(values))
		for i, v := range values {
			items[i] = v
		}
		query.Set(k, vm.NewArray(items...))
	}
	data.Set("query", query)

	var body goja.Value = goja.Null()
	if len(req.Body) > 0 {
		body = vm.ToValue(vm.NewArrayBuffer(append([]byte(nil), req.Body...)))
	}
	return cs.js.makeRequest(goja.Undefined(), data, body)
}

// NewResponse 构造沙箱内的 res 对象。
func (cs *CapabilitySet) NewResponse() (goja.Value, error) {
	return cs.js.makeResponse(goja.Undefined())
}

// AdoptReturn 将处理函数的返回值按 {statusCode, headers, body} 或 Response 对象归一化为响应。
// 返回值不是合法的响应结构时返回 false。
func (cs *CapabilitySet) AdoptReturn(v goja.Value) (bool, error) {
	ret, err := cs.js.adoptReturn(goja.Undefined(), v)
	if err != nil {
		return false, err
	}
	return ret.ToBoolean(), nil
}

// Response 返回当前调用的响应状态。
func (cs *CapabilitySet) Response() Response {
	if cs.inv == nil {
		return Response{}
	}
	return cs.inv.response
}

// DescribeError 提取沙箱内抛出值的名称、错误码与消息。
func (cs *CapabilitySet) DescribeError(v goja.Value) ErrorInfo {
	if v == nil {
		return ErrorInfo{Name: "Error", Message: "undefined"}
	}
	ret, err := cs.js.describeError(goja.Undefined(), v)
	if err != nil {
		return ErrorInfo{Name: "Error", Message: v.String()}
	}
	obj := ret.ToObject(cs.vm)
	str := func(name string) string {
		val := obj.Get(name)
		if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
			return ""
		}
		return val.String()
	}
	return ErrorInfo{Name: str("name"), Code: str("code"), Message: str("message"), Stack: str("stack")}
}

// MemoryUsed 返回本次调用已计量的字节数。
func (cs *CapabilitySet) MemoryUsed() int64 {
	return cs.used.Load()
}

// Revoke 永久撤销能力集合：取消 fetch、关闭套接字与 WebAssembly 运行时、撤销 KV 绑定。
// 可从任意 goroutine 调用，重复调用无副作用。
func (cs *CapabilitySet) Revoke() {
	cs.mu.Lock()
	if cs.revoked {
		cs.mu.Unlock()
		return
	}
	cs.revoked = true
	for id, cancel := range cs.fetches {
		cancel()
		delete(cs.fetches, id)
	}
	sockets := cs.sockets
	cs.sockets = make(map[int64]*socket)
	wasm := cs.wasm
	cs.wasm = nil
	cs.mu.Unlock()

	for _, s := range sockets {
		s.close()
	}
	if wasm != nil {
		wasm.close()
	}
	if cs.binding.KV != nil {
		cs.binding.KV.Revoke()
	}
	cs.transport.CloseIdleConnections()
}

// Revoked 表示能力集合是否已被撤销。
func (cs *CapabilitySet) Revoked() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.revoked
}

func (cs *CapabilitySet) allocID() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.nextID++
	return cs.nextID
}

// charge 计量 n 字节；超出上限时中断运行时并抛出 RangeError。
func (cs *CapabilitySet) charge(n int64) {
	limit := cs.binding.MemoryLimit
	if limit <= 0 || n <= 0 {
		return
	}
	if cs.used.Add(n) > limit {
		cs.vm.Interrupt(domain.ErrIsolateMemoryExceeded)
		cs.throw("RangeError", "ERR_MEMORY_LIMIT", "memory limit exceeded")
	}
}

// newError 通过 prelude 构造带 code 的 JS 错误对象。
func (cs *CapabilitySet) newError(name, code, message string) goja.Value {
	if cs.js.makeError == nil {
		return cs.vm.NewGoError(errors.New(message))
	}
	v, err := cs.js.makeError(goja.Undefined(), cs.vm.ToValue(name), cs.vm.ToValue(code), cs.vm.ToValue(message))
	if err != nil {
		return cs.vm.NewGoError(errors.New(message))
	}
	return v
}

func (cs *CapabilitySet) throw(name, code, message string) {
	panic(cs.newError(name, code, message))
}

// checkRevoked 在能力已撤销时抛出权限错误。
func (cs *CapabilitySet) checkRevoked() {
	if cs.Revoked() {
		cs.throw("PermissionError", "ERR_ACCESS_DENIED", "capabilities have been revoked")
	}
}

// errorValue 将宿主侧错误转换为沙箱内的错误对象。
func (cs *CapabilitySet) errorValue(err error) goja.Value {
	name, code := jsErrorClass(err)
	return cs.newError(name, code, errorMessage(err))
}

func jsErrorClass(err error) (name, code string) {
	switch {
	case errors.Is(err, domain.ErrNetworkPolicyViolation):
		return "NetworkPolicyError", "ERR_NETWORK_POLICY"
	case errors.Is(err, domain.ErrKVQuotaExceeded):
		return "KVError", "ERR_KV_QUOTA"
	case errors.Is(err, domain.ErrKVBackend):
		return "KVError", "ERR_KV_BACKEND"
	case errors.Is(err, domain.ErrKVInvalidKey):
		return "TypeError", "ERR_KV_INVALID_KEY"
	case errors.Is(err, domain.ErrKVRevoked):
		return "KVError", "ERR_KV_REVOKED"
	case errors.Is(err, context.DeadlineExceeded):
		return "Error", "ETIMEDOUT"
	case errors.Is(err, context.Canceled):
		return "AbortError", "ABORT_ERR"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "Error", "ENOTFOUND"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && strings.Contains(opErr.Error(), "connection refused") {
		return "Error", "ECONNREFUSED"
	}
	return "Error", ""
}

func errorMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return err.Error()
}
