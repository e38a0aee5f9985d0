package shim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/oriys/edgejs/internal/eventloop"
)

type redirectModeKey struct{}

// checkRedirect 按请求的 redirect 模式（follow / manual / error）处理重定向。
func checkRedirect(req *http.Request, via []*http.Request) error {
	mode, _ := req.Context().Value(redirectModeKey{}).(string)
	switch mode {
	case "manual":
		return http.ErrUseLastResponse
	case "error":
		return errors.New("unexpected redirect")
	}
	if len(via) >= 20 {
		return errors.New("redirect count exceeded")
	}
	return nil
}

// enforce 在任何系统调用之前判定出站目标。
func (cs *CapabilitySet) enforce(ctx context.Context, destination string) error {
	if cs.binding.Policy == nil {
		return networkDisabled(destination)
	}
	return cs.binding.Policy.Enforce(ctx, cs.binding.TenantID, destination)
}

// ========== fetch ==========

type fetchResult struct {
	status     int
	statusText string
	headers    http.Header
	body       []byte
	url        string
	redirected bool
}

// fetch 发起出站 HTTP 请求，完成时在循环 goroutine 上调用 resolve 或 reject。返回可用于中止的 ID。
func (cs *CapabilitySet) fetch(call goja.FunctionCall) goja.Value {
	cs.checkRevoked()
	spec := call.Argument(0).ToObject(cs.vm)
	resolve := cs.callableArg(call.Argument(1))
	reject := cs.callableArg(call.Argument(2))

	rawURL := spec.Get("url").String()
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		cs.throw("TypeError", "ERR_INVALID_URL", "fetch failed: unsupported URL "+rawURL)
	}
	method := strings.ToUpper(spec.Get("method").String())
	body := append([]byte(nil), cs.bytesArg(spec.Get("body"))...)
	mode := "follow"
	if v := spec.Get("redirect"); v != nil && !goja.IsUndefined(v) {
		mode = v.String()
	}

	ctx, cancel := context.WithCancel(context.WithValue(cs.ctx(), redirectModeKey{}, mode))
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		cancel()
		cs.throw("TypeError", "ERR_INVALID_ARG_VALUE", err.Error())
	}
	if list, ok := spec.Get("headers").Export().([]interface{}); ok {
		for _, item := range list {
			pair, ok := item.([]interface{})
			if !ok || len(pair) != 2 {
				continue
			}
			req.Header.Add(fmt.Sprint(pair[0]), fmt.Sprint(pair[1]))
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "edgejs/"+CatalogVersion)
	}

	id := cs.allocID()
	cs.mu.Lock()
	cs.fetches[id] = cancel
	cs.mu.Unlock()

	complete := cs.loop.Hold()
	go func() {
		res, err := cs.doFetch(req)
		cs.mu.Lock()
		delete(cs.fetches, id)
		cs.mu.Unlock()
		cancel()
		complete(func() error {
			if err != nil {
				_, cerr := reject(goja.Undefined(), cs.errorValue(err))
				return cerr
			}
			_, cerr := resolve(goja.Undefined(), cs.fetchResultValue(res))
			return cerr
		})
	}()
	return cs.vm.ToValue(id)
}

func (cs *CapabilitySet) doFetch(req *http.Request) (*fetchResult, error) {
	if err := cs.enforce(req.Context(), req.URL.Host); err != nil {
		return nil, err
	}
	resp, err := cs.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := cs.binding.MaxFetchBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return &fetchResult{
		status:     resp.StatusCode,
		statusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))),
		headers:    resp.Header,
		body:       data,
		url:        resp.Request.URL.String(),
		redirected: resp.Request.URL.String() != req.URL.String(),
	}, nil
}

// fetchResultValue 在循环 goroutine 上将结果转换为 JS 对象。
func (cs *CapabilitySet) fetchResultValue(r *fetchResult) goja.Value {
	vm := cs.vm
	cs.charge(int64(len(r.body)))
	obj := vm.NewObject()
	obj.Set("status", r.status)
	obj.Set("statusText", r.statusText)
	obj.Set("url", r.url)
	obj.Set("redirected", r.redirected)
	var headers []interface{}
	for _, k := range sortedKeys(r.headers) {
		for _, v := range r.headers[k] {
			headers = append(headers, vm.NewArray(strings.ToLower(k), v))
		}
	}
	obj.Set("headers", vm.NewArray(headers...))
	obj.Set("body", vm.NewArrayBuffer(r.body))
	return obj
}

func (cs *CapabilitySet) abortFetch(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	cs.mu.Lock()
	cancel := cs.fetches[id]
	delete(cs.fetches, id)
	cs.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return goja.Undefined()
}

// ========== dns ==========

// lookup 在策略允许时解析主机名，resolve 接收 [{address, family}]。
func (cs *CapabilitySet) lookup(call goja.FunctionCall) goja.Value {
	cs.checkRevoked()
	host := call.Argument(0).String()
	resolve := cs.callableArg(call.Argument(1))
	reject := cs.callableArg(call.Argument(2))
	ctx := cs.ctx()

	complete := cs.loop.Hold()
	go func() {
		var ips []net.IP
		var err error
		if cs.binding.Policy == nil {
			err = networkDisabled(host)
		} else {
			ips, err = cs.binding.Policy.LookupHost(ctx, cs.binding.TenantID, host)
		}
		complete(func() error {
			if err != nil {
				_, cerr := reject(goja.Undefined(), cs.errorValue(err))
				return cerr
			}
			items := make([]interface{}, 0, len(ips))
			for _, ip := range ips {
				family := 6
				if ip.To4() != nil {
					family = 4
				}
				o := cs.vm.NewObject()
				o.Set("address", ip.String())
				o.Set("family", family)
				items = append(items, o)
			}
			_, cerr := resolve(goja.Undefined(), cs.vm.NewArray(items...))
			return cerr
		})
	}()
	return goja.Undefined()
}

// ========== net ==========

// socket 是沙箱内 net.Socket 背后的 TCP 连接。
// 写入按顺序经由 writes 通道串行执行。
type socket struct {
	id     int64
	writes chan socketWrite
	once   sync.Once
	closed chan struct{}

	mu   sync.Mutex
	conn net.Conn
}

type socketWrite struct {
	data []byte
	done func(error)
	end  bool
}

// attach 绑定已建立的连接；套接字已被关闭时返回 false。
func (s *socket) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.conn = conn
	return true
}

func (s *socket) close() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		close(s.closed)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// connect 建立出站 TCP 连接。handlers 包含 onConnect、onData、onEnd、onError、onClose。
func (cs *CapabilitySet) connect(call goja.FunctionCall) goja.Value {
	cs.checkRevoked()
	host := call.Argument(0).String()
	port := call.Argument(1).ToInteger()
	if port <= 0 || port > 65535 {
		cs.throw("RangeError", "ERR_SOCKET_BAD_PORT", fmt.Sprintf("Port should be > 0 and < 65536. Received %d.", port))
	}
	handlers := call.Argument(2).ToObject(cs.vm)
	handler := func(name string) goja.Callable {
		fn, _ := goja.AssertFunction(handlers.Get(name))
		return fn
	}
	onConnect, onData, onEnd, onError, onClose := handler("onConnect"), handler("onData"),
		handler("onEnd"), handler("onError"), handler("onClose")
	invoke := func(fn goja.Callable, args ...goja.Value) error {
		if fn == nil {
			return nil
		}
		_, err := fn(goja.Undefined(), args...)
		return err
	}

	s := &socket{id: cs.allocID(), writes: make(chan socketWrite, 64), closed: make(chan struct{})}
	cs.mu.Lock()
	cs.sockets[s.id] = s
	cs.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.FormatInt(port, 10))
	ctx := cs.ctx()
	post, done := cs.loop.Stream()
	finish := func(err error) {
		post(func() error {
			if err != nil {
				if cerr := invoke(onError, cs.errorValue(err)); cerr != nil {
					return cerr
				}
			}
			return invoke(onClose, cs.vm.ToValue(err != nil))
		})
		done()
	}

	go func() {
		var conn net.Conn
		err := cs.enforce(ctx, addr)
		if err == nil {
			conn, err = cs.binding.Policy.Dialer(cs.binding.TenantID, &net.Dialer{Timeout: dialTimeout})(ctx, "tcp", addr)
		}
		if err != nil {
			cs.dropSocket(s.id)
			finish(err)
			return
		}
		if !s.attach(conn) {
			conn.Close()
			finish(nil)
			return
		}
		post(func() error { return invoke(onConnect) })

		go s.writeLoop(conn, post)
		buf := make([]byte, 32<<10)
		for {
			n, rerr := conn.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				post(func() error {
					cs.charge(int64(len(chunk)))
					return invoke(onData, cs.vm.ToValue(cs.vm.NewArrayBuffer(chunk)))
				})
			}
			if rerr != nil {
				cs.dropSocket(s.id)
				s.close()
				if errors.Is(rerr, io.EOF) || errors.Is(rerr, net.ErrClosed) {
					post(func() error { return invoke(onEnd) })
					finish(nil)
				} else {
					finish(rerr)
				}
				return
			}
		}
	}()
	return cs.vm.ToValue(s.id)
}

func (s *socket) writeLoop(conn net.Conn, post func(eventloop.Task)) {
	for {
		select {
		case <-s.closed:
			return
		case w := <-s.writes:
			var err error
			if len(w.data) > 0 {
				_, err = conn.Write(w.data)
			}
			if err == nil && w.end {
				if tcp, ok := conn.(*net.TCPConn); ok {
					err = tcp.CloseWrite()
				}
			}
			if w.done != nil {
				done := w.done
				post(func() error { done(err); return nil })
			}
		}
	}
}

func (cs *CapabilitySet) socketByID(id int64) *socket {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.sockets[id]
}

func (cs *CapabilitySet) dropSocket(id int64) {
	cs.mu.Lock()
	delete(cs.sockets, id)
	cs.mu.Unlock()
}

// socketWrite 排队写入；cb 在写入完成后以 (err) 调用。
func (cs *CapabilitySet) socketWrite(call goja.FunctionCall) goja.Value {
	s := cs.socketByID(call.Argument(0).ToInteger())
	if s == nil {
		cs.throw("Error", "ERR_SOCKET_CLOSED", "Socket is closed")
	}
	data := append([]byte(nil), cs.bytesArg(call.Argument(1))...)
	cs.queueWrite(s, socketWrite{data: data, done: cs.writeCallback(call.Argument(2))})
	return cs.vm.ToValue(true)
}

func (cs *CapabilitySet) socketEnd(call goja.FunctionCall) goja.Value {
	if s := cs.socketByID(call.Argument(0).ToInteger()); s != nil {
		cs.queueWrite(s, socketWrite{end: true})
	}
	return goja.Undefined()
}

func (cs *CapabilitySet) socketDestroy(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if s := cs.socketByID(id); s != nil {
		cs.dropSocket(id)
		s.close()
	}
	return goja.Undefined()
}

func (cs *CapabilitySet) queueWrite(s *socket, w socketWrite) {
	select {
	case s.writes <- w:
	case <-s.closed:
		if w.done != nil {
			w.done(net.ErrClosed)
		}
	default:
		cs.throw("Error", "ERR_STREAM_WRITE_AFTER_END", "socket write queue is full")
	}
}

func (cs *CapabilitySet) writeCallback(v goja.Value) func(error) {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return func(err error) {
		if err != nil {
			fn(goja.Undefined(), cs.errorValue(err))
			return
		}
		fn(goja.Undefined())
	}
}

// closeSockets 关闭本次调用打开的所有套接字。
func (cs *CapabilitySet) closeSockets() {
	cs.mu.Lock()
	sockets := cs.sockets
	cs.sockets = make(map[int64]*socket)
	cs.mu.Unlock()
	for _, s := range sockets {
		s.close()
	}
}
