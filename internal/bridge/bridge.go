// Package bridge 驱动一次处理函数调用：把请求注入沙箱，调用导出的处理函数，
// 运行事件循环直到处理函数的 Promise 落定且响应已产生，再把响应或失败归一化为 InvocationResult。
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/eventloop"
	"github.com/oriys/edgejs/internal/shim"
)

// Handle 是桥接所需的执行上下文视图，*sandbox.Context 实现了该接口。
type Handle interface {
	Runtime() *goja.Runtime
	Loop() *eventloop.Loop
	Capabilities() *shim.CapabilitySet
	Exports() goja.Value
}

// Invoke 在 h 上执行一次调用，任何结局都返回完整的结果。
// ctx 的截止时间即调用的墙钟预算，到期时中断脚本并以 IsolateTimeout 失败。
// sink 实时接收 console 输出，可为 nil；结果中仍包含全部捕获的条目。
func Invoke(ctx context.Context, h Handle, req *domain.InvocationRequest, sink func(domain.ConsoleEntry)) domain.InvocationResult {
	start := time.Now()
	vm := h.Runtime()
	caps := h.Capabilities()

	caps.Begin(ctx, sink)
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			vm.Interrupt(domain.ErrIsolateTimeout)
			return
		}
		vm.Interrupt(fmt.Errorf("%w: %v", domain.ErrIsolateTimeout, ctx.Err()))
	})

	stopHeap := watchHeap(vm, caps.MemoryLimit())

	resp, err := drive(ctx, h, req)

	stopHeap()
	if !stop() && ctx.Err() != nil {
		<-fired
	}
	vm.ClearInterrupt()
	logs := caps.End()

	result := domain.InvocationResult{
		TenantID:     req.TenantID,
		RequestBytes: req.Size(),
	}
	if err != nil {
		result.ApplyError(err)
	} else {
		result.StatusCode = resp.Status
		result.Headers = resp.Headers
		result.Body = resp.Body
		result.ResponseBytes = int64(len(resp.Body))
	}
	result.Logs = logs
	result.Duration = time.Since(start)
	return result
}

// drive 调用处理函数并推进事件循环，沙箱内的 panic 在此转换为 HandlerThrew。
func drive(ctx context.Context, h Handle, req *domain.InvocationRequest) (resp shim.Response, err error) {
	vm := h.Runtime()
	caps := h.Capabilities()
	loop := h.Loop()

	defer func() {
		if r := recover(); r != nil {
			resp = shim.Response{}
			err = fromPanic(caps, r)
		}
	}()

	handler, err := resolveHandler(vm, h.Exports())
	if err != nil {
		return shim.Response{}, err
	}
	reqObj, err := caps.NewRequest(req)
	if err != nil {
		return shim.Response{}, classify(caps, err)
	}
	resObj, err := caps.NewResponse()
	if err != nil {
		return shim.Response{}, classify(caps, err)
	}
	vm.Set("req", reqObj)
	vm.Set("res", resObj)

	ret, err := handler(goja.Undefined(), reqObj, resObj)
	if err != nil {
		return shim.Response{}, classify(caps, err)
	}

	sent := func() bool { return caps.Response().Sent }

	if p := promiseOf(ret); p != nil {
		settled := func() bool { return p.State() != goja.PromiseStatePending }
		if err := runLoop(ctx, caps, loop, settled); err != nil {
			return shim.Response{}, err
		}
		switch p.State() {
		case goja.PromiseStateRejected:
			return shim.Response{}, fromThrown(caps, p.Result())
		case goja.PromiseStatePending:
			if sent() {
				return caps.Response(), nil
			}
			return shim.Response{}, domain.NewError(domain.KindInvalidResponseShape,
				"handler promise never settled and no response was sent", domain.ErrInvalidResponseShape)
		}
		ret = p.Result()
	}

	if sent() {
		return caps.Response(), nil
	}
	if ret != nil && !goja.IsUndefined(ret) && !goja.IsNull(ret) {
		ok, err := caps.AdoptReturn(ret)
		if err != nil {
			return shim.Response{}, classify(caps, err)
		}
		if !ok {
			return shim.Response{}, domain.NewError(domain.KindInvalidResponseShape,
				"handler returned a value that is not a response; use res.send() or return {statusCode, headers, body}",
				domain.ErrInvalidResponseShape)
		}
		return caps.Response(), nil
	}

	// 处理函数没有直接产生响应，继续推进事件循环，等待定时器或异步回调发送响应
	if err := runLoop(ctx, caps, loop, sent); err != nil {
		return shim.Response{}, err
	}
	if sent() {
		return caps.Response(), nil
	}
	return shim.Response{}, domain.NewError(domain.KindInvalidResponseShape,
		"handler completed without sending a response", domain.ErrInvalidResponseShape)
}

// runLoop 推进事件循环直到 until 成立或循环空闲。
func runLoop(ctx context.Context, caps *shim.CapabilitySet, loop *eventloop.Loop, until func() bool) error {
	err := loop.Run(ctx, until)
	switch {
	case err == nil, errors.Is(err, eventloop.ErrIdle):
		return nil
	case ctx.Err() != nil && !isJSError(err):
		return domain.NewError(domain.KindIsolateTimeout, "function exceeded its time budget", domain.ErrIsolateTimeout)
	}
	return classify(caps, err)
}

func isJSError(err error) bool {
	var ex *goja.Exception
	var ie *goja.InterruptedError
	return errors.As(err, &ex) || errors.As(err, &ie)
}

// resolveHandler 按 module.exports、module.exports.handler、module.exports.default 的顺序查找处理函数。
func resolveHandler(vm *goja.Runtime, exports goja.Value) (goja.Callable, error) {
	if exports == nil || goja.IsUndefined(exports) || goja.IsNull(exports) {
		return nil, domain.NewError(domain.KindIsolateCreationFailed, "entry module has no exports", domain.ErrHandlerNotFound)
	}
	if fn, ok := goja.AssertFunction(exports); ok {
		return fn, nil
	}
	obj := exports.ToObject(vm)
	for _, name := range []string{"handler", "default"} {
		if fn, ok := goja.AssertFunction(obj.Get(name)); ok {
			return fn, nil
		}
	}
	return nil, domain.NewError(domain.KindIsolateCreationFailed,
		"entry module must export a function, or an object with a handler or default function", domain.ErrHandlerNotFound)
}

func promiseOf(v goja.Value) *goja.Promise {
	if v == nil {
		return nil
	}
	p, _ := v.Export().(*goja.Promise)
	return p
}

// classify 将调用沙箱时返回的错误转换为带分类的领域错误。
func classify(caps *shim.CapabilitySet, err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if cause, ok := ie.Value().(error); ok {
			if domain.KindOf(cause) == domain.KindIsolateTimeout {
				return domain.NewError(domain.KindIsolateTimeout, "function exceeded its time budget", cause)
			}
			return cause
		}
		return fmt.Errorf("%w: interrupted: %v", domain.ErrHandlerThrew, ie.Value())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return fromThrown(caps, ex.Value())
	}
	return domain.NewError(domain.KindHandlerThrew, err.Error(), domain.ErrHandlerThrew)
}

// fromThrown 根据沙箱内抛出值的错误码确定分类。未捕获的宿主能力错误保留其分类，其余为 HandlerThrew。
func fromThrown(caps *shim.CapabilitySet, v goja.Value) error {
	info := caps.DescribeError(v)
	msg := info.Message
	if info.Name != "" && info.Name != "Error" {
		msg = info.Name + ": " + msg
	}
	e := &domain.Error{Code: info.Code, Message: msg}
	switch info.Code {
	case "ERR_MEMORY_LIMIT":
		e.Kind, e.Err = domain.KindIsolateMemoryExceeded, domain.ErrIsolateMemoryExceeded
	case "ERR_NETWORK_POLICY":
		e.Kind, e.Err = domain.KindNetworkPolicyViolation, domain.ErrNetworkPolicyViolation
	case "ERR_KV_QUOTA":
		e.Kind, e.Err = domain.KindKvQuotaExceeded, domain.ErrKVQuotaExceeded
	case "ERR_KV_BACKEND":
		e.Kind, e.Err = domain.KindKvBackendError, domain.ErrKVBackend
	default:
		e.Kind, e.Err = domain.KindHandlerThrew, domain.ErrHandlerThrew
	}
	return e
}

// fromPanic 转换越过沙箱边界的 panic。
func fromPanic(caps *shim.CapabilitySet, r interface{}) error {
	switch v := r.(type) {
	case *goja.InterruptedError:
		return classify(caps, v)
	case *goja.Exception:
		return classify(caps, v)
	case goja.Value:
		return fromThrown(caps, v)
	case error:
		return domain.NewError(domain.KindHandlerThrew, "panic: "+v.Error(), domain.ErrHandlerThrew)
	}
	return domain.NewError(domain.KindHandlerThrew, fmt.Sprintf("panic: %v", r), domain.ErrHandlerThrew)
}
