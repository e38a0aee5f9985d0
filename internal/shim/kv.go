package shim

import (
	"encoding/json"
	"time"

	"github.com/dop251/goja"
	"github.com/oriys/edgejs/internal/domain"
)

// kvCall 执行一次 KV 操作：host.kv(op, key, valueJSON, ttlMs, resolve, reject)。
// 操作在辅助 goroutine 上执行，只挂起当前调用；完成回调投递回事件循环。
func (cs *CapabilitySet) kvCall(call goja.FunctionCall) goja.Value {
	op := call.Argument(0).String()
	key := call.Argument(1).String()
	var value json.RawMessage
	if v := call.Argument(2); !goja.IsUndefined(v) && !goja.IsNull(v) {
		value = json.RawMessage(v.String())
	}
	ttl := time.Duration(call.Argument(3).ToFloat() * float64(time.Millisecond))
	resolve := cs.callableArg(call.Argument(4))
	reject := cs.callableArg(call.Argument(5))

	store := cs.binding.KV
	ctx := cs.ctx()
	if op == "set" {
		cs.charge(domain.KVSize(key, value))
	}

	complete := cs.loop.Hold()
	go func() {
		var (
			result interface{}
			err    error
		)
		switch {
		case store == nil:
			err = domain.NewError(domain.KindKvBackendError, "kv is not configured", domain.ErrKVBackend)
		case op == "get":
			var raw json.RawMessage
			var ok bool
			raw, ok, err = store.Get(ctx, key)
			if err == nil && ok {
				result = string(raw)
			}
		case op == "has":
			result, err = store.Has(ctx, key)
		case op == "set":
			err = store.Set(ctx, key, value, ttl)
		case op == "delete":
			result, err = store.Delete(ctx, key)
		case op == "clear":
			err = store.Clear(ctx)
		default:
			err = domain.NewError(domain.KindKvBackendError, "unknown kv operation "+op, domain.ErrKVBackend)
		}

		complete(func() error {
			if err != nil {
				_, cerr := reject(goja.Undefined(), cs.errorValue(err))
				return cerr
			}
			var v goja.Value = goja.Null()
			switch r := result.(type) {
			case string:
				cs.charge(int64(len(r)))
				v = cs.vm.ToValue(r)
			case bool:
				v = cs.vm.ToValue(r)
			case nil:
				if op != "get" {
					v = goja.Undefined()
				}
			}
			_, cerr := resolve(goja.Undefined(), v)
			return cerr
		})
	}()
	return goja.Undefined()
}
