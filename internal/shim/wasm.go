package shim

import (
	"context"
	"fmt"
	"sort"

	"github.com/dop251/goja"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// wasmPageSize 是 WebAssembly 线性内存的页大小。
const wasmPageSize = 64 << 10

// wasmState 是上下文私有的 wazero 运行时，首次使用时创建，Revoke 时关闭。
type wasmState struct {
	runtime   wazero.Runtime
	modules   map[int64]wazero.CompiledModule
	instances map[int64]api.Module
}

func (w *wasmState) close() {
	w.runtime.Close(context.Background())
}

func (cs *CapabilitySet) wasmRuntime() *wasmState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.revoked {
		return nil
	}
	if cs.wasm == nil {
		cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
		if limit := cs.binding.MemoryLimit; limit > 0 {
			pages := uint32(limit / wasmPageSize)
			if pages == 0 {
				pages = 1
			}
			if pages > 65536 {
				pages = 65536
			}
			cfg = cfg.WithMemoryLimitPages(pages)
		}
		cs.wasm = &wasmState{
			runtime:   wazero.NewRuntimeWithConfig(context.Background(), cfg),
			modules:   make(map[int64]wazero.CompiledModule),
			instances: make(map[int64]api.Module),
		}
	}
	return cs.wasm
}

func (cs *CapabilitySet) requireWasm() *wasmState {
	w := cs.wasmRuntime()
	if w == nil {
		cs.throw("PermissionError", "ERR_ACCESS_DENIED", "capabilities have been revoked")
	}
	return w
}

// wasmCompile 编译模块并返回模块 ID，失败时抛出 CompileError。
func (cs *CapabilitySet) wasmCompile(call goja.FunctionCall) goja.Value {
	w := cs.requireWasm()
	code := cs.bytesArg(call.Argument(0))
	cs.charge(int64(len(code)))
	compiled, err := w.runtime.CompileModule(cs.ctx(), code)
	if err != nil {
		cs.throw("CompileError", "", "WebAssembly.compile(): "+err.Error())
	}
	id := cs.allocID()
	cs.mu.Lock()
	w.modules[id] = compiled
	cs.mu.Unlock()
	return cs.vm.ToValue(id)
}

func (cs *CapabilitySet) wasmModule(w *wasmState, id int64) wazero.CompiledModule {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return w.modules[id]
}

func (cs *CapabilitySet) wasmInstance(w *wasmState, id int64) api.Module {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return w.instances[id]
}

// wasmExports 返回模块导出描述 [{name, kind}]，kind 为 function 或 memory。
func (cs *CapabilitySet) wasmExports(call goja.FunctionCall) goja.Value {
	w := cs.requireWasm()
	compiled := cs.wasmModule(w, call.Argument(0).ToInteger())
	if compiled == nil {
		cs.throw("TypeError", "ERR_INVALID_ARG_TYPE", "Argument 0 must be a WebAssembly.Module")
	}
	var names []string
	kinds := make(map[string]string)
	for name := range compiled.ExportedFunctions() {
		names = append(names, name)
		kinds[name] = "function"
	}
	for name := range compiled.ExportedMemories() {
		names = append(names, name)
		kinds[name] = "memory"
	}
	sort.Strings(names)
	items := make([]interface{}, 0, len(names))
	for _, name := range names {
		o := cs.vm.NewObject()
		o.Set("name", name)
		o.Set("kind", kinds[name])
		items = append(items, o)
	}
	return cs.vm.NewArray(items...)
}

// wasmInstantiate 实例化模块。不支持导入，需要导入的模块以 LinkError 失败。
func (cs *CapabilitySet) wasmInstantiate(call goja.FunctionCall) goja.Value {
	w := cs.requireWasm()
	compiled := cs.wasmModule(w, call.Argument(0).ToInteger())
	if compiled == nil {
		cs.throw("TypeError", "ERR_INVALID_ARG_TYPE", "Argument 0 must be a WebAssembly.Module")
	}
	if n := len(compiled.ImportedFunctions()) + len(compiled.ImportedMemories()); n > 0 {
		cs.throw("LinkError", "", fmt.Sprintf("WebAssembly.Instance(): module requires %d imports, which are not supported", n))
	}
	mod, err := w.runtime.InstantiateModule(cs.ctx(), compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		cs.throw("LinkError", "", "WebAssembly.Instance(): "+err.Error())
	}
	id := cs.allocID()
	cs.mu.Lock()
	w.instances[id] = mod
	cs.mu.Unlock()
	return cs.vm.ToValue(id)
}

// wasmCall 调用导出函数。参数按导出签名转换，i64 以 JS number 表示。
func (cs *CapabilitySet) wasmCall(call goja.FunctionCall) goja.Value {
	w := cs.requireWasm()
	mod := cs.wasmInstance(w, call.Argument(0).ToInteger())
	name := call.Argument(1).String()
	if mod == nil {
		cs.throw("RuntimeError", "", "instance is no longer available")
	}
	fn := mod.ExportedFunction(name)
	if fn == nil {
		cs.throw("TypeError", "", name+" is not a function")
	}

	var args []goja.Value
	if obj := call.Argument(2); !goja.IsUndefined(obj) && !goja.IsNull(obj) {
		arr := obj.ToObject(cs.vm)
		n := arr.Get("length").ToInteger()
		for i := int64(0); i < n; i++ {
			args = append(args, arr.Get(fmt.Sprint(i)))
		}
	}
	def := fn.Definition()
	params := make([]uint64, len(def.ParamTypes()))
	for i, t := range def.ParamTypes() {
		var v goja.Value = goja.Undefined()
		if i < len(args) {
			v = args[i]
		}
		params[i] = encodeWasmValue(t, v)
	}

	results, err := fn.Call(cs.ctx(), params...)
	if err != nil {
		cs.throw("RuntimeError", "", err.Error())
	}
	types := def.ResultTypes()
	switch len(results) {
	case 0:
		return goja.Undefined()
	case 1:
		return cs.vm.ToValue(decodeWasmValue(types[0], results[0]))
	}
	items := make([]interface{}, len(results))
	for i, r := range results {
		items[i] = decodeWasmValue(types[i], r)
	}
	return cs.vm.NewArray(items...)
}

func encodeWasmValue(t api.ValueType, v goja.Value) uint64 {
	switch t {
	case api.ValueTypeI32:
		return api.EncodeI32(int32(v.ToInteger()))
	case api.ValueTypeI64:
		return api.EncodeI64(v.ToInteger())
	case api.ValueTypeF32:
		return api.EncodeF32(float32(v.ToFloat()))
	case api.ValueTypeF64:
		return api.EncodeF64(v.ToFloat())
	}
	return 0
}

func decodeWasmValue(t api.ValueType, v uint64) interface{} {
	switch t {
	case api.ValueTypeI32:
		return api.DecodeI32(v)
	case api.ValueTypeI64:
		return int64(v)
	case api.ValueTypeF32:
		return api.DecodeF32(v)
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	}
	return nil
}

// wasmMemory 返回导出内存当前内容的副本。
func (cs *CapabilitySet) wasmMemory(call goja.FunctionCall) goja.Value {
	w := cs.requireWasm()
	mod := cs.wasmInstance(w, call.Argument(0).ToInteger())
	if mod == nil {
		cs.throw("RuntimeError", "", "instance is no longer available")
	}
	mem := mod.ExportedMemory(call.Argument(1).String())
	if mem == nil {
		return goja.Undefined()
	}
	data, ok := mem.Read(0, mem.Size())
	if !ok {
		return goja.Undefined()
	}
	cs.charge(int64(len(data)))
	return cs.vm.ToValue(cs.vm.NewArrayBuffer(append([]byte(nil), data...)))
}
