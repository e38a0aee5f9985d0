package sandbox

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/eventloop"
	"github.com/oriys/edgejs/internal/shim"
)

// errDisposed 是销毁上下文时用于中断仍在运行的脚本的错误值。
var errDisposed = errors.New("execution context disposed")

// State 是执行上下文的生命周期状态。
type State int32

// 生命周期：Provisioning → Ready ⇄ Running → Disposing → Disposed
const (
	StateProvisioning State = iota
	StateReady
	StateRunning
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// Context 是一个隔离的执行上下文：独立的 JS 运行时、事件循环与绑定到单个租户的能力集合。
// 同一时刻只服务一次调用。
type Context struct {
	ID        string
	Key       string
	TenantID  string
	Ref       domain.PackageRef
	CreatedAt time.Time

	vm      *goja.Runtime
	loop    *eventloop.Loop
	caps    *shim.CapabilitySet
	exports goja.Value

	state atomic.Int32

	// 以下字段由 Manager.mu 保护
	lastUsed time.Time
	uses     int

	release  func()
	teardown sync.Once
}

// Runtime 返回上下文的 JS 运行时。
func (c *Context) Runtime() *goja.Runtime { return c.vm }

// Loop 返回上下文的事件循环。
func (c *Context) Loop() *eventloop.Loop { return c.loop }

// Capabilities 返回注入到上下文中的能力集合。
func (c *Context) Capabilities() *shim.CapabilitySet { return c.caps }

// Exports 返回入口模块的 module.exports。
func (c *Context) Exports() goja.Value { return c.exports }

// State 返回当前生命周期状态。
func (c *Context) State() State {
	return State(c.state.Load())
}

func (c *Context) setState(s State) {
	c.state.Store(int32(s))
}

// Interrupt 中断正在执行的脚本，可从任意 goroutine 调用。
func (c *Context) Interrupt(v interface{}) {
	if c.vm != nil {
		c.vm.Interrupt(v)
	}
}

// destroy 是所有退出路径共用的销毁函数：中断运行时、关闭事件循环（取消定时器并拒绝后续投递）、
// 撤销 KV 与网络能力、释放函数包引用。重复调用无副作用，返回是否为首次调用。
func (c *Context) destroy() bool {
	first := false
	c.teardown.Do(func() {
		first = true
		c.setState(StateDisposing)
		c.Interrupt(errDisposed)
		if c.loop != nil {
			c.loop.Close()
		}
		if c.caps != nil {
			c.caps.Revoke()
		}
		if c.release != nil {
			c.release()
		}
		c.setState(StateDisposed)
	})
	return first
}
