// Package shim 实现沙箱内可见的能力目录：内置模块的仿真实现与始终存在的全局对象。
//
// 目录由两部分组成：
//   - 嵌入的 prelude.js，在每个执行上下文中构建 Buffer、EventEmitter、fetch、URL 等 JS 侧对象；
//   - 宿主函数（host.*），由 CapabilitySet 提供，负责编码、摘要、定时器、网络、KV 和只读文件系统等需要越过沙箱边界的操作。
//
// Catalog 本身是无状态模板，可在所有上下文间共享；Build 为每个上下文生成独立的 CapabilitySet。
package shim

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
)

//go:embed prelude.js
var preludeSource string

// CatalogVersion 是能力目录版本，内置模块的可观察行为变化时递增。
const CatalogVersion = "2024.10.1"

// builtinModules 是可通过 require 加载的内置模块，均同时接受 "node:" 前缀。
var builtinModules = []string{
	"buffer",
	"crypto",
	"dns",
	"dns/promises",
	"events",
	"fs",
	"fs/promises",
	"net",
	"path",
	"path/posix",
	"perf_hooks",
	"process",
	"querystring",
	"timers",
	"timers/promises",
	"url",
	"util",
}

// deniedModules 在沙箱中不可用，加载时抛出 ERR_ACCESS_DENIED。
var deniedModules = []string{
	"child_process",
	"cluster",
	"dgram",
	"http",
	"http2",
	"https",
	"inspector",
	"module",
	"os",
	"readline",
	"repl",
	"tls",
	"v8",
	"vm",
	"worker_threads",
}

// Catalog 是编译好的能力目录模板。
type Catalog struct {
	prelude *goja.Program
	logger  *logrus.Logger
}

// NewCatalog 编译 prelude 并返回目录。编译结果在各运行时间共享，只读。
func NewCatalog(logger *logrus.Logger) (*Catalog, error) {
	prog, err := goja.Compile("edgejs:prelude", preludeSource, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile capability prelude: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Catalog{prelude: prog, logger: logger}, nil
}

// Version 返回目录版本。
func (c *Catalog) Version() string {
	return CatalogVersion
}

// Modules 返回可加载的内置模块名（不含 node: 前缀），已排序。
func (c *Catalog) Modules() []string {
	out := append([]string(nil), builtinModules...)
	sort.Strings(out)
	return out
}

// Build 为一个租户上下文生成独立的能力集合。
// 返回的集合不与其他集合共享任何可变状态；需要调用 Attach 绑定到运行时后才能使用。
func (c *Catalog) Build(b Binding) *CapabilitySet {
	return newCapabilitySet(c, b)
}
