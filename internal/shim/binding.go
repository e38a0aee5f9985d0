package shim

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy 是出站网络策略，所有出站能力（fetch、net、dns）在任何系统调用之前经由它判定。
// *netpolicy.Filter 实现了该接口。
type Policy interface {
	Enforce(ctx context.Context, tenantID, destination string) error
	Dialer(tenantID string, base *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error)
	LookupHost(ctx context.Context, tenantID, host string) ([]net.IP, error)
}

// KV 是绑定到单个租户的 KV 句柄，*kv.TenantKV 实现了该接口。
type KV interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Revoke()
}

// Binding 描述能力集合绑定的租户上下文。
type Binding struct {
	// TenantID 租户标识
	TenantID string
	// FunctionID 函数标识
	FunctionID string
	// Version 函数版本
	Version string
	// PackageDir 已解压的函数包根目录，require 与 fs 均以此为根
	PackageDir string
	// Entry 入口文件（相对 PackageDir），为空时读取 package.json 的 main，默认 index.js
	Entry string
	// Env 暴露给 process.env 的变量
	Env map[string]string
	// Policy 出站网络策略，为 nil 时拒绝所有出站连接
	Policy Policy
	// KV 租户 KV 句柄，为 nil 时 kv 调用以 ERR_KV_BACKEND 拒绝
	KV KV
	// MemoryLimit 单次调用的内存上限（字节），<= 0 表示不限
	MemoryLimit int64
	// MaxFetchBytes fetch 响应体上限（字节）
	MaxFetchBytes int64
	// MaxConsoleEntries 单次调用最多捕获的 console 条数
	MaxConsoleEntries int
	// Logger 宿主侧日志
	Logger *logrus.Logger
}
