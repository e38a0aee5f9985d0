// Package domain 定义了沙箱执行引擎的核心领域模型。
package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// 领域错误定义
// 这些错误在缓存、沙箱、桥接和编排各层之间传递，最终被归类为 ErrorKind 写入调用结果。

var (
	// ========== 包缓存相关错误 ==========

	// ErrPackageNotFound 表示对象存储中不存在请求的函数包
	ErrPackageNotFound = errors.New("package not found")
	// ErrPackageCorrupt 表示下载后的函数包哈希与期望值不一致
	ErrPackageCorrupt = errors.New("package hash mismatch")
	// ErrPackageIO 表示读取或解压函数包时发生的暂时性 I/O 错误（可重试）
	ErrPackageIO = errors.New("package io error")
	// ErrInvalidPackageRef 表示函数包引用缺少必填字段
	ErrInvalidPackageRef = errors.New("invalid package reference")

	// ========== 执行上下文相关错误 ==========

	// ErrIsolateCreation 表示执行上下文创建或入口模块加载失败
	ErrIsolateCreation = errors.New("isolate creation failed")
	// ErrIsolateMemoryExceeded 表示调用超出了内存上限
	ErrIsolateMemoryExceeded = errors.New("isolate memory limit exceeded")
	// ErrIsolateTimeout 表示调用超出了墙钟时间预算
	ErrIsolateTimeout = errors.New("function timed out")
	// ErrCapacityExceeded 表示上下文池与等待队列均已饱和
	ErrCapacityExceeded = errors.New("execution capacity exceeded")
	// ErrManagerClosed 表示上下文管理器已关闭
	ErrManagerClosed = errors.New("context manager closed")

	// ========== 处理函数相关错误 ==========

	// ErrHandlerThrew 表示处理函数抛出异常或返回的 Promise 被拒绝
	ErrHandlerThrew = errors.New("handler threw")
	// ErrInvalidResponseShape 表示处理函数既没有发送响应也没有返回合法的响应结构
	ErrInvalidResponseShape = errors.New("invalid response shape")
	// ErrHandlerNotFound 表示入口模块没有导出可调用的处理函数
	ErrHandlerNotFound = errors.New("handler export not found")

	// ========== 网络策略相关错误 ==========

	// ErrNetworkPolicyViolation 表示出站连接被租户网络策略拒绝
	ErrNetworkPolicyViolation = errors.New("network policy violation")
	// ErrInvalidNetworkRule 表示网络策略规则格式不正确
	ErrInvalidNetworkRule = errors.New("invalid network rule")

	// ========== KV 相关错误 ==========

	// ErrKVQuotaExceeded 表示写入会导致租户 KV 用量超过配额
	ErrKVQuotaExceeded = errors.New("kv quota exceeded")
	// ErrKVBackend 表示 KV 后端存储访问失败
	ErrKVBackend = errors.New("kv backend error")
	// ErrKVInvalidKey 表示 KV 键为空或过长
	ErrKVInvalidKey = errors.New("kv key is invalid")
	// ErrKVRevoked 表示 KV 绑定已随执行上下文一起被撤销
	ErrKVRevoked = errors.New("kv binding revoked")

	// ========== 认证相关错误 ==========

	// ErrUnauthorized 表示调用缺少有效的 API Key
	ErrUnauthorized = errors.New("unauthorized")

	// ========== 存储相关错误 ==========

	// ErrStorageConnection 表示存储连接错误（如数据库连接失败）
	ErrStorageConnection = errors.New("storage connection error")
	// ErrStorageQuery 表示存储查询错误（如 SQL 查询失败）
	ErrStorageQuery = errors.New("storage query error")
)

// ErrorKind 是调用结果中的错误分类。
type ErrorKind string

// 错误分类常量
const (
	KindNone                   ErrorKind = ""
	KindPackageNotFound        ErrorKind = "PackageNotFound"
	KindPackageCorrupt         ErrorKind = "PackageCorrupt"
	KindPackageIoError         ErrorKind = "PackageIoError"
	KindIsolateCreationFailed  ErrorKind = "IsolateCreationFailed"
	KindIsolateMemoryExceeded  ErrorKind = "IsolateMemoryExceeded"
	KindIsolateTimeout         ErrorKind = "IsolateTimeout"
	KindCapacityExceeded       ErrorKind = "CapacityExceeded"
	KindHandlerThrew           ErrorKind = "HandlerThrew"
	KindInvalidResponseShape   ErrorKind = "InvalidResponseShape"
	KindNetworkPolicyViolation ErrorKind = "NetworkPolicyViolation"
	KindKvQuotaExceeded        ErrorKind = "KvQuotaExceeded"
	KindKvBackendError         ErrorKind = "KvBackendError"
	KindUnauthorized           ErrorKind = "Unauthorized"
)

// kindBySentinel 将哨兵错误映射到分类，顺序即匹配优先级。
var kindBySentinel = []struct {
	err  error
	kind ErrorKind
}{
	{ErrPackageNotFound, KindPackageNotFound},
	{ErrPackageCorrupt, KindPackageCorrupt},
	{ErrPackageIO, KindPackageIoError},
	{ErrInvalidPackageRef, KindPackageNotFound},
	{ErrIsolateMemoryExceeded, KindIsolateMemoryExceeded},
	{ErrIsolateTimeout, KindIsolateTimeout},
	{ErrIsolateCreation, KindIsolateCreationFailed},
	{ErrHandlerNotFound, KindIsolateCreationFailed},
	{ErrCapacityExceeded, KindCapacityExceeded},
	{ErrManagerClosed, KindCapacityExceeded},
	{ErrNetworkPolicyViolation, KindNetworkPolicyViolation},
	{ErrKVQuotaExceeded, KindKvQuotaExceeded},
	{ErrKVBackend, KindKvBackendError},
	{ErrInvalidResponseShape, KindInvalidResponseShape},
	{ErrHandlerThrew, KindHandlerThrew},
	{ErrUnauthorized, KindUnauthorized},
}

// KindOf 返回错误对应的分类。
// 无法识别的错误归类为 HandlerThrew，超时上下文错误归类为 IsolateTimeout。
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var de *Error
	if errors.As(err, &de) && de.Kind != KindNone {
		return de.Kind
	}
	for _, m := range kindBySentinel {
		if errors.Is(err, m.err) {
			return m.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindIsolateTimeout
	}
	return KindHandlerThrew
}

// StatusCode 返回错误分类对应的 HTTP 状态码。
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindNone:
		return http.StatusOK
	case KindPackageNotFound:
		return http.StatusNotFound
	case KindPackageCorrupt, KindKvBackendError:
		return http.StatusBadGateway
	case KindPackageIoError, KindCapacityExceeded:
		return http.StatusServiceUnavailable
	case KindIsolateTimeout:
		return http.StatusGatewayTimeout
	case KindNetworkPolicyViolation:
		return http.StatusForbidden
	case KindKvQuotaExceeded:
		return http.StatusInsufficientStorage
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Terminal 表示该分类的失败是否要求销毁执行上下文。
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindIsolateCreationFailed, KindIsolateMemoryExceeded, KindIsolateTimeout:
		return true
	}
	return false
}

// Retryable 表示编排器是否可以对该分类重试一次。
func (k ErrorKind) Retryable() bool {
	return k == KindPackageIoError
}

// Error 是带分类的错误，用于在沙箱边界携带错误码等额外信息。
type Error struct {
	Kind    ErrorKind
	Code    string // 沙箱内可见的错误码，如 ERR_ACCESS_DENIED
	Message string
	Err     error
}

// NewError 创建带分类的错误。
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}
