package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	functionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)
	sha256Pattern     = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// PackageRef 标识一个不可变的函数包。
// 同一 (FunctionID, Version) 只对应一个内容哈希，内容变化必须发布新版本。
type PackageRef struct {
	// FunctionID 函数标识
	FunctionID string `json:"function_id" yaml:"function_id"`
	// Version 函数版本
	Version string `json:"version" yaml:"version"`
	// SHA256 归档文件内容的十六进制 SHA-256
	SHA256 string `json:"sha256" yaml:"sha256"`
	// Size 归档文件字节数，0 表示未知
	Size int64 `json:"size,omitempty" yaml:"size,omitempty"`
	// Location 对象存储中的键，为空时使用 ObjectKey 的默认布局
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
}

// Validate 校验引用字段。
func (r PackageRef) Validate() error {
	if !functionIDPattern.MatchString(r.FunctionID) {
		return fmt.Errorf("%w: function id %q", ErrInvalidPackageRef, r.FunctionID)
	}
	if r.Version == "" || strings.ContainsAny(r.Version, `/\`) || strings.Contains(r.Version, "..") {
		return fmt.Errorf("%w: version %q", ErrInvalidPackageRef, r.Version)
	}
	if !sha256Pattern.MatchString(strings.ToLower(r.SHA256)) {
		return fmt.Errorf("%w: sha256 %q", ErrInvalidPackageRef, r.SHA256)
	}
	return nil
}

// Key 返回缓存键 functionId@version。
func (r PackageRef) Key() string {
	return r.FunctionID + "@" + r.Version
}

// ContextKey 返回执行上下文复用键，包含内容哈希，避免复用到旧内容。
func (r PackageRef) ContextKey() string {
	return r.Key() + "#" + strings.ToLower(r.SHA256)
}

// ObjectKey 返回对象存储中的归档键。
func (r PackageRef) ObjectKey() string {
	if r.Location != "" {
		return r.Location
	}
	return r.FunctionID + "/" + r.Version + ".tar.gz"
}
