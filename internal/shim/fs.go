package shim

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
)

// errOutsideRoot 表示模块路径解析到了函数包根目录之外。
var errOutsideRoot = errors.New("ERR_ACCESS_DENIED: module path resolves outside the package root")

// modulePath 将 require 解析得到的路径映射到包根目录下的真实路径。
// 绝对路径视为相对包根目录；任何逃逸出根目录的路径都被拒绝。
func (cs *CapabilitySet) modulePath(p string) (string, error) {
	clean := path.Clean(filepath.ToSlash(p))
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errOutsideRoot
	}
	return filepath.Join(cs.binding.PackageDir, filepath.FromSlash(clean)), nil
}

// loadSource 是 require 的源文件加载器。目录与不存在的文件返回
// ModuleFileDoesNotExistError，使解析继续尝试 index.js、package.json 与 .json 后缀。
func (cs *CapabilitySet) loadSource(p string) ([]byte, error) {
	full, err := cs.modulePath(p)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(full)
	if err != nil || fi.IsDir() {
		return nil, require.ModuleFileDoesNotExistError
	}
	return os.ReadFile(full)
}

// fsPath 将沙箱内路径（虚拟根目录为 "/"，当前目录即根目录）映射到包内真实路径。
func (cs *CapabilitySet) fsPath(syscall string, v goja.Value) (string, string) {
	p := v.String()
	if p == "" {
		cs.throwFS("ENOENT", syscall, p)
	}
	slashed := filepath.ToSlash(p)
	if !path.IsAbs(slashed) {
		if rel := path.Clean(slashed); rel == ".." || strings.HasPrefix(rel, "../") {
			cs.throw("PermissionError", "ERR_ACCESS_DENIED",
				fmt.Sprintf("access to '%s' outside the package root is not allowed", p))
		}
	}
	virtual := path.Clean("/" + slashed)
	return filepath.Join(cs.binding.PackageDir, filepath.FromSlash(virtual)), virtual
}

var fsMessages = map[string]string{
	"ENOENT":  "no such file or directory",
	"EISDIR":  "illegal operation on a directory",
	"ENOTDIR": "not a directory",
	"EACCES":  "permission denied",
}

// throwFS 抛出 Node 风格的文件系统错误，如 "ENOENT: no such file or directory, open '/x'"。
func (cs *CapabilitySet) throwFS(code, syscall, p string) {
	msg := fmt.Sprintf("%s: %s, %s '%s'", code, fsMessages[code], syscall, p)
	err := cs.newError("Error", code, msg)
	if obj, ok := err.(*goja.Object); ok {
		obj.Set("syscall", syscall)
		obj.Set("path", p)
	}
	panic(err)
}

func fsCode(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "ENOENT"
	case errors.Is(err, fs.ErrPermission):
		return "EACCES"
	}
	return "EIO"
}

func (cs *CapabilitySet) fsRead(call goja.FunctionCall) goja.Value {
	full, virtual := cs.fsPath("open", call.Argument(0))
	fi, err := os.Stat(full)
	if err != nil {
		cs.throwFS(fsCode(err), "open", virtual)
	}
	if fi.IsDir() {
		cs.throwFS("EISDIR", "read", virtual)
	}
	cs.charge(fi.Size())
	data, err := os.ReadFile(full)
	if err != nil {
		cs.throwFS(fsCode(err), "open", virtual)
	}
	return cs.vm.ToValue(cs.vm.NewArrayBuffer(data))
}

func (cs *CapabilitySet) fsStat(call goja.FunctionCall) goja.Value {
	full, virtual := cs.fsPath("stat", call.Argument(0))
	fi, err := os.Stat(full)
	if err != nil {
		cs.throwFS(fsCode(err), "stat", virtual)
	}
	obj := cs.vm.NewObject()
	obj.Set("size", fi.Size())
	obj.Set("mode", uint32(fi.Mode().Perm()))
	obj.Set("mtimeMs", float64(fi.ModTime().UnixNano())/1e6)
	obj.Set("isFile", fi.Mode().IsRegular())
	obj.Set("isDirectory", fi.IsDir())
	return obj
}

func (cs *CapabilitySet) fsReaddir(call goja.FunctionCall) goja.Value {
	full, virtual := cs.fsPath("scandir", call.Argument(0))
	entries, err := os.ReadDir(full)
	if err != nil {
		if fi, serr := os.Stat(full); serr == nil && !fi.IsDir() {
			cs.throwFS("ENOTDIR", "scandir", virtual)
		}
		cs.throwFS(fsCode(err), "scandir", virtual)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	items := make([]interface{}, len(names))
	for i, n := range names {
		items[i] = n
	}
	return cs.vm.NewArray(items...)
}

func (cs *CapabilitySet) fsExists(call goja.FunctionCall) (ret goja.Value) {
	defer func() {
		if recover() != nil {
			ret = cs.vm.ToValue(false)
		}
	}()
	full, _ := cs.fsPath("access", call.Argument(0))
	_, err := os.Stat(full)
	return cs.vm.ToValue(err == nil)
}
