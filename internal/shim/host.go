package shim

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/oriys/edgejs/internal/domain"
)

// hostObject 构造传给 prelude 的宿主函数表。
func (cs *CapabilitySet) hostObject() *goja.Object {
	vm := cs.vm
	host := vm.NewObject()

	env := vm.NewObject()
	for _, k := range sortedKeys(cs.binding.Env) {
		env.Set(k, cs.binding.Env[k])
	}
	host.Set("env", env)
	host.Set("version", CatalogVersion)
	host.Set("functionId", cs.binding.FunctionID)
	host.Set("entry", cs.binding.Entry)
	host.Set("builtins", cs.catalog.Modules())
	host.Set("denied", deniedModules)

	funcs := map[string]func(goja.FunctionCall) goja.Value{
		"hrtime":          cs.hrtime,
		"encode":          cs.encode,
		"decode":          cs.decode,
		"randomBytes":     cs.randomBytes,
		"randomUUID":      cs.randomUUID,
		"digest":          cs.digest,
		"hmac":            cs.hmac,
		"timingSafeEqual": cs.timingSafeEqual,
		"setTimer":        cs.setTimer,
		"clearTimer":      cs.clearTimer,
		"console":         cs.console,
		"charge":          cs.chargeJS,
		"memoryUsage":     cs.memoryUsage,
		"parseURL":        cs.parseURL,
		"deliver":         cs.deliver,
		"fetch":           cs.fetch,
		"abortFetch":      cs.abortFetch,
		"lookup":          cs.lookup,
		"connect":         cs.connect,
		"socketWrite":     cs.socketWrite,
		"socketEnd":       cs.socketEnd,
		"socketDestroy":   cs.socketDestroy,
		"fsRead":          cs.fsRead,
		"fsStat":          cs.fsStat,
		"fsReaddir":       cs.fsReaddir,
		"fsExists":        cs.fsExists,
		"kv":              cs.kvCall,
		"wasmCompile":     cs.wasmCompile,
		"wasmExports":     cs.wasmExports,
		"wasmInstantiate": cs.wasmInstantiate,
		"wasmCall":        cs.wasmCall,
		"wasmMemory":      cs.wasmMemory,
	}
	for name, fn := range funcs {
		host.Set(name, fn)
	}
	return host
}

func (cs *CapabilitySet) hrtime(goja.FunctionCall) goja.Value {
	return cs.vm.ToValue(float64(time.Since(cs.started).Nanoseconds()))
}

// ========== 编码 ==========

func (cs *CapabilitySet) encode(call goja.FunctionCall) goja.Value {
	s := call.Argument(0).String()
	b, err := encodeString(s, encodingArg(call.Argument(1)))
	if err != nil {
		cs.throw("TypeError", "ERR_UNKNOWN_ENCODING", err.Error())
	}
	cs.charge(int64(len(b)))
	return cs.vm.ToValue(cs.vm.NewArrayBuffer(b))
}

func (cs *CapabilitySet) decode(call goja.FunctionCall) goja.Value {
	b := cs.bytesArg(call.Argument(0))
	s, err := decodeBytes(b, encodingArg(call.Argument(1)))
	if err != nil {
		cs.throw("TypeError", "ERR_UNKNOWN_ENCODING", err.Error())
	}
	cs.charge(int64(len(s)))
	return cs.vm.ToValue(s)
}

func encodingArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "utf8"
	}
	return strings.ToLower(v.String())
}

// encodeString 按 Node 的编码名将字符串转换为字节。
func encodeString(s, enc string) ([]byte, error) {
	switch enc {
	case "utf8", "utf-8", "":
		return []byte(s), nil
	case "hex":
		return decodeHexPrefix(s), nil
	case "base64", "base64url":
		return decodeBase64Lenient(s), nil
	case "latin1", "binary", "ascii":
		out := make([]byte, 0, len(s))
		for _, r := range s {
			out = append(out, byte(r))
		}
		return out, nil
	case "utf16le", "utf-16le", "ucs2", "ucs-2":
		units := utf16.Encode([]rune(s))
		out := make([]byte, 0, len(units)*2)
		for _, u := range units {
			out = append(out, byte(u), byte(u>>8))
		}
		return out, nil
	}
	return nil, fmt.Errorf("Unknown encoding: %s", enc)
}

// decodeBytes 按 Node 的编码名将字节转换为字符串。
func decodeBytes(b []byte, enc string) (string, error) {
	switch enc {
	case "utf8", "utf-8", "":
		if utf8.Valid(b) {
			return string(b), nil
		}
		return strings.ToValidUTF8(string(b), "�"), nil
	case "hex":
		return hex.EncodeToString(b), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(b), nil
	case "base64url":
		return base64.RawURLEncoding.EncodeToString(b), nil
	case "latin1", "binary":
		runes := make([]rune, len(b))
		for i, c := range b {
			runes[i] = rune(c)
		}
		return string(runes), nil
	case "ascii":
		runes := make([]rune, len(b))
		for i, c := range b {
			runes[i] = rune(c & 0x7f)
		}
		return string(runes), nil
	case "utf16le", "utf-16le", "ucs2", "ucs-2":
		units := make([]uint16, len(b)/2)
		for i := range units {
			units[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
		}
		return string(utf16.Decode(units)), nil
	}
	return "", fmt.Errorf("Unknown encoding: %s", enc)
}

// decodeHexPrefix 解码最长的合法十六进制前缀，与 Buffer.from(str, 'hex') 一致。
func decodeHexPrefix(s string) []byte {
	n := 0
	for n+1 < len(s) {
		if !isHex(s[n]) || !isHex(s[n+1]) {
			break
		}
		n += 2
	}
	out, _ := hex.DecodeString(s[:n])
	return out
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// decodeBase64Lenient 同时接受标准与 URL 安全字母表，忽略空白、填充与非法字符。
func decodeBase64Lenient(s string) []byte {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/':
			sb.WriteByte(c)
		case c == '-':
			sb.WriteByte('+')
		case c == '_':
			sb.WriteByte('/')
		case c == '=':
			i = len(s)
		}
	}
	clean := sb.String()
	if len(clean)%4 == 1 {
		clean = clean[:len(clean)-1]
	}
	out, err := base64.RawStdEncoding.DecodeString(clean)
	if err != nil {
		return nil
	}
	return out
}

// ========== 随机数与摘要 ==========

func (cs *CapabilitySet) randomBytes(call goja.FunctionCall) goja.Value {
	n := call.Argument(0).ToInteger()
	if n < 0 || n > 1<<16 {
		cs.throw("RangeError", "ERR_OUT_OF_RANGE", fmt.Sprintf("The value of \"size\" is out of range. Received %d", n))
	}
	cs.charge(n)
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		cs.throw("Error", "", err.Error())
	}
	return cs.vm.ToValue(cs.vm.NewArrayBuffer(b))
}

func (cs *CapabilitySet) randomUUID(goja.FunctionCall) goja.Value {
	return cs.vm.ToValue(uuid.NewString())
}

func newHash(alg string) func() hash.Hash {
	switch strings.ReplaceAll(strings.ToLower(alg), "-", "") {
	case "md5":
		return md5.New
	case "sha1":
		return sha1.New
	case "sha256":
		return sha256.New
	case "sha384":
		return sha512.New384
	case "sha512":
		return sha512.New
	}
	return nil
}

func (cs *CapabilitySet) digest(call goja.FunctionCall) goja.Value {
	alg := call.Argument(0).String()
	ctor := newHash(alg)
	if ctor == nil {
		cs.throw("Error", "ERR_OSSL_EVP_UNSUPPORTED", "Digest method not supported")
	}
	h := ctor()
	h.Write(cs.bytesArg(call.Argument(1)))
	return cs.vm.ToValue(cs.vm.NewArrayBuffer(h.Sum(nil)))
}

func (cs *CapabilitySet) hmac(call goja.FunctionCall) goja.Value {
	alg := call.Argument(0).String()
	ctor := newHash(alg)
	if ctor == nil {
		cs.throw("Error", "ERR_OSSL_EVP_UNSUPPORTED", "Invalid digest: "+alg)
	}
	mac := hmac.New(ctor, cs.bytesArg(call.Argument(1)))
	mac.Write(cs.bytesArg(call.Argument(2)))
	return cs.vm.ToValue(cs.vm.NewArrayBuffer(mac.Sum(nil)))
}

func (cs *CapabilitySet) timingSafeEqual(call goja.FunctionCall) goja.Value {
	a, b := cs.bytesArg(call.Argument(0)), cs.bytesArg(call.Argument(1))
	if len(a) != len(b) {
		cs.throw("RangeError", "ERR_CRYPTO_TIMING_SAFE_EQUAL_LENGTH", "Input buffers must have the same byte length")
	}
	return cs.vm.ToValue(subtle.ConstantTimeCompare(a, b) == 1)
}

// ========== 定时器 ==========

func (cs *CapabilitySet) setTimer(call goja.FunctionCall) goja.Value {
	ms := call.Argument(0).ToFloat()
	if math.IsNaN(ms) || ms < 1 {
		ms = 1
	}
	repeat := call.Argument(1).ToBoolean()
	fn := cs.callableArg(call.Argument(2))
	id := cs.loop.SetTimer(time.Duration(ms*float64(time.Millisecond)), repeat, func() error {
		_, err := fn(goja.Undefined())
		return err
	})
	return cs.vm.ToValue(id)
}

func (cs *CapabilitySet) clearTimer(call goja.FunctionCall) goja.Value {
	cs.loop.ClearTimer(call.Argument(0).ToInteger())
	return goja.Undefined()
}

// ========== console 与计量 ==========

func (cs *CapabilitySet) console(call goja.FunctionCall) goja.Value {
	level := call.Argument(0).String()
	msg := call.Argument(1).String()
	cs.charge(int64(len(msg)))

	inv := cs.current()
	if limit := cs.binding.MaxConsoleEntries; limit > 0 && len(inv.logs) >= limit {
		inv.dropped++
		return goja.Undefined()
	}
	entry := domain.ConsoleEntry{Level: level, Message: msg, Timestamp: time.Now()}
	inv.logs = append(inv.logs, entry)
	if inv.sink != nil {
		inv.sink(entry)
	}
	return goja.Undefined()
}

func (cs *CapabilitySet) chargeJS(call goja.FunctionCall) goja.Value {
	cs.charge(call.Argument(0).ToInteger())
	return goja.Undefined()
}

func (cs *CapabilitySet) memoryUsage(goja.FunctionCall) goja.Value {
	obj := cs.vm.NewObject()
	used := cs.used.Load()
	obj.Set("used", used)
	obj.Set("limit", cs.binding.MemoryLimit)
	return obj
}

// ========== URL ==========

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
	"ftp":   "21",
}

// parseURL 解析绝对 URL（或相对 base 的 URL），非法输入返回 null。
func (cs *CapabilitySet) parseURL(call goja.FunctionCall) goja.Value {
	input := strings.TrimSpace(call.Argument(0).String())
	var u *url.URL
	var err error
	if b := call.Argument(1); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
		base, berr := url.Parse(strings.TrimSpace(b.String()))
		if berr != nil || base.Scheme == "" {
			return goja.Null()
		}
		u, err = base.Parse(input)
	} else {
		u, err = url.Parse(input)
	}
	if err != nil || u.Scheme == "" {
		return goja.Null()
	}
	scheme := strings.ToLower(u.Scheme)
	_, special := defaultPorts[scheme]
	if special && u.Host == "" {
		return goja.Null()
	}

	obj := cs.vm.NewObject()
	obj.Set("protocol", scheme+":")
	obj.Set("special", special || scheme == "file")
	if u.User != nil {
		obj.Set("username", u.User.Username())
		pw, _ := u.User.Password()
		obj.Set("password", pw)
	} else {
		obj.Set("username", "")
		obj.Set("password", "")
	}
	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}
	obj.Set("hostname", strings.ToLower(u.Hostname()))
	obj.Set("port", port)
	pathname := u.EscapedPath()
	if u.Opaque != "" {
		pathname = u.Opaque
	}
	if pathname == "" && (special || scheme == "file") {
		pathname = "/"
	}
	obj.Set("pathname", pathname)
	search := ""
	if u.RawQuery != "" {
		search = "?" + u.RawQuery
	}
	obj.Set("search", search)
	fragment := ""
	if f := u.EscapedFragment(); f != "" {
		fragment = "#" + f
	}
	obj.Set("hash", fragment)
	return obj
}

// ========== 响应 ==========

// deliver 记录处理函数的响应；同一调用只能发送一次。
func (cs *CapabilitySet) deliver(call goja.FunctionCall) goja.Value {
	inv := cs.current()
	if inv.response.Sent {
		cs.throw("Error", "ERR_HTTP_HEADERS_SENT", "Cannot set headers after they are sent to the client")
	}
	status := int(call.Argument(0).ToInteger())
	headers := make(map[string]string)
	if obj, ok := call.Argument(1).Export().(map[string]interface{}); ok {
		for k, v := range obj {
			headers[strings.ToLower(k)] = fmt.Sprint(v)
		}
	}
	body := append([]byte(nil), cs.bytesArg(call.Argument(2))...)
	kind := call.Argument(3).String()
	cs.charge(int64(len(body)))

	if headers["content-type"] == "" {
		if ct := contentTypeFor(kind, body); ct != "" {
			headers["content-type"] = ct
		}
	}
	inv.response = Response{Sent: true, Status: status, Headers: headers, Body: body}
	return goja.Undefined()
}

// contentTypeFor 为未显式设置 Content-Type 的响应推断类型。
// 对象或数组形式的 JSON 文本视为 application/json，使 res.json 与返回 JSON 字符串得到相同结果。
func contentTypeFor(kind string, body []byte) string {
	switch kind {
	case "json":
		return "application/json"
	case "bytes":
		return "application/octet-stream"
	case "text":
		trimmed := strings.TrimSpace(string(body))
		if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && json.Valid(body) {
			return "application/json"
		}
		if strings.HasPrefix(trimmed, "<") {
			return "text/html; charset=utf-8"
		}
		return "text/plain; charset=utf-8"
	}
	return ""
}

// ========== 参数辅助 ==========

// bytesArg 接受 ArrayBuffer、字节切片或字符串参数。
func (cs *CapabilitySet) bytesArg(v goja.Value) []byte {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	switch x := v.Export().(type) {
	case goja.ArrayBuffer:
		return x.Bytes()
	case []byte:
		return x
	case string:
		return []byte(x)
	}
	cs.throw("TypeError", "ERR_INVALID_ARG_TYPE", "expected an ArrayBuffer")
	return nil
}

func (cs *CapabilitySet) callableArg(v goja.Value) goja.Callable {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		cs.throw("TypeError", "ERR_INVALID_ARG_TYPE", "The \"callback\" argument must be of type function")
	}
	return fn
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// requestURL 返回 path + 查询串形式的 req.url。
func requestURL(req *domain.InvocationRequest) string {
	if len(req.Query) == 0 {
		return req.Path
	}
	return req.Path + "?" + url.Values(req.Query).Encode()
}
