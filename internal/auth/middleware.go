package auth

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey string

// CallerContextKey 是请求上下文中存放调用方信息的键。
const CallerContextKey contextKey = "caller"

// Caller 是从入站请求中提取的调用方信息。
type Caller struct {
	// TenantID 租户标识
	TenantID string
	// APIKey 调用方提供的 API Key（未校验）
	APIKey string
	// ClientIP 客户端地址
	ClientIP string
	// Trusted 表示 ClientIP 是否来自已验证的上游令牌
	Trusted bool
}

// Middleware 提取调用方身份：租户、API Key 与客户端地址。
// API Key 的校验发生在引擎内部，这里只负责提取。
type Middleware struct {
	verifier     *ClientIPVerifier
	tokenHeader  string
	tenantHeader string
	apiKeyHeader string
}

// NewMiddleware 创建中间件。
// 参数:
//   - verifier: 客户端 IP 令牌验证器
//   - tokenHeader: 携带令牌的请求头
//   - tenantHeader: 携带租户 ID 的请求头
//   - apiKeyHeader: 携带 API Key 的请求头
func NewMiddleware(verifier *ClientIPVerifier, tokenHeader, tenantHeader, apiKeyHeader string) *Middleware {
	return &Middleware{
		verifier:     verifier,
		tokenHeader:  tokenHeader,
		tenantHeader: tenantHeader,
		apiKeyHeader: apiKeyHeader,
	}
}

// Identify 是 HTTP 中间件，将 Caller 写入请求上下文。
// 令牌缺失或无法验证时回退到对端地址，绝不信任未签名的转发头。
func (m *Middleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := &Caller{
			TenantID: strings.TrimSpace(r.Header.Get(m.tenantHeader)),
			APIKey:   apiKeyFrom(r, m.apiKeyHeader),
			ClientIP: peerIP(r.RemoteAddr),
		}
		if token := r.Header.Get(m.tokenHeader); token != "" && m.verifier != nil {
			if ip, err := m.verifier.ClientIP(token); err == nil {
				caller.ClientIP = ip
				caller.Trusted = true
			}
		}
		ctx := context.WithValue(r.Context(), CallerContextKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCaller 从请求上下文中取出调用方信息，未经过中间件时返回 nil。
func GetCaller(ctx context.Context) *Caller {
	if c, ok := ctx.Value(CallerContextKey).(*Caller); ok {
		return c
	}
	return nil
}

func apiKeyFrom(r *http.Request, header string) string {
	if k := r.Header.Get(header); k != "" {
		return k
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
