package auth

import (
	"errors"
	"net"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 定义令牌相关的错误类型
var (
	// ErrInvalidToken 表示提供的令牌无效、签名不符或已过期
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenNotConfigured 表示未配置令牌密钥
	ErrTokenNotConfigured = errors.New("client ip token secret not configured")
)

// ClientIPClaims 是上游代理签发的可信客户端 IP 令牌声明。
type ClientIPClaims struct {
	// IP 经上游验证的真实客户端地址
	IP string `json:"ip"`
	jwt.RegisteredClaims
}

// ClientIPVerifier 负责签发与验证客户端 IP 令牌（HS256）。
type ClientIPVerifier struct {
	secret []byte
}

// NewClientIPVerifier 创建验证器；secret 为空时所有令牌都视为不可验证。
func NewClientIPVerifier(secret string) *ClientIPVerifier {
	return &ClientIPVerifier{secret: []byte(secret)}
}

// Issue 为 ip 签发有效期为 ttl 的令牌，供上游代理与测试使用。
func (v *ClientIPVerifier) Issue(ip string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrTokenNotConfigured
	}
	now := time.Now()
	claims := &ClientIPClaims{
		IP: ip,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ClientIP 验证令牌并返回其中的客户端地址。
// 只接受 HS256 签名，且 ip 声明必须是合法的 IP 地址。
func (v *ClientIPVerifier) ClientIP(tokenStr string) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrTokenNotConfigured
	}
	token, err := jwt.ParseWithClaims(tokenStr, &ClientIPClaims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*ClientIPClaims)
	if !ok || !token.Valid || net.ParseIP(claims.IP) == nil {
		return "", ErrInvalidToken
	}
	return claims.IP, nil
}
