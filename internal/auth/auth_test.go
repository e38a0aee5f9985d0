package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oriys/edgejs/internal/domain"
)

func TestGenerateAPIKey(t *testing.T) {
	key, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	if !strings.HasPrefix(key, KeyPrefix) || len(hash) != 64 {
		t.Errorf("key = %q hash = %q", key, hash)
	}
	if HashAPIKey(key) != hash {
		t.Error("HashAPIKey() does not match generated hash")
	}
}

// TestStaticKeyStore_Verify 测试 API Key 按租户隔离校验。
func TestStaticKeyStore_Verify(t *testing.T) {
	store := NewStaticKeyStore(map[string][]string{
		"acme": {strings.ToUpper(HashAPIKey("ejs_good"))},
	})
	tests := []struct {
		name    string
		tenant  string
		key     string
		wantErr bool
	}{
		{"valid", "acme", "ejs_good", false},
		{"wrong key", "acme", "ejs_bad", true},
		{"other tenant", "globex", "ejs_good", true},
		{"missing", "acme", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Verify(context.Background(), tt.tenant, tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrUnauthorized) {
				t.Errorf("Verify() error = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestClientIPVerifier(t *testing.T) {
	v := NewClientIPVerifier("s3cret")
	token, err := v.Issue("203.0.113.7", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	ip, err := v.ClientIP(token)
	if err != nil || ip != "203.0.113.7" {
		t.Fatalf("ClientIP() = %q, %v", ip, err)
	}

	other := NewClientIPVerifier("different")
	if _, err := other.ClientIP(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ClientIP() with wrong secret error = %v", err)
	}
	expired, _ := v.Issue("203.0.113.7", -time.Minute)
	if _, err := v.ClientIP(expired); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ClientIP() with expired token error = %v", err)
	}
}

// TestMiddleware_Identify 测试可信令牌与对端地址回退。
func TestMiddleware_Identify(t *testing.T) {
	v := NewClientIPVerifier("s3cret")
	mw := NewMiddleware(v, "X-Edge-Client-Token", "X-Edge-Tenant", "X-API-Key")
	token, _ := v.Issue("198.51.100.9", time.Minute)

	tests := []struct {
		name        string
		token       string
		wantIP      string
		wantTrusted bool
	}{
		{"trusted token", token, "198.51.100.9", true},
		{"unsigned header ignored", "not-a-token", "192.0.2.1", false},
		{"no token", "", "192.0.2.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *Caller
			h := mw.Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetCaller(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "192.0.2.1:5555"
			req.Header.Set("X-Edge-Tenant", "acme")
			req.Header.Set("X-API-Key", "ejs_x")
			if tt.token != "" {
				req.Header.Set("X-Edge-Client-Token", tt.token)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			if got == nil {
				t.Fatal("caller not set")
			}
			if got.ClientIP != tt.wantIP || got.Trusted != tt.wantTrusted {
				t.Errorf("caller = %+v", got)
			}
			if got.TenantID != "acme" || got.APIKey != "ejs_x" {
				t.Errorf("tenant/key = %q/%q", got.TenantID, got.APIKey)
			}
		})
	}
}
