package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_RecordAndExpose(t *testing.T) {
	m := NewMetrics("edgejs_test")
	m.RecordInvocation("hello", "acme", "", 12, true)
	m.RecordInvocation("hello", "acme", "IsolateTimeout", 3000, false)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordPolicyDecision(false)
	m.UpdatePoolStats(3, 1, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`edgejs_test_invocations_total{function_id="hello",status="success",tenant_id="acme"} 1`,
		`edgejs_test_invocation_errors_total{error_kind="IsolateTimeout",function_id="hello"} 1`,
		`edgejs_test_package_cache_hits_total 1`,
		`edgejs_test_network_policy_decisions_total{decision="deny"} 1`,
		`edgejs_test_contexts_live 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

// TestMetrics_NilSafe 测试 nil 接收者不会 panic。
func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordInvocation("f", "t", "", 1, false)
	m.RecordStart("f", true)
	m.RecordKVOperation("get", "ok", 1)
	m.UpdatePoolStats(0, 0, 0)
}

// TestNewMetrics_Independent 测试多次创建不会重复注册冲突。
func TestNewMetrics_Independent(t *testing.T) {
	a := NewMetrics("edgejs_a")
	b := NewMetrics("edgejs_a")
	if a.Registry() == b.Registry() {
		t.Error("expected independent registries")
	}
}
