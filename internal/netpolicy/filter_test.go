package netpolicy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/sirupsen/logrus"
)

type fakeResolver map[string][]string

func (r fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	list, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(list))
	for _, s := range list {
		out = append(out, net.IPAddr{IP: net.ParseIP(s)})
	}
	return out, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestFilter_Check(t *testing.T) {
	src, err := NewStaticSource(map[string][]domain.NetworkRule{
		"acme": {
			{Action: domain.RuleDeny, Type: domain.TargetDomain, Target: "evil.example.com", Priority: 10},
			{Action: domain.RuleAllow, Type: domain.TargetDomain, Target: "*.example.com", Priority: 20},
			{Action: domain.RuleDeny, Type: domain.TargetCIDR, Target: "10.0.0.0/8", Priority: 30},
			{Action: domain.RuleAllow, Type: domain.TargetIP, Target: "192.0.2.10", Priority: 40},
		},
	})
	if err != nil {
		t.Fatalf("NewStaticSource() error = %v", err)
	}
	resolver := fakeResolver{
		"internal.corp":   {"10.1.2.3"},
		"partner.net":     {"192.0.2.10"},
		"unknown.org":     {"198.51.100.1"},
		"api.example.com": {"10.9.9.9"},
	}
	f := NewFilter(src, resolver, true, quietLogger(), nil)

	tests := []struct {
		name        string
		tenant      string
		destination string
		want        bool
	}{
		{"wildcard subdomain", "acme", "api.example.com:443", true},
		{"wildcard nested subdomain", "acme", "a.b.example.com", true},
		{"wildcard does not match apex", "acme", "example.com", false},
		{"higher priority deny wins", "acme", "evil.example.com", false},
		{"cidr via resolution", "acme", "internal.corp:80", false},
		{"ip literal in cidr", "acme", "10.0.0.1", false},
		{"ip rule via resolution", "acme", "partner.net", true},
		{"ipv6 literal no match", "acme", "[2001:db8::1]:443", false},
		{"no match with rules denies", "acme", "unknown.org", false},
		{"tenant without rules uses default", "globex", "anything.io", true},
		{"case and trailing dot", "acme", "API.Example.COM.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := f.Check(context.Background(), tt.tenant, tt.destination)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if d.Allowed != tt.want {
				t.Errorf("Check(%q) = %+v, want allowed=%v", tt.destination, d, tt.want)
			}
		})
	}
}

func TestFilter_DefaultDenyPolicy(t *testing.T) {
	src, _ := NewStaticSource(nil)
	f := NewFilter(src, fakeResolver{}, false, quietLogger(), nil)

	err := f.Enforce(context.Background(), "acme", "example.com")
	if !errors.Is(err, domain.ErrNetworkPolicyViolation) {
		t.Fatalf("Enforce() error = %v, want ErrNetworkPolicyViolation", err)
	}
	if domain.KindOf(err) != domain.KindNetworkPolicyViolation {
		t.Errorf("KindOf() = %v", domain.KindOf(err))
	}
}

func TestFilter_PriorityStable(t *testing.T) {
	src, _ := NewStaticSource(map[string][]domain.NetworkRule{
		"acme": {
			{Action: domain.RuleAllow, Type: domain.TargetDomain, Target: "a.io", Priority: 5},
			{Action: domain.RuleDeny, Type: domain.TargetDomain, Target: "a.io", Priority: 5},
		},
	})
	f := NewFilter(src, fakeResolver{}, true, quietLogger(), nil)
	d, _ := f.Check(context.Background(), "acme", "a.io")
	if !d.Allowed || d.Rule == nil || d.Rule.Action != domain.RuleAllow {
		t.Errorf("Check() = %+v, want first rule of equal priority", d)
	}
}

func TestNewStaticSource_Invalid(t *testing.T) {
	_, err := NewStaticSource(map[string][]domain.NetworkRule{
		"acme": {{Action: domain.RuleAllow, Type: domain.TargetCIDR, Target: "not-a-cidr"}},
	})
	if !errors.Is(err, domain.ErrInvalidNetworkRule) {
		t.Errorf("NewStaticSource() error = %v", err)
	}
}

// TestPostgresSource_CachesRules 测试数据库规则读取、非法行跳过与 TTL 缓存。
func TestPostgresSource_CachesRules(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "action", "target_type", "target", "priority"}).
		AddRow("r1", "allow", "domain", "*.example.com", 10).
		AddRow("r2", "deny", "cidr", "bogus", 20)
	mock.ExpectQuery("SELECT id, action, target_type, target, priority FROM network_rules").
		WithArgs("acme").
		WillReturnRows(rows)

	src := NewPostgresSource(db, time.Minute, quietLogger())
	rules, err := src.Rules(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "r1" || rules[0].Type != domain.TargetDomain {
		t.Fatalf("rules = %+v", rules)
	}
	if _, err := src.Rules(context.Background(), "acme"); err != nil {
		t.Fatalf("cached Rules() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresSource_QueryErrorDenies(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	mock.ExpectQuery("SELECT id").WithArgs("acme").WillReturnError(errors.New("connection reset"))

	f := NewFilter(NewPostgresSource(db, time.Minute, quietLogger()), fakeResolver{}, true, quietLogger(), nil)
	d, err := f.Check(context.Background(), "acme", "example.com")
	if !errors.Is(err, domain.ErrStorageQuery) || d.Allowed {
		t.Errorf("Check() = %+v, %v", d, err)
	}
}

// TestFilter_Dialer 测试受策略约束的拨号器。
func TestFilter_Dialer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()
	_, port, _ := net.SplitHostPort(srv.Listener.Addr().String())

	src, _ := NewStaticSource(map[string][]domain.NetworkRule{
		"acme": {{Action: domain.RuleAllow, Type: domain.TargetDomain, Target: "local.test", Priority: 1}},
	})
	f := NewFilter(src, fakeResolver{"local.test": {"127.0.0.1"}}, true, quietLogger(), nil)
	client := &http.Client{Transport: &http.Transport{DialContext: f.Dialer("acme", nil)}}

	resp, err := client.Get("http://local.test:" + port + "/")
	if err != nil {
		t.Fatalf("allowed request error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}

	_, err = client.Get(srv.URL)
	if !errors.Is(err, domain.ErrNetworkPolicyViolation) {
		t.Errorf("denied request error = %v, want ErrNetworkPolicyViolation", err)
	}
}

func TestFilter_LookupHost(t *testing.T) {
	src, _ := NewStaticSource(map[string][]domain.NetworkRule{
		"acme": {{Action: domain.RuleAllow, Type: domain.TargetDomain, Target: "ok.test", Priority: 1}},
	})
	f := NewFilter(src, fakeResolver{"ok.test": {"192.0.2.1"}, "no.test": {"192.0.2.2"}}, true, quietLogger(), nil)

	ips, err := f.LookupHost(context.Background(), "acme", "ok.test")
	if err != nil || len(ips) != 1 || ips[0].String() != "192.0.2.1" {
		t.Errorf("LookupHost() = %v, %v", ips, err)
	}
	if _, err := f.LookupHost(context.Background(), "acme", "no.test"); !errors.Is(err, domain.ErrNetworkPolicyViolation) {
		t.Errorf("LookupHost() denied error = %v", err)
	}
}

func TestFilter_WildcardDenyBeatsLowerPriorityAllow(t *testing.T) {
	src, _ := NewStaticSource(map[string][]domain.NetworkRule{
		"acme": {
			{Action: domain.RuleDeny, Type: domain.TargetDomain, Target: "*.evil.com", Priority: 1},
			{Action: domain.RuleAllow, Type: domain.TargetDomain, Target: "sub.evil.com", Priority: 2},
		},
	})
	f := NewFilter(src, fakeResolver{}, true, quietLogger(), nil)

	d, err := f.Check(context.Background(), "acme", "sub.evil.com")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d.Allowed || d.Rule == nil || d.Rule.Priority != 1 {
		t.Errorf("Check(sub.evil.com) = %+v, want deny by *.evil.com", d)
	}
}

// failOnceResolver 第一次解析失败，之后返回固定地址。
type failOnceResolver struct {
	mu    sync.Mutex
	calls int
	ip    string
}

func (r *failOnceResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls == 1 {
		return nil, &net.DNSError{Err: "server misbehaving", Name: host, IsTemporary: true}
	}
	return []net.IPAddr{{IP: net.ParseIP(r.ip)}}, nil
}

func TestFilter_UnresolvedHostFailsClosed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, "reached")
	}))
	defer srv.Close()
	_, port, _ := net.SplitHostPort(srv.Listener.Addr().String())

	rules := map[string][]domain.NetworkRule{
		"acme": {
			{Action: domain.RuleDeny, Type: domain.TargetCIDR, Target: "127.0.0.0/8", Priority: 1},
			{Action: domain.RuleAllow, Type: domain.TargetDomain, Target: "*.example.com", Priority: 2},
		},
	}

	t.Run("dialer", func(t *testing.T) {
		src, _ := NewStaticSource(rules)
		f := NewFilter(src, &failOnceResolver{ip: "127.0.0.1"}, true, quietLogger(), nil)
		client := &http.Client{Transport: &http.Transport{DialContext: f.Dialer("acme", nil)}}

		_, err := client.Get("http://api.example.com:" + port + "/")
		if !errors.Is(err, domain.ErrNetworkPolicyViolation) {
			t.Errorf("request error = %v, want ErrNetworkPolicyViolation", err)
		}
		if hits.Load() != 0 {
			t.Errorf("server reached %d times", hits.Load())
		}
	})

	t.Run("lookup", func(t *testing.T) {
		src, _ := NewStaticSource(rules)
		f := NewFilter(src, &failOnceResolver{ip: "127.0.0.1"}, true, quietLogger(), nil)
		if ips, err := f.LookupHost(context.Background(), "acme", "api.example.com"); !errors.Is(err, domain.ErrNetworkPolicyViolation) {
			t.Errorf("LookupHost() = %v, %v, want ErrNetworkPolicyViolation", ips, err)
		}
	})

	t.Run("resolved address still checked", func(t *testing.T) {
		src, _ := NewStaticSource(rules)
		f := NewFilter(src, fakeResolver{"api.example.com": {"127.0.0.1"}}, true, quietLogger(), nil)
		d, err := f.Check(context.Background(), "acme", "api.example.com")
		if err != nil || d.Allowed {
			t.Errorf("Check() = %+v, %v, want deny by cidr", d, err)
		}
	})
}
