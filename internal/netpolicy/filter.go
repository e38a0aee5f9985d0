// Package netpolicy 实现租户级出站网络策略。
// 所有可联网的能力（fetch、net.connect、dns）在发起任何网络调用前都经过 Filter 判定。
package netpolicy

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Resolver 解析主机名，net.DefaultResolver 满足该接口。
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Filter 按优先级升序评估租户规则，首个命中的规则决定结果。
// 租户没有任何规则时使用默认策略，存在规则但都未命中时拒绝。
type Filter struct {
	source       RuleSource
	resolver     Resolver
	defaultAllow bool
	logger       *logrus.Logger
	metrics      *metrics.Metrics
}

// NewFilter 创建策略过滤器。resolver 为 nil 时使用 net.DefaultResolver。
func NewFilter(source RuleSource, resolver Resolver, defaultAllow bool, logger *logrus.Logger, m *metrics.Metrics) *Filter {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Filter{
		source:       source,
		resolver:     resolver,
		defaultAllow: defaultAllow,
		logger:       logger,
		metrics:      m,
	}
}

// Check 判定租户能否连接 destination（host 或 host:port）。
// 只有规则读取失败时返回 error，此时判定结果为拒绝。
func (f *Filter) Check(ctx context.Context, tenantID, destination string) (domain.Decision, error) {
	d, _, err := f.evaluate(ctx, tenantID, hostOf(destination), nil)
	return d, err
}

// Enforce 与 Check 相同，但拒绝时返回包装了 domain.ErrNetworkPolicyViolation 的错误。
func (f *Filter) Enforce(ctx context.Context, tenantID, destination string) error {
	d, err := f.Check(ctx, tenantID, destination)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return violation(destination, d)
	}
	return nil
}

func violation(destination string, d domain.Decision) error {
	return domain.NewError(domain.KindNetworkPolicyViolation,
		fmt.Sprintf("connection to %s blocked by network policy (%s)", destination, d.Reason),
		domain.ErrNetworkPolicyViolation)
}

// evaluate 返回判定结果，以及判定过程中解析得到的地址（未解析时为 nil）。
// known 非空时地址规则直接使用这些地址，不再解析。
func (f *Filter) evaluate(ctx context.Context, tenantID, host string, known []net.IP) (domain.Decision, []net.IP, error) {
	rules, err := f.source.Rules(ctx, tenantID)
	if err != nil {
		f.logger.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"error":     err.Error(),
		}).Error("Failed to load network rules")
		f.metrics.RecordPolicyDecision(false)
		return domain.Decision{Allowed: false, Reason: "rule lookup failed"}, nil, err
	}

	var d domain.Decision
	var resolved []net.IP
	if len(rules) == 0 {
		d = domain.Decision{Allowed: f.defaultAllow, Reason: "default policy"}
	} else {
		d, resolved = f.match(ctx, rules, host, known)
	}

	f.metrics.RecordPolicyDecision(d.Allowed)
	f.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"host":      host,
		"allowed":   d.Allowed,
		"reason":    d.Reason,
	}).Debug("Network policy decision")
	return d, resolved, nil
}

// match 按优先级评估规则。评估到 ip/cidr 规则而主机无法解析出地址时直接拒绝，
// 否则地址规则无法命中，判定会落到后面的规则上。
func (f *Filter) match(ctx context.Context, rules []domain.NetworkRule, host string, known []net.IP) (domain.Decision, []net.IP) {
	sorted := append([]domain.NetworkRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	literal := net.ParseIP(host)
	ips := known
	if literal != nil {
		ips = []net.IP{literal}
	}
	resolved := len(ips) > 0
	var lookupErr error
	addresses := func() []net.IP {
		if !resolved {
			resolved = true
			addrs, err := f.resolver.LookupIPAddr(ctx, host)
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			if err == nil && len(ips) == 0 {
				err = fmt.Errorf("no addresses for %s", host)
			}
			lookupErr = err
		}
		return ips
	}

	for i := range sorted {
		r := sorted[i]
		hit := false
		switch r.Type {
		case domain.TargetDomain:
			hit = literal == nil && matchDomain(r.Target, host)
		case domain.TargetIP, domain.TargetCIDR:
			addrs := addresses()
			if len(addrs) == 0 {
				f.logger.WithField("host", host).WithError(lookupErr).Debug("Policy lookup failed, denying")
				return domain.Decision{
					Allowed: false,
					Rule:    &r,
					Reason:  fmt.Sprintf("cannot resolve %s to check %s %s", host, r.Type, r.Target),
				}, nil
			}
			hit = matchAddress(r, addrs)
		}
		if hit {
			return domain.Decision{
				Allowed: r.Action == domain.RuleAllow,
				Rule:    &r,
				Reason:  fmt.Sprintf("%s %s %s", r.Action, r.Type, r.Target),
			}, ips
		}
	}
	return domain.Decision{Allowed: false, Reason: "no rule matched"}, ips
}

func matchAddress(r domain.NetworkRule, addrs []net.IP) bool {
	if r.Type == domain.TargetIP {
		want := net.ParseIP(r.Target)
		for _, ip := range addrs {
			if ip.Equal(want) {
				return true
			}
		}
		return false
	}
	_, network, err := net.ParseCIDR(r.Target)
	if err != nil {
		return false
	}
	for _, ip := range addrs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// matchDomain 匹配精确域名或单个前导通配符；*.example.com 匹配其任意子域，不匹配 example.com 本身。
func matchDomain(pattern, host string) bool {
	pattern = strings.TrimSuffix(strings.ToLower(pattern), ".")
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
	}
	return host == pattern
}

// hostOf 从 host、host:port 或 [v6]:port 中取出规范化的主机名。
func hostOf(destination string) string {
	host := destination
	if h, _, err := net.SplitHostPort(destination); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	return strings.ToLower(host)
}

// Dialer 返回受策略约束的 DialContext：先判定再解析和连接，
// 并且只连接经过判定的地址。
func (f *Filter) Dialer(tenantID string, base *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if base == nil {
		base = &net.Dialer{}
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := f.allowedAddresses(ctx, tenantID, addr, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := base.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

// LookupHost 在策略允许时解析主机名，供 dns 能力使用。
func (f *Filter) LookupHost(ctx context.Context, tenantID, host string) ([]net.IP, error) {
	return f.allowedAddresses(ctx, tenantID, host, host)
}

// allowedAddresses 判定 host 并返回允许使用的地址。判定时未解析地址的，
// 解析后用这些地址重新判定，连接只使用判定过的地址。
func (f *Filter) allowedAddresses(ctx context.Context, tenantID, destination, host string) ([]net.IP, error) {
	name := hostOf(host)
	d, ips, err := f.evaluate(ctx, tenantID, name, nil)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, violation(destination, d)
	}
	if len(ips) > 0 {
		return ips, nil
	}
	if literal := net.ParseIP(name); literal != nil {
		return []net.IP{literal}, nil
	}

	addrs, err := f.resolver.LookupIPAddr(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", name)
	}
	if d, _, err = f.evaluate(ctx, tenantID, name, ips); err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, violation(destination, d)
	}
	return ips, nil
}
