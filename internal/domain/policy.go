package domain

import (
	"fmt"
	"net"
	"strings"
)

// RuleAction 是网络策略规则的动作。
type RuleAction string

// 规则动作常量
const (
	RuleAllow RuleAction = "allow"
	RuleDeny  RuleAction = "deny"
)

// RuleTarget 是网络策略规则的目标类型。
type RuleTarget string

// 规则目标类型常量
const (
	TargetIP     RuleTarget = "ip"
	TargetCIDR   RuleTarget = "cidr"
	TargetDomain RuleTarget = "domain"
)

// NetworkRule 是租户的一条出站网络规则。
// 规则按 Priority 升序评估，首个命中的规则决定结果。
type NetworkRule struct {
	ID       string     `json:"id,omitempty" yaml:"id,omitempty"`
	TenantID string     `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Action   RuleAction `json:"action" yaml:"action"`
	Type     RuleTarget `json:"type" yaml:"type"`
	Target   string     `json:"target" yaml:"target"`
	Priority int        `json:"priority" yaml:"priority"`
}

// Validate 校验规则格式。
func (r NetworkRule) Validate() error {
	if r.Action != RuleAllow && r.Action != RuleDeny {
		return fmt.Errorf("%w: action %q", ErrInvalidNetworkRule, r.Action)
	}
	switch r.Type {
	case TargetIP:
		if net.ParseIP(r.Target) == nil {
			return fmt.Errorf("%w: ip %q", ErrInvalidNetworkRule, r.Target)
		}
	case TargetCIDR:
		if _, _, err := net.ParseCIDR(r.Target); err != nil {
			return fmt.Errorf("%w: cidr %q", ErrInvalidNetworkRule, r.Target)
		}
	case TargetDomain:
		t := strings.TrimPrefix(r.Target, "*.")
		if t == "" || strings.Contains(t, "*") {
			return fmt.Errorf("%w: domain %q", ErrInvalidNetworkRule, r.Target)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidNetworkRule, r.Type)
	}
	return nil
}

// Decision 是一次网络策略检查的结果。
type Decision struct {
	Allowed bool
	// Rule 命中的规则，走默认策略时为 nil
	Rule *NetworkRule
	// Reason 便于日志展示的判定说明
	Reason string
}
