// Package netfilter implements the injected network/IP-ACL filter consulted
// by the UDP proxy pool before allocating a worker for a new destination
// (spec: "no policy/ACL engine beyond delegating to an injected network
// filter").
package netfilter

import (
	"fmt"
	"net"
	"sort"
)

// Filter decides whether traffic to an IP/port is allowed to leave through
// the proxy pool.
type Filter interface {
	Allowed(ip net.IP, port int) (allow bool, matched *Rule)
}

// Rule matches a CIDR range and an optional set of ports.
type Rule struct {
	ipNet *net.IPNet
	ports []int
	allow bool
}

// NewRule builds a Rule from an already-parsed CIDR. Ports are validated to
// be in [1, 65535] and sorted for binary search.
func NewRule(ipnet *net.IPNet, ports []int, allow bool) (Rule, error) {
	rule := Rule{
		ipNet: ipnet,
		ports: ports,
		allow: allow,
	}
	return rule, rule.validate()
}

// NewRuleByCIDR parses prefix as a CIDR and builds a Rule from it.
func NewRuleByCIDR(prefix string, ports []int, allow bool) (Rule, error) {
	if len(prefix) == 0 {
		return Rule{}, fmt.Errorf("no prefix provided")
	}
	_, ipnet, err := net.ParseCIDR(prefix)
	if err != nil {
		return Rule{}, fmt.Errorf("unable to parse cidr: %s", prefix)
	}
	return NewRule(ipnet, ports, allow)
}

func (r *Rule) validate() error {
	if r.ipNet == nil {
		return fmt.Errorf("no ipnet set on the rule")
	}
	if len(r.ports) > 0 {
		sort.Ints(r.ports)
		for _, port := range r.ports {
			if port < 1 || port > 65535 {
				return fmt.Errorf("invalid port %d, needs to be between 1 and 65535", port)
			}
		}
	}
	return nil
}

func (r *Rule) String() string {
	return fmt.Sprintf("prefix:%s/port:%s/allow:%t", r.ipNet, r.portsString(), r.allow)
}

func (r *Rule) portsString() string {
	if len(r.ports) > 0 {
		return fmt.Sprint(r.ports)
	}
	return "all"
}

// Policy is a Filter implementation that evaluates rules in order and falls
// back to defaultAllow when none match.
type Policy struct {
	defaultAllow bool
	rules        []Rule
}

// NewPolicy builds a Policy, validating every rule up front.
func NewPolicy(defaultAllow bool, rules []Rule) (*Policy, error) {
	for _, rule := range rules {
		if err := rule.validate(); err != nil {
			return nil, err
		}
	}
	return &Policy{defaultAllow: defaultAllow, rules: rules}, nil
}

// Allowed reports whether ip:port is allowed to be proxied, and which rule
// (if any) decided the outcome.
func (p *Policy) Allowed(ip net.IP, port int) (allow bool, matched *Rule) {
	if len(p.rules) == 0 {
		return p.defaultAllow, nil
	}
	for i := range p.rules {
		rule := &p.rules[i]
		if !rule.ipNet.Contains(ip) {
			continue
		}
		if len(rule.ports) == 0 {
			return rule.allow, rule
		}
		pos := sort.SearchInts(rule.ports, port)
		if pos < len(rule.ports) && rule.ports[pos] == port {
			return rule.allow, rule
		}
	}
	return p.defaultAllow, nil
}

// AllowAll is a Filter that permits every destination; it is the default
// when no filter is configured, matching the spec's description of the
// filter as optional policy delegated by the pool, not enforced by it.
type AllowAll struct{}

func (AllowAll) Allowed(net.IP, int) (bool, *Rule) { return true, nil }
