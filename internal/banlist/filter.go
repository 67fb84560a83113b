package banlist

import (
	"fmt"
	"net/netip"
	"strings"
)

// Decision is the subset of a CrowdSec LAPI decision the ban list acts on.
type Decision struct {
	Origin   string
	Scenario string
	Scope    string
	Type     string
	Value    string
	Duration string
}

// SkipReason is returned by filters when a decision should not enter the list.
type SkipReason struct {
	Filter string
	Detail string
}

func (s *SkipReason) Error() string {
	return fmt.Sprintf("%s: %s", s.Filter, s.Detail)
}

// Filter evaluates a decision and returns nil to pass or a SkipReason to reject.
type Filter func(d *Decision) *SkipReason

// Pipeline chains multiple filters. Returns the first SkipReason encountered, or nil if all pass.
func Pipeline(filters []Filter, d *Decision) *SkipReason {
	for _, f := range filters {
		if reason := f(d); reason != nil {
			return reason
		}
	}
	return nil
}

// ScopeAllow passes only decisions with one of the listed scopes (case-insensitive).
func ScopeAllow(allowed ...string) Filter {
	return oneOf("scope", func(d *Decision) string { return d.Scope }, allowed)
}

// TypeAllow passes only decisions of the listed remediation types. Captcha
// and throttle decisions have no meaning for a guestbook.
func TypeAllow(allowed ...string) Filter {
	return oneOf("type", func(d *Decision) string { return d.Type }, allowed)
}

// oneOf builds a case-insensitive allow-list filter over one decision field.
func oneOf(field string, get func(*Decision) string, allowed []string) Filter {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[strings.ToLower(a)] = struct{}{}
	}
	return func(d *Decision) *SkipReason {
		v := get(d)
		if _, ok := set[strings.ToLower(v)]; !ok {
			return &SkipReason{field, fmt.Sprintf("%s=%s not in allowed set", field, v)}
		}
		return nil
	}
}

// ValueRequired rejects decisions whose value is not a parseable IP.
func ValueRequired() Filter {
	return func(d *Decision) *SkipReason {
		if strings.TrimSpace(d.Value) == "" {
			return &SkipReason{"value", "empty value"}
		}
		if normalize(d.Value) == "" {
			return &SkipReason{"value", fmt.Sprintf("value=%s is not an IP", d.Value)}
		}
		return nil
	}
}

// PrivateIPReject rejects decisions targeting private or reserved ranges. A
// banned proxy address would block every visitor behind it.
func PrivateIPReject() Filter {
	return func(d *Decision) *SkipReason {
		if IsPrivate(d.Value) {
			return &SkipReason{"private-ip", fmt.Sprintf("ip=%s is private/reserved", d.Value)}
		}
		return nil
	}
}

// WhitelistFilter returns a Filter that skips decisions whose IP falls within
// any of the provided prefixes. Call it conditionally (only when prefixes is
// non-empty) so the hot path has zero overhead when no whitelist is configured.
func WhitelistFilter(prefixes []netip.Prefix) Filter {
	return func(d *Decision) *SkipReason {
		addr, err := netip.ParseAddr(stripCIDR(d.Value))
		if err != nil {
			return nil // unparseable, ValueRequired handles it
		}
		addr = addr.Unmap()
		for _, pfx := range prefixes {
			if pfx.Contains(addr) {
				return &SkipReason{Filter: "whitelist", Detail: fmt.Sprintf("ip=%s matches %s", d.Value, pfx)}
			}
		}
		return nil
	}
}
