package banlist

import (
	"net/netip"
	"strings"
)

// Private and reserved IP ranges that are never banned.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),     // RFC1918 Class A
	netip.MustParsePrefix("172.16.0.0/12"),  // RFC1918 Class B
	netip.MustParsePrefix("192.168.0.0/16"), // RFC1918 Class C
	netip.MustParsePrefix("127.0.0.0/8"),    // Loopback
	netip.MustParsePrefix("169.254.0.0/16"), // Link-local (RFC3927)
	netip.MustParsePrefix("0.0.0.0/8"),      // This network
	netip.MustParsePrefix("100.64.0.0/10"),  // CGNAT (RFC6598)
	netip.MustParsePrefix("::1/128"),        // IPv6 loopback
	netip.MustParsePrefix("fe80::/10"),      // IPv6 link-local
	netip.MustParsePrefix("fc00::/7"),       // IPv6 unique local (RFC4193)
}

// IsPrivate returns true if the IP address falls within a private or reserved range.
// Accepts bare IPs or CIDR notation (the prefix length is stripped before checking).
func IsPrivate(ipStr string) bool {
	addr, err := netip.ParseAddr(stripCIDR(ipStr))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range privateRanges {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func stripCIDR(s string) string {
	if idx := strings.IndexByte(s, '/'); idx != -1 {
		return s[:idx]
	}
	return s
}

// normalize returns the canonical text form of an IP, or "" when s is not one.
func normalize(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(stripCIDR(s)))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
