// Package identity derives the client identity used for rate limiting and
// IP-based reservation ownership, and holds the legacy IP-hash shim.
package identity

import (
	"crypto/sha1"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the address a request is attributed to: the first element
// of X-Forwarded-For, then X-Real-IP, then the peer address. Forwarded headers
// are ignored unless trustForwarded is set.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip := strings.TrimSpace(part); ip != "" {
					return normalize(ip)
				}
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return normalize(xrip)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return normalize(r.RemoteAddr)
	}
	return normalize(host)
}

// normalize unmaps IPv4-in-IPv6 addresses and canonicalises the textual form.
// Values that do not parse are returned trimmed but otherwise untouched.
func normalize(ip string) string {
	ip = strings.TrimSpace(ip)
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().String()
}

// Hash returns the legacy stored form of an IP: lowercase hex SHA-1.
func Hash(ip string) string {
	sum := sha1.Sum([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// Matches reports whether a stored identity refers to ip. Older records hold
// Hash(ip) instead of the raw address; both forms are accepted so those
// records keep working without a migration. This is a compatibility shim, not
// a security boundary.
func Matches(stored, ip string) bool {
	if stored == "" || ip == "" {
		return false
	}
	return stored == ip || stored == Hash(ip)
}

// Sanitize turns an IP into a value safe for use as a file name or bbolt key.
// The CIDR suffix is stripped and anything outside [0-9A-Za-z._-] becomes '_'.
func Sanitize(ip string) string {
	if idx := strings.IndexByte(ip, '/'); idx != -1 {
		ip = ip[:idx]
	}
	ip = strings.TrimSpace(ip)
	if ip == "" || ip == "." || ip == ".." {
		return "unknown"
	}
	out := make([]byte, len(ip))
	for i := 0; i < len(ip); i++ {
		c := ip[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '.', c == '-':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
