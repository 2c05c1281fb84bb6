package ratelimit

import (
	"net/http"
	"net/netip"
	"strings"
)

// Trust modes describe which proxy headers carry the real client address.
const (
	TrustUnset      = "unset"
	TrustCloudflare = "cloudflare"
	TrustVercel     = "vercel"
	// TrustGenericForwarded falls back to X-Forwarded-For, which is spoofable
	// unless the reverse proxy in front overwrites it.
	TrustGenericForwarded = "generic-trust-forwarded"
)

// ResolveClientIP returns the client address for r under trustMode.
// Unknown modes and malformed header values resolve to nothing.
func ResolveClientIP(r *http.Request, trustMode string) (netip.Addr, bool) {
	switch trustMode {
	case TrustCloudflare:
		return parseIP(r.Header.Get("CF-Connecting-IP"))
	case TrustVercel:
		if ip, ok := parseIP(firstEntry(r.Header.Get("X-Vercel-Forwarded-For"))); ok {
			return ip, true
		}
		return parseIP(r.Header.Get("X-Real-IP"))
	case TrustGenericForwarded:
		if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
			return ip, true
		}
		return parseIP(firstEntry(r.Header.Get("X-Forwarded-For")))
	default:
		return netip.Addr{}, false
	}
}

func firstEntry(list string) string {
	first, _, _ := strings.Cut(list, ",")
	return first
}

func parseIP(value string) (netip.Addr, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(value)
	if err != nil || addr.Zone() != "" {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
