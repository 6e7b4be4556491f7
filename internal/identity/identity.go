// Package identity derives a stable client identity from an HTTP request.
// The identity is an IP plus an optional User-Agent, reduced to a short
// fingerprint that keys every per-client record in Redis.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gatewarden/gatewarden/internal/config"
)

// fingerprintLen is the number of hex characters kept from the SHA-256
// digest. 16 chars (64 bits) is collision-safe at realistic client counts
// while keeping Redis keys short.
const fingerprintLen = 16

// Identity describes one client as seen by the gateway.
type Identity struct {
	IP          string
	UserAgent   string
	Fingerprint string
}

// Resolver extracts client identities from requests.
type Resolver struct {
	includeUA      bool
	trustedProxies []*net.IPNet
}

// NewResolver builds a Resolver from configuration. TrustedProxies entries
// must be valid CIDR ranges; a bare IP is accepted and treated as a /32
// (or /128 for IPv6).
func NewResolver(cfg config.IdentityConfig) (*Resolver, error) {
	r := &Resolver{includeUA: cfg.IncludeUserAgentEnabled()}

	for _, cidr := range cfg.TrustedProxies {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if !strings.Contains(cidr, "/") {
			if strings.Contains(cidr, ":") {
				cidr += "/128"
			} else {
				cidr += "/32"
			}
		}
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy range %q: %w", cidr, err)
		}
		r.trustedProxies = append(r.trustedProxies, block)
	}

	return r, nil
}

// Resolve returns the client identity for req. Proxy headers are consulted
// in priority order (X-Forwarded-For first entry, X-Real-IP, X-Client-IP)
// and RemoteAddr is the final fallback; a request with no resolvable address
// lands in a shared "unknown" bucket rather than failing. When trusted proxy
// ranges are configured, proxy headers are only honored for connections
// originating inside those ranges; everything else keys on RemoteAddr to
// prevent header spoofing.
func (r *Resolver) Resolve(req *http.Request) Identity {
	ip := remoteIP(req)

	if r.trustsPeer(ip) {
		if hdr := headerIP(req); hdr != "" {
			ip = hdr
		}
	}

	ua := ""
	if r.includeUA {
		ua = req.Header.Get("User-Agent")
	}

	return Identity{
		IP:          ip,
		UserAgent:   ua,
		Fingerprint: Fingerprint(ip, ua),
	}
}

// Fingerprint reduces an IP and User-Agent pair to a short stable hex key.
func Fingerprint(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// trustsPeer reports whether proxy headers from the given peer IP should be
// honored. An empty trusted-proxy list means headers are always trusted.
func (r *Resolver) trustsPeer(ip string) bool {
	if len(r.trustedProxies) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, block := range r.trustedProxies {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}

// headerIP returns the client IP claimed by proxy headers, or "" when none
// is present.
func headerIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xri := req.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if xci := req.Header.Get("X-Client-IP"); xci != "" {
		return strings.TrimSpace(xci)
	}
	return ""
}

// remoteIP strips the port from RemoteAddr, tolerating addresses that have
// no port at all. Returns "unknown" when the connection carries no address,
// so identity-less requests share one bucket instead of erroring.
func remoteIP(req *http.Request) string {
	if req.RemoteAddr == "" {
		return "unknown"
	}
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return ip
}
