package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientResolver picks the address a request is attributed to for logging
// and rate limiting. Proxy headers are only read when the direct peer is
// one of the trusted prefixes.
type clientResolver struct {
	trusted []netip.Prefix
}

func (c clientResolver) ip(r *http.Request) string {
	peer := remoteIP(r.RemoteAddr)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !c.isTrusted(addr) {
		return peer
	}

	// Walk X-Forwarded-For from the nearest hop outwards and stop at the
	// first address we do not operate ourselves.
	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				// Garbage in the chain: trust nothing beyond the last good hop.
				return addr.String()
			}
			addr = hop.Unmap()
			if !c.isTrusted(addr) {
				return addr.String()
			}
		}
		return addr.String()
	}

	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}
	return peer
}

func (c clientResolver) isTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
