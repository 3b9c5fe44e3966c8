package httpapi

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ipResolver derives the address rate limits are keyed on. Forwarding
// headers are read only when the TCP peer is a trusted proxy, so a direct
// caller cannot pick its own identity.
type ipResolver struct {
	trusted []netip.Prefix
}

func (r ipResolver) isTrusted(addr netip.Addr) bool {
	for _, p := range r.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (r ipResolver) clientIP(req *http.Request) string {
	host := req.RemoteAddr
	if h, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		host = h
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	peer = peer.Unmap()
	if !r.isTrusted(peer) {
		return peer.String()
	}

	// walk X-Forwarded-For right to left; the first hop that is not one of
	// our proxies is the client
	hops := strings.Split(strings.Join(req.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		addr = addr.Unmap()
		if !r.isTrusted(addr) {
			return addr.String()
		}
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(req.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap().String()
	}
	return peer.String()
}
