package networking

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP determines the true client IP of a request that arrived
// through the ingress.
//
// X-Forwarded-For is scanned right to left, skipping addresses inside
// the trusted proxy CIDR blocks; the first untrusted address is the
// client. If every hop is trusted, or the header is absent or
// unparsable, the connection's remote address is used.
func ClientIP(r *http.Request, proxies []*net.IPNet) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		hops := strings.Split(forwarded, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			addr := strings.TrimSpace(hops[i])
			ip := net.ParseIP(addr)
			if ip == nil {
				break
			}
			if !trusted(ip, proxies) {
				return addr
			}
		}
		// All hops trusted: the leftmost entry is as close to the
		// client as we can get.
		if ip := net.ParseIP(strings.TrimSpace(hops[0])); ip != nil {
			return strings.TrimSpace(hops[0])
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func trusted(ip net.IP, proxies []*net.IPNet) bool {
	for _, network := range proxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
