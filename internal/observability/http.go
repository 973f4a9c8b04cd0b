package observability

import (
	"net"
	"net/http"
	"strings"
)

// RequestIDFromRequest returns the caller supplied request id, accepting
// the correlation header some proxies use instead.
func RequestIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Correlation-ID"))
}

// IPFromRequest returns the caller address. The first X-Forwarded-For hop
// wins, then X-Real-IP, then the socket peer.
func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
