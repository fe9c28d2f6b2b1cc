package observability

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// RequestMeta is the caller metadata copied onto lifecycle and audit events.
type RequestMeta struct {
	RequestID string
	DeviceID  string
	IP        string
	UserAgent string
}

// RequestMetaFrom reads caller metadata from r. A missing X-Request-Id is
// replaced by a fresh uuid so every event can be correlated.
func RequestMetaFrom(r *http.Request) RequestMeta {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return RequestMeta{
		RequestID: requestID,
		DeviceID:  r.Header.Get("X-Device-Id"),
		IP:        IPFromRequest(r),
		UserAgent: r.UserAgent(),
	}
}

// IPFromRequest prefers the first X-Forwarded-For hop, then X-Real-Ip, then
// the socket peer.
func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
