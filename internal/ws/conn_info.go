package ws

import (
	"net/http"
	"time"

	"chatroom-service/internal/observability"
)

// ConnInfo is the connection metadata attached to lifecycle events.
type ConnInfo struct {
	ConnID      string
	UserID      int
	DeviceID    string
	IP          string
	UserAgent   string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func connInfoFromRequest(r *http.Request, traceID string) ConnInfo {
	meta := observability.RequestMetaFrom(r)
	return ConnInfo{
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		RequestID:   meta.RequestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
}
