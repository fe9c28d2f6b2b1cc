package ws

import (
	"context"
	"time"

	"chatroom-service/internal/observability"
)

const (
	wsKind       = "chatroom"
	wsRoutingKey = "ws_events.chatrooms"
)

// publishWSEvent emits a connection lifecycle event on the event bus and
// counts it.
func publishWSEvent(ctx context.Context, event string, info ConnInfo, reason string) {
	var duration int64
	if event != "ws_connect" && !info.ConnectedAt.IsZero() {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":    info.UserID,
			"device_id":  info.DeviceID,
			"ip":         info.IP,
			"user_agent": info.UserAgent,
		},
	}

	_ = observability.PublishEvent(ctx, wsRoutingKey,
		observability.NewEvent("ws_events", event, payload),
		observability.ContextHeaders(ctx, info.RequestID, info.TraceID))
	observability.IncWSEvent(wsKind, event)
}

func publishWSError(info ConnInfo, reason string) {
	publishWSEvent(context.Background(), "ws_error", info, reason)
}
