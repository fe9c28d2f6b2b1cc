package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// EventEnvelope wraps every event published on the bus.
type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// NewEvent stamps an envelope with the current UTC time.
func NewEvent(eventType, name string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		EventType:  eventType,
		EventName:  name,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// BuildHeaders returns the AMQP headers carrying request and trace ids.
// Empty values are left out.
func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// ContextHeaders is BuildHeaders with the trace id taken from the span in
// ctx, falling back to fallbackTraceID when ctx carries no valid span.
func ContextHeaders(ctx context.Context, requestID, fallbackTraceID string) map[string]string {
	traceID := fallbackTraceID
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	return BuildHeaders(requestID, traceID)
}
