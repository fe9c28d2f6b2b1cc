package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"chatroom-service/internal/identity"
)

// DefaultAuthTimeout closes sessions that never send a valid auth frame.
const DefaultAuthTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests into chat sessions.
type Handler struct {
	engine      *Engine
	provider    identity.Provider
	authTimeout time.Duration
	logger      *slog.Logger
}

// NewHandler constructs a Handler. A nil provider skips handshake
// verification and the auth frame alone identifies the user.
func NewHandler(engine *Engine, provider identity.Provider, authTimeout time.Duration, logger *slog.Logger) *Handler {
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, provider: provider, authTimeout: authTimeout, logger: logger}
}

// Handle serves GET /ws.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chatroom-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var verified *identity.Identity
	if h.provider != nil {
		token := identity.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		id, err := h.provider.Resolve(ctx, token)
		if err != nil {
			h.logger.Info("websocket handshake rejected", "error", err, "ip", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		verified = &id
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	traceID := span.SpanContext().TraceID().String()
	conn := newConn(wsConn)
	sess, err := h.engine.Connect(conn, verified, connInfoFromRequest(c.Request, traceID))
	if err != nil {
		h.logger.Error("register session", "error", err)
		_ = wsConn.Close()
		return
	}
	publishWSEvent(ctx, "ws_connect", sess.Info, "")
	h.logger.Info("websocket connected", "session_id", sess.ID, "verified", verified != nil, "ip", sess.Info.IP)

	// Frames belong to the handshake trace but outlive the HTTP request.
	frameCtx := trace.ContextWithSpanContext(context.Background(), span.SpanContext())
	timer := time.AfterFunc(h.authTimeout, func() { h.expireUnauthenticated(sess.ID) })

	go conn.writePump()
	go func() {
		defer timer.Stop()
		err := conn.readPump(func(data []byte) {
			h.engine.HandleFrame(frameCtx, sess.ID, data)
		}, func() {
			h.engine.RejectOversized(sess.ID)
		})

		reason := ""
		if err != nil {
			reason = err.Error()
		}
		final, _ := h.engine.Registry().Get(sess.ID)
		info := sess.Info
		if final.ID != "" {
			info = final.Info
		}
		if err != nil && !isExpectedClose(err) {
			select {
			case <-conn.Done():
			default:
				publishWSEvent(frameCtx, "ws_error", info, reason)
			}
		}
		h.engine.Disconnect(sess.ID)
		publishWSEvent(frameCtx, "ws_disconnect", info, reason)
		h.logger.Info("websocket disconnected", "session_id", sess.ID, "user_id", info.UserID, "reason", reason)
	}()
}

func (h *Handler) expireUnauthenticated(sessionID string) {
	s, ok := h.engine.Registry().Get(sessionID)
	if !ok || s.State != StateConnected {
		return
	}
	h.logger.Info("closing unauthenticated session", "session_id", sessionID, "timeout", h.authTimeout)
	h.engine.Disconnect(sessionID)
}
