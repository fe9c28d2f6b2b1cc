package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// auditUserID returns the caller's id in the string form audit envelopes use.
func auditUserID(c *gin.Context) *string {
	if userID := c.GetInt("userID"); userID != 0 {
		value := strconv.Itoa(userID)
		return &value
	}
	if header := c.GetHeader("X-User-ID"); header != "" {
		if _, err := strconv.Atoi(header); err == nil {
			return &header
		}
	}
	return nil
}

func (h *ChatroomHandler) emitAudit(c *gin.Context, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", text, requestIDFromContext(c), auditUserID(c))
}
