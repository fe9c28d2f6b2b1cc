package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chatroom-service/internal/models"
	"chatroom-service/internal/protocol"
	"chatroom-service/internal/repositories"
	"chatroom-service/internal/telemetry"
	"chatroom-service/internal/validator"
	"chatroom-service/internal/ws"
)

// TypingReader lists users currently typing in a chatroom.
type TypingReader interface {
	Typing(chatroomID int) []ws.TypingEntry
}

// ChatroomHandler serves the read-only REST surface used by polling clients.
type ChatroomHandler struct {
	chatrooms repositories.ChatroomRepository
	messages  repositories.MessageStore
	typing    TypingReader
	audit     *telemetry.AuditEmitter
	validate  *validator.Validator
	logger    *slog.Logger

	historyLimit    int
	historyMaxLimit int
}

// NewChatroomHandler builds a ChatroomHandler.
func NewChatroomHandler(chatrooms repositories.ChatroomRepository, messages repositories.MessageStore, typing TypingReader, audit *telemetry.AuditEmitter, historyLimit, historyMaxLimit int, logger *slog.Logger) *ChatroomHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if historyMaxLimit <= 0 {
		historyMaxLimit = ws.DefaultHistoryMaxLimit
	}
	if historyLimit <= 0 || historyLimit > historyMaxLimit {
		historyLimit = min(ws.DefaultHistoryLimit, historyMaxLimit)
	}
	return &ChatroomHandler{
		chatrooms:       chatrooms,
		messages:        messages,
		typing:          typing,
		audit:           audit,
		validate:        validator.New(),
		logger:          logger,
		historyLimit:    historyLimit,
		historyMaxLimit: historyMaxLimit,
	}
}

// GetChatroom returns chatroom metadata for a permitted user.
func (h *ChatroomHandler) GetChatroom(c *gin.Context) {
	chatroomID, ok := h.authorize(c)
	if !ok {
		return
	}

	room, err := h.chatrooms.GetChatroom(c.Request.Context(), chatroomID)
	if err != nil {
		if errors.Is(err, repositories.ErrChatroomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chatroom not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chatroom"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// GetMessages returns one page of history, oldest first.
func (h *ChatroomHandler) GetMessages(c *gin.Context) {
	chatroomID, ok := h.authorize(c)
	if !ok {
		return
	}

	var beforeID *int
	if raw := c.Query("before"); raw != "" {
		before, err := strconv.Atoi(raw)
		if err != nil || h.validate.Validate(before, "gt=0") != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before id"})
			return
		}
		beforeID = &before
	}

	limit := h.historyLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || h.validate.Validate(n, "gt=0") != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, h.historyMaxLimit)
	}

	msgs, err := h.messages.History(c.Request.Context(), chatroomID, beforeID, limit+1)
	if err != nil {
		h.logger.Error("load chatroom history", "chatroom_id", chatroomID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	h.emitAudit(c, fmt.Sprintf("history read chatroom_id=%d count=%d", chatroomID, len(msgs)))
	c.JSON(http.StatusOK, protocol.SyncResponsePayload{
		ChatroomID: chatroomID,
		Messages:   msgs,
		HasMore:    hasMore,
	})
}

// GetTyping lists users currently typing in the chatroom.
func (h *ChatroomHandler) GetTyping(c *gin.Context) {
	chatroomID, ok := h.authorize(c)
	if !ok {
		return
	}
	entries := []ws.TypingEntry{}
	if h.typing != nil {
		entries = h.typing.Typing(chatroomID)
	}
	c.JSON(http.StatusOK, gin.H{"chatroomId": chatroomID, "typing": entries})
}

// authorize parses the chatroom id and checks the caller may read it.
func (h *ChatroomHandler) authorize(c *gin.Context) (int, bool) {
	chatroomID, err := strconv.Atoi(c.Param("chatroom_id"))
	if err != nil || chatroomID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chatroom id"})
		return 0, false
	}

	userID := c.GetInt("userID")
	allowed, err := h.chatrooms.CanJoin(c.Request.Context(), chatroomID, userID)
	if err != nil {
		h.logger.Error("chatroom access check", "chatroom_id", chatroomID, "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify chatroom access"})
		return 0, false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for chatroom"})
		return 0, false
	}
	return chatroomID, true
}
