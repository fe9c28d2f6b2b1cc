// Package protocol defines the JSON frames exchanged over the chatroom socket.
package protocol

import (
	"encoding/json"

	"chatroom-service/internal/models"
)

// Frame types.
const (
	TypeAuth            = "auth"
	TypeSyncHistory     = "sync:history"
	TypeSyncResponse    = "sync:response"
	TypeMessageNew      = "message:new"
	TypeMessageReaction = "message:reaction"
	TypeTypingStart     = "typing:start"
	TypeTypingStop      = "typing:stop"
	TypeSystemError     = "system:error"
)

// Error codes carried by system:error frames.
const (
	CodeInvalidFrame       = "invalid_frame"
	CodeUnsupportedFrame   = "unsupported_frame"
	CodeAuthFailed         = "auth_failed"
	CodeNotAuthenticated   = "not_authenticated"
	CodeUnknownChatroom    = "unknown_chatroom"
	CodeNotSubscribed      = "not_subscribed"
	CodeEmptyContent       = "empty_content"
	CodeInvalidReplyTarget = "invalid_reply_target"
	CodeMessageNotFound    = "message_not_found"
	CodeStoreUnavailable   = "store_unavailable"
)

// Frame is the envelope of every message on the wire. Payload stays raw until
// the receiver knows which payload type to decode.
type Frame struct {
	Type          string          `json:"type"`
	ChatroomID    int             `json:"chatroomId,omitempty"`
	UserID        int             `json:"userId,omitempty"`
	Username      string          `json:"username,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// DecodePayload unmarshals the payload into v. An absent payload leaves v untouched.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// Encode builds a frame with payload marshalled in place.
func Encode(frameType string, chatroomID int, payload any, correlationID string) ([]byte, error) {
	return EncodeFrame(Frame{Type: frameType, ChatroomID: chatroomID, CorrelationID: correlationID}, payload)
}

// EncodeFrame marshals f with payload replacing f.Payload when non-nil.
func EncodeFrame(f Frame, payload any) ([]byte, error) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// AuthFrame builds the frame a client sends first.
func AuthFrame(userID int, username string) Frame {
	return Frame{Type: TypeAuth, UserID: userID, Username: username}
}

// SyncHistoryPayload requests one page of history. BeforeID and Limit are optional.
type SyncHistoryPayload struct {
	BeforeID *int `json:"beforeId,omitempty" validate:"omitempty,gt=0"`
	Limit    int  `json:"limit,omitempty" validate:"gte=0"`
}

// SyncResponsePayload answers sync:history with messages ordered oldest first.
type SyncResponsePayload struct {
	ChatroomID int              `json:"chatroomId"`
	Messages   []models.Message `json:"messages"`
	HasMore    bool             `json:"hasMore"`
}

// MessageNewPayload is sent by clients to post and by the server to broadcast.
type MessageNewPayload struct {
	Content     string `json:"content" validate:"max=4000"`
	MessageType string `json:"messageType,omitempty" validate:"omitempty,oneof=text"`
	ReplyToID   *int   `json:"replyToId" validate:"omitempty,gt=0"`
}

// ReactionPayload toggles emoji on a message.
type ReactionPayload struct {
	MessageID int    `json:"messageId" validate:"required,gt=0"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

// ReactionUpdatePayload is broadcast after a toggle with the full reaction map.
type ReactionUpdatePayload struct {
	MessageID int              `json:"messageId"`
	Emoji     string           `json:"emoji"`
	UserID    int              `json:"userId"`
	Action    string           `json:"action"`
	Reactions models.Reactions `json:"reactions"`
}

// Reaction actions.
const (
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

// TypingPayload names the user whose typing state changed.
type TypingPayload struct {
	UserID   int    `json:"userId"`
	Username string `json:"username,omitempty"`
}

// ErrorPayload is carried by system:error.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
