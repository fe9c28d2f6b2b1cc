package ws

import (
	"errors"

	"chatroom-service/internal/protocol"
	"chatroom-service/internal/repositories"
)

var (
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	ErrIdentityMismatch     = errors.New("auth frame does not match connection identity")
	ErrUnknownChatroom      = errors.New("unknown chatroom")
	ErrNotSubscribed        = errors.New("not subscribed to chatroom")
	ErrEmptyContent         = errors.New("message content is empty")
	ErrStoreUnavailable     = errors.New("message store unavailable")
	ErrDuplicateSession     = errors.New("session already registered")
	ErrUnknownSession       = errors.New("unknown session")
	ErrInvalidFrame         = errors.New("invalid frame")
	ErrUnsupportedFrame     = errors.New("unsupported frame type")
	ErrSessionClosed        = errors.New("session closed")
	ErrSendBufferFull       = errors.New("send buffer full")
)

// errorCode maps an engine error to the code carried by system:error.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return protocol.CodeNotAuthenticated
	case errors.Is(err, ErrAlreadyAuthenticated), errors.Is(err, ErrIdentityMismatch), errors.Is(err, ErrUnknownSession):
		return protocol.CodeAuthFailed
	case errors.Is(err, ErrUnknownChatroom):
		return protocol.CodeUnknownChatroom
	case errors.Is(err, ErrNotSubscribed):
		return protocol.CodeNotSubscribed
	case errors.Is(err, ErrEmptyContent):
		return protocol.CodeEmptyContent
	case errors.Is(err, repositories.ErrInvalidReplyTarget):
		return protocol.CodeInvalidReplyTarget
	case errors.Is(err, repositories.ErrMessageNotFound):
		return protocol.CodeMessageNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return protocol.CodeStoreUnavailable
	case errors.Is(err, ErrUnsupportedFrame):
		return protocol.CodeUnsupportedFrame
	default:
		return protocol.CodeInvalidFrame
	}
}
