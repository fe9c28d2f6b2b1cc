package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatroom-service/internal/identity"
	"chatroom-service/internal/models"
	"chatroom-service/internal/observability"
	"chatroom-service/internal/protocol"
	"chatroom-service/internal/repositories"
	"chatroom-service/internal/validator"
)

const (
	DefaultHistoryLimit    = 50
	DefaultHistoryMaxLimit = 200
)

// Relay forwards chatroom broadcasts to other service instances.
type Relay interface {
	Publish(ctx context.Context, chatroomID int, excludeUserID int, frame []byte) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithRelay forwards every broadcast through r.
func WithRelay(r Relay) Option {
	return func(e *Engine) { e.relay = r }
}

// WithHistoryLimits sets the default and maximum sync:history page size.
func WithHistoryLimits(def, max int) Option {
	return func(e *Engine) {
		if def > 0 {
			e.historyLimit = def
		}
		if max > 0 {
			e.historyMaxLimit = max
		}
		if e.historyLimit > e.historyMaxLimit {
			e.historyLimit = e.historyMaxLimit
		}
	}
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine routes inbound frames, mutates the registry and store, and fans
// out the resulting frames.
type Engine struct {
	registry  *Registry
	typing    *TypingTracker
	store     repositories.MessageStore
	chatrooms repositories.ChatroomRepository
	validate  *validator.Validator
	relay     Relay
	logger    *slog.Logger
	tracer    trace.Tracer

	historyLimit    int
	historyMaxLimit int

	roomsMu sync.Mutex
	rooms   map[int]*sync.Mutex
}

// NewEngine wires an engine over its collaborators.
func NewEngine(registry *Registry, typing *TypingTracker, store repositories.MessageStore, chatrooms repositories.ChatroomRepository, opts ...Option) *Engine {
	e := &Engine{
		registry:        registry,
		typing:          typing,
		store:           store,
		chatrooms:       chatrooms,
		validate:        validator.New(),
		logger:          slog.Default(),
		tracer:          otel.Tracer("chatroom-service/ws"),
		historyLimit:    DefaultHistoryLimit,
		historyMaxLimit: DefaultHistoryMaxLimit,
		rooms:           make(map[int]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the engine's connection registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Typing exposes the engine's typing tracker.
func (e *Engine) Typing() *TypingTracker { return e.typing }

// Connect registers a new unauthenticated session for out.
func (e *Engine) Connect(out Outbound, verified *identity.Identity, info ConnInfo) (Session, error) {
	id := uuid.NewString()
	if info.ConnID == "" {
		info.ConnID = id
	}
	if verified != nil {
		info.UserID = verified.UserID
	}
	sess, err := e.registry.Register(Registration{ID: id, Out: out, Verified: verified, Info: info})
	if err != nil {
		return Session{}, err
	}
	observability.IncWSActive(wsKind)
	return sess, nil
}

// Disconnect removes the session, closes its connection and clears the
// typing flags its user held in the chatrooms it was subscribed to.
func (e *Engine) Disconnect(sessionID string) {
	sess, ok := e.registry.Remove(sessionID)
	if !ok {
		return
	}
	observability.DecWSActive(wsKind)
	if sess.out != nil {
		sess.out.Close()
	}
	if sess.UserID() == 0 {
		return
	}
	// another live session keeps the user's typing flags
	if len(e.registry.SessionsForUser(sess.UserID())) > 0 {
		return
	}
	for _, room := range e.typing.StopAll(sess.UserID(), sess.Subscriptions) {
		e.broadcastTyping(context.Background(), protocol.TypeTypingStop, room, sess.Identity)
	}
}

// Sweep expires stale typing flags and broadcasts typing:stop for each.
func (e *Engine) Sweep() {
	e.onTypingExpired(e.typing.Expire())
}

// Run sweeps typing flags until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	e.typing.Run(ctx, interval, e.onTypingExpired)
}

func (e *Engine) onTypingExpired(entries []TypingEntry) {
	for _, entry := range entries {
		e.broadcastTyping(context.Background(), protocol.TypeTypingStop, entry.ChatroomID, identity.Identity{UserID: entry.UserID, Username: entry.Username})
	}
}

// HandleFrame processes one inbound frame for sessionID. Protocol errors are
// reported to the session and never returned; the connection stays open.
func (e *Engine) HandleFrame(ctx context.Context, sessionID string, data []byte) {
	sess, ok := e.registry.Get(sessionID)
	if !ok {
		return
	}

	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		observability.IncWSFrame("malformed", "error")
		e.sendError(sess, "", fmt.Errorf("%w: malformed frame", ErrInvalidFrame))
		return
	}

	ctx, span := e.tracer.Start(ctx, "ws.frame "+frame.Type, trace.WithAttributes(
		attribute.String("ws.frame_type", frame.Type),
		attribute.Int("chatroom.id", frame.ChatroomID),
		attribute.String("ws.session_id", sess.ID),
	))
	defer span.End()

	var err error
	switch frame.Type {
	case protocol.TypeAuth:
		err = e.handleAuth(sess, frame)
	case protocol.TypeSyncHistory:
		err = e.handleSyncHistory(ctx, sess, frame)
	case protocol.TypeMessageNew:
		err = e.handleMessageNew(ctx, sess, frame)
	case protocol.TypeMessageReaction:
		err = e.handleReaction(ctx, sess, frame)
	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		e.handleTyping(ctx, sess, frame)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedFrame, frame.Type)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.IncWSFrame(frame.Type, "error")
		e.logger.Debug("frame rejected", "session_id", sess.ID, "type", frame.Type, "chatroom_id", frame.ChatroomID, "error", err)
		e.sendError(sess, frame.CorrelationID, err)
		return
	}
	observability.IncWSFrame(frame.Type, "ok")
}

func (e *Engine) handleAuth(sess Session, frame protocol.Frame) error {
	if sess.State == StateAuthenticated {
		return ErrAlreadyAuthenticated
	}

	var id identity.Identity
	switch {
	case sess.Verified != nil:
		if frame.UserID != 0 && frame.UserID != sess.Verified.UserID {
			return ErrIdentityMismatch
		}
		id = *sess.Verified
	case frame.UserID > 0:
		id = identity.Identity{UserID: frame.UserID, Username: frame.Username}
	default:
		return fmt.Errorf("%w: userId is required", ErrIdentityMismatch)
	}

	if _, err := e.registry.Authenticate(sess.ID, id); err != nil {
		return err
	}
	e.logger.Info("session authenticated", "session_id", sess.ID, "user_id", id.UserID)
	return nil
}

func (e *Engine) handleSyncHistory(ctx context.Context, sess Session, frame protocol.Frame) error {
	if sess.State != StateAuthenticated {
		return ErrNotAuthenticated
	}
	if frame.ChatroomID <= 0 {
		return fmt.Errorf("%w: chatroomId is required", ErrInvalidFrame)
	}
	var req protocol.SyncHistoryPayload
	if err := frame.DecodePayload(&req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if errs := e.validate.ValidateStruct(req); errs != nil {
		return fmt.Errorf("%w: %s", ErrInvalidFrame, validator.Summary(errs))
	}

	allowed, err := e.chatrooms.CanJoin(ctx, frame.ChatroomID, sess.UserID())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !allowed {
		return ErrUnknownChatroom
	}
	return e.subscribeAndSync(ctx, sess, frame, req)
}

// subscribeAndSync holds the chatroom lock from Subscribe until the response
// is queued, so no append can fall between the history read and the reply.
func (e *Engine) subscribeAndSync(ctx context.Context, sess Session, frame protocol.Frame, req protocol.SyncHistoryPayload) error {
	unlock := e.lockRoom(frame.ChatroomID)
	defer unlock()

	if err := e.registry.Subscribe(sess.ID, frame.ChatroomID); err != nil {
		return err
	}

	limit := e.clampLimit(req.Limit)
	start := time.Now()
	messages, err := e.store.History(ctx, frame.ChatroomID, req.BeforeID, limit+1)
	observability.ObserveStoreCall("history", start, err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[len(messages)-limit:]
	}
	if messages == nil {
		messages = []models.Message{}
	}

	data, err := protocol.Encode(protocol.TypeSyncResponse, frame.ChatroomID, protocol.SyncResponsePayload{
		ChatroomID: frame.ChatroomID,
		Messages:   messages,
		HasMore:    hasMore,
	}, frame.CorrelationID)
	if err != nil {
		return err
	}
	if err := sess.Send(data); err != nil {
		e.logger.Warn("sync response dropped", "session_id", sess.ID, "error", err)
	}
	return nil
}

func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 {
		return e.historyLimit
	}
	if limit > e.historyMaxLimit {
		return e.historyMaxLimit
	}
	return limit
}

func (e *Engine) handleMessageNew(ctx context.Context, sess Session, frame protocol.Frame) error {
	if err := e.requireSubscribed(sess, frame.ChatroomID); err != nil {
		return err
	}
	var req protocol.MessageNewPayload
	if err := frame.DecodePayload(&req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if errs := e.validate.ValidateStruct(req); errs != nil {
		return fmt.Errorf("%w: %s", ErrInvalidFrame, validator.Summary(errs))
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return ErrEmptyContent
	}

	failed, err := e.appendAndBroadcast(ctx, sess, frame, content, req.ReplyToID)
	if err != nil {
		return err
	}
	e.dropFailed(failed)
	return nil
}

// appendAndBroadcast holds the chatroom lock across the append and the
// enqueue so every subscriber sees ids in increasing order.
func (e *Engine) appendAndBroadcast(ctx context.Context, sess Session, frame protocol.Frame, content string, replyToID *int) ([]Session, error) {
	unlock := e.lockRoom(frame.ChatroomID)
	defer unlock()

	start := time.Now()
	msg, err := e.store.Append(ctx, frame.ChatroomID, sess.UserID(), content, replyToID)
	observability.ObserveStoreCall("append", start, err)
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidReplyTarget) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if msg.Sender == nil || msg.Sender.Username == "" {
		sender := sess.Identity.Sender()
		msg.Sender = &sender
	}
	if msg.Reactions == nil {
		msg.Reactions = models.Reactions{}
	}

	data, err := protocol.Encode(protocol.TypeMessageNew, frame.ChatroomID, msg, frame.CorrelationID)
	if err != nil {
		return nil, err
	}
	failed := e.fanOut(frame.ChatroomID, data, nil)
	e.forward(ctx, frame.ChatroomID, 0, data)
	e.logger.Debug("message appended", "chatroom_id", frame.ChatroomID, "message_id", msg.ID, "sender_id", msg.SenderID)
	return failed, nil
}

func (e *Engine) handleReaction(ctx context.Context, sess Session, frame protocol.Frame) error {
	if err := e.requireSubscribed(sess, frame.ChatroomID); err != nil {
		return err
	}
	var req protocol.ReactionPayload
	if err := frame.DecodePayload(&req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if errs := e.validate.ValidateStruct(req); errs != nil {
		return fmt.Errorf("%w: %s", ErrInvalidFrame, validator.Summary(errs))
	}

	failed, err := e.toggleReaction(ctx, sess, frame, req)
	if err != nil {
		return err
	}
	e.dropFailed(failed)
	return nil
}

func (e *Engine) toggleReaction(ctx context.Context, sess Session, frame protocol.Frame, req protocol.ReactionPayload) ([]Session, error) {
	unlock := e.lockRoom(frame.ChatroomID)
	defer unlock()

	msg, err := e.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if msg.ChatroomID != frame.ChatroomID {
		return nil, repositories.ErrMessageNotFound
	}

	userID := sess.UserID()
	action := protocol.ReactionAdded
	start := time.Now()
	var reactions models.Reactions
	if msg.Reactions.Has(req.Emoji, userID) {
		action = protocol.ReactionRemoved
		reactions, err = e.store.RemoveReaction(ctx, req.MessageID, userID, req.Emoji)
	} else {
		reactions, err = e.store.AddReaction(ctx, req.MessageID, userID, req.Emoji)
	}
	observability.ObserveStoreCall("reaction", start, err)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if reactions == nil {
		reactions = models.Reactions{}
	}
	// Removing the last user keeps the emoji so clients can clear it.
	if _, ok := reactions[req.Emoji]; !ok {
		reactions[req.Emoji] = []int{}
	}

	data, err := protocol.Encode(protocol.TypeMessageReaction, frame.ChatroomID, protocol.ReactionUpdatePayload{
		MessageID: req.MessageID,
		Emoji:     req.Emoji,
		UserID:    userID,
		Action:    action,
		Reactions: reactions,
	}, frame.CorrelationID)
	if err != nil {
		return nil, err
	}
	failed := e.fanOut(frame.ChatroomID, data, nil)
	e.forward(ctx, frame.ChatroomID, 0, data)
	return failed, nil
}

// handleTyping never reports errors; typing frames are best effort.
func (e *Engine) handleTyping(ctx context.Context, sess Session, frame protocol.Frame) {
	if sess.State != StateAuthenticated || !e.registry.IsSubscribed(sess.ID, frame.ChatroomID) {
		return
	}
	userID := sess.UserID()
	var changed bool
	if frame.Type == protocol.TypeTypingStart {
		changed = e.typing.Start(frame.ChatroomID, userID, sess.Identity.Username)
	} else {
		changed = e.typing.Stop(frame.ChatroomID, userID)
	}
	if changed {
		e.broadcastTyping(ctx, frame.Type, frame.ChatroomID, sess.Identity)
	}
}

func (e *Engine) broadcastTyping(ctx context.Context, frameType string, chatroomID int, who identity.Identity) {
	data, err := protocol.EncodeFrame(protocol.Frame{
		Type:       frameType,
		ChatroomID: chatroomID,
		UserID:     who.UserID,
		Username:   who.Username,
	}, protocol.TypingPayload{UserID: who.UserID, Username: who.Username})
	if err != nil {
		e.logger.Error("encode typing frame", "error", err)
		return
	}
	failed := e.fanOut(chatroomID, data, func(s Session) bool { return s.UserID() == who.UserID })
	e.forward(ctx, chatroomID, who.UserID, data)
	e.dropFailed(failed)
}

// RejectOversized reports a frame dropped for exceeding the read limit.
// The connection stays open.
func (e *Engine) RejectOversized(sessionID string) {
	sess, ok := e.registry.Get(sessionID)
	if !ok {
		return
	}
	observability.IncWSFrame("oversized", "error")
	e.sendError(sess, "", fmt.Errorf("%w: frame exceeds %d bytes", ErrInvalidFrame, maxMessageSize))
}

// DeliverRelayed fans out a frame published by another instance to local
// sessions only.
func (e *Engine) DeliverRelayed(chatroomID int, excludeUserID int, data []byte) {
	var skip func(Session) bool
	if excludeUserID != 0 {
		skip = func(s Session) bool { return s.UserID() == excludeUserID }
	}
	unlock := e.lockRoom(chatroomID)
	failed := e.fanOut(chatroomID, data, skip)
	unlock()
	e.dropFailed(failed)
}

func (e *Engine) requireSubscribed(sess Session, chatroomID int) error {
	if sess.State != StateAuthenticated {
		return ErrNotAuthenticated
	}
	if chatroomID <= 0 {
		return fmt.Errorf("%w: chatroomId is required", ErrInvalidFrame)
	}
	if !e.registry.IsSubscribed(sess.ID, chatroomID) {
		return ErrNotSubscribed
	}
	return nil
}

// fanOut enqueues data on every session subscribed to chatroomID and returns
// the sessions whose send failed.
func (e *Engine) fanOut(chatroomID int, data []byte, skip func(Session) bool) []Session {
	var failed []Session
	for _, s := range e.registry.SessionsFor(chatroomID) {
		if skip != nil && skip(s) {
			continue
		}
		if err := s.Send(data); err != nil {
			observability.IncBroadcastFailure()
			e.logger.Warn("websocket send failed", "session_id", s.ID, "chatroom_id", chatroomID, "error", err)
			failed = append(failed, s)
		}
	}
	return failed
}

func (e *Engine) forward(ctx context.Context, chatroomID int, excludeUserID int, data []byte) {
	if e.relay == nil {
		return
	}
	if err := e.relay.Publish(ctx, chatroomID, excludeUserID, data); err != nil {
		e.logger.Warn("relay publish failed", "chatroom_id", chatroomID, "error", err)
	}
}

func (e *Engine) dropFailed(failed []Session) {
	for _, s := range failed {
		publishWSError(s.Info, "send failed")
		e.Disconnect(s.ID)
	}
}

func (e *Engine) sendError(sess Session, correlationID string, err error) {
	code := errorCode(err)
	message := err.Error()
	if code == protocol.CodeStoreUnavailable {
		e.logger.Error("store call failed", "session_id", sess.ID, "error", err)
		message = ErrStoreUnavailable.Error()
	}
	data, encErr := protocol.Encode(protocol.TypeSystemError, 0, protocol.ErrorPayload{
		Message: message,
		Code:    code,
	}, correlationID)
	if encErr != nil {
		return
	}
	if sendErr := sess.Send(data); sendErr != nil {
		e.logger.Debug("system error dropped", "session_id", sess.ID, "error", sendErr)
	}
}

// lockRoom serialises append and fan-out for one chatroom.
func (e *Engine) lockRoom(chatroomID int) func() {
	e.roomsMu.Lock()
	mu, ok := e.rooms[chatroomID]
	if !ok {
		mu = &sync.Mutex{}
		e.rooms[chatroomID] = mu
	}
	e.roomsMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
