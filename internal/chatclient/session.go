// Package chatclient is the client side of the chatroom protocol: it keeps an
// optimistic local message list for one chatroom and reconciles it with the
// frames the server sends back.
package chatclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatroom-service/internal/models"
	"chatroom-service/internal/protocol"
)

// State is the lifecycle state of a client session.
type State int

const (
	Disconnected State = iota
	Connecting
	OpenUnauthenticated
	OpenAuthenticated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case OpenUnauthenticated:
		return "open_unauthenticated"
	case OpenAuthenticated:
		return "open_authenticated"
	default:
		return "unknown"
	}
}

const (
	DefaultTypingThrottle = 3 * time.Second
	DefaultTypingIdle     = 3 * time.Second
	DefaultPendingTimeout = 30 * time.Second
)

var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrNotConnected   = errors.New("session is not connected")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotFailed      = errors.New("message has not failed")
)

// Transport carries encoded frames to the server.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Config describes who the session is and where it chats.
type Config struct {
	UserID         int
	Username       string
	ChatroomID     int
	HistoryLimit   int
	TypingThrottle time.Duration
	TypingIdle     time.Duration
	PendingTimeout time.Duration
}

// MessageView is the local copy of a message plus UI state. Pending entries
// have no server id yet and are identified by CorrelationID.
type MessageView struct {
	models.Message
	CorrelationID string
	Pending       bool
	Failed        bool
	Selected      bool
	SubmittedAt   time.Time

	// highest confirmed id known when the entry was submitted
	afterID int
}

// Session is the client state machine for one chatroom. It is safe for
// concurrent use by a read loop and UI callers.
type Session struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	transport Transport
	messages  []MessageView
	hasMore   bool
	typists   map[int]string
	replyTo   *int
	lastError *protocol.ErrorPayload

	typing         bool
	lastTypingSent time.Time
	lastKeystroke  time.Time
	olderRequest   string

	now   func() time.Time
	newID func() string
}

// NewSession returns a disconnected session.
func NewSession(cfg Config) *Session {
	if cfg.TypingThrottle <= 0 {
		cfg.TypingThrottle = DefaultTypingThrottle
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = DefaultTypingIdle
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	return &Session{
		cfg:     cfg,
		typists: make(map[int]string),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connecting marks a dial in progress.
func (s *Session) Connecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Connecting
}

// Attach binds an open transport, sends auth and then requests history.
// The server does not acknowledge auth, so the session counts as
// authenticated once the frame is sent and falls back on auth_failed.
func (s *Session) Attach(t Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transport = t
	s.state = OpenUnauthenticated
	if err := s.sendFrame(protocol.AuthFrame(s.cfg.UserID, s.cfg.Username), nil); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	s.state = OpenAuthenticated
	if err := s.requestHistory(nil, ""); err != nil {
		return fmt.Errorf("request history: %w", err)
	}
	return nil
}

// Detach drops the transport. Pending entries stay pending until the next
// history sync confirms them or the pending timeout fails them.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = nil
	s.state = Disconnected
	s.typing = false
	s.typists = make(map[int]string)
}

// LoadOlder requests the page before the oldest confirmed message.
func (s *Session) LoadOlder() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldest := 0
	for _, m := range s.messages {
		if !m.Pending && !m.Failed {
			oldest = m.ID
			break
		}
	}
	if oldest == 0 || !s.hasMore {
		return nil
	}
	s.olderRequest = s.newID()
	return s.requestHistory(&oldest, s.olderRequest)
}

func (s *Session) requestHistory(beforeID *int, correlationID string) error {
	return s.sendFrame(protocol.Frame{
		Type:          protocol.TypeSyncHistory,
		ChatroomID:    s.cfg.ChatroomID,
		CorrelationID: correlationID,
	}, protocol.SyncHistoryPayload{BeforeID: beforeID, Limit: s.cfg.HistoryLimit})
}

// HandleFrame applies one server frame. Frames for other chatrooms and
// unknown frame types are ignored.
func (s *Session) HandleFrame(data []byte) error {
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if f.ChatroomID != 0 && f.ChatroomID != s.cfg.ChatroomID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Type {
	case protocol.TypeSyncResponse:
		var p protocol.SyncResponsePayload
		if err := f.DecodePayload(&p); err != nil {
			return fmt.Errorf("decode sync response: %w", err)
		}
		if f.CorrelationID != "" && f.CorrelationID == s.olderRequest {
			s.olderRequest = ""
			s.prependHistory(p)
		} else {
			s.replaceHistory(p)
		}
	case protocol.TypeMessageNew:
		var msg models.Message
		if err := f.DecodePayload(&msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		s.applyMessage(msg, f.CorrelationID)
	case protocol.TypeMessageReaction:
		var p protocol.ReactionUpdatePayload
		if err := f.DecodePayload(&p); err != nil {
			return fmt.Errorf("decode reaction: %w", err)
		}
		if i := s.indexOfID(p.MessageID); i >= 0 {
			s.messages[i].Reactions = p.Reactions.Clone()
		}
	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		var p protocol.TypingPayload
		if err := f.DecodePayload(&p); err != nil {
			return fmt.Errorf("decode typing: %w", err)
		}
		if p.UserID == 0 {
			p.UserID, p.Username = f.UserID, f.Username
		}
		if p.UserID == s.cfg.UserID {
			return nil
		}
		if f.Type == protocol.TypeTypingStart {
			s.typists[p.UserID] = p.Username
		} else {
			delete(s.typists, p.UserID)
		}
	case protocol.TypeSystemError:
		var p protocol.ErrorPayload
		if err := f.DecodePayload(&p); err != nil {
			return fmt.Errorf("decode error: %w", err)
		}
		s.lastError = &p
		if p.Code == protocol.CodeAuthFailed && s.state == OpenAuthenticated {
			s.state = OpenUnauthenticated
		}
		if i := s.indexOfCorrelation(f.CorrelationID); i >= 0 && s.messages[i].Pending {
			s.messages[i].Pending = false
			s.messages[i].Failed = true
		}
	}
	return nil
}

// replaceHistory swaps the confirmed list for the server page and keeps the
// local entries the page does not confirm.
func (s *Session) replaceHistory(p protocol.SyncResponsePayload) {
	s.hasMore = p.HasMore
	selected := s.selectedID()

	confirmed := make([]MessageView, 0, len(p.Messages))
	claimed := make(map[int]bool)
	newest := 0
	for _, m := range p.Messages {
		confirmed = append(confirmed, MessageView{Message: m, Selected: m.ID == selected})
		newest = max(newest, m.ID)
	}
	// live messages that arrived after the page was read
	for _, m := range s.messages {
		if !m.Pending && !m.Failed && m.ID > newest {
			confirmed = append(confirmed, m)
		}
	}

	var local []MessageView
	for _, m := range s.messages {
		if !m.Pending && !m.Failed {
			continue
		}
		if j := matchLocal(confirmed, claimed, m, s.cfg.UserID); j >= 0 {
			claimed[confirmed[j].ID] = true
			confirmed[j].CorrelationID = m.CorrelationID
			continue
		}
		local = append(local, m)
	}
	s.messages = append(confirmed, local...)
}

// matchLocal finds the oldest unclaimed confirmed message that could be the
// echo of local entry m.
func matchLocal(confirmed []MessageView, claimed map[int]bool, m MessageView, userID int) int {
	for j, c := range confirmed {
		if claimed[c.ID] || c.ID <= m.afterID {
			continue
		}
		if c.SenderID == userID && c.Content == m.Content && sameReply(c.ReplyToID, m.ReplyToID) {
			return j
		}
	}
	return -1
}

func (s *Session) prependHistory(p protocol.SyncResponsePayload) {
	s.hasMore = p.HasMore
	older := make([]MessageView, 0, len(p.Messages))
	for _, m := range p.Messages {
		if s.indexOfID(m.ID) < 0 {
			older = append(older, MessageView{Message: m})
		}
	}
	s.messages = append(older, s.messages...)
}

func (s *Session) applyMessage(msg models.Message, correlationID string) {
	if msg.Reactions == nil {
		msg.Reactions = models.Reactions{}
	}
	i := s.indexOfCorrelation(correlationID)
	if i < 0 && msg.SenderID == s.cfg.UserID {
		i = s.oldestPendingMatch(msg)
	}
	if i >= 0 {
		if existing := s.indexOfID(msg.ID); existing >= 0 && existing != i {
			// already confirmed through history; drop the local copy
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
		view := s.messages[i]
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		view.Message = msg
		view.Pending = false
		view.Failed = false
		s.insertConfirmed(view)
		return
	}
	if s.indexOfID(msg.ID) >= 0 {
		return
	}
	s.insertConfirmed(MessageView{Message: msg})
}

func (s *Session) oldestPendingMatch(msg models.Message) int {
	for i, m := range s.messages {
		if m.Pending && m.Content == msg.Content && sameReply(m.ReplyToID, msg.ReplyToID) {
			return i
		}
	}
	return -1
}

// insertConfirmed keeps confirmed entries sorted by id ahead of local ones.
func (s *Session) insertConfirmed(view MessageView) {
	pos := sort.Search(len(s.messages), func(i int) bool {
		m := s.messages[i]
		return m.Pending || m.Failed || m.ID > view.ID
	})
	s.messages = append(s.messages, MessageView{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = view
}

// Submit appends a pending entry and sends it. Without a transport the
// entry stays pending until it is confirmed by history or times out.
func (s *Session) Submit(content string) (MessageView, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return MessageView{}, ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	view := MessageView{
		Message: models.Message{
			ChatroomID:  s.cfg.ChatroomID,
			SenderID:    s.cfg.UserID,
			Content:     content,
			MessageType: models.MessageTypeText,
			ReplyToID:   s.replyTo,
			Reactions:   models.Reactions{},
			Sender:      &models.Sender{ID: s.cfg.UserID, Username: s.cfg.Username},
		},
		CorrelationID: s.newID(),
		Pending:       true,
		SubmittedAt:   s.now(),
		afterID:       s.lastConfirmedID(),
	}
	s.messages = append(s.messages, view)
	s.replyTo = nil
	s.clearSelection()

	s.stopTyping()
	if s.transport != nil {
		if err := s.sendMessage(view); err != nil {
			return view, err
		}
	}
	return view, nil
}

// Retry resends a failed entry under its original correlation id.
func (s *Session) Retry(correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfCorrelation(correlationID)
	if i < 0 {
		return ErrUnknownMessage
	}
	if !s.messages[i].Failed {
		return ErrNotFailed
	}
	if s.transport == nil {
		return ErrNotConnected
	}
	s.messages[i].Failed = false
	s.messages[i].Pending = true
	s.messages[i].SubmittedAt = s.now()
	return s.sendMessage(s.messages[i])
}

// Discard removes a failed entry.
func (s *Session) Discard(correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfCorrelation(correlationID)
	if i < 0 {
		return ErrUnknownMessage
	}
	if !s.messages[i].Failed {
		return ErrNotFailed
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return nil
}

func (s *Session) sendMessage(view MessageView) error {
	return s.sendFrame(protocol.Frame{
		Type:          protocol.TypeMessageNew,
		ChatroomID:    s.cfg.ChatroomID,
		CorrelationID: view.CorrelationID,
	}, protocol.MessageNewPayload{
		Content:     view.Content,
		MessageType: models.MessageTypeText,
		ReplyToID:   view.ReplyToID,
	})
}

// Keystroke signals typing. typing:start is resent at most once per throttle window.
func (s *Session) Keystroke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.lastKeystroke = now
	if s.typing && now.Sub(s.lastTypingSent) < s.cfg.TypingThrottle {
		return
	}
	if s.sendTyping(protocol.TypeTypingStart) {
		s.typing = true
		s.lastTypingSent = now
	}
}

// Blur stops typing when the input loses focus.
func (s *Session) Blur() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTyping()
}

// Tick runs the time-based transitions: idle typing stop and pending timeout.
func (s *Session) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.typing && now.Sub(s.lastKeystroke) >= s.cfg.TypingIdle {
		s.stopTyping()
	}
	for i := range s.messages {
		m := &s.messages[i]
		if m.Pending && now.Sub(m.SubmittedAt) >= s.cfg.PendingTimeout {
			m.Pending = false
			m.Failed = true
		}
	}
}

func (s *Session) stopTyping() {
	if !s.typing {
		return
	}
	s.typing = false
	s.sendTyping(protocol.TypeTypingStop)
}

func (s *Session) sendTyping(frameType string) bool {
	if s.state != OpenAuthenticated {
		return false
	}
	return s.sendFrame(protocol.Frame{Type: frameType, ChatroomID: s.cfg.ChatroomID}, nil) == nil
}

// ToggleReaction asks the server to flip the user's emoji on a confirmed
// message. Local reactions change only when message:reaction arrives.
func (s *Session) ToggleReaction(messageID int, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOfID(messageID) < 0 {
		return ErrUnknownMessage
	}
	if s.state != OpenAuthenticated {
		return ErrNotConnected
	}
	return s.sendFrame(protocol.Frame{
		Type:       protocol.TypeMessageReaction,
		ChatroomID: s.cfg.ChatroomID,
	}, protocol.ReactionPayload{MessageID: messageID, Emoji: emoji})
}

// Select opens the reply/reaction menu on a confirmed message; selecting
// it again closes the menu.
func (s *Session) Select(messageID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfID(messageID)
	if i < 0 {
		return ErrUnknownMessage
	}
	was := s.messages[i].Selected
	s.clearSelection()
	s.messages[i].Selected = !was
	return nil
}

// ReplyTo makes the next submitted message a reply to messageID. Zero clears it.
func (s *Session) ReplyTo(messageID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageID == 0 {
		s.replyTo = nil
		return nil
	}
	if s.indexOfID(messageID) < 0 {
		return ErrUnknownMessage
	}
	id := messageID
	s.replyTo = &id
	return nil
}

// Messages returns the list oldest first, local entries last.
func (s *Session) Messages() []MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MessageView, len(s.messages))
	copy(out, s.messages)
	return out
}

// HasMore reports whether older history exists on the server.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Typists lists other users currently typing, by user id.
func (s *Session) Typists() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.typists))
	for id := range s.typists {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// LastError returns the most recent system:error payload.
func (s *Session) LastError() (protocol.ErrorPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastError == nil {
		return protocol.ErrorPayload{}, false
	}
	return *s.lastError, true
}

func (s *Session) sendFrame(f protocol.Frame, payload any) error {
	if s.transport == nil {
		return ErrNotConnected
	}
	data, err := protocol.EncodeFrame(f, payload)
	if err != nil {
		return err
	}
	return s.transport.Send(data)
}

func (s *Session) indexOfID(id int) int {
	if id == 0 {
		return -1
	}
	for i, m := range s.messages {
		if m.ID == id && !m.Pending && !m.Failed {
			return i
		}
	}
	return -1
}

func (s *Session) indexOfCorrelation(correlationID string) int {
	if correlationID == "" {
		return -1
	}
	for i, m := range s.messages {
		if m.CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

func (s *Session) lastConfirmedID() int {
	last := 0
	for _, m := range s.messages {
		if !m.Pending && !m.Failed && m.ID > last {
			last = m.ID
		}
	}
	return last
}

func (s *Session) selectedID() int {
	for _, m := range s.messages {
		if m.Selected {
			return m.ID
		}
	}
	return 0
}

func (s *Session) clearSelection() {
	for i := range s.messages {
		s.messages[i].Selected = false
	}
}

func sameReply(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
