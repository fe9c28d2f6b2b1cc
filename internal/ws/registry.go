package ws

import (
	"sort"
	"sync"
	"time"

	"chatroom-service/internal/identity"
)

// SessionState is the lifecycle position of a connection.
type SessionState int

const (
	StateConnected SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outbound delivers encoded frames to one connection.
type Outbound interface {
	Send(data []byte) error
	Close()
}

// Registration describes a connection being added to the registry.
type Registration struct {
	ID  string
	Out Outbound
	// Verified is the identity resolved during the handshake, if any.
	Verified *identity.Identity
	Info     ConnInfo
}

// Session is a point-in-time copy of a registered connection.
type Session struct {
	ID            string
	Identity      identity.Identity
	Verified      *identity.Identity
	State         SessionState
	Subscriptions []int
	Info          ConnInfo

	out Outbound
}

// UserID returns 0 until the session is authenticated.
func (s Session) UserID() int {
	return s.Identity.UserID
}

// Send enqueues data on the session's connection.
func (s Session) Send(data []byte) error {
	if s.out == nil {
		return ErrSessionClosed
	}
	return s.out.Send(data)
}

type session struct {
	id       string
	identity identity.Identity
	verified *identity.Identity
	state    SessionState
	rooms    map[int]struct{}
	info     ConnInfo
	out      Outbound
}

func (s *session) snapshot() Session {
	rooms := make([]int, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	sort.Ints(rooms)
	return Session{
		ID:            s.id,
		Identity:      s.identity,
		Verified:      s.verified,
		State:         s.state,
		Subscriptions: rooms,
		Info:          s.info,
		out:           s.out,
	}
}

// Registry tracks live sessions and their chatroom subscriptions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	byUser   map[int]map[string]struct{}
	byRoom   map[int]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		byUser:   make(map[int]map[string]struct{}),
		byRoom:   make(map[int]map[string]struct{}),
	}
}

// Register adds an unauthenticated session.
func (r *Registry) Register(reg Registration) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[reg.ID]; ok {
		return Session{}, ErrDuplicateSession
	}
	if reg.Info.ConnectedAt.IsZero() {
		reg.Info.ConnectedAt = time.Now()
	}
	s := &session{
		id:       reg.ID,
		verified: reg.Verified,
		state:    StateConnected,
		rooms:    make(map[int]struct{}),
		info:     reg.Info,
		out:      reg.Out,
	}
	r.sessions[reg.ID] = s
	return s.snapshot(), nil
}

// Authenticate binds a user to a connected session.
func (r *Registry) Authenticate(sessionID string, id identity.Identity) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.state == StateClosed {
		return Session{}, ErrUnknownSession
	}
	if s.state == StateAuthenticated {
		return Session{}, ErrAlreadyAuthenticated
	}
	s.identity = id
	s.state = StateAuthenticated
	s.info.UserID = id.UserID
	if _, ok := r.byUser[id.UserID]; !ok {
		r.byUser[id.UserID] = make(map[string]struct{})
	}
	r.byUser[id.UserID][sessionID] = struct{}{}
	return s.snapshot(), nil
}

// Subscribe adds chatroomID to the session's subscriptions. Repeated calls are no-ops.
func (r *Registry) Subscribe(sessionID string, chatroomID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.state == StateClosed {
		return ErrUnknownSession
	}
	if s.state != StateAuthenticated {
		return ErrNotAuthenticated
	}
	s.rooms[chatroomID] = struct{}{}
	if _, ok := r.byRoom[chatroomID]; !ok {
		r.byRoom[chatroomID] = make(map[string]struct{})
	}
	r.byRoom[chatroomID][sessionID] = struct{}{}
	return nil
}

// Unsubscribe drops chatroomID from the session's subscriptions.
func (r *Registry) Unsubscribe(sessionID string, chatroomID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		delete(s.rooms, chatroomID)
	}
	r.dropFromRoom(chatroomID, sessionID)
}

// SessionsFor returns the live sessions subscribed to chatroomID.
func (r *Registry) SessionsFor(chatroomID int) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byRoom[chatroomID]
	out := make([]Session, 0, len(ids))
	for id := range ids {
		s, ok := r.sessions[id]
		if !ok || s.state == StateClosed {
			continue
		}
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SessionsForUser returns every live session bound to userID.
func (r *Registry) SessionsForUser(userID int) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byUser[userID]
	out := make([]Session, 0, len(ids))
	for id := range ids {
		if s, ok := r.sessions[id]; ok && s.state != StateClosed {
			out = append(out, s.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the session with sessionID.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.state == StateClosed {
		return Session{}, false
	}
	return s.snapshot(), true
}

// IsSubscribed reports whether sessionID currently receives chatroomID broadcasts.
func (r *Registry) IsSubscribed(sessionID string, chatroomID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.state == StateClosed {
		return false
	}
	_, subscribed := s.rooms[chatroomID]
	return subscribed
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove deletes the session and its subscriptions. It returns the final
// snapshot, with State set to StateClosed, and false when the session was
// already gone.
func (r *Registry) Remove(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	s.state = StateClosed
	for room := range s.rooms {
		r.dropFromRoom(room, sessionID)
	}
	if ids, ok := r.byUser[s.identity.UserID]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(r.byUser, s.identity.UserID)
		}
	}
	delete(r.sessions, sessionID)
	return s.snapshot(), true
}

func (r *Registry) dropFromRoom(chatroomID int, sessionID string) {
	if ids, ok := r.byRoom[chatroomID]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(r.byRoom, chatroomID)
		}
	}
}
