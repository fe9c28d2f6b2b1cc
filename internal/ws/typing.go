package ws

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTypingTimeout is how long a typing flag lives without a refresh.
const DefaultTypingTimeout = 6 * time.Second

// TypingEntry is one user typing in one chatroom.
type TypingEntry struct {
	ChatroomID int       `json:"chatroomId"`
	UserID     int       `json:"userId"`
	Username   string    `json:"username,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type typingKey struct {
	chatroomID int
	userID     int
}

// TypingTracker holds ephemeral typing flags keyed by chatroom and user.
type TypingTracker struct {
	mu      sync.Mutex
	timeout time.Duration
	now     func() time.Time
	flags   map[typingKey]TypingEntry
}

// NewTypingTracker returns a tracker expiring flags after timeout.
func NewTypingTracker(timeout time.Duration) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingTracker{
		timeout: timeout,
		now:     time.Now,
		flags:   make(map[typingKey]TypingEntry),
	}
}

func (t *TypingTracker) expired(e TypingEntry, now time.Time) bool {
	return now.Sub(e.UpdatedAt) > t.timeout
}

// Start refreshes the flag and reports whether it was newly raised.
func (t *TypingTracker) Start(chatroomID, userID int, username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	key := typingKey{chatroomID, userID}
	prev, ok := t.flags[key]
	t.flags[key] = TypingEntry{ChatroomID: chatroomID, UserID: userID, Username: username, UpdatedAt: now}
	return !ok || t.expired(prev, now)
}

// Stop clears the flag and reports whether a live flag was removed.
func (t *TypingTracker) Stop(chatroomID, userID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{chatroomID, userID}
	prev, ok := t.flags[key]
	if !ok {
		return false
	}
	delete(t.flags, key)
	return !t.expired(prev, t.now())
}

// StopAll clears userID's flags in chatrooms and returns the chatrooms
// where a live flag was removed.
func (t *TypingTracker) StopAll(userID int, chatrooms []int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var stopped []int
	for _, room := range chatrooms {
		key := typingKey{room, userID}
		prev, ok := t.flags[key]
		if !ok {
			continue
		}
		delete(t.flags, key)
		if !t.expired(prev, now) {
			stopped = append(stopped, room)
		}
	}
	return stopped
}

// Expire drops and returns every flag older than the timeout.
func (t *TypingTracker) Expire() []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []TypingEntry
	for key, e := range t.flags {
		if t.expired(e, now) {
			delete(t.flags, key)
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// IsTyping reports whether userID has a live flag in chatroomID.
func (t *TypingTracker) IsTyping(chatroomID, userID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.flags[typingKey{chatroomID, userID}]
	return ok && !t.expired(e, t.now())
}

// Typing lists users with live flags in chatroomID. Expired flags are never
// reported, even before a sweep removes them.
func (t *TypingTracker) Typing(chatroomID int) []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]TypingEntry, 0)
	for key, e := range t.flags {
		if key.chatroomID == chatroomID && !t.expired(e, now) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// Run sweeps expired flags every interval until ctx is done.
func (t *TypingTracker) Run(ctx context.Context, interval time.Duration, onExpire func([]TypingEntry)) {
	if interval <= 0 {
		interval = t.timeout / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := t.Expire(); len(expired) > 0 && onExpire != nil {
				onExpire(expired)
			}
		}
	}
}

func sortEntries(entries []TypingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ChatroomID != entries[j].ChatroomID {
			return entries[i].ChatroomID < entries[j].ChatroomID
		}
		return entries[i].UserID < entries[j].UserID
	})
}
