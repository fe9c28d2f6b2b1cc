package models

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"
)

// Message represents a chatroom message.
type Message struct {
	ID          int        `db:"id" json:"id"`
	ChatroomID  int        `db:"chatroom_id" json:"chatroomId"`
	SenderID    int        `db:"sender_id" json:"senderId"`
	Content     string     `db:"content" json:"content"`
	MessageType string     `db:"message_type" json:"messageType"`
	ReplyToID   *int       `db:"reply_to_id" json:"replyToId"`
	Reactions   Reactions  `db:"-" json:"reactions"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	DeliveredAt *time.Time `db:"delivered_at" json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `db:"read_at" json:"readAt,omitempty"`
	Sender      *Sender    `db:"-" json:"sender,omitempty"`
}

// Sender is the public profile attached to a message.
type Sender struct {
	ID           int    `json:"id"`
	Username     string `json:"username"`
	Name         string `json:"name,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// Reactions maps an emoji to the ids of users who reacted with it.
// Every slice is kept sorted and free of duplicates.
type Reactions map[string][]int

// Has reports whether userID reacted with emoji.
func (r Reactions) Has(emoji string, userID int) bool {
	ids := r[emoji]
	i := sort.SearchInts(ids, userID)
	return i < len(ids) && ids[i] == userID
}

// Add inserts userID under emoji and reports whether the set changed.
func (r Reactions) Add(emoji string, userID int) bool {
	ids := r[emoji]
	i := sort.SearchInts(ids, userID)
	if i < len(ids) && ids[i] == userID {
		return false
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = userID
	r[emoji] = ids
	return true
}

// Remove deletes userID from emoji and reports whether the set changed.
// The emoji key is kept with an empty set so clients can clear it.
func (r Reactions) Remove(emoji string, userID int) bool {
	ids, ok := r[emoji]
	if !ok {
		return false
	}
	i := sort.SearchInts(ids, userID)
	if i >= len(ids) || ids[i] != userID {
		return false
	}
	r[emoji] = append(ids[:i:i], ids[i+1:]...)
	return true
}

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for emoji, ids := range r {
		cp := make([]int, len(ids))
		copy(cp, ids)
		out[emoji] = cp
	}
	return out
}

// MarshalJSON renders nil maps and nil sets as empty JSON values.
func (r Reactions) MarshalJSON() ([]byte, error) {
	out := make(map[string][]int, len(r))
	for emoji, ids := range r {
		if ids == nil {
			ids = []int{}
		}
		out[emoji] = ids
	}
	return json.Marshal(out)
}

// UnmarshalJSON normalizes incoming sets to sorted unique ids.
func (r *Reactions) UnmarshalJSON(data []byte) error {
	var raw map[string][]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Reactions, len(raw))
	for emoji, ids := range raw {
		out[emoji] = []int{}
		for _, id := range ids {
			out.Add(emoji, id)
		}
	}
	*r = out
	return nil
}
