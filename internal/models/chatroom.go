package models

import "time"

// Chatroom is a conversation scope: a city, an event or a direct meetup.
type Chatroom struct {
	ID          int       `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Kind        string    `db:"kind" json:"kind"`
	IsPrivate   bool      `db:"is_private" json:"isPrivate"`
	MemberCount int       `db:"member_count" json:"memberCount"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}
