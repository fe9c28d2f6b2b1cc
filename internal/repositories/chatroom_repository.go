package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"

	"chatroom-service/internal/models"
)

var ErrChatroomNotFound = errors.New("chatroom not found")

// ChatroomRepository answers whether a chatroom exists and a user may join it.
// Chatroom lifecycle and membership rules live outside this service.
type ChatroomRepository interface {
	CanJoin(ctx context.Context, chatroomID int, userID int) (bool, error)
	GetChatroom(ctx context.Context, chatroomID int) (models.Chatroom, error)
}

// ChatroomRepo is a sqlx implementation of ChatroomRepository.
type ChatroomRepo struct {
	db *sqlx.DB
}

// NewChatroomRepo constructs a ChatroomRepo.
func NewChatroomRepo(db *sqlx.DB) *ChatroomRepo {
	return &ChatroomRepo{db: db}
}

// CanJoin is true for public chatrooms and for private ones the user belongs to.
func (r *ChatroomRepo) CanJoin(ctx context.Context, chatroomID int, userID int) (bool, error) {
	var allowed bool
	err := r.db.GetContext(ctx, &allowed, `SELECT EXISTS(
        SELECT 1 FROM chatrooms c
        LEFT JOIN chatroom_members cm ON cm.chatroom_id = c.id AND cm.user_id = $2
        WHERE c.id = $1 AND (c.is_private = FALSE OR cm.user_id IS NOT NULL))`, chatroomID, userID)
	if err != nil {
		return false, fmt.Errorf("check chatroom access: %w", err)
	}
	return allowed, nil
}

// GetChatroom fetches a chatroom by id with its derived member count.
func (r *ChatroomRepo) GetChatroom(ctx context.Context, chatroomID int) (models.Chatroom, error) {
	var room models.Chatroom
	err := r.db.GetContext(ctx, &room, `SELECT c.id, c.name, c.kind, c.is_private, c.created_at,
        (SELECT COUNT(*) FROM chatroom_members cm WHERE cm.chatroom_id = c.id) AS member_count
        FROM chatrooms c WHERE c.id=$1`, chatroomID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chatroom{}, ErrChatroomNotFound
	}
	return room, err
}

// SharedChatroomLookup collapses concurrent identical lookups into one call to
// the underlying repository.
type SharedChatroomLookup struct {
	next  ChatroomRepository
	group singleflight.Group
}

// NewSharedChatroomLookup wraps next.
func NewSharedChatroomLookup(next ChatroomRepository) *SharedChatroomLookup {
	return &SharedChatroomLookup{next: next}
}

// CanJoin implements ChatroomRepository.
func (s *SharedChatroomLookup) CanJoin(ctx context.Context, chatroomID int, userID int) (bool, error) {
	key := strconv.Itoa(chatroomID) + ":" + strconv.Itoa(userID)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.next.CanJoin(ctx, chatroomID, userID)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// GetChatroom implements ChatroomRepository.
func (s *SharedChatroomLookup) GetChatroom(ctx context.Context, chatroomID int) (models.Chatroom, error) {
	v, err, _ := s.group.Do("room:"+strconv.Itoa(chatroomID), func() (interface{}, error) {
		return s.next.GetChatroom(ctx, chatroomID)
	})
	if err != nil {
		return models.Chatroom{}, err
	}
	return v.(models.Chatroom), nil
}
