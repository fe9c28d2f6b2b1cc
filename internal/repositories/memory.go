package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatroom-service/internal/models"
)

// MemoryMessageStore keeps messages in process memory. It backs local runs
// with STORE_DRIVER=memory and the engine tests.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	nextID   int
	messages map[int]*models.Message
	byRoom   map[int][]int
	profiles map[int]models.Sender
	now      func() time.Time
}

// NewMemoryMessageStore returns an empty store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages: make(map[int]*models.Message),
		byRoom:   make(map[int][]int),
		profiles: make(map[int]models.Sender),
		now:      time.Now,
	}
}

// SetProfile registers the sender profile attached to a user's messages.
func (s *MemoryMessageStore) SetProfile(profile models.Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.ID] = profile
}

// History implements MessageStore.
func (s *MemoryMessageStore) History(_ context.Context, chatroomID int, beforeID *int, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRoom[chatroomID]
	end := len(ids)
	if beforeID != nil {
		end = sort.SearchInts(ids, *beforeID)
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}

	out := make([]models.Message, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, s.copyOf(s.messages[id]))
	}
	return out, nil
}

// Append implements MessageStore.
func (s *MemoryMessageStore) Append(_ context.Context, chatroomID int, senderID int, content string, replyToID *int) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if replyToID != nil {
		target, ok := s.messages[*replyToID]
		if !ok || target.ChatroomID != chatroomID {
			return models.Message{}, ErrInvalidReplyTarget
		}
	}

	s.nextID++
	msg := &models.Message{
		ID:          s.nextID,
		ChatroomID:  chatroomID,
		SenderID:    senderID,
		Content:     content,
		MessageType: models.MessageTypeText,
		Reactions:   models.Reactions{},
		CreatedAt:   s.now().UTC(),
	}
	if replyToID != nil {
		reply := *replyToID
		msg.ReplyToID = &reply
	}
	s.messages[msg.ID] = msg
	s.byRoom[chatroomID] = append(s.byRoom[chatroomID], msg.ID)
	return s.copyOf(msg), nil
}

// GetMessage implements MessageStore.
func (s *MemoryMessageStore) GetMessage(_ context.Context, messageID int) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return s.copyOf(msg), nil
}

// AddReaction implements MessageStore.
func (s *MemoryMessageStore) AddReaction(_ context.Context, messageID int, userID int, emoji string) (models.Reactions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	msg.Reactions.Add(emoji, userID)
	return msg.Reactions.Clone(), nil
}

// RemoveReaction implements MessageStore.
func (s *MemoryMessageStore) RemoveReaction(_ context.Context, messageID int, userID int, emoji string) (models.Reactions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	msg.Reactions.Remove(emoji, userID)
	return msg.Reactions.Clone(), nil
}

func (s *MemoryMessageStore) copyOf(msg *models.Message) models.Message {
	out := *msg
	out.Reactions = msg.Reactions.Clone()
	if msg.ReplyToID != nil {
		reply := *msg.ReplyToID
		out.ReplyToID = &reply
	}
	sender := models.Sender{ID: msg.SenderID}
	if profile, ok := s.profiles[msg.SenderID]; ok {
		sender = profile
	}
	out.Sender = &sender
	return out
}

// MemoryChatrooms is an in-memory ChatroomRepository.
type MemoryChatrooms struct {
	mu      sync.RWMutex
	rooms   map[int]models.Chatroom
	members map[int]map[int]struct{}
}

// NewMemoryChatrooms returns a repository holding the given chatrooms.
func NewMemoryChatrooms(rooms ...models.Chatroom) *MemoryChatrooms {
	m := &MemoryChatrooms{
		rooms:   make(map[int]models.Chatroom),
		members: make(map[int]map[int]struct{}),
	}
	for _, room := range rooms {
		m.Put(room)
	}
	return m
}

// Put adds or replaces a chatroom.
func (m *MemoryChatrooms) Put(room models.Chatroom) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = room
}

// AddMember grants userID access to a private chatroom.
func (m *MemoryChatrooms) AddMember(chatroomID, userID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[chatroomID]; !ok {
		m.members[chatroomID] = make(map[int]struct{})
	}
	m.members[chatroomID][userID] = struct{}{}
}

// CanJoin implements ChatroomRepository.
func (m *MemoryChatrooms) CanJoin(_ context.Context, chatroomID int, userID int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[chatroomID]
	if !ok {
		return false, nil
	}
	if !room.IsPrivate {
		return true, nil
	}
	_, member := m.members[chatroomID][userID]
	return member, nil
}

// GetChatroom implements ChatroomRepository.
func (m *MemoryChatrooms) GetChatroom(_ context.Context, chatroomID int) (models.Chatroom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[chatroomID]
	if !ok {
		return models.Chatroom{}, ErrChatroomNotFound
	}
	room.MemberCount = len(m.members[chatroomID])
	return room, nil
}

var (
	_ MessageStore       = (*MessageRepo)(nil)
	_ MessageStore       = (*MemoryMessageStore)(nil)
	_ ChatroomRepository = (*ChatroomRepo)(nil)
	_ ChatroomRepository = (*MemoryChatrooms)(nil)
	_ ChatroomRepository = (*SharedChatroomLookup)(nil)
)
