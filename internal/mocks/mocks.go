package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chatroom-service/internal/identity"
	"chatroom-service/internal/models"
	"chatroom-service/internal/repositories"
)

type ChatroomRepositoryMock struct {
	mock.Mock
}

func (m *ChatroomRepositoryMock) CanJoin(ctx context.Context, chatroomID int, userID int) (bool, error) {
	args := m.Called(ctx, chatroomID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ChatroomRepositoryMock) GetChatroom(ctx context.Context, chatroomID int) (models.Chatroom, error) {
	args := m.Called(ctx, chatroomID)
	var room models.Chatroom
	if val := args.Get(0); val != nil {
		room = val.(models.Chatroom)
	}
	return room, args.Error(1)
}

type MessageStoreMock struct {
	mock.Mock
}

func (m *MessageStoreMock) History(ctx context.Context, chatroomID int, beforeID *int, limit int) ([]models.Message, error) {
	args := m.Called(ctx, chatroomID, beforeID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageStoreMock) Append(ctx context.Context, chatroomID int, senderID int, content string, replyToID *int) (models.Message, error) {
	args := m.Called(ctx, chatroomID, senderID, content, replyToID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageStoreMock) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageStoreMock) AddReaction(ctx context.Context, messageID int, userID int, emoji string) (models.Reactions, error) {
	args := m.Called(ctx, messageID, userID, emoji)
	var reactions models.Reactions
	if val := args.Get(0); val != nil {
		reactions = val.(models.Reactions)
	}
	return reactions, args.Error(1)
}

func (m *MessageStoreMock) RemoveReaction(ctx context.Context, messageID int, userID int, emoji string) (models.Reactions, error) {
	args := m.Called(ctx, messageID, userID, emoji)
	var reactions models.Reactions
	if val := args.Get(0); val != nil {
		reactions = val.(models.Reactions)
	}
	return reactions, args.Error(1)
}

type IdentityProviderMock struct {
	mock.Mock
}

func (m *IdentityProviderMock) Resolve(ctx context.Context, token string) (identity.Identity, error) {
	args := m.Called(ctx, token)
	var id identity.Identity
	if val := args.Get(0); val != nil {
		id = val.(identity.Identity)
	}
	return id, args.Error(1)
}

var _ repositories.ChatroomRepository = (*ChatroomRepositoryMock)(nil)
var _ repositories.MessageStore = (*MessageStoreMock)(nil)
var _ identity.Provider = (*IdentityProviderMock)(nil)
