package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chatroom-service/internal/models"
)

var (
	ErrMessageNotFound    = errors.New("message not found")
	ErrInvalidReplyTarget = errors.New("reply target is not a message in this chatroom")
)

// MessageStore is the durable home of chatroom messages and their reactions.
// Ids are assigned by the store and increase monotonically within a chatroom.
type MessageStore interface {
	// History returns up to limit messages older than beforeID (or the newest
	// ones when beforeID is nil), ordered oldest first.
	History(ctx context.Context, chatroomID int, beforeID *int, limit int) ([]models.Message, error)
	Append(ctx context.Context, chatroomID int, senderID int, content string, replyToID *int) (models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	AddReaction(ctx context.Context, messageID int, userID int, emoji string) (models.Reactions, error)
	RemoveReaction(ctx context.Context, messageID int, userID int, emoji string) (models.Reactions, error)
}

// MessageRepo is a sqlx-backed MessageStore.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

type messageRow struct {
	models.Message
	SenderUsername     string `db:"sender_username"`
	SenderName         string `db:"sender_name"`
	SenderProfileImage string `db:"sender_profile_image"`
}

func (r messageRow) toModel() models.Message {
	msg := r.Message
	msg.Sender = &models.Sender{
		ID:           msg.SenderID,
		Username:     r.SenderUsername,
		Name:         r.SenderName,
		ProfileImage: r.SenderProfileImage,
	}
	msg.Reactions = models.Reactions{}
	return msg
}

const selectMessage = `SELECT m.id, m.chatroom_id, m.sender_id, m.content, m.message_type, m.reply_to_id,
        m.created_at, m.delivered_at, m.read_at,
        COALESCE(u.username, '') AS sender_username,
        COALESCE(u.name, '') AS sender_name,
        COALESCE(u.profile_image, '') AS sender_profile_image
        FROM messages m
        LEFT JOIN users u ON u.id = m.sender_id`

// History reads one page of a chatroom's messages.
func (r *MessageRepo) History(ctx context.Context, chatroomID int, beforeID *int, limit int) ([]models.Message, error) {
	var rows []messageRow
	var err error
	if beforeID != nil {
		err = r.db.SelectContext(ctx, &rows, selectMessage+` WHERE m.chatroom_id=$1 AND m.id < $2 ORDER BY m.id DESC LIMIT $3`, chatroomID, *beforeID, limit)
	} else {
		err = r.db.SelectContext(ctx, &rows, selectMessage+` WHERE m.chatroom_id=$1 ORDER BY m.id DESC LIMIT $2`, chatroomID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}

	msgs := make([]models.Message, len(rows))
	ids := make([]int64, len(rows))
	// rows are newest first; flip to oldest first
	for i, row := range rows {
		msgs[len(rows)-1-i] = row.toModel()
		ids[i] = int64(row.ID)
	}
	if len(ids) == 0 {
		return msgs, nil
	}

	reactions, err := r.loadReactions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if set, ok := reactions[msgs[i].ID]; ok {
			msgs[i].Reactions = set
		}
	}
	return msgs, nil
}

// Append stores a text message. The reply target check and the insert share a
// transaction so a rejected reply never persists anything.
func (r *MessageRepo) Append(ctx context.Context, chatroomID int, senderID int, content string, replyToID *int) (msg models.Message, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if replyToID != nil {
		var targetChatroom int
		err = tx.GetContext(ctx, &targetChatroom, `SELECT chatroom_id FROM messages WHERE id=$1`, *replyToID)
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrInvalidReplyTarget
			return models.Message{}, err
		}
		if err != nil {
			return models.Message{}, fmt.Errorf("select reply target: %w", err)
		}
		if targetChatroom != chatroomID {
			err = ErrInvalidReplyTarget
			return models.Message{}, err
		}
	}

	err = tx.QueryRowxContext(ctx, `INSERT INTO messages (chatroom_id, sender_id, content, message_type, reply_to_id)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, chatroom_id, sender_id, content, message_type, reply_to_id, created_at`,
		chatroomID, senderID, content, models.MessageTypeText, replyToID).StructScan(&msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit: %w", err)
	}
	msg.Reactions = models.Reactions{}
	return msg, nil
}

// GetMessage retrieves a single message with its reactions.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, selectMessage+` WHERE m.id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("select message: %w", err)
	}

	msg := row.toModel()
	reactions, err := r.loadReactions(ctx, []int64{int64(messageID)})
	if err != nil {
		return models.Message{}, err
	}
	if set, ok := reactions[messageID]; ok {
		msg.Reactions = set
	}
	return msg, nil
}

// AddReaction records a reaction; adding an existing one is a no-op.
func (r *MessageRepo) AddReaction(ctx context.Context, messageID int, userID int, emoji string) (models.Reactions, error) {
	if err := r.ensureMessage(ctx, messageID); err != nil {
		return nil, err
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
        ON CONFLICT (message_id, user_id, emoji) DO NOTHING`, messageID, userID, emoji)
	if err != nil {
		return nil, fmt.Errorf("insert reaction: %w", err)
	}
	return r.reactionsFor(ctx, messageID)
}

// RemoveReaction deletes a reaction; removing an absent one is a no-op.
func (r *MessageRepo) RemoveReaction(ctx context.Context, messageID int, userID int, emoji string) (models.Reactions, error) {
	if err := r.ensureMessage(ctx, messageID); err != nil {
		return nil, err
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2 AND emoji=$3`, messageID, userID, emoji)
	if err != nil {
		return nil, fmt.Errorf("delete reaction: %w", err)
	}
	return r.reactionsFor(ctx, messageID)
}

func (r *MessageRepo) ensureMessage(ctx context.Context, messageID int) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM messages WHERE id=$1)`, messageID); err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	if !exists {
		return ErrMessageNotFound
	}
	return nil
}

func (r *MessageRepo) reactionsFor(ctx context.Context, messageID int) (models.Reactions, error) {
	reactions, err := r.loadReactions(ctx, []int64{int64(messageID)})
	if err != nil {
		return nil, err
	}
	if set, ok := reactions[messageID]; ok {
		return set, nil
	}
	return models.Reactions{}, nil
}

func (r *MessageRepo) loadReactions(ctx context.Context, messageIDs []int64) (map[int]models.Reactions, error) {
	var rows []struct {
		MessageID int    `db:"message_id"`
		UserID    int    `db:"user_id"`
		Emoji     string `db:"emoji"`
	}
	err := r.db.SelectContext(ctx, &rows, `SELECT message_id, user_id, emoji FROM message_reactions
        WHERE message_id = ANY($1) ORDER BY message_id, emoji, user_id`, pq.Array(messageIDs))
	if err != nil {
		return nil, fmt.Errorf("select reactions: %w", err)
	}

	out := make(map[int]models.Reactions)
	for _, row := range rows {
		set, ok := out[row.MessageID]
		if !ok {
			set = models.Reactions{}
			out[row.MessageID] = set
		}
		set.Add(row.Emoji, row.UserID)
	}
	return out, nil
}
