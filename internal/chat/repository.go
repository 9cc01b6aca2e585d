package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"channelchat/internal/user"
)

var ErrMessageNotFound = errors.New("message not found")

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		db: db,
		now: func() time.Time { return ceilMicrosecond(time.Now().UTC()) },
	}
}

// ceilMicrosecond rounds t up to the microsecond Postgres keeps, so the value
// broadcast equals the one read back and never precedes the send.
func ceilMicrosecond(t time.Time) time.Time {
	c := t.Truncate(time.Microsecond)
	if c.Before(t) {
		c = c.Add(time.Microsecond)
	}
	return c
}

// GetOrCreateConversation relies on UNIQUE(channel_id): concurrent first
// sends all insert-or-skip, then read the single surviving row.
func (r *Repository) GetOrCreateConversation(ctx context.Context, channelID string) (*Conversation, error) {
	insert := `INSERT INTO conversations (channel_id, created_at) VALUES ($1, $2)
		ON CONFLICT (channel_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, insert, channelID, r.now()); err != nil {
		return nil, err
	}

	c := &Conversation{}
	query := "SELECT id, channel_id, created_at FROM conversations WHERE channel_id = $1"
	if err := r.db.QueryRowContext(ctx, query, channelID).Scan(&c.ID, &c.ChannelID, &c.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Repository) AppendMessage(ctx context.Context, conversationID int64, sender user.Identity, content string) (*Message, error) {
	msg := &Message{
		ConversationID: conversationID,
		SenderID:       sender.ID,
		SenderName:     sender.Username,
		Content:        content,
		CreatedAt:      r.now(),
	}
	query := `INSERT INTO messages (conversation_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`

	err := r.db.QueryRowContext(ctx, query, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Repository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content, m.created_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.id = $1
	`
	msg := &Message{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName, &msg.Content, &msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

// ListMessages returns the newest messages of a channel first.
func (r *Repository) ListMessages(ctx context.Context, channelID string, limit int) ([]*Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content, m.created_at
		FROM messages m
		JOIN conversations c ON m.conversation_id = c.id
		JOIN users u ON m.sender_id = u.id
		WHERE c.channel_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
