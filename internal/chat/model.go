package chat

import "time"

// ---------------------------------------------
// 🗄️ Database Models
// ---------------------------------------------

// Conversation groups every message of one channel. There is at most one per channel.
type Conversation struct {
	ID        int64     `json:"id"`
	ChannelID string    `json:"channel_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	SenderName     string    `json:"sender"` // denormalized via JOIN on users
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
