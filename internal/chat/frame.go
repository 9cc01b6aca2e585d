package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrMalformedFrame = errors.New("malformed frame")

var validate = validator.New()

// FrameType tags outbound frames.
type FrameType string

const FrameChatMessage FrameType = "chat.message"

// InboundFrame is the only shape a client may send. Unknown fields are ignored.
type InboundFrame struct {
	Message string `json:"message" validate:"required"`
}

type OutboundFrame struct {
	Type       FrameType       `json:"type"`
	NewMessage *MessagePayload `json:"new_message"`
}

type MessagePayload struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// DecodeInbound parses a client frame. Anything that is not an object with a
// non-empty string "message" field is ErrMalformedFrame. Content is kept
// verbatim, whitespace included.
func DecodeInbound(raw []byte) (InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return InboundFrame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if err := validate.Struct(frame); err != nil {
		return InboundFrame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return frame, nil
}

// NewChatMessageFrame builds the broadcast frame for a persisted message.
func NewChatMessageFrame(msg *Message) OutboundFrame {
	return OutboundFrame{
		Type: FrameChatMessage,
		NewMessage: &MessagePayload{
			ID:        msg.ID,
			Sender:    msg.SenderName,
			Content:   msg.Content,
			Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

func EncodeChatMessage(msg *Message) ([]byte, error) {
	return json.Marshal(NewChatMessageFrame(msg))
}
