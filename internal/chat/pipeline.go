package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"channelchat/internal/user"
)

var (
	ErrNotMember   = errors.New("sender is not a member of the server")
	ErrRateLimited = errors.New("inbound rate limit exceeded")
)

// Store is the persistence the pipeline needs. *Repository satisfies it.
type Store interface {
	GetOrCreateConversation(ctx context.Context, channelID string) (*Conversation, error)
	AppendMessage(ctx context.Context, conversationID int64, sender user.Identity, content string) (*Message, error)
}

// Pipeline turns an inbound frame into a stored message and a broadcast.
type Pipeline struct {
	store    Store
	registry Registry
	timeout  time.Duration
	log      *slog.Logger
}

func NewPipeline(store Store, registry Registry, timeout time.Duration, log *slog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		registry: registry,
		timeout:  timeout,
		log:      log.With("component", "pipeline"),
	}
}

// HandleInbound processes one frame from s. A non-nil error means the frame
// was dropped; the caller logs it and keeps the connection open. Nothing is
// broadcast unless the message was stored.
func (p *Pipeline) HandleInbound(ctx context.Context, s *Session, raw []byte) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return ErrRateLimited
	}

	frame, err := DecodeInbound(raw)
	if err != nil {
		return err
	}

	if !s.IsMember {
		return ErrNotMember
	}

	storeCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	conv, err := p.store.GetOrCreateConversation(storeCtx, s.ChannelID)
	if err != nil {
		return fmt.Errorf("conversation for channel %s: %w", s.ChannelID, err)
	}

	msg, err := p.store.AppendMessage(storeCtx, conv.ID, s.Identity, frame.Message)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	payload, err := EncodeChatMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message %d: %w", msg.ID, err)
	}

	p.registry.Broadcast(ctx, s.ChannelID, payload)
	p.log.Debug("message broadcast", "channel_id", s.ChannelID, "message_id", msg.ID, "sender_id", s.Identity.ID)
	return nil
}
