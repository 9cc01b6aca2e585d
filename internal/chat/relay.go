package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisRelay is a Registry that fans broadcasts out through Redis so every
// process subscribed to the same prefix delivers them to its local sessions.
// Membership stays local to the wrapped Hub.
type RedisRelay struct {
	local  *Hub
	rdb    *redis.Client
	prefix string
	ready  chan struct{}
	log    *slog.Logger
}

func NewRedisRelay(local *Hub, rdb *redis.Client, prefix string, log *slog.Logger) *RedisRelay {
	return &RedisRelay{
		local:  local,
		rdb:    rdb,
		prefix: prefix,
		ready:  make(chan struct{}),
		log:    log.With("component", "relay"),
	}
}

func (r *RedisRelay) Join(groupKey string, s *Session) error {
	return r.local.Join(groupKey, s)
}

func (r *RedisRelay) Leave(groupKey string, s *Session) {
	r.local.Leave(groupKey, s)
}

// Broadcast publishes payload for groupKey. If Redis is unreachable the
// payload still reaches the sessions on this process.
func (r *RedisRelay) Broadcast(ctx context.Context, groupKey string, payload []byte) {
	if err := r.rdb.Publish(ctx, r.prefix+groupKey, payload).Err(); err != nil {
		r.log.Warn("publish failed, delivering locally", "channel_id", groupKey, "error", err)
		r.local.Broadcast(ctx, groupKey, payload)
	}
}

// Run subscribes to every group under the prefix and hands incoming payloads
// to the local hub until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", r.prefix, err)
	}
	close(r.ready)
	r.log.Info("relay subscribed", "pattern", r.prefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			groupKey := strings.TrimPrefix(msg.Channel, r.prefix)
			r.local.Broadcast(ctx, groupKey, []byte(msg.Payload))
		}
	}
}

// Ready is closed once Run holds a confirmed subscription.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// WaitReady blocks until the subscription is confirmed or ctx is done.
func (r *RedisRelay) WaitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
