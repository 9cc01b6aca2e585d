package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gorilla/websocket"
)

var ErrRegistryClosed = errors.New("registry closed")

// Registry is the group pub/sub contract the gatekeeper and pipeline depend on.
type Registry interface {
	Join(groupKey string, s *Session) error
	// Leave is a no-op for sessions that are not registered.
	Leave(groupKey string, s *Session)
	// Broadcast is best effort and never fails the caller.
	Broadcast(ctx context.Context, groupKey string, payload []byte)
}

type subscription struct {
	groupKey string
	session  *Session
}

type delivery struct {
	groupKey string
	payload  []byte
}

type sizeQuery struct {
	groupKey string
	reply    chan int
}

// Hub is the in-process Registry. A single goroutine (Run) owns the group
// map; every join, leave and broadcast is a request to it, so they are
// applied one at a time and broadcasts to a group keep their call order.
type Hub struct {
	groups     map[string]map[*Session]struct{}
	register   chan subscription
	unregister chan subscription
	broadcast  chan delivery
	size       chan sizeQuery
	done       chan struct{}
	log        *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		groups:     make(map[string]map[*Session]struct{}),
		register:   make(chan subscription),
		unregister: make(chan subscription),
		broadcast:  make(chan delivery),
		size:       make(chan sizeQuery),
		done:       make(chan struct{}),
		log:        log.With("component", "hub"),
	}
}

// Run processes requests until ctx is cancelled, then closes every session queue.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case sub := <-h.register:
			members, ok := h.groups[sub.groupKey]
			if !ok {
				members = make(map[*Session]struct{})
				h.groups[sub.groupKey] = members
			}
			members[sub.session] = struct{}{}
			h.log.Debug("session joined", "channel_id", sub.groupKey, "session_id", sub.session.ID, "members", len(members))

		case sub := <-h.unregister:
			if h.remove(sub.groupKey, sub.session, websocket.CloseNormalClosure) {
				h.log.Debug("session left", "channel_id", sub.groupKey, "session_id", sub.session.ID)
			}

		case d := <-h.broadcast:
			h.deliver(d)

		case q := <-h.size:
			q.reply <- len(h.groups[q.groupKey])
		}
	}
}

func (h *Hub) deliver(d delivery) {
	for s := range h.groups[d.groupKey] {
		select {
		case s.send <- d.payload:
		default:
			// Queue full: the peer is not keeping up. Drop it rather than
			// stall the group.
			h.log.Warn("evicting slow session", "channel_id", d.groupKey, "session_id", s.ID)
			h.remove(d.groupKey, s, websocket.CloseTryAgainLater)
		}
	}
}

// remove reports whether the session was registered. Only registered
// sessions get their queue closed, so it is closed exactly once.
func (h *Hub) remove(groupKey string, s *Session, code int) bool {
	members, ok := h.groups[groupKey]
	if !ok {
		return false
	}
	if _, ok := members[s]; !ok {
		return false
	}

	delete(members, s)
	if len(members) == 0 {
		delete(h.groups, groupKey)
	}
	s.closeCode = code
	close(s.send)
	return true
}

func (h *Hub) shutdown() {
	count := 0
	for groupKey, members := range h.groups {
		for s := range members {
			s.closeCode = websocket.CloseGoingAway
			close(s.send)
			count++
		}
		delete(h.groups, groupKey)
	}
	h.log.Info("hub stopped", "sessions_closed", count)
}

func (h *Hub) Join(groupKey string, s *Session) error {
	select {
	case h.register <- subscription{groupKey: groupKey, session: s}:
		return nil
	case <-h.done:
		return ErrRegistryClosed
	}
}

func (h *Hub) Leave(groupKey string, s *Session) {
	select {
	case h.unregister <- subscription{groupKey: groupKey, session: s}:
	case <-h.done:
	}
}

func (h *Hub) Broadcast(ctx context.Context, groupKey string, payload []byte) {
	select {
	case h.broadcast <- delivery{groupKey: groupKey, payload: payload}:
	case <-h.done:
	case <-ctx.Done():
		h.log.Warn("broadcast abandoned", "channel_id", groupKey, "error", ctx.Err())
	}
}

// Members returns the number of sessions currently joined to groupKey.
func (h *Hub) Members(groupKey string) int {
	q := sizeQuery{groupKey: groupKey, reply: make(chan int, 1)}
	select {
	case h.size <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
