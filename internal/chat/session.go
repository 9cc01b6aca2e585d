package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"channelchat/internal/user"
)

// Options tune the per-connection transport.
type Options struct {
	MaxMessageSize int64
	SendBufferSize int
	WriteWait      time.Duration
	PongWait       time.Duration
	// RateLimit is inbound frames per second; zero disables limiting.
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 5
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	return o
}

func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// Session is one joined connection, a middleman between the websocket and
// the registry.
type Session struct {
	ID        uuid.UUID
	Identity  user.Identity
	ServerID  string
	ChannelID string
	// IsMember is resolved once while joining. A membership change made
	// afterwards takes effect on the next connection.
	IsMember bool

	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	opts    Options
	log     *slog.Logger

	// closeCode is set by the registry before it closes send.
	closeCode int
}

func newSession(conn *websocket.Conn, identity user.Identity, serverID, channelID string, isMember bool, opts Options, log *slog.Logger) *Session {
	s := &Session{
		ID:        uuid.New(),
		Identity:  identity,
		ServerID:  serverID,
		ChannelID: channelID,
		IsMember:  isMember,
		conn:      conn,
		send:      make(chan []byte, opts.SendBufferSize),
		opts:      opts,
		closeCode: websocket.CloseNormalClosure,
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	s.log = log.With("session_id", s.ID, "user_id", identity.ID, "server_id", serverID, "channel_id", channelID)
	return s
}

// readPump feeds inbound frames to the pipeline until the peer goes away.
// Dropped frames are logged; they never end the connection.
func (s *Session) readPump(ctx context.Context, pipeline *Pipeline) {
	s.conn.SetReadLimit(s.opts.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Warn("read failed", "error", err)
			}
			return
		}

		if err := pipeline.HandleInbound(ctx, s, raw); err != nil {
			s.logDrop(err)
		}
	}
}

func (s *Session) logDrop(err error) {
	switch {
	case errors.Is(err, ErrMalformedFrame), errors.Is(err, ErrNotMember), errors.Is(err, ErrRateLimited):
		s.log.Debug("frame dropped", "error", err)
	default:
		s.log.Warn("frame dropped", "error", err)
	}
}

// writePump drains the send queue to the peer and keeps the connection alive
// with pings. When the registry closes the queue, the peer gets a close frame
// carrying closeCode.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeCode, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Debug("write failed", "error", err)
				return
			}

			// Flush whatever queued up meanwhile. Each payload stays its own
			// frame since clients parse one JSON document per frame.
			n := len(s.send)
			for i := 0; i < n; i++ {
				payload, ok := <-s.send
				if !ok {
					s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeCode, ""))
					return
				}
				if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					s.log.Debug("write failed", "error", err)
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
