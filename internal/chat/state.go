package chat

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Application close codes sent to the peer when a connection is turned away.
const (
	CloseJoinFailed      = 4000
	CloseUnauthenticated = 4001
	CloseServerNotFound  = 4004
)

// ConnState is the lifecycle position of one connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateAuthorizing
	StateJoined
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorizing:
		return "authorizing"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// gate walks one connection through the join sequence. Closed is terminal.
type gate struct {
	state     ConnState
	conn      *websocket.Conn
	writeWait time.Duration
	log       *slog.Logger
}

func newGate(conn *websocket.Conn, writeWait time.Duration, log *slog.Logger) *gate {
	return &gate{state: StateConnecting, conn: conn, writeWait: writeWait, log: log}
}

func (g *gate) transition(to ConnState) {
	if g.state == StateClosed {
		return
	}
	g.log.Debug("connection state", "from", g.state, "to", to)
	g.state = to
}

// reject sends a close frame with code and drops the transport.
func (g *gate) reject(code int, reason string) {
	if g.state == StateClosed {
		return
	}

	msg := websocket.FormatCloseMessage(code, reason)
	if err := g.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.writeWait)); err != nil {
		g.log.Debug("close frame not delivered", "code", code, "error", err)
	}
	g.conn.Close()

	g.log.Info("connection rejected", "state", g.state, "code", code, "reason", reason)
	g.state = StateClosed
}
