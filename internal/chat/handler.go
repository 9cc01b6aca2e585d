package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"channelchat/internal/membership"
	myMiddleware "channelchat/internal/middleware"
)

// Directory answers the join-time questions about servers and membership.
// *membership.Repository satisfies it.
type Directory interface {
	GetServer(ctx context.Context, serverID string) (*membership.Server, error)
	IsMember(ctx context.Context, serverID string, userID int64) (bool, error)
}

type Handler struct {
	registry  Registry
	pipeline  *Pipeline
	directory Directory
	upgrader  websocket.Upgrader
	opts      Options
	log       *slog.Logger

	// live counts ServeWs calls, including their write goroutines.
	live sync.WaitGroup
}

func NewHandler(registry Registry, pipeline *Pipeline, directory Directory, opts Options, log *slog.Logger) *Handler {
	opts = opts.withDefaults()
	log = log.With("component", "gatekeeper")
	return &Handler{
		registry:  registry,
		pipeline:  pipeline,
		directory: directory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     newOriginChecker(opts.AllowedOrigins, log),
		},
		opts: opts,
		log:  log,
	}
}

// ServeWs runs one connection from upgrade to close. The upgrade is accepted
// before any check so a refused peer still learns why from the close code.
// The read loop runs on the request goroutine; writes get their own.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	h.live.Add(1)
	defer h.live.Done()

	serverID := chi.URLParam(r, "serverID")
	channelID := chi.URLParam(r, "channelID")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.log.Warn("upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	// Keep request values, drop the server's cancellation: the connection
	// outlives the hijacked request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	log := h.log.With("server_id", serverID, "channel_id", channelID)
	g := newGate(conn, h.opts.WriteWait, log)

	g.transition(StateAuthenticating)
	identity := myMiddleware.IdentityFrom(ctx)
	if identity.IsAnonymous() {
		g.reject(CloseUnauthenticated, "authentication required")
		return
	}
	log = log.With("user_id", identity.ID)

	g.transition(StateAuthorizing)
	if _, err := h.directory.GetServer(ctx, serverID); err != nil {
		if errors.Is(err, membership.ErrServerNotFound) {
			g.reject(CloseServerNotFound, "server not found")
			return
		}
		log.Error("server lookup failed", "error", err)
		g.reject(CloseJoinFailed, "join failed")
		return
	}

	isMember, err := h.directory.IsMember(ctx, serverID, identity.ID)
	if err != nil {
		log.Error("membership lookup failed", "error", err)
		g.reject(CloseJoinFailed, "join failed")
		return
	}

	s := newSession(conn, identity, serverID, channelID, isMember, h.opts, h.log)
	defer h.registry.Leave(channelID, s)

	if err := h.registry.Join(channelID, s); err != nil {
		log.Error("registry join failed", "error", err)
		g.reject(CloseJoinFailed, "join failed")
		return
	}
	g.transition(StateJoined)
	s.log.Info("session joined", "member", isMember)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writePump()
	}()
	s.readPump(ctx, h.pipeline)

	// Leaving closes the queue, which lets the writer send its close frame
	// and return. The deferred Leave is then a no-op.
	h.registry.Leave(channelID, s)
	<-writeDone

	g.transition(StateClosed)
	s.log.Info("session closed")
}

// Wait blocks until every connection served so far has finished, or ctx is
// done. Call it after the registry is stopped so sessions are told to go away.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.live.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
