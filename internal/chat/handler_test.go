package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelchat/internal/db"
	"channelchat/internal/logging"
	"channelchat/internal/membership"
	myMiddleware "channelchat/internal/middleware"
	"channelchat/internal/testutil"
	"channelchat/internal/user"
)

const testSecret = "test-secret"

type harness struct {
	t        *testing.T
	db       *db.Database
	fx       *testutil.Fixtures
	auth     *user.Authenticator
	hub      *Hub
	stopHub  context.CancelFunc
	handler  *Handler
	server   *httptest.Server
	messages *Repository
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	directory Directory
	opts      Options
}

func withDirectory(d Directory) harnessOption {
	return func(c *harnessConfig) { c.directory = d }
}

func withOptions(o Options) harnessOption {
	return func(c *harnessConfig) { c.opts = o }
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()

	database := testutil.OpenSQLite(t)
	fx := testutil.NewFixtures(t, database)
	cfg := harnessConfig{directory: fx.Servers}
	for _, o := range options {
		o(&cfg)
	}

	log := logging.Discard()
	hub := NewHub(log)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	auth := user.NewAuthenticator(fx.Users, testSecret, log)
	messages := NewRepository(database.Conn)
	pipeline := NewPipeline(messages, hub, time.Second, log)
	handler := NewHandler(hub, pipeline, cfg.directory, cfg.opts, log)

	r := chi.NewRouter()
	r.With(myMiddleware.NewAuthMiddleware(auth, "access_token").Handle).
		Get("/ws/{serverID}/{channelID}", handler.ServeWs)
	server := httptest.NewServer(r)

	t.Cleanup(func() {
		stopHub()
		<-hub.Done()
		server.Close()
	})

	return &harness{
		t:        t,
		db:       database,
		fx:       fx,
		auth:     auth,
		hub:      hub,
		stopHub:  stopHub,
		handler:  handler,
		server:   server,
		messages: messages,
	}
}

func (h *harness) token(u *user.User) string {
	h.t.Helper()
	token, err := h.auth.IssueToken(u, time.Hour)
	require.NoError(h.t, err)
	return token
}

func (h *harness) dial(path, token string, header http.Header) (*websocket.Conn, *http.Response, error) {
	if header == nil {
		header = http.Header{}
	}
	if token != "" {
		header.Set("Cookie", "access_token="+token)
	}
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, header)
}

// connect dials and waits until the session is registered in channelID.
func (h *harness) connect(serverID, channelID string, u *user.User) *websocket.Conn {
	h.t.Helper()
	before := h.hub.Members(channelID)

	conn, _, err := h.dial("/ws/"+serverID+"/"+channelID, h.token(u), nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { conn.Close() })

	require.Eventually(h.t, func() bool {
		return h.hub.Members(channelID) == before+1
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func (h *harness) messageCount() int {
	h.t.Helper()
	var n int
	require.NoError(h.t, h.db.Conn.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n))
	return n
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func readFrame(t *testing.T, conn *websocket.Conn) OutboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame OutboundFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, FrameChatMessage, frame.Type)
	require.NotNil(t, frame.NewMessage)
	return frame
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, code, closeErr.Code)
}

type failingDirectory struct {
	serverErr error
	memberErr error
}

func (d failingDirectory) GetServer(_ context.Context, id string) (*membership.Server, error) {
	if d.serverErr != nil {
		return nil, d.serverErr
	}
	return &membership.Server{ID: id}, nil
}

func (d failingDirectory) IsMember(context.Context, string, int64) (bool, error) {
	return false, d.memberErr
}

func TestServeWs_RejectsAnonymous(t *testing.T) {
	h := newHarness(t)
	h.fx.Server("s1", "General")

	for name, token := range map[string]string{
		"no token": "",
		"garbage":  "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			conn, _, err := h.dial("/ws/s1/c1", token, nil)
			require.NoError(t, err)
			defer conn.Close()

			expectClose(t, conn, CloseUnauthenticated)
			assert.Equal(t, 0, h.hub.Members("c1"))
		})
	}
}

func TestServeWs_RejectsTokenForUnknownUser(t *testing.T) {
	h := newHarness(t)
	h.fx.Server("s1", "General")

	ghost := &user.User{ID: 9999, Username: "ghost"}
	conn, _, err := h.dial("/ws/s1/c1", h.token(ghost), nil)
	require.NoError(t, err)
	defer conn.Close()

	expectClose(t, conn, CloseUnauthenticated)
}

func TestServeWs_UnknownServer(t *testing.T) {
	h := newHarness(t)
	alice := h.fx.User("alice")

	conn, _, err := h.dial("/ws/nope/c1", h.token(alice), nil)
	require.NoError(t, err)
	defer conn.Close()

	expectClose(t, conn, CloseServerNotFound)
	assert.Equal(t, 0, h.hub.Members("c1"))
}

func TestServeWs_DirectoryFaults(t *testing.T) {
	boom := errors.New("directory unavailable")

	for name, dir := range map[string]failingDirectory{
		"server lookup":     {serverErr: boom},
		"membership lookup": {memberErr: boom},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, withDirectory(dir))
			alice := h.fx.User("alice")

			conn, _, err := h.dial("/ws/s1/c1", h.token(alice), nil)
			require.NoError(t, err)
			defer conn.Close()

			expectClose(t, conn, CloseJoinFailed)
		})
	}
}

func TestServeWs_ClosedRegistry(t *testing.T) {
	h := newHarness(t)
	alice := h.fx.User("alice")
	h.fx.Server("s1", "General", alice)

	h.stopHub()
	<-h.hub.Done()

	conn, _, err := h.dial("/ws/s1/c1", h.token(alice), nil)
	require.NoError(t, err)
	defer conn.Close()

	expectClose(t, conn, CloseJoinFailed)
}

func TestServeWs_MemberMessageReachesEveryone(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.fx.User("alice"), h.fx.User("bob")
	h.fx.Server("s1", "General", alice, bob)

	a := h.connect("s1", "c1", alice)
	b := h.connect("s1", "c1", bob)

	send(t, a, `{"message":"hi"}`)

	for _, conn := range []*websocket.Conn{a, b} {
		frame := readFrame(t, conn)
		assert.Equal(t, "alice", frame.NewMessage.Sender)
		assert.Equal(t, "hi", frame.NewMessage.Content)
		_, err := time.Parse(time.RFC3339Nano, frame.NewMessage.Timestamp)
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, h.messageCount())

	recent, err := h.messages.ListMessages(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, alice.ID, recent[0].SenderID)
}

func TestServeWs_ChannelsAreIsolated(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.fx.User("alice"), h.fx.User("bob")
	h.fx.Server("s1", "General", alice, bob)

	a := h.connect("s1", "c1", alice)
	b := h.connect("s1", "c2", bob)

	send(t, a, `{"message":"only c1"}`)
	send(t, b, `{"message":"only c2"}`)

	assert.Equal(t, "only c1", readFrame(t, a).NewMessage.Content)
	assert.Equal(t, "only c2", readFrame(t, b).NewMessage.Content)
}

func TestServeWs_NonMemberIsSilencedButListens(t *testing.T) {
	h := newHarness(t)
	alice, carol := h.fx.User("alice"), h.fx.User("carol")
	h.fx.Server("s1", "General", alice)

	a := h.connect("s1", "c1", alice)
	c := h.connect("s1", "c1", carol)

	send(t, c, `{"message":"let me in"}`)
	send(t, a, `{"message":"hello"}`)

	assert.Equal(t, "hello", readFrame(t, a).NewMessage.Content)
	assert.Equal(t, "hello", readFrame(t, c).NewMessage.Content)
	assert.Equal(t, 1, h.messageCount())
	assert.Equal(t, 2, h.hub.Members("c1"))
}

func TestServeWs_MalformedFramesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t)
	alice := h.fx.User("alice")
	h.fx.Server("s1", "General", alice)

	a := h.connect("s1", "c1", alice)

	send(t, a, `not json`)
	send(t, a, `{"message":""}`)
	send(t, a, `{"text":"wrong field"}`)
	send(t, a, `{"message":"finally"}`)

	assert.Equal(t, "finally", readFrame(t, a).NewMessage.Content)
	assert.Equal(t, 1, h.messageCount())
}

func TestServeWs_DisconnectLeavesGroup(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.fx.User("alice"), h.fx.User("bob")
	h.fx.Server("s1", "General", alice, bob)

	a := h.connect("s1", "c1", alice)
	b := h.connect("s1", "c1", bob)

	require.NoError(t, b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	b.Close()

	require.Eventually(t, func() bool {
		return h.hub.Members("c1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	send(t, a, `{"message":"anyone?"}`)
	assert.Equal(t, "anyone?", readFrame(t, a).NewMessage.Content)
}

func TestServeWs_ShutdownSendsGoingAway(t *testing.T) {
	h := newHarness(t)
	alice := h.fx.User("alice")
	h.fx.Server("s1", "General", alice)

	a := h.connect("s1", "c1", alice)

	h.stopHub()
	expectClose(t, a, websocket.CloseGoingAway)
}

func TestServeWs_OriginAllowList(t *testing.T) {
	h := newHarness(t, withOptions(Options{AllowedOrigins: []string{"https://app.example.com"}}))
	alice := h.fx.User("alice")
	h.fx.Server("s1", "General", alice)

	_, resp, err := h.dial("/ws/s1/c1", h.token(alice), http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := h.dial("/ws/s1/c1", h.token(alice), http.Header{"Origin": {"https://APP.example.com"}})
	require.NoError(t, err)
	conn.Close()
}

func TestServeWs_WaitCoversOpenSessions(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.fx.User("alice"), h.fx.User("bob")
	h.fx.Server("s1", "General", alice, bob)

	a := h.connect("s1", "c1", alice)
	b := h.connect("s1", "c2", bob)

	busy, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.handler.Wait(busy), context.DeadlineExceeded)

	h.stopHub()
	waitCtx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	require.NoError(t, h.handler.Wait(waitCtx))

	// Every writer finished before Wait returned, so the frames are already sent.
	expectClose(t, a, websocket.CloseGoingAway)
	expectClose(t, b, websocket.CloseGoingAway)
}

func TestServeWs_WaitReturnsAfterRejections(t *testing.T) {
	h := newHarness(t)

	conn, _, err := h.dial("/ws/s1/c1", "", nil)
	require.NoError(t, err)
	defer conn.Close()
	expectClose(t, conn, CloseUnauthenticated)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, h.handler.Wait(ctx))
}
