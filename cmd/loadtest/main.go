// Command loadtest opens many sockets against a running chat server, sends
// messages from each and counts what comes back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"channelchat/internal/config"
	"channelchat/internal/db"
	"channelchat/internal/logging"
	"channelchat/internal/membership"
	"channelchat/internal/user"
)

type stats struct {
	connected atomic.Int64
	rejected  atomic.Int64
	sent      atomic.Int64
	received  atomic.Int64
}

func main() {
	envFile := flag.String("env", ".env", "dotenv file with DB and JWT settings")
	wsURL := flag.String("url", "ws://localhost:8080/ws", "websocket base URL")
	serverID := flag.String("server", "loadtest", "server id to join")
	channels := flag.Int("channels", 10, "channels to spread clients over")
	clients := flag.Int("clients", 20, "clients per channel")
	messages := flag.Int("messages", 20, "messages per client")
	interval := flag.Duration("interval", 10*time.Millisecond, "pause between messages")
	seed := flag.Bool("seed", false, "create the server, users and memberships first")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	database, err := db.NewDatabase(db.Dialect(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		logger.Error("connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	users := user.NewRepository(database.Conn)
	servers := membership.NewRepository(database.Conn)

	if *seed {
		if err := database.AutoMigrate(); err != nil {
			logger.Error("migrate", "error", err)
			os.Exit(1)
		}
		if _, err := servers.GetServer(ctx, *serverID); errors.Is(err, membership.ErrServerNotFound) {
			if _, err := servers.CreateServer(ctx, *serverID, "Load test"); err != nil {
				logger.Error("create server", "error", err)
				os.Exit(1)
			}
		}
	}

	authenticator := user.NewAuthenticator(users, cfg.JWTSecret, logger)
	total := *channels * *clients

	tokens := make([]string, 0, total)
	for i := 0; i < total; i++ {
		u, err := loadUser(ctx, users, servers, *serverID, fmt.Sprintf("lt_%d", i), *seed)
		if err != nil {
			logger.Error("prepare user", "index", i, "error", err)
			os.Exit(1)
		}
		token, err := authenticator.IssueToken(u, time.Hour)
		if err != nil {
			logger.Error("issue token", "user", u.Username, "error", err)
			os.Exit(1)
		}
		tokens = append(tokens, token)
	}

	logger.Info("starting load test", "clients", total, "channels", *channels, "messages_per_client", *messages)

	var st stats
	var wg sync.WaitGroup
	start := time.Now()
	// Every client in a channel receives every message sent in it, its own included.
	expected := *clients * *messages

	for i, token := range tokens {
		channelID := fmt.Sprintf("lt-%d", i%*channels)
		url := strings.TrimSuffix(*wsURL, "/") + "/" + *serverID + "/" + channelID

		wg.Add(1)
		go func() {
			defer wg.Done()
			runClient(logger, &st, url, token, *messages, expected, *interval)
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	logger.Info("load test complete",
		"elapsed", elapsed.Round(time.Millisecond),
		"connected", st.connected.Load(),
		"rejected", st.rejected.Load(),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
		"expected_received", int64(expected)*st.connected.Load(),
	)
}

// loadUser returns the named user, creating it and its membership when seeding.
func loadUser(ctx context.Context, users *user.Repository, servers *membership.Repository, serverID, username string, seed bool) (*user.User, error) {
	u, err := users.GetUserByUsername(ctx, username)
	if errors.Is(err, user.ErrUserNotFound) && seed {
		u, err = users.CreateUser(ctx, username)
	}
	if err != nil {
		return nil, err
	}

	if seed {
		if err := servers.AddMember(ctx, serverID, u.ID); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func runClient(logger *slog.Logger, st *stats, url, token string, messages, expected int, interval time.Duration) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		logger.Warn("connect failed", "url", url, "error", err)
		st.rejected.Add(1)
		return
	}
	defer conn.Close()
	st.connected.Add(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < expected; n++ {
			conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					logger.Warn("closed by server", "url", url, "code", closeErr.Code, "reason", closeErr.Text)
				}
				return
			}
			st.received.Add(1)
		}
	}()

	for i := 0; i < messages; i++ {
		if err := conn.WriteJSON(map[string]string{"message": fmt.Sprintf("load test message %d", i)}); err != nil {
			logger.Warn("send failed", "url", url, "error", err)
			break
		}
		st.sent.Add(1)
		time.Sleep(interval)
	}

	<-done
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
