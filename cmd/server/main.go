package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"channelchat/internal/chat"
	"channelchat/internal/config"
	"channelchat/internal/db"
	"channelchat/internal/logging"
	"channelchat/internal/membership"
	myMiddleware "channelchat/internal/middleware"
	"channelchat/internal/user"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Flags
	envFile := flag.String("env", ".env", "dotenv file to load before reading the environment")
	addr := flag.String("addr", "", "http service address (overrides ADDR)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	database, err := db.NewDatabase(db.Dialect(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.DBDriver, err)
	}
	defer database.Close()
	logger.Info("database connected", "driver", cfg.DBDriver)

	if err := database.AutoMigrate(); err != nil {
		return err
	}
	logger.Info("database schema initialized")

	// 3. Group registry, relayed through Redis when configured
	hub := chat.NewHub(logger)
	var registry chat.Registry = hub

	var relay *chat.RedisRelay
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("redis connected", "addr", cfg.RedisAddr, "prefix", cfg.RedisChannelPrefix)

		relay = chat.NewRedisRelay(hub, redisClient, cfg.RedisChannelPrefix, logger)
		registry = relay
	}

	// 4. Features
	userRepo := user.NewRepository(database.Conn)
	authenticator := user.NewAuthenticator(userRepo, cfg.JWTSecret, logger)
	authMiddleware := myMiddleware.NewAuthMiddleware(authenticator, cfg.TokenCookie)

	membershipRepo := membership.NewRepository(database.Conn)
	chatRepo := chat.NewRepository(database.Conn)
	pipeline := chat.NewPipeline(chatRepo, registry, cfg.StoreTimeout, logger)
	chatHandler := chat.NewHandler(registry, pipeline, membershipRepo, chat.Options{
		MaxMessageSize: cfg.MaxMessageSize,
		SendBufferSize: cfg.SendBufferSize,
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		AllowedOrigins: cfg.AllowedOrigins,
	}, logger)

	// 5. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/ws/{serverID}/{channelID}", chatHandler.ServeWs)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 6. Run until a signal arrives or a component fails. The registry
	// outlives the HTTP server so open sessions get a going-away close, and
	// run returns (closing the database) only after they have finished.
	g, gctx := errgroup.WithContext(ctx)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	g.Go(func() error {
		hub.Run(hubCtx)
		return nil
	})

	if relay != nil {
		g.Go(func() error {
			return relay.Run(hubCtx)
		})
	}

	g.Go(func() error {
		// Broadcasts published before the subscription is confirmed would
		// never reach this process's sessions.
		if relay != nil {
			if err := relay.WaitReady(gctx); err != nil {
				return nil
			}
		}

		logger.Info("server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		stopHub()

		// Hijacked connections are not covered by Shutdown. Give them the
		// rest of the budget to send their going-away frames.
		if waitErr := chatHandler.Wait(shutdownCtx); waitErr != nil {
			logger.Warn("sessions still open at shutdown", "error", waitErr)
		}
		return err
	})

	return g.Wait()
}
