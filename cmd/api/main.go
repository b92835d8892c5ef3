package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/voice-concierge/backend/internal/config"
	"github.com/zhouzirui/voice-concierge/backend/internal/handler"
	"github.com/zhouzirui/voice-concierge/backend/internal/logger"
	"github.com/zhouzirui/voice-concierge/backend/internal/service/ai"
	"github.com/zhouzirui/voice-concierge/backend/internal/service/session"
	"github.com/zhouzirui/voice-concierge/backend/internal/service/token"
	"github.com/zhouzirui/voice-concierge/backend/internal/storage/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.For("main")

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.WithError(err).Warn("failed to load .env file, continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.WithError(err).Fatal("invalid logging configuration")
	}

	store, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		log.WithError(err).Fatal("failed to open interaction store")
	}
	defer store.Close()
	log.WithField("path", cfg.Store.Path).Info("interaction store ready")

	var registry *session.Registry

	// Initialize AI service
	var assistant session.Assistant
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, ai.WithPages(func(sessionID string) string {
			if s, ok := registry.Get(sessionID); ok {
				return s.Page()
			}
			return ""
		}))
		if err != nil {
			log.WithError(err).Warn("failed to initialize AI service, continuing without assistant replies")
		} else {
			assistant = aiService
			log.Info("AI service initialized successfully")
		}
	} else {
		log.Info("Ark credentials not configured, skipping AI initialization")
	}

	opts := []session.Option{}
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, session directory disabled")
		} else {
			opts = append(opts, session.WithDirectory(session.NewRedisDirectory(client, cfg.Redis.SessionTTL)))
			log.WithField("addr", cfg.Redis.Addr).Info("session directory enabled")
		}
	}

	registry = session.NewRegistry(store, assistant, cfg.Session, opts...)
	go registry.Run(ctx)

	var issuer *token.Issuer
	if cfg.Token.Enabled() {
		issuer, err = token.NewIssuer(cfg.Token, nil)
		if err != nil {
			log.WithError(err).Fatal("failed to create token issuer")
		}
	} else {
		log.Info("LiveKit credentials not configured, token issuing and realtime transport disabled")
	}

	router := handler.NewRouter(handler.Dependencies{
		Sessions:       registry,
		Store:          store,
		Issuer:         issuer,
		Welcome:        ai.WelcomeMessage,
		MetricsEnabled: cfg.Metrics.Enabled,
	})

	startServer(ctx, cfg.Server, router)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("sessions did not drain cleanly")
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.For("main").WithField("addr", addr).Info("voice concierge backend listening")
	if err := runServer(ctx, srv); err != nil {
		logger.For("main").WithError(err).Error("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
