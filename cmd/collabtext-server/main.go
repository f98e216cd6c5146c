// Command collabtext-server runs the collaboration core's WebSocket sync
// server: it wires config, storage, fan-out, and the session handler
// together and serves spec §6.1's duplex endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabtext/internal/authn"
	"collabtext/internal/config"
	"collabtext/internal/fanout"
	"collabtext/internal/offline"
	"collabtext/internal/room"
	"collabtext/internal/session"
	"collabtext/internal/storage"
	"collabtext/internal/storage/migrations"
	"collabtext/internal/storage/postgres"
	"collabtext/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := postgres.Dial(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("dial postgres: %w", err)
	}
	defer db.Close()

	if err := migrations.Up(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	pgStore, err := postgres.New(db)
	if err != nil {
		return fmt.Errorf("new postgres store: %w", err)
	}

	cachedStore, err := storage.NewCachedStore(pgStore)
	if err != nil {
		return fmt.Errorf("new cached store: %w", err)
	}
	var store storage.Store = cachedStore

	bus, err := fanout.Dial(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("dial redis: %w", err)
	}
	defer bus.Close()

	verifier := authn.NewVerifier([]byte(cfg.JWTSigningKey))
	recovery := offline.New(store, logger)
	registry := room.NewRegistry(store, bus, logger, room.Config{
		SnapshotOpThreshold: cfg.SnapshotOpThreshold,
		PersistenceTimeout:  cfg.PersistenceTimeout,
	})
	handler := session.New(registry, store, verifier, recovery, logger, cfg)

	go handler.RunHeartbeatSweeper(ctx)
	go handler.RunSnapshotSweeper(ctx)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return cfg.ClientOrigin == "*" || r.Header.Get("Origin") == cfg.ClientOrigin
		},
	}

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))
	router.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Methods(http.MethodGet).Path("/ws").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		handler.Serve(r.Context(), transport.NewWebsocketConn(conn))
	})

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("collabtext sync server listening", zap.String("addr", cfg.ListenAddr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)

	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("final checkpoint on shutdown reported failures", zap.Error(err))
	}

	return nil
}

func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Debug("handled request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", m.Code),
				zap.Duration("duration", m.Duration),
			)
		})
	}
}
