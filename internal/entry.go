// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/gebo/internal/api"
	"github.com/starford/gebo/internal/events"
	"github.com/starford/gebo/internal/index"
	"github.com/starford/gebo/internal/mcpserver"
	"github.com/starford/gebo/internal/notestore"
	"github.com/starford/gebo/internal/share"
	"github.com/starford/gebo/internal/storage"
)

// core bundles the initialized application collaborators.
type core struct {
	store storage.Provider
	db    *index.DB
	svc   *notestore.Service
	coord *share.Coordinator
}

func (c *core) close(logger *slog.Logger) {
	if err := c.db.Close(); err != nil {
		logger.Warn("index close failed", slog.String("error", err.Error()))
	}
}

// buildCore initializes storage, the SQLite index, the note service, and
// the share coordinator.
func buildCore(cfg *Config, notify share.Notifier, logger *slog.Logger) (*core, error) {
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	store, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}

	// Reconcile the index with whatever is on disk before serving.
	if err := index.Sync(db, store, logger); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	svc := notestore.NewService(store, db)

	interval := time.Duration(cfg.Share.BeaconIntervalMS) * time.Millisecond
	disc := share.NewDiscovery(uuid.NewString(), cfg.Share.EffectiveDisplayName(), cfg.Share.DiscoveryPort, interval, logger)
	coord := share.NewCoordinator(share.Config{
		DisplayName:    cfg.Share.EffectiveDisplayName(),
		DiscoveryPort:  cfg.Share.DiscoveryPort,
		TransferPort:   cfg.Share.TransferPort,
		BeaconInterval: interval,
		ReceiveWindow:  time.Duration(cfg.Share.ReceiveWindowSecs) * time.Second,
		Limits: share.Limits{
			MaxNoteBytes:  cfg.Share.MaxNoteBytes,
			MaxTotalBytes: cfg.Share.MaxTotalBytes,
		},
	}, svc, disc, notify, logger)

	return &core{store: store, db: db, svc: svc, coord: coord}, nil
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("display_name", cfg.Share.EffectiveDisplayName()),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker; sharing sessions and the file watcher both publish to it.
	broker := events.NewBroker()
	defer broker.Close()

	notify := app.notify
	if notify == nil {
		notify = events.NewShareNotifier(broker)
	}

	c, err := buildCore(cfg, notify, logger)
	if err != nil {
		return err
	}
	defer c.close(logger)

	apiRouter := api.NewRouter(c.svc, c.coord, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start file watcher with SSE callback.
	g.Go(func() error {
		if err := index.Watch(gCtx, c.db, c.store, cfg.Vault.Path, logger, func(kind, id string) {
			broker.PublishNoteEvent(kind, id)
		}); err != nil {
			logger.Warn("file watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP starts the MCP stdio server. Logs go to stderr; stdout belongs to
// the protocol.
func RunMCP(_ context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	notify := app.notify
	if notify == nil {
		notify = share.NopNotifier{}
	}

	c, err := buildCore(cfg, notify, logger)
	if err != nil {
		return err
	}
	defer c.close(logger)

	srv := mcpserver.New(c.svc, c.coord)
	logger.Info("MCP server starting on stdio")
	return srv.ServeStdio()
}
