package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leaderlink/engage/internal/config"
	"github.com/leaderlink/engage/internal/engagement"
	"github.com/leaderlink/engage/internal/httpapi"
	"github.com/leaderlink/engage/internal/ledger"
	"github.com/leaderlink/engage/internal/lib/logger/handlers/slogpretty"
	"github.com/leaderlink/engage/internal/lib/logger/sl"
	"github.com/leaderlink/engage/internal/platform/auth"
	"github.com/leaderlink/engage/internal/platform/dbpool"
	"github.com/leaderlink/engage/internal/platform/natsutil"
	"github.com/leaderlink/engage/internal/store"
	"github.com/leaderlink/engage/internal/store/memstore"
	"github.com/leaderlink/engage/internal/store/postgres"
	"github.com/leaderlink/engage/internal/view"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"

	connectTimeout = 30 * time.Second
	sessionTTL     = 24 * time.Hour
)

func main() {
	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)
	log.Info("starting engage-api",
		slog.String("env", cfg.Env),
		slog.String("storage", cfg.Storage),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, cleanup, err := openGateway(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store gateway", sl.Err(err))
		os.Exit(1)
	}
	defer cleanup()

	srv := httpapi.NewServer(
		gateway,
		ledger.New(gateway),
		engagement.NewService(gateway),
		auth.NewManager(cfg.SessionSecret, sessionTTL),
		view.Config{Tick: cfg.Stream.Tick, Resubscribe: cfg.Stream.Resubscribe},
		log,
	)

	httpServer := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.HTTPServer.Timeout,
		// No write timeout: the SSE stream endpoint holds its connection
		// open for the life of the attached screen.
		IdleTimeout: cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		log.Info("http server listening", slog.String("address", cfg.HTTPServer.Address))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", sl.Err(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", sl.Err(err))
	}
	log.Info("stopped")
}

func openGateway(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Gateway, func(), error) {
	if cfg.Storage == "memory" {
		log.Warn("using in-memory storage; nothing will survive a restart")
		return memstore.New(), func() {}, nil
	}

	pool, err := dbpool.New(ctx, cfg.DatabaseURL, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	natsClient, err := natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, connectTimeout)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	pg := postgres.New(pool, natsClient.JS, log)
	if err := pg.EnsureSchema(ctx); err != nil {
		natsClient.Close()
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		natsClient.Close()
		pool.Close()
	}
	return pg, cleanup, nil
}

func setupLogger(env string) *slog.Logger {
	switch env {
	case envLocal:
		opts := slogpretty.PrettyHandlerOptions{
			SlogOpts: &slog.HandlerOptions{Level: slog.LevelDebug},
		}
		return slog.New(opts.NewPrettyHandler(os.Stdout))
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
}
