package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"syncbridge/internal/platform/config"
	"syncbridge/internal/platform/httpserver"
	"syncbridge/internal/platform/logger"
)

// main loads configuration, wires the engine and serves until SIGINT or
// SIGTERM. Wiring lives in wire.go.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	app, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	srv := httpserver.New(cfg.Server.Addr, app.router)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting syncbridge",
			"addr", cfg.Server.Addr,
			"platform", cfg.Sync.Platform,
			"publish_sink", cfg.Sync.PublishSink,
			"local_backend", cfg.LocalBackend,
			"identity_backend", cfg.IdentityBackend,
			"lock_backend", cfg.LockBackend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return app.janitor.Run(gctx)
	})
	if app.listener != nil {
		g.Go(func() error {
			return app.listener.Run(gctx)
		})
	}

	err = g.Wait()
	log.Info("shutting down", "pending_publications", len(app.dispatcher.Pending()))
	app.dispatcher.Close()
	return err
}
