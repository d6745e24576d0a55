// Package main runs the scoring worker and the queue maintenance scheduler
// without the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kiranshivaraju/atsgateway/internal/app"
	"github.com/kiranshivaraju/atsgateway/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Queue.Backend == config.BackendMemory {
		return errors.New("a standalone worker cannot share the in-memory queue; use QUEUE_BACKEND=redis or postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	// Jobs claimed before the signal are finished against a live queue.
	wait, err := a.StartBackground(ctx)
	if err != nil {
		return err
	}
	slog.Info("worker process running", "queue_backend", cfg.Queue.Backend, "concurrency", cfg.Worker.Concurrency)

	<-ctx.Done()
	slog.Info("shutdown signal received, finishing in-flight jobs...")
	wait()
	slog.Info("worker process stopped")
	return nil
}
