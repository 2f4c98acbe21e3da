package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"pricestat/internal/app"
	"pricestat/internal/config"
	"pricestat/internal/telemetry"
)

func main() {
	cfg := config.Load()
	_, closeLog := config.SetupLogger(cfg)
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.StoreDriver == "memory" {
		slog.Error("worker needs a shared store; STORE_DRIVER=memory only works inside the api process")
		os.Exit(1)
	}

	stack, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()

	slog.Info("worker started",
		"visibility", cfg.VisibilityTimeout,
		"batch_size", cfg.DefaultBatchSize,
		"reschedule_delay", cfg.RescheduleDelay,
	)
	if err := stack.NewDriver(cfg).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", "error", err)
	}
}
