package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "pricestat/internal/api"
	"pricestat/internal/app"
	"pricestat/internal/config"
	"pricestat/internal/ratelimit"
)

func main() {
	cfg := config.Load()
	_, closeLog := config.SetupLogger(cfg)
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stack, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	// An in-memory store is invisible to a separate worker process.
	if cfg.StoreDriver == "memory" {
		slog.Info("running embedded driver")
		go func() {
			if err := stack.NewDriver(cfg).Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("embedded driver stopped", "error", err)
			}
		}()
	}

	limiter := ratelimit.NewTokenBucket(stack.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(cfg, stack.Store, stack.Processor, stack.Queue, limiter)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
