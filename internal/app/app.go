// Package app assembles the processing stack shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"pricestat/internal/blob"
	"pricestat/internal/config"
	"pricestat/internal/enrich"
	"pricestat/internal/lock"
	"pricestat/internal/queue"
	"pricestat/internal/report"
	"pricestat/internal/session"
	"pricestat/internal/site"
	"pricestat/internal/store"
	"pricestat/internal/worker"
)

// App holds the long-lived collaborators of one process.
type App struct {
	Store     store.JobStore
	Redis     *redis.Client
	Queue     *queue.RedisQueue
	Processor *worker.Processor

	closers []func()
}

// Build connects the store and Redis and wires the batch processor.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{}

	switch cfg.StoreDriver {
	case "memory":
		slog.Warn("using in-memory job store; jobs are lost on restart")
		a.Store = store.NewMemory()
	case "postgres", "":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.Store = pg
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.Queue = queue.NewRedisQueue(a.Redis, cfg.VisibilityTimeout)

	uploader, err := blob.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init uploader: %w", err)
	}
	capturer, err := enrich.NewCapturer(cfg, uploader)
	if err != nil {
		a.Close()
		return nil, err
	}
	summarizer, err := enrich.NewSummarizer(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	sessions := session.NewManager(session.Options{
		BaseURL:    cfg.SiteBaseURL,
		LoginPath:  cfg.SiteLoginPath,
		Username:   cfg.SiteUsername,
		Password:   cfg.SitePassword,
		CookieTTL:  cfg.CookieTTL,
		NavTimeout: cfg.NavTimeout,
	}, session.NewRedisCookieStore(a.Redis), session.ChromeLauncher(cfg.BrowserBin, cfg.BrowserHeadless))

	a.Processor = worker.NewProcessor(worker.Deps{
		Store:      a.Store,
		Locks:      lock.NewRedis(a.Redis),
		Browsers:   site.NewLauncher(sessions, site.Options{SearchTemplates: cfg.SearchURLTemplates}),
		Capturer:   capturer,
		Summarizer: summarizer,
		Reports:    report.NewAssembler(uploader),
	}, worker.Options{
		DefaultBatchSize: cfg.DefaultBatchSize,
		LockTTL:          cfg.AdvanceLockTTL,
		StatsPreference:  cfg.StatsPreference,
	})

	slog.Info("processing stack ready",
		"store", cfg.StoreDriver,
		"capture_mode", cfg.CaptureMode,
		"summary_mode", cfg.SummaryMode,
		"stats_preference", cfg.StatsPreference,
	)
	return a, nil
}

// NewDriver builds the queue driver for this stack.
func (a *App) NewDriver(cfg config.Config) *worker.Driver {
	return worker.NewDriver(a.Queue, a.Processor, worker.DriverOptions{
		BatchSize:       cfg.DefaultBatchSize,
		PollInterval:    cfg.WorkerPollInterval,
		RescheduleDelay: cfg.RescheduleDelay,
		AdvanceTimeout:  cfg.VisibilityTimeout * 9 / 10,
	})
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
