package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"pricestat/internal/models"
	"pricestat/internal/queue"
	"pricestat/internal/store"
	"pricestat/internal/telemetry"
)

// Advancer is the part of Processor the Driver needs.
type Advancer interface {
	Advance(ctx context.Context, jobID string, batchSize int) (models.Progress, error)
}

// DriverOptions tune the polling loop.
type DriverOptions struct {
	BatchSize       int
	PollInterval    time.Duration
	RescheduleDelay time.Duration
	// AdvanceTimeout bounds one Advance call; it should stay below the queue visibility timeout.
	AdvanceTimeout time.Duration
	BackoffMax     time.Duration
}

// Driver is the single external caller of Advance. It leases job ids from the queue, advances
// each by one slice and re-schedules jobs that are still running.
type Driver struct {
	queue    *queue.RedisQueue
	advancer Advancer
	opts     DriverOptions

	mu       sync.Mutex
	failures map[string]int
}

func NewDriver(q *queue.RedisQueue, advancer Advancer, opts DriverOptions) *Driver {
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if opts.RescheduleDelay == 0 {
		opts.RescheduleDelay = 2 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	return &Driver{queue: q, advancer: advancer, opts: opts, failures: make(map[string]int)}
}

// Run polls until ctx is canceled.
func (d *Driver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := d.Tick(ctx)
		if err != nil {
			slog.WarnContext(ctx, "driver tick failed", "error", err)
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.PollInterval):
		}
	}
}

// Tick performs queue housekeeping and advances at most one job. It reports whether a job was
// leased.
func (d *Driver) Tick(ctx context.Context) (bool, error) {
	now := time.Now()
	if _, err := d.queue.PromoteScheduled(ctx, now, 100); err != nil {
		return false, err
	}
	if reclaimed, err := d.queue.RequeueExpired(ctx, now, 100); err == nil && len(reclaimed) > 0 {
		slog.InfoContext(ctx, "reclaimed expired leases", "job_ids", reclaimed)
	}
	if depth, err := d.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	jobID, err := d.queue.DequeueWithLease(ctx)
	if err != nil || jobID == "" {
		return false, err
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.opts.AdvanceTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.opts.AdvanceTimeout)
	}
	prog, advErr := d.advancer.Advance(runCtx, jobID, d.opts.BatchSize)
	cancel()

	return true, d.settle(ctx, jobID, prog, advErr)
}

// settle acks the lease and decides whether the job comes back.
func (d *Driver) settle(ctx context.Context, jobID string, prog models.Progress, advErr error) error {
	log := slog.With("job_id", jobID)
	if err := d.queue.Ack(ctx, jobID); err != nil {
		return err
	}

	switch {
	case errors.Is(advErr, store.ErrNotFound):
		log.WarnContext(ctx, "dropping unknown job")
		d.reset(jobID)
		return nil
	case errors.Is(advErr, ErrJobBusy):
		return d.queue.Schedule(ctx, jobID, time.Now().Add(d.opts.RescheduleDelay))
	case advErr == nil && models.IsTerminal(prog.Status):
		log.InfoContext(ctx, "job settled", "status", prog.Status, "processed", prog.Processed, "total", prog.Total)
		d.reset(jobID)
		return nil
	case advErr == nil:
		d.reset(jobID)
		return d.queue.Schedule(ctx, jobID, time.Now().Add(d.opts.RescheduleDelay))
	case models.IsTerminal(prog.Status):
		log.ErrorContext(ctx, "job stopped with error", "status", prog.Status, "error", advErr)
		d.reset(jobID)
		return nil
	default:
		attempts := d.fail(jobID)
		wait := backoffWithJitter(d.opts.RescheduleDelay, d.opts.BackoffMax, attempts)
		log.WarnContext(ctx, "advance failed, retrying", "attempt", attempts, "in", wait, "error", advErr)
		return d.queue.Schedule(ctx, jobID, time.Now().Add(wait))
	}
}

func (d *Driver) fail(jobID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[jobID]++
	return d.failures[jobID]
}

func (d *Driver) reset(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failures, jobID)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
