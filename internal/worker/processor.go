package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pricestat/internal/enrich"
	"pricestat/internal/lock"
	"pricestat/internal/models"
	"pricestat/internal/site"
	"pricestat/internal/store"
	"pricestat/internal/telemetry"
)

const (
	MinBatchSize     = 1
	MaxBatchSize     = 10
	DefaultBatchSize = 5

	StatsPreferAI      = "ai"
	StatsPreferScraped = "scraped"
)

var (
	// ErrJobBusy is returned when another Advance or Finalize holds the job.
	ErrJobBusy = errors.New("job is being advanced by another caller")
	// ErrNotFinalizable is returned by Finalize for jobs that are not failed/error with every
	// row attempted.
	ErrNotFinalizable = errors.New("job cannot be finalized")
)

// Reporter turns a job's collected results into a stored report.
type Reporter interface {
	Assemble(ctx context.Context, job *models.Job) (string, error)
}

// Deps are the collaborators of a Processor. Capturer and Summarizer may be nil.
type Deps struct {
	Store      store.JobStore
	Locks      lock.Locker
	Browsers   site.Opener
	Capturer   enrich.Capturer
	Summarizer enrich.Summarizer
	Reports    Reporter
}

// Options tune batch behaviour.
type Options struct {
	DefaultBatchSize int
	LockTTL          time.Duration
	StatsPreference  string
}

// Processor advances scrape jobs one bounded slice at a time.
type Processor struct {
	deps Deps
	opts Options
}

func NewProcessor(deps Deps, opts Options) *Processor {
	if opts.LockTTL == 0 {
		opts.LockTTL = 15 * time.Minute
	}
	if opts.StatsPreference == "" {
		opts.StatsPreference = StatsPreferAI
	}
	return &Processor{deps: deps, opts: opts}
}

// ClampBatchSize maps an unset size to def (or DefaultBatchSize) and clamps the result to
// [MinBatchSize, MaxBatchSize].
func ClampBatchSize(n, def int) int {
	if n == 0 {
		n = def
	}
	if n == 0 {
		n = DefaultBatchSize
	}
	return max(MinBatchSize, min(n, MaxBatchSize))
}

func lockKey(jobID string) string {
	return "advance:" + jobID
}

func (p *Processor) acquire(ctx context.Context, jobID string) (func(), error) {
	release, err := p.deps.Locks.Acquire(ctx, lockKey(jobID), p.opts.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, ErrJobBusy
	}
	if err != nil {
		return nil, fmt.Errorf("acquire job lock: %w", err)
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "release job lock failed", "job_id", jobID, "error", err)
		}
	}, nil
}

// Advance processes the next slice of at most batchSize rows, checkpointing after every row.
// Terminal jobs are returned unchanged. When ctx ends mid-slice the invocation stops at the
// next row boundary and leaves the job running.
func (p *Processor) Advance(ctx context.Context, jobID string, batchSize int) (models.Progress, error) {
	size := ClampBatchSize(batchSize, p.opts.DefaultBatchSize)

	unlock, err := p.acquire(ctx, jobID)
	if err != nil {
		return models.Progress{}, err
	}
	defer unlock()

	job, err := p.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return models.Progress{}, err
	}
	if models.IsTerminal(job.Status) {
		return models.ProgressOf(job), nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if job.Status != models.StatusRunning {
		err := p.deps.Store.UpdateJob(ctx, jobID, store.JobUpdate{
			Status:       store.Ptr(models.StatusRunning),
			ExpectStatus: store.Ptr(job.Status),
		})
		if errors.Is(err, store.ErrConflict) {
			return p.current(ctx, jobID)
		}
		if err != nil {
			return models.Progress{}, fmt.Errorf("mark running: %w", err)
		}
		job.Status = models.StatusRunning
	}

	if !job.Complete() {
		stopped, err := p.runSlice(ctx, &job, size)
		if err != nil {
			return p.abort(ctx, &job, err)
		}
		if stopped {
			return models.ProgressOf(job), nil
		}
	}

	if job.Complete() {
		return p.finish(ctx, &job)
	}
	return models.ProgressOf(job), nil
}

// runSlice scrapes rows [processed, processed+size) with one browser session. stopped reports a
// cancellation or an expired invocation context.
func (p *Processor) runSlice(ctx context.Context, job *models.Job, size int) (stopped bool, err error) {
	end := min(job.Processed+size, job.Total())
	log := slog.With("job_id", job.ID)

	client, err := p.deps.Browsers.Open(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire session: %w", err)
	}
	defer func() {
		if cerr := client.Close(ctx); cerr != nil {
			log.WarnContext(ctx, "close session", "error", cerr)
		}
	}()

	telemetry.BatchesAdvanced.Inc()
	log.InfoContext(ctx, "advancing job", "from", job.Processed, "to", end, "total", job.Total())

	labels := job.MonthLabels()
	for i := job.Processed; i < end; i++ {
		if ctx.Err() != nil {
			log.InfoContext(ctx, "invocation deadline reached", "processed", job.Processed)
			return true, nil
		}

		rec := p.processRow(ctx, client, job.ID, i, job.InputRows[i], labels)
		if ctx.Err() != nil {
			// The row was cut short by the deadline, not by the site; it is retried next time.
			log.InfoContext(ctx, "invocation deadline reached mid-row", "row", i)
			return true, nil
		}
		if err := p.checkpoint(ctx, job, i, rec); err != nil {
			return false, err
		}

		status, err := p.status(ctx, job.ID)
		if err != nil {
			return false, err
		}
		if status == models.StatusCanceled {
			job.Status = models.StatusCanceled
			log.InfoContext(ctx, "job canceled", "processed", job.Processed)
			return true, nil
		}
	}
	return false, nil
}

func (p *Processor) checkpoint(ctx context.Context, job *models.Job, i int, rec *models.ResultRecord) error {
	results := make([]*models.ResultRecord, len(job.Results))
	copy(results, job.Results)
	results[i] = rec
	next := i + 1

	err := p.deps.Store.UpdateJob(ctx, job.ID, store.JobUpdate{
		Processed:       &next,
		Results:         results,
		ExpectProcessed: &i,
	})
	if err != nil {
		return fmt.Errorf("checkpoint row %d: %w", i, err)
	}
	job.Results = results
	job.Processed = next

	telemetry.RowsProcessed.Inc()
	if rec.Error != "" {
		telemetry.RowErrors.Inc()
	}
	return nil
}

func (p *Processor) status(ctx context.Context, jobID string) (string, error) {
	job, err := p.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("re-read status: %w", err)
	}
	return job.Status, nil
}

func (p *Processor) current(ctx context.Context, jobID string) (models.Progress, error) {
	job, err := p.deps.Store.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return models.Progress{}, err
	}
	return models.ProgressOf(job), nil
}

// abort records a job-level failure. A lost checkpoint race or an expired invocation context
// leaves the stored job alone.
func (p *Processor) abort(ctx context.Context, job *models.Job, cause error) (models.Progress, error) {
	if errors.Is(cause, store.ErrConflict) {
		slog.WarnContext(ctx, "job advanced concurrently", "job_id", job.ID, "error", cause)
		return models.ProgressOf(*job), cause
	}
	if ctx.Err() != nil {
		return models.ProgressOf(*job), nil
	}

	msg := cause.Error()
	slog.ErrorContext(ctx, "job failed", "job_id", job.ID, "processed", job.Processed, "error", cause)
	telemetry.JobsFailed.Inc()

	err := p.deps.Store.UpdateJob(context.WithoutCancel(ctx), job.ID, store.JobUpdate{
		Status:       store.Ptr(models.StatusError),
		Error:        &msg,
		ExpectStatus: store.Ptr(models.StatusRunning),
	})
	if errors.Is(err, store.ErrConflict) {
		prog, _ := p.current(ctx, job.ID)
		return prog, cause
	}
	if err != nil {
		return models.ProgressOf(*job), errors.Join(cause, fmt.Errorf("persist job error: %w", err))
	}
	job.Status = models.StatusError
	job.Error = &msg
	return models.ProgressOf(*job), cause
}

// finish assembles the report for a fully processed running job. Assembly failures leave the
// job failed so it can be finalized later.
func (p *Processor) finish(ctx context.Context, job *models.Job) (models.Progress, error) {
	ref, err := p.deps.Reports.Assemble(ctx, job)
	if err != nil {
		telemetry.ReportFailures.Inc()
		msg := err.Error()
		slog.ErrorContext(ctx, "report assembly failed", "job_id", job.ID, "error", err)
		uerr := p.deps.Store.UpdateJob(context.WithoutCancel(ctx), job.ID, store.JobUpdate{
			Status:       store.Ptr(models.StatusFailed),
			Error:        &msg,
			ExpectStatus: store.Ptr(models.StatusRunning),
		})
		if errors.Is(uerr, store.ErrConflict) {
			prog, _ := p.current(ctx, job.ID)
			return prog, err
		}
		if uerr != nil {
			return models.ProgressOf(*job), errors.Join(err, uerr)
		}
		job.Status = models.StatusFailed
		job.Error = &msg
		return models.ProgressOf(*job), err
	}

	err = p.deps.Store.UpdateJob(ctx, job.ID, store.JobUpdate{
		Status:       store.Ptr(models.StatusDone),
		ResultFile:   &ref,
		ClearError:   true,
		ExpectStatus: store.Ptr(models.StatusRunning),
	})
	if errors.Is(err, store.ErrConflict) {
		return p.current(ctx, job.ID)
	}
	if err != nil {
		return models.ProgressOf(*job), fmt.Errorf("mark done: %w", err)
	}
	telemetry.ReportsAssembled.Inc()
	slog.InfoContext(ctx, "job done", "job_id", job.ID, "result_file", ref)

	job.Status = models.StatusDone
	job.ResultFile = &ref
	job.Error = nil
	return models.ProgressOf(*job), nil
}

// Finalize assembles the report for a job that ended failed/error after every row was attempted.
// Results are used as stored. Done jobs are returned unchanged.
func (p *Processor) Finalize(ctx context.Context, jobID string) (models.Progress, error) {
	unlock, err := p.acquire(ctx, jobID)
	if err != nil {
		return models.Progress{}, err
	}
	defer unlock()

	job, err := p.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return models.Progress{}, err
	}
	if job.Status == models.StatusDone {
		return models.ProgressOf(job), nil
	}
	if !models.IsFailed(job.Status) || !job.Complete() {
		return models.ProgressOf(job), fmt.Errorf("%w: status %s, processed %d of %d",
			ErrNotFinalizable, job.Status, job.Processed, job.Total())
	}

	ref, err := p.deps.Reports.Assemble(ctx, &job)
	if err != nil {
		telemetry.ReportFailures.Inc()
		msg := err.Error()
		if uerr := p.deps.Store.UpdateJob(context.WithoutCancel(ctx), jobID, store.JobUpdate{Error: &msg}); uerr != nil {
			slog.WarnContext(ctx, "record finalize failure", "job_id", jobID, "error", uerr)
		}
		return models.ProgressOf(job), err
	}

	err = p.deps.Store.UpdateJob(ctx, jobID, store.JobUpdate{
		Status:       store.Ptr(models.StatusDone),
		ResultFile:   &ref,
		ClearError:   true,
		ExpectStatus: store.Ptr(job.Status),
	})
	if err != nil {
		return models.ProgressOf(job), fmt.Errorf("mark finalized: %w", err)
	}
	telemetry.ReportsAssembled.Inc()
	slog.InfoContext(ctx, "job finalized", "job_id", jobID, "from_status", job.Status, "result_file", ref)

	job.Status = models.StatusDone
	job.ResultFile = &ref
	job.Error = nil
	return models.ProgressOf(job), nil
}
