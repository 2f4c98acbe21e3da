package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pricestat/internal/config"
	"pricestat/internal/models"
	"pricestat/internal/ratelimit"
	"pricestat/internal/store"
	"pricestat/internal/telemetry"
	"pricestat/internal/worker"
)

// JobRunner advances and finalizes jobs on behalf of HTTP callers.
type JobRunner interface {
	Advance(ctx context.Context, jobID string, batchSize int) (models.Progress, error)
	Finalize(ctx context.Context, jobID string) (models.Progress, error)
}

// Scheduler hands job ids to the worker driver. Optional.
type Scheduler interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
	Cancel(ctx context.Context, jobID string) error
}

// Limiter guards Start and Advance per caller. Optional.
type Limiter interface {
	Allow(ctx context.Context, caller string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the job-control surface.
type Server struct {
	cfg     config.Config
	store   store.JobStore
	runner  JobRunner
	queue   Scheduler
	limiter Limiter
}

// New constructs the API server. queue and limiter may be nil.
func New(cfg config.Config, st store.JobStore, runner JobRunner, q Scheduler, limiter Limiter) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		runner:  runner,
		queue:   q,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.With(s.rateLimited).Post("/", s.handleStart)
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/stream", s.handleStream)
		r.With(s.rateLimited).Post("/{id}/advance", s.handleAdvance)
		r.Post("/{id}/stop", s.handleStop)
		r.Post("/{id}/finalize", s.handleFinalize)
	})
	return r
}

type startResponse struct {
	ID     string `json:"id"`
	Total  int    `json:"total"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string           `json:"error"`
	Job   *models.Progress `json:"job,omitempty"`
}

// validationError marks request problems answered with 422.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func invalid(msg string) error { return &validationError{msg: msg} }

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req, err := parseStart(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ID:         uuid.New().String(),
		PeriodFrom: req.from,
		PeriodTo:   req.to,
		Rows:       req.rows,
	})
	if err != nil {
		writeError(w, err, nil)
		return
	}
	log := slog.With("job_id", job.ID)

	if s.queue != nil {
		if err := s.queue.Enqueue(r.Context(), job.ID, time.Now()); err != nil {
			msg := "enqueue: " + err.Error()
			_ = s.store.UpdateJob(r.Context(), job.ID, store.JobUpdate{
				Status:       store.Ptr(models.StatusError),
				Error:        &msg,
				ExpectStatus: store.Ptr(models.StatusPending),
			})
			log.ErrorContext(r.Context(), "enqueue failed", "error", err)
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
	}
	telemetry.JobsStarted.Inc()
	log.InfoContext(r.Context(), "job started", "total", job.Total(),
		"period_from", req.from.Format("2006-01"), "period_to", req.to.Format("2006-01"))

	writeJSON(w, http.StatusCreated, startResponse{ID: job.ID, Total: job.Total(), Status: job.Status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, models.ProgressOf(job))
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	batch := 0
	if v := r.URL.Query().Get("batchSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, invalid("batchSize must be an integer"), nil)
			return
		}
		batch = n
	}

	prog, err := s.runner.Advance(r.Context(), chi.URLParam(r, "id"), batch)
	if err != nil {
		writeError(w, err, progressOrNil(prog))
		return
	}
	writeJSON(w, http.StatusOK, prog)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed, err := s.store.CancelJob(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if changed {
		telemetry.JobsCanceled.Inc()
		slog.InfoContext(r.Context(), "job canceled", "job_id", id)
	}
	if s.queue != nil {
		if err := s.queue.Cancel(r.Context(), id); err != nil {
			slog.WarnContext(r.Context(), "failed to drop canceled job from queue", "job_id", id, "error", err)
		}
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, models.ProgressOf(job))
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	prog, err := s.runner.Finalize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, progressOrNil(prog))
		return
	}
	writeJSON(w, http.StatusOK, prog)
}

// rateLimited applies the token bucket keyed by caller.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		decision, err := s.limiter.Allow(r.Context(), callerFromRequest(r))
		if err != nil {
			slog.ErrorContext(r.Context(), "rate limiter unavailable", "error", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(decision.Remaining)))
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return "default"
}

func progressOrNil(p models.Progress) *models.Progress {
	if p.ID == "" {
		return nil
	}
	return &p
}

func statusFor(err error) int {
	var ve *validationError
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrJobBusy), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, worker.ErrNotFinalizable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, job *models.Progress) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Job: job})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
