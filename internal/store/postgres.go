package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"pricestat/internal/models"
)

// Postgres wraps pgxpool for job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a pending job with one empty result slot per row.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	rowsJSON, err := json.Marshal(p.Rows)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal rows: %w", err)
	}
	results := emptyResults(len(p.Rows))
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal results: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scrape_jobs (id, status, period_from, period_to, input_rows, processed, results, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
	`, id, models.StatusPending, p.PeriodFrom, p.PeriodTo, rowsJSON, resultsJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:         id,
		Status:     models.StatusPending,
		PeriodFrom: p.PeriodFrom,
		PeriodTo:   p.PeriodTo,
		InputRows:  p.Rows,
		Results:    results,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, period_from, period_to, input_rows, processed, results, result_file, error, created_at, updated_at
		FROM scrape_jobs WHERE id = $1
	`, id)

	var job models.Job
	var rowsJSON, resultsJSON []byte
	var resultFile, lastErr pgtype.Text

	if err := row.Scan(&job.ID, &job.Status, &job.PeriodFrom, &job.PeriodTo, &rowsJSON, &job.Processed, &resultsJSON, &resultFile, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(rowsJSON, &job.InputRows); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal input rows: %w", err)
	}
	if err := json.Unmarshal(resultsJSON, &job.Results); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal results: %w", err)
	}
	job.ResultFile = textPtr(resultFile)
	job.Error = textPtr(lastErr)
	return job, nil
}

// UpdateJob writes the set fields of u in one statement. With ExpectProcessed or ExpectStatus
// set the update only applies while the stored row still matches.
func (s *Postgres) UpdateJob(ctx context.Context, id string, u JobUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.Processed != nil {
		add("processed", *u.Processed)
	}
	if u.Results != nil {
		resultsJSON, err := json.Marshal(u.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		args = append(args, resultsJSON)
		// A slice of the wrong length yields NULL and trips the NOT NULL constraint.
		sets = append(sets, fmt.Sprintf(
			"results = CASE WHEN jsonb_array_length($%[1]d::jsonb) = jsonb_array_length(input_rows) THEN $%[1]d::jsonb END",
			len(args)))
	}
	if u.ResultFile != nil {
		add("result_file", *u.ResultFile)
	}
	if u.ClearError {
		sets = append(sets, "error = NULL")
	}
	if u.Error != nil {
		add("error", *u.Error)
	}

	query := "UPDATE scrape_jobs SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	if u.ExpectProcessed != nil {
		args = append(args, *u.ExpectProcessed)
		query += fmt.Sprintf(" AND processed = $%d", len(args))
	}
	if u.ExpectStatus != nil {
		args = append(args, *u.ExpectStatus)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// CancelJob sets status canceled for pending or running jobs.
func (s *Postgres) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.StatusCanceled, models.StatusPending, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
