package store

import (
	"context"
	"errors"
	"time"

	"pricestat/internal/models"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a JobUpdate expectation no longer matches the stored job.
	ErrConflict = errors.New("job was advanced concurrently")
)

// JobStore persists job records. UpdateJob writes only the non-nil fields of the update.
type JobStore interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJob(ctx context.Context, id string, u JobUpdate) error
	// CancelJob flips a pending or running job to canceled and reports whether it did.
	CancelJob(ctx context.Context, id string) (bool, error)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID         string
	PeriodFrom time.Time
	PeriodTo   time.Time
	Rows       []models.Row
}

// JobUpdate is a partial update. Nil fields are left untouched.
type JobUpdate struct {
	Status     *string
	Processed  *int
	Results    []*models.ResultRecord
	ResultFile *string
	Error      *string
	// ClearError resets the stored error to NULL.
	ClearError bool
	// ExpectProcessed makes the update conditional on the currently stored processed count.
	ExpectProcessed *int
	// ExpectStatus makes the update conditional on the currently stored status.
	ExpectStatus *string
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// emptyResults builds the placeholder slice stored at creation time.
func emptyResults(n int) []*models.ResultRecord {
	return make([]*models.ResultRecord, n)
}
