package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricestat/internal/models"
)

// Memory is an in-process JobStore. Jobs are deep-copied on the way in and out so callers
// never share slices with the stored record.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]models.Job
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]models.Job)}
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	job := models.Job{
		ID:         id,
		Status:     models.StatusPending,
		PeriodFrom: p.PeriodFrom,
		PeriodTo:   p.PeriodTo,
		InputRows:  append([]models.Row(nil), p.Rows...),
		Results:    emptyResults(len(p.Rows)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[id]; exists {
		return models.Job{}, fmt.Errorf("job %s already exists", id)
	}
	m.jobs[id] = job
	return cloneJob(job), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) UpdateJob(_ context.Context, id string, u JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if u.ExpectProcessed != nil && job.Processed != *u.ExpectProcessed {
		return ErrConflict
	}
	if u.ExpectStatus != nil && job.Status != *u.ExpectStatus {
		return ErrConflict
	}
	if u.Processed != nil {
		if *u.Processed < 0 || *u.Processed > len(job.InputRows) {
			return fmt.Errorf("processed %d out of range [0,%d]", *u.Processed, len(job.InputRows))
		}
		job.Processed = *u.Processed
	}
	if u.Results != nil {
		if len(u.Results) != len(job.InputRows) {
			return fmt.Errorf("results length %d != rows %d", len(u.Results), len(job.InputRows))
		}
		job.Results = cloneResults(u.Results)
	}
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.ResultFile != nil {
		job.ResultFile = Ptr(*u.ResultFile)
	}
	if u.ClearError {
		job.Error = nil
	}
	if u.Error != nil {
		job.Error = Ptr(*u.Error)
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

func (m *Memory) CancelJob(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if job.Status != models.StatusPending && job.Status != models.StatusRunning {
		return false, nil
	}
	job.Status = models.StatusCanceled
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return true, nil
}

func cloneJob(j models.Job) models.Job {
	j.InputRows = append([]models.Row(nil), j.InputRows...)
	j.Results = cloneResults(j.Results)
	if j.ResultFile != nil {
		j.ResultFile = Ptr(*j.ResultFile)
	}
	if j.Error != nil {
		j.Error = Ptr(*j.Error)
	}
	return j
}

func cloneResults(in []*models.ResultRecord) []*models.ResultRecord {
	out := make([]*models.ResultRecord, len(in))
	for i, r := range in {
		if r == nil {
			continue
		}
		c := *r
		c.Prices = append([]float64{}, r.Prices...)
		c.Stats = make(map[string]int, len(r.Stats))
		for k, v := range r.Stats {
			c.Stats[k] = v
		}
		out[i] = &c
	}
	return out
}
