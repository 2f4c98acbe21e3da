package models

import (
	"time"
)

// Job lifecycle states persisted in the job store.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusCanceled = "canceled"
	StatusFailed   = "failed"
	StatusError    = "error"
)

// IsTerminal reports whether no further automatic processing happens in status.
func IsTerminal(status string) bool {
	switch status {
	case StatusDone, StatusCanceled, StatusFailed, StatusError:
		return true
	}
	return false
}

// IsFailed reports whether status is one of the job-level failure states.
func IsFailed(status string) bool {
	return status == StatusFailed || status == StatusError
}

// Row is one input unit of a job.
type Row struct {
	Article string `json:"article"`
	Brand   string `json:"brand"`
}

// ResultRecord is the outcome of one row. A nil *ResultRecord in Job.Results marks an
// unprocessed slot.
type ResultRecord struct {
	Article   string         `json:"article"`
	Brand     string         `json:"brand"`
	Prices    []float64      `json:"prices"`
	Stats     map[string]int `json:"stats"`
	ImageURL  string         `json:"imageUrl,omitempty"`
	AISummary string         `json:"aiSummary,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// NewResultRecord returns an empty record for row with non-nil prices and stats.
func NewResultRecord(row Row) *ResultRecord {
	return &ResultRecord{
		Article: row.Article,
		Brand:   row.Brand,
		Prices:  []float64{},
		Stats:   map[string]int{},
	}
}

// Job is the persisted state of one batch run.
type Job struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	PeriodFrom time.Time       `json:"periodFrom"`
	PeriodTo   time.Time       `json:"periodTo"`
	InputRows  []Row           `json:"inputRows"`
	Processed  int             `json:"processed"`
	Results    []*ResultRecord `json:"results"`
	ResultFile *string         `json:"resultFile,omitempty"`
	Error      *string         `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Total is the number of input rows.
func (j Job) Total() int {
	return len(j.InputRows)
}

// Complete reports whether every row has been attempted.
func (j Job) Complete() bool {
	return j.Processed >= len(j.InputRows)
}

// MonthLabels derives the report vocabulary from the job period.
func (j Job) MonthLabels() []string {
	return MonthLabels(j.PeriodFrom, j.PeriodTo)
}

// Progress is the driver-visible view of a job.
type Progress struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Processed  int     `json:"processed"`
	Total      int     `json:"total"`
	ResultFile *string `json:"resultFile,omitempty"`
	Error      *string `json:"error,omitempty"`
}

// ProgressOf projects a job onto its progress view.
func ProgressOf(j Job) Progress {
	return Progress{
		ID:         j.ID,
		Status:     j.Status,
		Processed:  j.Processed,
		Total:      j.Total(),
		ResultFile: j.ResultFile,
		Error:      j.Error,
	}
}

// MonthCount is one scraped point of the monthly demand series.
type MonthCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}
