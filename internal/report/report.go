// Package report renders a job's collected results into a spreadsheet and uploads it.
package report

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"pricestat/internal/blob"
	"pricestat/internal/models"
)

const (
	sheetName   = "Report"
	contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	priceCols   = 3
)

// AssemblyError wraps any failure while building or uploading a report. The job's collected
// results are untouched, so assembly can be retried.
type AssemblyError struct {
	JobID string
	Err   error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble report for job %s: %v", e.JobID, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Assembler builds the workbook for a job and stores it through an Uploader.
type Assembler struct {
	uploader blob.Uploader
}

func NewAssembler(uploader blob.Uploader) *Assembler {
	return &Assembler{uploader: uploader}
}

// Header returns the column header for the given month labels.
func Header(labels []string) []string {
	h := []string{"Article", "Brand"}
	for i := 1; i <= priceCols; i++ {
		h = append(h, fmt.Sprintf("Price%d", i))
	}
	h = append(h, labels...)
	return append(h, "AI")
}

// Title is the caption placed above the header.
func Title(job *models.Job) string {
	return fmt.Sprintf("Цены и спрос по артикулам, %s - %s (%d поз.)",
		job.PeriodFrom.Format("01.2006"), job.PeriodTo.Format("01.2006"), job.Total())
}

// BuildMatrix lays out the title row, the header and one row per input row. Anything missing
// becomes an empty cell. Only the header is derived from the period; results are used as stored.
func BuildMatrix(job *models.Job) [][]any {
	labels := job.MonthLabels()
	header := Header(labels)

	matrix := make([][]any, 0, job.Total()+2)
	matrix = append(matrix, []any{Title(job)})

	hdr := make([]any, len(header))
	for i, h := range header {
		hdr[i] = h
	}
	matrix = append(matrix, hdr)

	for i, in := range job.InputRows {
		row := make([]any, len(header))
		for j := range row {
			row[j] = ""
		}
		row[0], row[1] = in.Article, in.Brand

		var rec *models.ResultRecord
		if i < len(job.Results) {
			rec = job.Results[i]
		}
		if rec != nil {
			for p := 0; p < priceCols && p < len(rec.Prices); p++ {
				row[2+p] = rec.Prices[p]
			}
			for k, label := range labels {
				if v, ok := rec.Stats[label]; ok {
					row[2+priceCols+k] = v
				}
			}
			row[len(row)-1] = rec.AISummary
		}
		matrix = append(matrix, row)
	}
	return matrix
}

// Render writes the matrix into an xlsx workbook with the title merged across all columns.
func Render(matrix [][]any) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}
	for r, row := range matrix {
		cell, err := excelize.CoordinatesToCellName(1, r+1)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", r+1, err)
		}
	}

	if len(matrix) > 1 {
		width := len(matrix[1])
		last, err := excelize.CoordinatesToCellName(width, 1)
		if err != nil {
			return nil, err
		}
		if err := f.MergeCell(sheetName, "A1", last); err != nil {
			return nil, fmt.Errorf("merge title: %w", err)
		}
		bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
		if err != nil {
			return nil, err
		}
		if err := f.SetCellStyle(sheetName, "A1", last, bold); err != nil {
			return nil, err
		}
		lastHdr, _ := excelize.CoordinatesToCellName(width, 2)
		if err := f.SetCellStyle(sheetName, "A2", lastHdr, bold); err != nil {
			return nil, err
		}
		lastCol, _ := excelize.ColumnNumberToName(width)
		if err := f.SetColWidth(sheetName, "A", lastCol, 14); err != nil {
			return nil, err
		}
		if err := f.SetColWidth(sheetName, lastCol, lastCol, 60); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// Key is the blob key of a job's report.
func Key(jobID string) string {
	return "reports/" + jobID + ".xlsx"
}

// Assemble renders and uploads the report for job and returns its reference.
func (a *Assembler) Assemble(ctx context.Context, job *models.Job) (string, error) {
	body, err := Render(BuildMatrix(job))
	if err != nil {
		return "", &AssemblyError{JobID: job.ID, Err: err}
	}
	ref, err := a.uploader.Upload(ctx, Key(job.ID), body, contentType)
	if err != nil {
		return "", &AssemblyError{JobID: job.ID, Err: fmt.Errorf("upload: %w", err)}
	}
	return ref, nil
}
