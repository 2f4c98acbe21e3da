package report

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"pricestat/internal/blob"
	"pricestat/internal/models"
)

func sampleJob() *models.Job {
	ok := models.NewResultRecord(models.Row{Article: "OC90", Brand: "Mahle"})
	ok.Prices = []float64{1250, 1310.5}
	ok.Stats = map[string]int{"июля-25": 4, "августа-25": 11}
	ok.AISummary = "Спрос растёт"

	failed := models.NewResultRecord(models.Row{Article: "X1", Brand: ""})
	failed.Error = "search X1: no strategy succeeded"

	return &models.Job{
		ID:         "job-1",
		Status:     models.StatusRunning,
		PeriodFrom: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		PeriodTo:   time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		InputRows:  []models.Row{{Article: "OC90", Brand: "Mahle"}, {Article: "X1"}},
		Processed:  2,
		Results:    []*models.ResultRecord{ok, failed},
	}
}

func TestBuildMatrix(t *testing.T) {
	m := BuildMatrix(sampleJob())
	require.Len(t, m, 4)
	assert.Equal(t, []any{"Article", "Brand", "Price1", "Price2", "Price3", "июля-25", "августа-25", "AI"}, m[1])
	assert.Equal(t, []any{"OC90", "Mahle", 1250.0, 1310.5, "", 4, 11, "Спрос растёт"}, m[2])
	assert.Equal(t, []any{"X1", "", "", "", "", "", "", ""}, m[3])
}

type failingUploader struct{}

func (failingUploader) Upload(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestAssembleUploadsWorkbook(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(&blob.Local{BaseDir: dir})

	ref, err := a.Assemble(context.Background(), sampleJob())
	require.NoError(t, err)

	raw, err := os.ReadFile(ref)
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Contains(t, rows[0][0], "07.2025 - 08.2025")
	assert.Equal(t, []string{"Article", "Brand", "Price1", "Price2", "Price3", "июля-25", "августа-25", "AI"}, rows[1])
	assert.Equal(t, "1310.5", rows[2][3])
	assert.Equal(t, "Спрос растёт", rows[2][7])

	merged, err := f.GetMergeCells(sheetName)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, "A1", merged[0].GetStartAxis())
	assert.Equal(t, "H1", merged[0].GetEndAxis())
}

func TestAssembleWrapsUploadFailure(t *testing.T) {
	_, err := NewAssembler(failingUploader{}).Assemble(context.Background(), sampleJob())
	var ae *AssemblyError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "job-1", ae.JobID)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "reports/abc.xlsx", Key("abc"))
}
