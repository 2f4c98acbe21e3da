package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"pricestat/internal/models"
)

// setupPostgres connects to POSTGRES_TEST_DSN or skips.
func setupPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set, skipping postgres integration test")
	}
	ctx := context.Background()
	st, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, st.RunMigrations(ctx))
	t.Cleanup(st.Close)
	return st
}

func TestPostgresRoundTrip(t *testing.T) {
	st := setupPostgres(t)
	ctx := context.Background()
	job := newTestJob(t, st, 2)

	results := make([]*models.ResultRecord, 2)
	results[0] = models.NewResultRecord(job.InputRows[0])
	results[0].Stats["июля-25"] = 7
	require.NoError(t, st.UpdateJob(ctx, job.ID, JobUpdate{
		Status:          Ptr(models.StatusRunning),
		Processed:       Ptr(1),
		Results:         results,
		ExpectProcessed: Ptr(0),
	}))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Processed)
	require.Equal(t, 7, got.Results[0].Stats["июля-25"])
	require.Nil(t, got.Results[1])

	err = st.UpdateJob(ctx, job.ID, JobUpdate{Processed: Ptr(2), ExpectProcessed: Ptr(0)})
	require.ErrorIs(t, err, ErrConflict)

	err = st.UpdateJob(ctx, job.ID, JobUpdate{Results: results[:1]})
	require.Error(t, err)

	ok, err := st.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = st.GetJob(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
