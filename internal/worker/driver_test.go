package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"pricestat/internal/lock"
	"pricestat/internal/models"
	"pricestat/internal/queue"
	"pricestat/internal/store"
)

type scriptedAdvancer struct {
	calls []string
	sizes []int
	next  func(jobID string) (models.Progress, error)
}

func (a *scriptedAdvancer) Advance(_ context.Context, jobID string, batchSize int) (models.Progress, error) {
	a.calls = append(a.calls, jobID)
	a.sizes = append(a.sizes, batchSize)
	return a.next(jobID)
}

func newTestDriver(t *testing.T, adv Advancer) (*Driver, *queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	d := NewDriver(q, adv, DriverOptions{BatchSize: 5, RescheduleDelay: time.Millisecond, PollInterval: time.Millisecond})
	return d, q, mr
}

func TestDriverReschedulesRunningJobs(t *testing.T) {
	ctx := context.Background()
	adv := &scriptedAdvancer{next: func(id string) (models.Progress, error) {
		return models.Progress{ID: id, Status: models.StatusRunning, Processed: 5, Total: 7}, nil
	}}
	d, q, mr := newTestDriver(t, adv)
	require.NoError(t, q.Enqueue(ctx, "job-1", time.Now()))

	worked, err := d.Tick(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	require.Equal(t, []string{"job-1"}, adv.calls)
	require.Equal(t, []int{5}, adv.sizes)

	members, err := mr.ZMembers("pricestat:queue:scheduled")
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, members)
	require.False(t, mr.Exists("pricestat:queue:inflight"))

	time.Sleep(5 * time.Millisecond)
	worked, err = d.Tick(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	require.Len(t, adv.calls, 2)
}

func TestDriverDropsTerminalJobs(t *testing.T) {
	ctx := context.Background()
	adv := &scriptedAdvancer{next: func(id string) (models.Progress, error) {
		return models.Progress{ID: id, Status: models.StatusDone, Processed: 2, Total: 2}, nil
	}}
	d, q, mr := newTestDriver(t, adv)
	require.NoError(t, q.Enqueue(ctx, "job-1", time.Now()))

	_, err := d.Tick(ctx)
	require.NoError(t, err)
	require.False(t, mr.Exists("pricestat:queue:scheduled"))
	require.False(t, mr.Exists("pricestat:queue:ready"))

	worked, err := d.Tick(ctx)
	require.NoError(t, err)
	require.False(t, worked)
}

func TestDriverBacksOffOnTransientErrors(t *testing.T) {
	ctx := context.Background()
	adv := &scriptedAdvancer{next: func(id string) (models.Progress, error) {
		return models.Progress{ID: id, Status: models.StatusRunning}, errors.New("redis: connection refused")
	}}
	d, q, mr := newTestDriver(t, adv)
	require.NoError(t, q.Enqueue(ctx, "job-1", time.Now()))

	_, err := d.Tick(ctx)
	require.NoError(t, err)
	members, _ := mr.ZMembers("pricestat:queue:scheduled")
	require.Equal(t, []string{"job-1"}, members)
	require.Equal(t, 1, d.failures["job-1"])
}

func TestDriverDropsUnknownJobs(t *testing.T) {
	ctx := context.Background()
	adv := &scriptedAdvancer{next: func(string) (models.Progress, error) {
		return models.Progress{}, store.ErrNotFound
	}}
	d, q, mr := newTestDriver(t, adv)
	require.NoError(t, q.Enqueue(ctx, "ghost", time.Now()))

	_, err := d.Tick(ctx)
	require.NoError(t, err)
	require.False(t, mr.Exists("pricestat:queue:scheduled"))
}

func TestDriverWithProcessorRunsJobToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	job := f.createJob(t, "2025-07", "2025-08", nRows(7)...)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f.proc.deps.Locks = lock.NewRedis(client)
	q := queue.NewRedisQueue(client, time.Minute)
	d := NewDriver(q, f.proc, DriverOptions{BatchSize: 5, RescheduleDelay: time.Millisecond})
	require.NoError(t, q.Enqueue(ctx, job.ID, time.Now()))

	for i := 0; i < 10; i++ {
		if _, err := d.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		stored, err := f.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		if stored.Status == models.StatusDone {
			require.Equal(t, 7, stored.Processed)
			require.Equal(t, 1, f.reporter.calls)
			return
		}
		time.Sleep(3 * time.Millisecond)
	}
	t.Fatal("job never reached done")
}
