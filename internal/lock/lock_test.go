package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	l := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	release, err := l.Acquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "job-1", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	other, err := l.Acquire(ctx, "job-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	again, err := l.Acquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisLockerExpiredReleaseKeepsNewOwner(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	l := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	stale, err := l.Acquire(ctx, "job-1", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = l.Acquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)

	// The first holder's release must not free the second holder's lock.
	require.NoError(t, stale(ctx))
	_, err = l.Acquire(ctx, "job-1", time.Minute)
	require.ErrorIs(t, err, ErrHeld)
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.now = func() time.Time { return now }

	release, err := l.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "job", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	now = now.Add(2 * time.Minute)
	takeover, err := l.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)

	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "job", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, takeover(ctx))
	_, err = l.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
}
