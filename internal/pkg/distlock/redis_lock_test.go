package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisLock_MutualExclusion(t *testing.T) {
	rdb := setupClient(t)
	ctx := context.Background()

	first := NewRedisLock(rdb, "job-1", time.Minute)
	second := NewRedisLock(rdb, "job-1", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, ok, "second holder must not acquire a held lock")

	require.NoError(t, first.Release(ctx))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok, "lock must be free after release")
}

func TestRedisLock_ReleaseRequiresOwnership(t *testing.T) {
	rdb := setupClient(t)
	ctx := context.Background()

	holder := NewRedisLock(rdb, "job-1", time.Minute)
	intruder := NewRedisLock(rdb, "job-1", time.Minute)

	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-owner release is a no-op.
	require.NoError(t, intruder.Release(ctx))

	ok, err = intruder.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, ok, "lock must survive a non-owner release")
}

func TestRedisLock_Extend(t *testing.T) {
	rdb := setupClient(t)
	ctx := context.Background()

	lock := NewRedisLock(rdb, "job-1", time.Minute)
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	owned, err := lock.Extend(ctx, 2*time.Minute)
	require.NoError(t, err)
	require.True(t, owned)

	require.NoError(t, lock.Release(ctx))

	owned, err = lock.Extend(ctx, time.Minute)
	require.NoError(t, err)
	require.False(t, owned, "extend after release must report lost ownership")
}

func TestRenewingLock(t *testing.T) {
	rdb := setupClient(t)
	ctx := context.Background()

	holder := NewRenewingLock(rdb, "promote:c1", 200*time.Millisecond, 50*time.Millisecond)
	contender := NewRenewingLock(rdb, "promote:c1", 200*time.Millisecond, 50*time.Millisecond)

	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Let the renewal loop run a few cycles; the lock stays held.
	time.Sleep(150 * time.Millisecond)
	ok, err = contender.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, holder.Release(ctx))

	ok, err = contender.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, contender.Release(ctx))
}
