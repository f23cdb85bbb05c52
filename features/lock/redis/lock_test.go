package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flow/runtime/workflow"
)

func newService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc, err := New(Options{Redis: client})
	require.NoError(t, err)
	return svc, mr
}

func TestAcquireAndRelease(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	ok, err := svc.Acquire(ctx, "event:e1:processing", "worker:a", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Held by another owner: fails without error once the wait elapses.
	ok, err = svc.Acquire(ctx, "event:e1:processing", "worker:b", 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// SET NX is not reentrant: even the holder must wait for release.
	ok, err = svc.Acquire(ctx, "event:e1:processing", "worker:a", 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.Release(ctx, "event:e1:processing", "worker:a"))
	ok, err = svc.Acquire(ctx, "event:e1:processing", "worker:b", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	ok, err := svc.Acquire(ctx, "k", "worker:a", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = svc.Release(context.Background(), "k", "worker:a")
	}()

	start := time.Now()
	ok, err = svc.Acquire(ctx, "k", "worker:b", time.Second, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestReleaseIsOwnerGuarded(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	ok, err := svc.Acquire(ctx, "k", "worker:a", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale owner cannot release someone else's lock.
	require.NoError(t, svc.Release(ctx, "k", "worker:stale"))
	ok, err = svc.Acquire(ctx, "k", "worker:b", 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "the lock must survive a foreign release")
}

func TestLockExpires(t *testing.T) {
	svc, mr := newService(t)
	ctx := context.Background()

	ok, err := svc.Acquire(ctx, "k", "worker:a", 0, 60*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(61 * time.Second)

	ok, err = svc.Acquire(ctx, "k", "worker:b", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired locks are free to take")
}

func TestAcquireValidation(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Acquire(context.Background(), "", "worker:a", 0, time.Minute)
	assert.ErrorIs(t, err, workflow.ErrConfig)
}

func TestPing(t *testing.T) {
	svc, mr := newService(t)
	assert.Equal(t, "redis-locks", svc.Name())
	assert.NoError(t, svc.Ping(context.Background()))
	mr.Close()
	assert.Error(t, svc.Ping(context.Background()))
}
