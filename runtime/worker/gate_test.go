package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateBoundsConcurrency(t *testing.T) {
	g := newGate(2)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	release := make(chan struct{})
	// Enqueue from a goroutine: run blocks once both slots are held.
	enqueued := make(chan struct{})
	go func() {
		defer close(enqueued)
		for i := 0; i < 5; i++ {
			assert.NoError(t, g.run(ctx, func() {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()
				<-release
				mu.Lock()
				active--
				mu.Unlock()
			}))
		}
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return maxSeen == 2
	}, time.Second, time.Millisecond, "two tasks must hold the gate")
	close(release)
	<-enqueued
	require.True(t, g.wait(ctx))
	assert.Equal(t, 2, maxSeen)
	assert.Equal(t, 0, g.activeCount())
}

func TestGateRunCancelled(t *testing.T) {
	g := newGate(1)
	blocked := make(chan struct{})
	require.NoError(t, g.run(context.Background(), func() { <-blocked }))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.run(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(blocked)
}

func TestGateWaitTimeout(t *testing.T) {
	g := newGate(1)
	var finished atomic.Bool
	blocked := make(chan struct{})
	require.NoError(t, g.run(context.Background(), func() {
		<-blocked
		finished.Store(true)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, g.wait(ctx), "wait must give up when the grace period expires")
	assert.False(t, finished.Load())
	close(blocked)
}
