package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// gate bounds the number of events a worker processes in parallel. Tasks
// register on start and deregister in a finally; the active count feeds the
// health snapshot and the wait group backs graceful shutdown.
type gate struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	active atomic.Int64
}

func newGate(limit int) *gate {
	if limit <= 0 {
		limit = 1
	}
	return &gate{sem: semaphore.NewWeighted(int64(limit))}
}

// run blocks until a slot is free, then executes fn in a new goroutine.
// Returns ctx.Err when the context is cancelled before a slot opens.
func (g *gate) run(ctx context.Context, fn func()) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.wg.Add(1)
	g.active.Add(1)
	go func() {
		defer func() {
			g.active.Add(-1)
			g.wg.Done()
			g.sem.Release(1)
		}()
		fn()
	}()
	return nil
}

// activeCount returns the number of in-flight tasks.
func (g *gate) activeCount() int { return int(g.active.Load()) }

// wait blocks until all in-flight tasks finish or ctx is done. Returns
// false when the context expired first (tasks beyond the grace period are
// abandoned; their locks expire naturally).
func (g *gate) wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
