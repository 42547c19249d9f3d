package server

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// BoundedPool is a TaskPool that runs tasks on the submitting goroutine
// while capping how many run at once
type BoundedPool struct {
	size   int64
	sem    *semaphore.Weighted
	active atomic.Int64
}

// NewBoundedPool creates a pool admitting at most size concurrent tasks
func NewBoundedPool(size int) *BoundedPool {
	if size <= 0 {
		size = 1
	}
	return &BoundedPool{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Submit waits for a slot, runs task and returns its result
func (p *BoundedPool) Submit(ctx context.Context, task func(ctx context.Context) (any, error)) (result any, err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("task pool: %w", err)
	}
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.sem.Release(1)
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return task(ctx)
}

// Active returns the number of running tasks
func (p *BoundedPool) Active() int {
	return int(p.active.Load())
}

// Size returns the concurrency limit
func (p *BoundedPool) Size() int {
	return int(p.size)
}
