package server

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// handlerPool bounds the number of connection handlers running at once.
type handlerPool struct {
	size int64
	sem  *semaphore.Weighted
}

func newHandlerPool(size int) *handlerPool {
	if size <= 0 {
		size = defaultThreads
	}
	return &handlerPool{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// acquire blocks until a slot is free or ctx is done.
func (p *handlerPool) acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// tryAcquire takes a slot without blocking.
func (p *handlerPool) tryAcquire() bool {
	return p.sem.TryAcquire(1)
}

func (p *handlerPool) release() {
	p.sem.Release(1)
}
