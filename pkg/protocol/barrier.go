package protocol

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Barrier lets every protocol's Start goroutine complete its synchronous
// setup phase before any of them is permitted to send. It is built on a
// weighted semaphore rather than a sync.WaitGroup: the semaphore starts
// fully acquired (by the barrier itself), and each arrival releases one
// unit; Wait acquires the full weight, which only succeeds once every
// arrival has released its unit, then immediately gives the weight back so
// any other goroutine also waiting on the same Barrier unblocks too.
type Barrier struct {
	sem *semaphore.Weighted
	n   int64
}

// NewBarrier creates a Barrier for exactly n participants.
func NewBarrier(n int) *Barrier {
	sem := semaphore.NewWeighted(int64(n))
	if n > 0 {
		_ = sem.Acquire(context.Background(), int64(n))
	}
	return &Barrier{sem: sem, n: int64(n)}
}

// Arrive signals that the caller has finished its synchronous setup.
func (b *Barrier) Arrive() {
	if b.n == 0 {
		return
	}
	b.sem.Release(1)
}

// Wait blocks until every participant has called Arrive.
func (b *Barrier) Wait(ctx context.Context) error {
	if b.n == 0 {
		return nil
	}
	if err := b.sem.Acquire(ctx, b.n); err != nil {
		return err
	}
	b.sem.Release(b.n)
	return nil
}
