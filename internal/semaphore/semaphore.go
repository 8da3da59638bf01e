// Package semaphore is a FIFO counting semaphore with a small
// introspection surface for progress reporting and tests.
package semaphore

import (
	"context"

	"go.uber.org/atomic"
	xsem "golang.org/x/sync/semaphore"
)

// Semaphore bounds concurrent work to a fixed number of permits. Waiters
// are served in arrival order.
type Semaphore struct {
	w       *xsem.Weighted
	max     int64
	held    atomic.Int64
	waiting atomic.Int64
}

// New returns a semaphore with n permits; n < 1 is treated as 1.
func New(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{w: xsem.NewWeighted(int64(n)), max: int64(n)}
}

// Acquire takes one permit, waiting in FIFO order when none is free. It
// returns ctx.Err() if ctx ends first, in which case no permit is held.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.waiting.Inc()
	err := s.w.Acquire(ctx, 1)
	s.waiting.Dec()
	if err != nil {
		return err
	}
	s.held.Inc()
	return nil
}

// TryAcquire takes a permit only if one is free right now.
func (s *Semaphore) TryAcquire() bool {
	if !s.w.TryAcquire(1) {
		return false
	}
	s.held.Inc()
	return true
}

// Release returns a permit, handing it to the oldest waiter if any.
// Releasing more permits than were acquired panics.
func (s *Semaphore) Release() {
	s.held.Dec()
	s.w.Release(1)
}

// Available is the number of free permits.
func (s *Semaphore) Available() int {
	return int(s.max - s.held.Load())
}

// Waiting is the number of callers blocked in Acquire.
func (s *Semaphore) Waiting() int {
	return int(s.waiting.Load())
}

// Size is the permit count the semaphore was built with.
func (s *Semaphore) Size() int {
	return int(s.max)
}
