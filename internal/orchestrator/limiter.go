package orchestrator

import (
	"context"
	"sync"
)

// limiter is a resizable concurrency gate. Shrinking the limit never
// interrupts slots already held; it only delays future acquisitions.
type limiter struct {
	mu       sync.Mutex
	cond     *sync.Cond
	limit    int
	inflight int
}

func newLimiter(limit int) *limiter {
	if limit < 1 {
		limit = 1
	}
	l := &limiter{limit: limit}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// SetLimit changes the concurrency ceiling for future acquisitions.
func (l *limiter) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	l.mu.Lock()
	l.limit = limit
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Acquire blocks until a slot is free or ctx is done.
func (l *limiter) Acquire(ctx context.Context) error {
	// A cond wait cannot observe ctx directly; wake the waiters when it
	// fires so they can re-check.
	stop := context.AfterFunc(ctx, func() { l.cond.Broadcast() })
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for l.inflight >= l.limit {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	l.inflight++
	return nil
}

func (l *limiter) Release() {
	l.mu.Lock()
	if l.inflight > 0 {
		l.inflight--
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

func (l *limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight
}
