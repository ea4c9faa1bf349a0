package scheduler

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Guard enforces a task's concurrency limit and minimum spacing. Excess runs
// are rejected immediately, never queued.
type Guard struct {
	limit    int32
	inflight atomic.Int32
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewGuard builds a guard. limit 0 disables both checks.
func NewGuard(limit int, window time.Duration) *Guard {
	g := &Guard{limit: int32(limit), now: time.Now}
	if limit > 0 && window > 0 {
		g.limiter = rate.NewLimiter(rate.Every(window), limit)
	}
	return g
}

// Acquire admits a scheduled run.
func (g *Guard) Acquire() (func(), error) {
	return g.acquire(true)
}

// AcquireRetry admits a retry. Retries bypass the spacing window but still
// respect the concurrency limit.
func (g *Guard) AcquireRetry() (func(), error) {
	return g.acquire(false)
}

// InFlight reports the number of running executions.
func (g *Guard) InFlight() int {
	return int(g.inflight.Load())
}

func (g *Guard) acquire(spaced bool) (func(), error) {
	if g.limit <= 0 {
		g.inflight.Add(1)
		return func() { g.inflight.Add(-1) }, nil
	}

	for {
		cur := g.inflight.Load()
		if cur >= g.limit {
			return nil, ErrSuppressed
		}
		if g.inflight.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	if spaced && g.limiter != nil && !g.limiter.AllowN(g.now(), 1) {
		g.inflight.Add(-1)
		return nil, ErrSuppressed
	}

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			g.inflight.Add(-1)
		}
	}, nil
}
