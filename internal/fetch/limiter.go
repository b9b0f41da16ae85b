package fetch

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a minimum delay between consecutive requests to one
// source. For a 60/min cap the interval must carry a safety margin
// above 1s; the default configuration uses 1.1s. Each source gets its
// own instance, so independent ingestions never share a window.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewLimiter returns a Limiter with the given minimum inter-request
// interval. A non-positive interval disables the limiter.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{interval: interval}
}

// Wait blocks until the interval since the previous call has elapsed,
// or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.interval <= 0 {
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	wait := l.interval - now.Sub(l.last)
	if wait < 0 {
		wait = 0
	}
	l.last = now.Add(wait)
	l.mu.Unlock()

	if wait == 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
