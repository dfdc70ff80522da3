package httpmiddleware

import (
	"context"
	"sync"
	"time"
)

type windowCounts struct {
	prev  float64
	curr  float64
	start time.Time
}

// WindowLimiter is an in-process sliding window Limiter.
type WindowLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	keys map[string]*windowCounts
}

var _ Limiter = (*WindowLimiter)(nil)

// NewWindowLimiter allows limit requests per key in any interval of length
// window.
func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		limit:  limit,
		window: window,
		keys:   make(map[string]*windowCounts),
	}
}

// Allow counts a request for key if it fits the limit.
func (l *WindowLimiter) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := now.Truncate(l.window)
	w, ok := l.keys[key]
	switch {
	case !ok:
		w = &windowCounts{start: start}
		l.keys[key] = w
	case start.Sub(w.start) >= 2*l.window:
		*w = windowCounts{start: start}
	case start.After(w.start):
		*w = windowCounts{prev: w.curr, start: start}
	}

	d := Decision{ResetAt: start.Add(l.window)}
	count := slidingCount(w.prev, w.curr, w.start, now, l.window)
	if count >= float64(l.limit) {
		return d, nil
	}
	w.curr++
	d.Allowed = true
	d.Remaining = remainingOf(l.limit, count+1)
	return d, nil
}

// Run evicts keys idle for two windows until ctx is done.
func (l *WindowLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

func (l *WindowLimiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.keys {
		if now.Sub(w.start) >= 2*l.window {
			delete(l.keys, key)
		}
	}
}
