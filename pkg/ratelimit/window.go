package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Window admits at most Limit calls in any rolling window. Unlike a token
// bucket, no burst can push a window over the limit.
// It is safe for concurrent use. A nil *Window never blocks.
type Window struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	grants []time.Time
}

// NewWindow creates a limiter admitting limit calls per window.
// A non-positive limit or window disables limiting and returns nil.
func NewWindow(limit int, window time.Duration) *Window {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &Window{
		limit:  limit,
		window: window,
		grants: make([]time.Time, 0, limit),
	}
}

// PerSecond converts a rate into a window limiter: 10 gives 10 calls per
// second, 0.5 gives one call every two seconds. Fractions above one round down.
func PerSecond(rps float64) *Window {
	if rps <= 0 || math.IsInf(rps, 0) || math.IsNaN(rps) {
		return nil
	}
	if rps < 1 {
		return NewWindow(1, time.Duration(float64(time.Second)/rps))
	}
	return NewWindow(int(rps), time.Second)
}

// Wait blocks until the call fits in the window or ctx is done
func (w *Window) Wait(ctx context.Context) error {
	if w == nil {
		return nil
	}
	for {
		delay, ok := w.reserve(time.Now())
		if ok {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve records a grant at now if the window has room, otherwise it
// returns how long until the oldest grant leaves the window
func (w *Window) reserve(now time.Time) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	expired := 0
	for expired < len(w.grants) && !w.grants[expired].After(cutoff) {
		expired++
	}
	w.grants = append(w.grants[:0], w.grants[expired:]...)

	if len(w.grants) < w.limit {
		w.grants = append(w.grants, now)
		return 0, true
	}
	return w.grants[0].Sub(cutoff), false
}
