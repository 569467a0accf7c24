// Package throttle paces consecutive registry requests.
//
// The registry is rate-limited by convention only: nothing enforces a
// request spacing, but hammering it degrades service for every user of
// the shared instance. The original operational default is 10 seconds
// between requests.
package throttle

import (
	"context"
	"time"
)

// Throttle enforces a minimum interval between consecutive calls to
// Wait. Not safe for concurrent use; each unit of work owns its own
// throttle, matching the one-session-per-crawl model.
type Throttle struct {
	interval time.Duration
	last     time.Time
}

// New creates a throttle with the given minimum interval. A
// non-positive interval disables pacing.
func New(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Wait blocks until the interval since the previous call has elapsed,
// or the context is cancelled. The first call returns immediately.
func (t *Throttle) Wait(ctx context.Context) error {
	if t.interval <= 0 || t.last.IsZero() {
		t.last = time.Now()
		return nil
	}

	remaining := t.interval - time.Since(t.last)
	if remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	t.last = time.Now()
	return nil
}

// Reset clears the pacing state so the next Wait returns immediately.
func (t *Throttle) Reset() {
	t.last = time.Time{}
}
