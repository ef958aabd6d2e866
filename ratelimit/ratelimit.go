// Package ratelimit provides a simple frames-per-second rate limiter.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits to fps frames per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerFrame int64
	framesSent uint64
	nextCheck  uint64
	startTime  time.Time
	checkEvery uint64
}

// New creates a limiter for fps frames per second.
// If fps == 0, throttling is disabled and New returns nil.
func New(fps uint64) *Throttle {
	if fps == 0 {
		return nil
	}
	every := min(max(fps/100, 1), 1024)
	return &Throttle{
		nsPerFrame: int64(time.Second) / int64(fps),
		startTime:  time.Now(),

		// Check time every ~10ms of frames to balance accuracy vs overhead.
		// At most every 1024 frames.
		checkEvery: every,
		nextCheck:  every,
	}
}

// WaitN blocks until n more frames are allowed or ctx is done.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) WaitN(ctx context.Context, n uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l == nil || n == 0 {
		return nil
	}

	l.framesSent += n
	if l.framesSent < l.nextCheck {
		return nil // Fast path: only check time periodically.
	}
	l.nextCheck = l.framesSent + l.checkEvery

	// Slow path: check if we need to sleep
	expectedTime := l.startTime.Add(time.Duration(int64(l.framesSent) * l.nsPerFrame))

	now := time.Now()
	if !now.Before(expectedTime) {
		return nil // Behind schedule, naturally catch up by not sleeping.
	}
	t := time.NewTimer(expectedTime.Sub(now))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
