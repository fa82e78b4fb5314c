package rebroadcast

import (
	"context"
	"time"
)

// TargetInstant returns the emission instant for sample index t of a stream
// whose replay began at start with nominal rate hz (hz > 0). Each target is
// derived from the fixed start instant and the sample's own index, never
// from the previous sample's actual emission time, so small scheduling
// delays do not accumulate into drift.
func TargetInstant(start time.Time, t int, hz float64) time.Time {
	return start.Add(time.Duration(float64(t) * float64(time.Second) / hz))
}

// WaitFor returns the remaining time until target, as seen from now. The
// result is negative when the target has already passed; late samples are
// still emitted, just without any delay.
func WaitFor(target, now time.Time) time.Duration {
	return target.Sub(now)
}

// waitUntil suspends for d or until ctx is cancelled, whichever comes
// first. It reports whether the full wait elapsed.
func waitUntil(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
