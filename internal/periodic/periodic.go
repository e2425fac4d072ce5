// Package periodic runs work on a fixed cadence until cancelled.
package periodic

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidInterval is returned for a non-positive interval.
var ErrInvalidInterval = errors.New("interval must be > 0")

// Func is invoked once per tick with the elapsed time since Run started.
// A non-nil error stops the loop and is returned from Run.
type Func func(ctx context.Context, elapsed time.Duration) error

// Run calls work every interval, starting one interval after the call. The
// stop signal is observed between ticks, so an in-flight call always
// completes. Run returns nil when ctx is cancelled.
func Run(ctx context.Context, interval time.Duration, work Func) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		// A tick racing with cancellation is dropped.
		if ctx.Err() != nil {
			return nil
		}
		if err := work(ctx, time.Since(start)); err != nil {
			return err
		}
	}
}
