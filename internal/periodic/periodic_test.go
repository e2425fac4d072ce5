package periodic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunTicksUntilCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var (
		calls int32
		last  time.Duration
	)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, 10*time.Millisecond, func(_ context.Context, elapsed time.Duration) error {
			if elapsed < last {
				return errors.New("elapsed went backwards")
			}
			last = elapsed
			if atomic.AddInt32(&calls, 1) == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestRunFirstTickAfterOneInterval(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan time.Duration, 1)
	go func() {
		_ = Run(ctx, 50*time.Millisecond, func(_ context.Context, elapsed time.Duration) error {
			select {
			case first <- elapsed:
			default:
			}
			return nil
		})
	}()

	select {
	case elapsed := <-first:
		if elapsed < 50*time.Millisecond {
			t.Fatalf("first tick fired after %s, expected at least one interval", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick observed")
	}
}

func TestRunStopsOnWorkError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	err := Run(context.Background(), 5*time.Millisecond, func(context.Context, time.Duration) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected work error, got %v", err)
	}
}

func TestRunCancelledBeforeFirstTick(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Run(ctx, time.Hour, func(context.Context, time.Duration) error {
		called = true
		return nil
	})
	if err != nil || called {
		t.Fatalf("expected immediate return without work, got err=%v called=%v", err, called)
	}
}

func TestRunRejectsInvalidInterval(t *testing.T) {
	t.Parallel()

	for _, interval := range []time.Duration{0, -time.Second} {
		if err := Run(context.Background(), interval, nil); !errors.Is(err, ErrInvalidInterval) {
			t.Fatalf("interval %s: expected ErrInvalidInterval, got %v", interval, err)
		}
	}
}
