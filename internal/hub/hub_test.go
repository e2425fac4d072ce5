package hub

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/skobkin/jobmon/internal/sampler"
)

func newTestHub() *Hub {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHubLatestAndSubscribe(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	if _, ok := h.Latest(); ok {
		t.Fatalf("expected no latest sample before publish")
	}

	h.Publish(sampler.Sample{Offset: time.Second, CPUPercent: 10})

	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	first := awaitSample(t, ch)
	if first.Offset != time.Second {
		t.Fatalf("expected latest sample on subscribe, got %+v", first)
	}

	h.Publish(sampler.Sample{Offset: 2 * time.Second, CPUPercent: 25})
	next := awaitSample(t, ch)
	if next.CPUPercent != 25 {
		t.Fatalf("unexpected sample %+v", next)
	}

	latest, ok := h.Latest()
	if !ok || latest.Offset != 2*time.Second {
		t.Fatalf("Latest did not return expected sample: %+v", latest)
	}
	if h.Published() != 2 {
		t.Fatalf("expected 2 published samples, got %d", h.Published())
	}
}

func TestHubDropsOldestOnBackpressure(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	h.Publish(sampler.Sample{Offset: 1 * time.Second})
	h.Publish(sampler.Sample{Offset: 2 * time.Second})
	h.Publish(sampler.Sample{Offset: 3 * time.Second})

	latest := awaitSample(t, ch)
	if latest.Offset != 3*time.Second {
		t.Fatalf("expected newest sample after backpressure, got %s", latest.Offset)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected buffered sample %+v", extra)
	default:
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ch, unsubscribe := h.Subscribe()
	unsubscribe()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}

	// Publishing after an unsubscribe must not panic.
	h.Publish(sampler.Sample{})
}

func TestHubClose(t *testing.T) {
	t.Parallel()

	h := newTestHub()
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	h.Close()
	h.Close()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after hub close")
	}

	late, lateUnsub := h.Subscribe()
	defer lateUnsub()
	if _, ok := <-late; ok {
		t.Fatalf("subscribe after close must return a closed channel")
	}

	h.Publish(sampler.Sample{Offset: time.Second})
	if _, ok := h.Latest(); ok {
		t.Fatalf("publish after close must be ignored")
	}
}

func awaitSample(t *testing.T, ch <-chan sampler.Sample) sampler.Sample {
	t.Helper()
	select {
	case sample, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return sample
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for sample")
		return sampler.Sample{}
	}
}
