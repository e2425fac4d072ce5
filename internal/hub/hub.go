package hub

import (
	"log/slog"
	"sync"

	"github.com/skobkin/jobmon/internal/sampler"
)

// Hub caches the latest recorded sample and fan-outs copies to subscribers.
// Slow subscribers never block the sampling loop: their oldest pending
// sample is dropped.
type Hub struct {
	logger *slog.Logger

	mu          sync.RWMutex
	latest      sampler.Sample
	hasLatest   bool
	published   uint64
	subscribers map[*subscriber]struct{}
	closed      bool
}

// New builds an empty Hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger.With("component", "hub"),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish records sample as the latest one and forwards it to subscribers.
func (h *Hub) Publish(sample sampler.Sample) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.latest = sample
	h.hasLatest = true
	h.published++

	targets := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.send(sample)
	}
}

// Latest returns the most recent sample.
func (h *Hub) Latest() (sampler.Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.hasLatest
}

// Published returns how many samples went through the hub.
func (h *Hub) Published() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published
}

// Subscribe registers a listener. The latest sample, if any, is delivered
// immediately. The channel is closed on unsubscribe or when the hub closes.
func (h *Hub) Subscribe() (<-chan sampler.Sample, func()) {
	sub := newSubscriber()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.channel(), func() {}
	}
	h.subscribers[sub] = struct{}{}
	if h.hasLatest {
		sub.send(h.latest)
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "subscribers", count)

	unsubscribe := func() {
		h.removeSubscriber(sub)
	}
	return sub.channel(), unsubscribe
}

// Close disconnects every subscriber. Safe for repeated use.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		sub.close()
	}
	h.subscribers = make(map[*subscriber]struct{})
}

func (h *Hub) removeSubscriber(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	sub.close()
}

type subscriber struct {
	ch     chan sampler.Sample
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan sampler.Sample, 1),
	}
}

func (s *subscriber) channel() <-chan sampler.Sample {
	return s.ch
}

func (s *subscriber) send(sample sampler.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- sample:
		return
	default:
		// Drop oldest to make room for new sample.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- sample:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
