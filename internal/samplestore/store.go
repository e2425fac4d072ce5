package samplestore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/skobkin/jobmon/internal/sampler"
)

var (
	// ErrOutOfOrder is returned when a sample offset is below the last one.
	ErrOutOfOrder = errors.New("sample offset decreases")
	// ErrFinalized is returned when appending to a finalized store.
	ErrFinalized = errors.New("sample store finalized")
)

// defaultCapacity covers about an hour at the default one second interval.
const defaultCapacity = 4096

// Store is an append-only, time-ordered buffer of samples. The sampling loop
// is its only writer; Finalize freezes it and hands the samples to the
// report generator.
type Store struct {
	mu        sync.Mutex
	samples   []sampler.Sample
	finalized bool
}

// New returns an empty store.
func New() *Store {
	return &Store{samples: make([]sampler.Sample, 0, defaultCapacity)}
}

// Append records a sample. Offsets must be non-decreasing.
func (s *Store) Append(sample sampler.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return ErrFinalized
	}
	if n := len(s.samples); n > 0 && sample.Offset < s.samples[n-1].Offset {
		return fmt.Errorf("%w: %s after %s", ErrOutOfOrder, sample.Offset, s.samples[n-1].Offset)
	}
	s.samples = append(s.samples, sample)
	return nil
}

// Finalize freezes the store and returns its samples. Repeated calls return
// the same slice.
func (s *Store) Finalize() []sampler.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.finalized {
		s.finalized = true
		s.samples = s.samples[:len(s.samples):len(s.samples)]
	}
	return s.samples
}

// Len returns the number of recorded samples.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// Finalized reports whether Finalize has been called.
func (s *Store) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}
