// Package sampler reads host, GPU and process metrics into Samples.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// maxSampleTimeout bounds how long a single Sample call may block.
const maxSampleTimeout = 2 * time.Second

// Source is a capability-gated metric provider. Sources that depend on
// optional drivers report Available() == false instead of failing.
type Source interface {
	Name() string
	Available() bool
	Collect(ctx context.Context, sample *Sample) error
	Close() error
}

// SamplingError reports a failed read of a required (CPU/RAM) metric.
type SamplingError struct {
	Source string
	Err    error
}

func (e *SamplingError) Error() string {
	return fmt.Sprintf("sample %s: %v", e.Source, e.Err)
}

func (e *SamplingError) Unwrap() error {
	return e.Err
}

// Sampler composes one required host source with any number of optional
// sources. It performs no caching: each call reflects current state.
type Sampler struct {
	host     Source
	optional []Source
	timeout  time.Duration
	logger   *slog.Logger

	mu         sync.Mutex
	process    *ProcessSource
	lastStatus map[string]bool

	closeOnce sync.Once
	closeErr  error
}

// Options configures a Sampler.
type Options struct {
	// Host provides CPU and RAM. Required.
	Host Source
	// Optional sources (GPU drivers). Unavailable ones are skipped.
	Optional []Source
	// Timeout caps a single Sample call. Zero means maxSampleTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// New builds a Sampler from pre-constructed sources.
func New(opts Options) (*Sampler, error) {
	if opts.Host == nil {
		return nil, fmt.Errorf("host source is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := opts.Timeout
	if timeout <= 0 || timeout > maxSampleTimeout {
		timeout = maxSampleTimeout
	}

	return &Sampler{
		host:       opts.Host,
		optional:   append([]Source(nil), opts.Optional...),
		timeout:    timeout,
		logger:     logger,
		lastStatus: make(map[string]bool),
	}, nil
}

// TrackProcess attaches a process-tree source rooted at pid. Calling it again
// replaces the previously tracked process.
func (s *Sampler) TrackProcess(src *ProcessSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.process = src
}

// Sources returns the names of optional sources that are currently available.
func (s *Sampler) Sources() []string {
	names := []string{s.host.Name()}
	for _, src := range s.optional {
		if src.Available() {
			names = append(names, src.Name())
		}
	}
	return names
}

// Sample reads every source once. Only a host failure is returned as an
// error; optional source failures leave their fields absent.
func (s *Sampler) Sample(ctx context.Context, offset time.Duration) (Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sample := Sample{
		Offset:    offset,
		Timestamp: time.Now().UTC(),
	}

	if err := s.host.Collect(ctx, &sample); err != nil {
		return Sample{}, &SamplingError{Source: s.host.Name(), Err: err}
	}

	for _, src := range s.optional {
		if !src.Available() {
			continue
		}
		snapshot := sample
		snapshot.GPUs = append([]Device(nil), sample.GPUs...)
		err := src.Collect(ctx, &snapshot)
		s.noteStatus(src.Name(), err)
		if err != nil {
			continue
		}
		sample = snapshot
	}
	sample.rollupGPUs()

	s.mu.Lock()
	proc := s.process
	s.mu.Unlock()
	if proc != nil {
		if err := proc.Collect(ctx, &sample); err != nil {
			s.logger.Debug("process metrics unavailable", "err", err)
		}
	}

	return sample, nil
}

// noteStatus logs transitions between healthy and failing reads so that a
// flapping driver does not flood the log on every tick.
func (s *Sampler) noteStatus(name string, err error) {
	s.mu.Lock()
	prev, seen := s.lastStatus[name]
	ok := err == nil
	s.lastStatus[name] = ok
	s.mu.Unlock()

	if seen && prev == ok {
		if err != nil {
			s.logger.Debug("source read failed", "source", name, "err", err)
		}
		return
	}
	if err != nil {
		s.logger.Warn("source read failed, fields omitted for this sample", "source", name, "err", err)
	} else if seen {
		s.logger.Info("source recovered", "source", name)
	}
}

// Close releases all source resources. Safe for repeated use.
func (s *Sampler) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		all := append([]Source{s.host}, s.optional...)
		for _, src := range all {
			if err := src.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", src.Name(), err))
			}
		}
		s.mu.Lock()
		if s.process != nil {
			if err := s.process.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close process: %w", err))
			}
		}
		s.mu.Unlock()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
