// Package supervisor runs a child command while sampling resource usage,
// then hands the finalized samples to a reporter.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/jobmon/internal/periodic"
	"github.com/skobkin/jobmon/internal/report"
	"github.com/skobkin/jobmon/internal/sampler"
	"github.com/skobkin/jobmon/internal/samplestore"
)

const defaultGrace = 10 * time.Second

// Sampler produces one sample per call.
type Sampler interface {
	Sample(ctx context.Context, offset time.Duration) (sampler.Sample, error)
}

// Reporter turns a finished run into artifacts.
type Reporter interface {
	Generate(ctx context.Context, in report.Input) (report.Summary, report.Artifacts, error)
}

// Publisher receives a copy of every recorded sample.
type Publisher interface {
	Publish(sample sampler.Sample)
}

// Options configures a Supervisor.
type Options struct {
	Interval time.Duration
	Sampler  Sampler
	// Reporter may be nil, in which case the run stops at StateStopped.
	Reporter Reporter
	// Publisher may be nil.
	Publisher Publisher
	// Grace is how long the child may take to exit after SIGTERM before it
	// is killed. Zero means 10s.
	Grace time.Duration
	// OnStart is called with the child's pid right after it started.
	OnStart func(pid int)
	// RAMTotalBytes is copied into the report.
	RAMTotalBytes uint64

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Env    []string
	Dir    string

	Logger *slog.Logger
}

// Outcome describes a finished run.
type Outcome struct {
	RunID        string           `json:"run_id"`
	State        State            `json:"state"`
	PID          int              `json:"pid,omitempty"`
	ExitCode     int              `json:"exit_code"`
	SignalNumber int              `json:"signal_number,omitempty"`
	Signal       string           `json:"signal,omitempty"`
	Cancelled    bool             `json:"cancelled"`
	Summary      *report.Summary  `json:"summary,omitempty"`
	Artifacts    report.Artifacts `json:"artifacts"`
	StartedAt    time.Time        `json:"started_at"`
	Duration     time.Duration    `json:"duration"`
}

// Status is a point-in-time view of a run for live observers.
type Status struct {
	RunID     string
	Command   []string
	State     State
	PID       int
	StartedAt time.Time
	Interval  time.Duration
	Samples   int
}

// Supervisor owns a single run. It is not reusable.
type Supervisor struct {
	opts   Options
	runID  string
	logger *slog.Logger

	ran     atomic.Bool
	samples atomic.Int64

	mu        sync.RWMutex
	state     State
	command   []string
	pid       int
	startedAt time.Time
}

// New validates options. It fails with ErrInvalidInterval before anything is
// started.
func New(opts Options) (*Supervisor, error) {
	if opts.Interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if opts.Sampler == nil {
		return nil, errors.New("sampler is required")
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runID := uuid.NewString()
	return &Supervisor{
		opts:   opts,
		runID:  runID,
		logger: logger.With("component", "supervisor", "run_id", runID),
		state:  StateNotStarted,
	}, nil
}

// RunID returns the identifier of this run.
func (s *Supervisor) RunID() string { return s.runID }

// Status returns the current run status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		RunID:     s.runID,
		Command:   slices.Clone(s.command),
		State:     s.state,
		PID:       s.pid,
		StartedAt: s.startedAt,
		Interval:  s.opts.Interval,
		Samples:   int(s.samples.Load()),
	}
}

// Run starts command, samples until it exits or ctx is cancelled, then writes
// the report. A non-zero child exit is not an error: it is carried in the
// Outcome. Cancellation terminates the child gracefully and still reports the
// partial samples with Outcome.Cancelled set.
func (s *Supervisor) Run(ctx context.Context, command []string) (Outcome, error) {
	if !s.ran.CompareAndSwap(false, true) {
		return Outcome{}, ErrAlreadyRun
	}
	out := Outcome{RunID: s.runID, State: StateNotStarted}

	if len(command) == 0 {
		s.transition(StateFailed)
		out.State = StateFailed
		return out, &LaunchError{Err: ErrEmptyCommand}
	}

	// childCtx is also cancelled by a sampling failure.
	childCtx, cancelChild := context.WithCancel(ctx)
	defer cancelChild()

	cmd := exec.CommandContext(childCtx, command[0], command[1:]...)
	cmd.Stdin = s.opts.Stdin
	cmd.Stdout = s.opts.Stdout
	cmd.Stderr = s.opts.Stderr
	cmd.Env = s.opts.Env
	cmd.Dir = s.opts.Dir
	cmd.Cancel = func() error {
		s.logger.Info("terminating child", "pid", cmd.Process.Pid, "grace", s.opts.Grace)
		return cmd.Process.Signal(terminateSignal)
	}
	cmd.WaitDelay = s.opts.Grace

	store := samplestore.New()
	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		s.transition(StateFailed)
		out.State = StateFailed
		return out, &LaunchError{Command: slices.Clone(command), Err: err}
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.command = slices.Clone(command)
	s.pid = pid
	s.startedAt = startedAt
	s.mu.Unlock()
	s.transition(StateRunning)
	out.PID = pid
	out.StartedAt = startedAt

	s.logger.Info("child started", "pid", pid, "command", command, "interval", s.opts.Interval)
	if s.opts.OnStart != nil {
		s.opts.OnStart(pid)
	}

	samplingCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()
	samplingDone := make(chan error, 1)
	go func() {
		samplingDone <- s.sampleLoop(samplingCtx, store)
	}()

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	var (
		waitErr         error
		samplingErr     error
		samplingStopped bool
	)
	select {
	case waitErr = <-waitDone:
	case samplingErr = <-samplingDone:
		samplingStopped = true
		if samplingErr != nil {
			s.logger.Error("sampling failed, terminating child", "err", samplingErr)
			cancelChild()
		}
		waitErr = <-waitDone
	}

	stopSampling()
	if !samplingStopped {
		samplingErr = <-samplingDone
	}

	out.Duration = time.Since(startedAt)
	out.Cancelled = ctx.Err() != nil
	out.ExitCode, out.SignalNumber, out.Signal = exitStatus(cmd, waitErr)
	samples := store.Finalize()
	s.transition(StateStopped)
	out.State = StateStopped

	s.logger.Info("child exited",
		"exit_code", out.ExitCode,
		"signal", out.Signal,
		"cancelled", out.Cancelled,
		"duration", out.Duration,
		"samples", len(samples),
	)

	if samplingErr != nil {
		s.transition(StateFailed)
		out.State = StateFailed
		return out, samplingErr
	}

	if s.opts.Reporter == nil {
		return out, nil
	}

	input := report.Input{
		RunID:         s.runID,
		Command:       slices.Clone(command),
		StartedAt:     startedAt,
		Duration:      out.Duration,
		Interval:      s.opts.Interval,
		ExitCode:      out.ExitCode,
		Signal:        out.Signal,
		Cancelled:     out.Cancelled,
		RAMTotalBytes: s.opts.RAMTotalBytes,
		Samples:       samples,
	}
	summary, artifacts, err := s.opts.Reporter.Generate(context.WithoutCancel(ctx), input)
	out.Artifacts = artifacts
	out.Summary = &summary
	if err != nil {
		s.transition(StateFailed)
		out.State = StateFailed
		return out, &ReportingError{Err: err}
	}

	s.transition(StateReported)
	out.State = StateReported
	return out, nil
}

// sampleLoop records one sample per interval until ctx is cancelled or a
// required metric cannot be read.
func (s *Supervisor) sampleLoop(ctx context.Context, store *samplestore.Store) error {
	return periodic.Run(ctx, s.opts.Interval, func(ctx context.Context, elapsed time.Duration) error {
		sample, err := s.opts.Sampler.Sample(ctx, elapsed)
		if err != nil {
			if ctx.Err() != nil {
				// Stopped mid-sample; the partial read is discarded.
				return nil
			}
			return err
		}
		if err := store.Append(sample); err != nil {
			return fmt.Errorf("record sample: %w", err)
		}
		s.samples.Add(1)
		if s.opts.Publisher != nil {
			s.opts.Publisher.Publish(sample)
		}
		return nil
	})
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		s.logger.Debug("ignored state transition", "from", s.state, "to", to)
		return
	}
	s.state = to
}

// exitStatus derives the child exit code from the process state. Wait may
// return a context error after a graceful cancel even though the process
// exited cleanly, so the state is preferred over the error.
func exitStatus(cmd *exec.Cmd, waitErr error) (code, signalNumber int, signal string) {
	if state := cmd.ProcessState; state != nil {
		signalNumber, signal = signalOf(state)
		return state.ExitCode(), signalNumber, signal
	}
	if waitErr != nil {
		return -1, 0, ""
	}
	return 0, 0, ""
}
