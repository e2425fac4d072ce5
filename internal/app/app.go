// Package app wires up and runs a monitored job.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skobkin/jobmon/internal/api"
	"github.com/skobkin/jobmon/internal/config"
	"github.com/skobkin/jobmon/internal/httpserver"
	"github.com/skobkin/jobmon/internal/hub"
	"github.com/skobkin/jobmon/internal/report"
	"github.com/skobkin/jobmon/internal/sampler"
	"github.com/skobkin/jobmon/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

// Run supervises command with the configured sources and writes the report.
// The returned error follows the supervisor error taxonomy and is meant to be
// passed to supervisor.ExitCode together with the outcome.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, command []string) (supervisor.Outcome, error) {
	appLogger := baseLogger.With("component", "app")

	if cfg.SampleInterval <= 0 {
		return supervisor.Outcome{}, supervisor.ErrInvalidInterval
	}

	set, err := buildSampler(ctx, cfg, baseLogger)
	if err != nil {
		return supervisor.Outcome{}, err
	}
	defer func() {
		if err := set.sampler.Close(); err != nil {
			appLogger.Warn("sampler close", "err", err)
		}
	}()

	generator, err := report.NewGenerator(report.Options{
		OutputDir:  cfg.OutputDir,
		PlotWidth:  cfg.Plot.Width,
		PlotHeight: cfg.Plot.Height,
		Logger:     baseLogger.With("component", "report"),
	})
	if err != nil {
		return supervisor.Outcome{}, &supervisor.ReportingError{Err: err}
	}

	feed := hub.New(baseLogger)
	defer feed.Close()

	sup, err := supervisor.New(supervisor.Options{
		Interval:      cfg.SampleInterval,
		Sampler:       set.sampler,
		Reporter:      generator,
		Publisher:     feed,
		Grace:         cfg.TerminateGrace,
		RAMTotalBytes: set.ramTotal,
		OnStart: func(pid int) {
			if cfg.Process.Enable {
				set.sampler.TrackProcess(sampler.NewProcessSource(pid))
			}
		},
		Logger: baseLogger,
	})
	if err != nil {
		return supervisor.Outcome{}, err
	}

	if cfg.ListenAddr == "" {
		return sup.Run(ctx, command)
	}

	// Bind before the child starts so a bad address fails the run up front.
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return supervisor.Outcome{}, fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), httpserver.Options{
		GPUs:    set.gpus,
		Sources: set.sampler.Sources(),
		Feed:    feed,
		Run:     runStatus{sup: sup},
	})

	var (
		g      errgroup.Group
		out    supervisor.Outcome
		runErr error
	)
	g.Go(func() error {
		return srv.Serve(ln)
	})
	g.Go(func() error {
		out, runErr = sup.Run(ctx, command)

		// Ending the feed closes live streams before the listener goes away.
		feed.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		appLogger.Warn("live server error", "err", err)
	}
	return out, runErr
}

// runStatus exposes the supervisor state to the live API.
type runStatus struct {
	sup *supervisor.Supervisor
}

func (r runStatus) RunInfo() api.RunInfo {
	st := r.sup.Status()
	info := api.RunInfo{
		RunID:      st.RunID,
		Command:    st.Command,
		State:      st.State.String(),
		PID:        st.PID,
		StartedAt:  st.StartedAt,
		IntervalMS: st.Interval.Milliseconds(),
		Samples:    st.Samples,
	}
	if !st.StartedAt.IsZero() {
		info.ElapsedMS = time.Since(st.StartedAt).Milliseconds()
	}
	if info.Command == nil {
		info.Command = []string{}
	}
	return info
}
