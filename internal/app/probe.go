package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/skobkin/jobmon/internal/config"
	"github.com/skobkin/jobmon/internal/gpu"
	"github.com/skobkin/jobmon/internal/sampler"
)

// ProbeResult is a single reading of every available source.
type ProbeResult struct {
	Sources       []string       `json:"sources"`
	GPUs          []gpu.Info     `json:"gpus"`
	RAMTotalBytes uint64         `json:"ram_total_bytes"`
	Window        time.Duration  `json:"window_ns"`
	Sample        sampler.Sample `json:"sample"`
}

// Probe builds the configured sources, waits one sample interval so CPU
// usage covers a real window, and takes one sample.
func Probe(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) (ProbeResult, error) {
	set, err := buildSampler(ctx, cfg, baseLogger)
	if err != nil {
		return ProbeResult{}, err
	}
	defer func() {
		if err := set.sampler.Close(); err != nil {
			baseLogger.Warn("sampler close", "component", "app", "err", err)
		}
	}()

	start := time.Now()
	timer := time.NewTimer(cfg.SampleInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ProbeResult{}, ctx.Err()
	case <-timer.C:
	}

	window := time.Since(start)
	sample, err := set.sampler.Sample(ctx, window)
	if err != nil {
		return ProbeResult{}, err
	}

	gpus := set.gpus
	if gpus == nil {
		gpus = []gpu.Info{}
	}
	return ProbeResult{
		Sources:       set.sampler.Sources(),
		GPUs:          gpus,
		RAMTotalBytes: set.ramTotal,
		Window:        window,
		Sample:        sample,
	}, nil
}
