package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/skobkin/jobmon/internal/config"
	"github.com/skobkin/jobmon/internal/gpu"
	"github.com/skobkin/jobmon/internal/sampler"
)

// samplerSet is a Sampler plus what app needs to know about the sources
// behind it.
type samplerSet struct {
	sampler  *sampler.Sampler
	gpus     []gpu.Info
	ramTotal uint64
}

func buildSampler(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*samplerSet, error) {
	appLogger := baseLogger.With("component", "app")

	host, err := sampler.NewHostSource(ctx)
	if err != nil {
		return nil, &sampler.SamplingError{Source: "host", Err: err}
	}

	ramTotal, err := host.TotalRAM(ctx)
	if err != nil {
		appLogger.Warn("total RAM unavailable", "err", err)
	}

	var (
		optional []sampler.Source
		gpus     []gpu.Info
	)

	if cfg.GPU.Enable && cfg.GPU.AMDGPU {
		infos, err := gpu.Discover(cfg.SysfsRoot, baseLogger.With("component", "gpu_discovery"))
		if err != nil {
			appLogger.Warn("gpu discovery failed", "err", err)
		}
		gpus = infos

		amd := sampler.NewAMDSource(infos, cfg.SysfsRoot, cfg.DebugfsRoot, baseLogger.With("component", "amdgpu"))
		if amd.Available() {
			optional = append(optional, amd)
		} else {
			appLogger.Debug("amdgpu source unavailable")
		}
	}

	if cfg.GPU.Enable && cfg.GPU.NVML {
		session := gpu.NewNVML(baseLogger.With("component", "nvml"))
		nvidia := sampler.NewNVIDIASource(session)
		if nvidia.Available() {
			optional = append(optional, nvidia)
			// NVML names NVIDIA cards better than sysfs does.
			gpus = slices.DeleteFunc(gpus, func(info gpu.Info) bool {
				return info.Vendor == gpu.VendorNVIDIA
			})
			for _, dev := range session.Devices() {
				gpus = append(gpus, gpu.Info{
					ID:     nvidiaID(dev),
					Vendor: gpu.VendorNVIDIA,
					Name:   dev.Name,
				})
			}
		} else {
			appLogger.Debug("nvml source unavailable")
			_ = nvidia.Close()
		}
	}

	appLogger.Info("discovered GPUs", "count", len(gpus))

	smp, err := sampler.New(sampler.Options{
		Host:     host,
		Optional: optional,
		Timeout:  cfg.SampleInterval,
		Logger:   baseLogger.With("component", "sampler"),
	})
	if err != nil {
		return nil, fmt.Errorf("init sampler: %w", err)
	}

	return &samplerSet{
		sampler:  smp,
		gpus:     gpus,
		ramTotal: ramTotal,
	}, nil
}

func nvidiaID(dev gpu.NVMLDeviceInfo) string {
	if dev.UUID != "" {
		return dev.UUID
	}
	return fmt.Sprintf("nvidia%d", dev.Index)
}
