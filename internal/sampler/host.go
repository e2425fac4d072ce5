package sampler

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSource reads host-wide CPU and RAM usage. CPU percent is normalised
// over all cores, so it stays within 0-100.
type HostSource struct {
	cpuPercent func(ctx context.Context) (float64, error)
	virtualMem func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewHostSource builds a HostSource and primes the CPU counter so the first
// sample covers the time since construction rather than since boot.
func NewHostSource(ctx context.Context) (*HostSource, error) {
	src := &HostSource{
		cpuPercent: hostCPUPercent,
		virtualMem: mem.VirtualMemoryWithContext,
	}
	if _, err := src.cpuPercent(ctx); err != nil {
		return nil, fmt.Errorf("getting cpu percent: %w", err)
	}
	return src, nil
}

func hostCPUPercent(ctx context.Context) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("no cpu values reported")
	}
	return values[0], nil
}

func (h *HostSource) Name() string { return "host" }

func (h *HostSource) Available() bool { return true }

// Collect fills CPU and RAM fields.
func (h *HostSource) Collect(ctx context.Context, sample *Sample) error {
	cpuPct, err := h.cpuPercent(ctx)
	if err != nil {
		return fmt.Errorf("getting cpu percent: %w", err)
	}

	vm, err := h.virtualMem(ctx)
	if err != nil {
		return fmt.Errorf("getting virtual memory: %w", err)
	}

	sample.CPUPercent = clamp(cpuPct, 0, 100)
	sample.RAMUsedBytes = vm.Used
	sample.RAMAvailableBytes = vm.Available
	return nil
}

func (h *HostSource) Close() error { return nil }

// TotalRAM returns the installed memory in bytes.
func (h *HostSource) TotalRAM(ctx context.Context) (uint64, error) {
	vm, err := h.virtualMem(ctx)
	if err != nil {
		return 0, fmt.Errorf("getting virtual memory: %w", err)
	}
	return vm.Total, nil
}
