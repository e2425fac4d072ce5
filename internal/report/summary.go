// Package report aggregates a finalized run into summary statistics and
// renders them as text, JSON and a time-series plot.
package report

import (
	"sort"
	"time"

	"github.com/skobkin/jobmon/internal/sampler"
)

// Input is everything the generator needs about a finished run.
type Input struct {
	RunID         string
	Command       []string
	StartedAt     time.Time
	Duration      time.Duration
	Interval      time.Duration
	ExitCode      int
	Signal        string
	Cancelled     bool
	RAMTotalBytes uint64
	Samples       []sampler.Sample
}

// Stat holds the aggregates of one metric over the samples where it was
// present.
type Stat struct {
	Peak    float64 `json:"peak"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
}

// DeviceSummary aggregates a single GPU.
type DeviceSummary struct {
	ID                string  `json:"id"`
	Name              string  `json:"name,omitempty"`
	Vendor            string  `json:"vendor,omitempty"`
	MemoryTotalBytes  *uint64 `json:"memory_total_bytes,omitempty"`
	MemoryUsedBytes   *Stat   `json:"memory_used_bytes,omitempty"`
	MemoryFreeBytes   *Stat   `json:"memory_free_bytes,omitempty"`
	Utilization       *Stat   `json:"utilization_percent,omitempty"`
	MemoryUtilization *Stat   `json:"memory_utilization_percent,omitempty"`
}

// Summary is computed once from a finalized sample sequence. Metrics that
// never had a value are nil.
type Summary struct {
	RunID           string          `json:"run_id"`
	Command         []string        `json:"command"`
	StartedAt       time.Time       `json:"started_at"`
	DurationSeconds float64         `json:"duration_seconds"`
	IntervalSeconds float64         `json:"interval_seconds"`
	SampleCount     int             `json:"sample_count"`
	ExitCode        int             `json:"exit_code"`
	Signal          string          `json:"signal,omitempty"`
	Cancelled       bool            `json:"cancelled"`
	RAMTotalBytes   uint64          `json:"ram_total_bytes,omitempty"`
	CPU             *Stat           `json:"cpu_percent,omitempty"`
	RAMUsed         *Stat           `json:"ram_used_bytes,omitempty"`
	RAMAvailable    *Stat           `json:"ram_available_bytes,omitempty"`
	GPUMemory       *Stat           `json:"gpu_memory_used_bytes,omitempty"`
	GPUUtilization  *Stat           `json:"gpu_utilization_percent,omitempty"`
	ProcessCPU      *Stat           `json:"process_cpu_percent,omitempty"`
	ProcessRSS      *Stat           `json:"process_rss_bytes,omitempty"`
	ProcessGPUMem   *Stat           `json:"process_gpu_memory_bytes,omitempty"`
	GPUs            []DeviceSummary `json:"gpus,omitempty"`
}

// HasData reports whether at least one sample was recorded.
func (s Summary) HasData() bool { return s.SampleCount > 0 }

// HasGPU reports whether any GPU metric was present in any sample.
func (s Summary) HasGPU() bool {
	return s.GPUMemory != nil || s.GPUUtilization != nil || len(s.GPUs) > 0
}

// Summarize computes per-metric peak, average and min. It is pure and
// handles an empty sample sequence.
func Summarize(in Input) Summary {
	summary := Summary{
		RunID:           in.RunID,
		Command:         append([]string(nil), in.Command...),
		StartedAt:       in.StartedAt,
		DurationSeconds: in.Duration.Seconds(),
		IntervalSeconds: in.Interval.Seconds(),
		SampleCount:     len(in.Samples),
		ExitCode:        in.ExitCode,
		Signal:          in.Signal,
		Cancelled:       in.Cancelled,
		RAMTotalBytes:   in.RAMTotalBytes,
	}

	var cpu, ramUsed, ramAvail, gpuMem, gpuUtil, procCPU, procRSS, procGPU accumulator
	devices := make(map[string]*deviceAccumulator)
	var deviceOrder []string

	for _, sample := range in.Samples {
		cpu.add(sample.CPUPercent)
		ramUsed.add(float64(sample.RAMUsedBytes))
		ramAvail.add(float64(sample.RAMAvailableBytes))
		if sample.GPUMemoryUsedBytes != nil {
			gpuMem.add(float64(*sample.GPUMemoryUsedBytes))
		}
		if sample.GPUUtilizationPercent != nil {
			gpuUtil.add(*sample.GPUUtilizationPercent)
		}
		if sample.ProcessCPUPercent != nil {
			procCPU.add(*sample.ProcessCPUPercent)
		}
		if sample.ProcessRSSBytes != nil {
			procRSS.add(float64(*sample.ProcessRSSBytes))
		}
		if sample.ProcessGPUMemoryBytes != nil {
			procGPU.add(float64(*sample.ProcessGPUMemoryBytes))
		}

		for _, dev := range sample.GPUs {
			acc, ok := devices[dev.ID]
			if !ok {
				acc = &deviceAccumulator{summary: DeviceSummary{ID: dev.ID, Name: dev.Name, Vendor: dev.Vendor}}
				devices[dev.ID] = acc
				deviceOrder = append(deviceOrder, dev.ID)
			}
			acc.add(dev)
		}
	}

	summary.CPU = cpu.stat()
	summary.RAMUsed = ramUsed.stat()
	summary.RAMAvailable = ramAvail.stat()
	summary.GPUMemory = gpuMem.stat()
	summary.GPUUtilization = gpuUtil.stat()
	summary.ProcessCPU = procCPU.stat()
	summary.ProcessRSS = procRSS.stat()
	summary.ProcessGPUMem = procGPU.stat()

	sort.Strings(deviceOrder)
	for _, id := range deviceOrder {
		summary.GPUs = append(summary.GPUs, devices[id].result())
	}
	return summary
}

type accumulator struct {
	n        int
	sum      float64
	min, max float64
}

func (a *accumulator) add(v float64) {
	if a.n == 0 || v < a.min {
		a.min = v
	}
	if a.n == 0 || v > a.max {
		a.max = v
	}
	a.sum += v
	a.n++
}

func (a *accumulator) stat() *Stat {
	if a.n == 0 {
		return nil
	}
	avg := a.sum / float64(a.n)
	// Rounding in the running sum can push the mean just outside [min, max].
	if avg > a.max {
		avg = a.max
	}
	if avg < a.min {
		avg = a.min
	}
	return &Stat{Peak: a.max, Average: avg, Min: a.min}
}

type deviceAccumulator struct {
	summary     DeviceSummary
	memory      accumulator
	memoryFree  accumulator
	utilization accumulator
	memoryUtil  accumulator
}

func (d *deviceAccumulator) add(dev sampler.Device) {
	if d.summary.Name == "" {
		d.summary.Name = dev.Name
	}
	if dev.MemoryTotalBytes != nil {
		total := *dev.MemoryTotalBytes
		d.summary.MemoryTotalBytes = &total
	}
	if dev.MemoryUsedBytes != nil {
		d.memory.add(float64(*dev.MemoryUsedBytes))
	}
	if dev.MemoryFreeBytes != nil {
		d.memoryFree.add(float64(*dev.MemoryFreeBytes))
	}
	if dev.UtilizationPercent != nil {
		d.utilization.add(*dev.UtilizationPercent)
	}
	if dev.MemoryUtilizationPercent != nil {
		d.memoryUtil.add(*dev.MemoryUtilizationPercent)
	}
}

func (d *deviceAccumulator) result() DeviceSummary {
	out := d.summary
	out.MemoryUsedBytes = d.memory.stat()
	out.MemoryFreeBytes = d.memoryFree.stat()
	out.Utilization = d.utilization.stat()
	out.MemoryUtilization = d.memoryUtil.stat()
	return out
}
