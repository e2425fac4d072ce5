package sampler

import "time"

// Sample is one point-in-time reading of monitored resource metrics.
// Pointer fields are nil when the metric was not available for this tick.
type Sample struct {
	Offset    time.Duration `json:"offset_ns"`
	Timestamp time.Time     `json:"ts"`

	CPUPercent        float64 `json:"cpu_percent"`
	RAMUsedBytes      uint64  `json:"ram_used_bytes"`
	RAMAvailableBytes uint64  `json:"ram_available_bytes"`

	GPUMemoryUsedBytes    *uint64  `json:"gpu_memory_used_bytes,omitempty"`
	GPUUtilizationPercent *float64 `json:"gpu_utilization_percent,omitempty"`
	GPUs                  []Device `json:"gpus,omitempty"`

	ProcessCPUPercent *float64 `json:"process_cpu_percent,omitempty"`
	ProcessRSSBytes   *uint64  `json:"process_rss_bytes,omitempty"`

	// ProcessGPUMemoryBytes is VRAM held by the job's DRM clients, as
	// accounted by the kernel in fdinfo.
	ProcessGPUMemoryBytes *uint64 `json:"process_gpu_memory_bytes,omitempty"`
}

// Device holds the readings for a single GPU.
type Device struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name,omitempty"`
	Vendor             string   `json:"vendor"`
	MemoryUsedBytes    *uint64  `json:"memory_used_bytes,omitempty"`
	MemoryFreeBytes    *uint64  `json:"memory_free_bytes,omitempty"`
	MemoryTotalBytes   *uint64  `json:"memory_total_bytes,omitempty"`
	UtilizationPercent *float64 `json:"utilization_percent,omitempty"`

	// MemoryUtilizationPercent is how busy the memory controller was.
	MemoryUtilizationPercent *float64 `json:"memory_utilization_percent,omitempty"`
}

// HasGPU reports whether any GPU field was populated.
func (s Sample) HasGPU() bool {
	return s.GPUMemoryUsedBytes != nil || s.GPUUtilizationPercent != nil
}

// rollupGPUs derives the aggregate GPU fields from the per-device readings:
// memory is summed, utilization is averaged over devices that reported it.
func (s *Sample) rollupGPUs() {
	s.GPUMemoryUsedBytes = nil
	s.GPUUtilizationPercent = nil

	var (
		memTotal  uint64
		memSeen   bool
		utilTotal float64
		utilCount int
	)
	for _, dev := range s.GPUs {
		if dev.MemoryUsedBytes != nil {
			memTotal += *dev.MemoryUsedBytes
			memSeen = true
		}
		if dev.UtilizationPercent != nil {
			utilTotal += *dev.UtilizationPercent
			utilCount++
		}
	}
	if memSeen {
		s.GPUMemoryUsedBytes = uint64Ptr(memTotal)
	}
	if utilCount > 0 {
		s.GPUUtilizationPercent = float64Ptr(utilTotal / float64(utilCount))
	}
}

func float64Ptr(value float64) *float64 {
	v := value
	return &v
}

func uint64Ptr(value uint64) *uint64 {
	v := value
	return &v
}
