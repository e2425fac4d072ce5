package sampler

import (
	"context"
	"strconv"

	"github.com/skobkin/jobmon/internal/gpu"
)

// nvmlSession is the part of gpu.NVML the source depends on.
type nvmlSession interface {
	Available() bool
	Read() ([]gpu.NVMLReading, error)
	Close() error
}

// NVIDIASource reads NVIDIA GPUs through an NVML session. The session is
// acquired on the first Available/Collect call and released by Close.
type NVIDIASource struct {
	session nvmlSession
}

// NewNVIDIASource wraps an NVML session.
func NewNVIDIASource(session nvmlSession) *NVIDIASource {
	return &NVIDIASource{session: session}
}

func (n *NVIDIASource) Name() string { return "nvml" }

func (n *NVIDIASource) Available() bool { return n.session.Available() }

// Collect appends one Device per NVML device.
func (n *NVIDIASource) Collect(ctx context.Context, sample *Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	readings, err := n.session.Read()
	if err != nil {
		return err
	}
	for _, r := range readings {
		id := r.UUID
		if id == "" {
			id = "nvidia" + strconv.Itoa(r.Index)
		}
		sample.GPUs = append(sample.GPUs, Device{
			ID:                 id,
			Name:               r.Name,
			Vendor:             gpu.VendorNVIDIA,
			MemoryUsedBytes:    r.MemoryUsedBytes,
			MemoryFreeBytes:    r.MemoryFreeBytes,
			MemoryTotalBytes:   r.MemoryTotalBytes,
			UtilizationPercent: r.UtilizationPercent,

			MemoryUtilizationPercent: r.MemoryUtilizationPercent,
		})
	}
	return nil
}

func (n *NVIDIASource) Close() error { return n.session.Close() }
