package sampler

import (
	"context"
	"errors"
	"testing"

	"github.com/skobkin/jobmon/internal/gpu"
)

type fakeSession struct {
	available bool
	readings  []gpu.NVMLReading
	err       error
	closed    bool
}

func (f *fakeSession) Available() bool                  { return f.available }
func (f *fakeSession) Read() ([]gpu.NVMLReading, error) { return f.readings, f.err }
func (f *fakeSession) Close() error                     { f.closed = true; return nil }

func TestNVIDIASourceCollect(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		available: true,
		readings: []gpu.NVMLReading{
			{
				NVMLDeviceInfo:     gpu.NVMLDeviceInfo{Index: 0, UUID: "GPU-abc", Name: "Tesla T4"},
				MemoryUsedBytes:    uint64Ptr(2048),
				MemoryFreeBytes:    uint64Ptr(14336),
				MemoryTotalBytes:   uint64Ptr(16384),
				UtilizationPercent: float64Ptr(88),

				MemoryUtilizationPercent: float64Ptr(31),
			},
			{NVMLDeviceInfo: gpu.NVMLDeviceInfo{Index: 1}},
		},
	}
	src := NewNVIDIASource(session)
	if !src.Available() {
		t.Fatalf("expected source to be available")
	}

	var sample Sample
	if err := src.Collect(context.Background(), &sample); err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if len(sample.GPUs) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(sample.GPUs))
	}
	if sample.GPUs[0].ID != "GPU-abc" || sample.GPUs[0].Vendor != gpu.VendorNVIDIA {
		t.Fatalf("unexpected first device %+v", sample.GPUs[0])
	}
	assertUintEqual(t, sample.GPUs[0].MemoryFreeBytes, 14336)
	assertFloatEqual(t, sample.GPUs[0].MemoryUtilizationPercent, 31)
	if sample.GPUs[1].ID != "nvidia1" {
		t.Fatalf("expected index based id fallback, got %q", sample.GPUs[1].ID)
	}

	if err := src.Close(); err != nil || !session.closed {
		t.Fatalf("Close must release the session")
	}
}

func TestNVIDIASourceReadError(t *testing.T) {
	t.Parallel()

	src := NewNVIDIASource(&fakeSession{available: true, err: errors.New("gpu fell off the bus")})
	var sample Sample
	if err := src.Collect(context.Background(), &sample); err == nil {
		t.Fatalf("expected read error to propagate to the sampler")
	}
	if len(sample.GPUs) != 0 {
		t.Fatalf("no devices must be appended on error")
	}
}
