package sampler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skobkin/jobmon/internal/gpu"
)

type fakeSource struct {
	name      string
	available bool
	err       error
	fill      func(*Sample)
	closed    int
}

func (f *fakeSource) Name() string    { return f.name }
func (f *fakeSource) Available() bool { return f.available }
func (f *fakeSource) Close() error    { f.closed++; return nil }

func (f *fakeSource) Collect(_ context.Context, sample *Sample) error {
	if f.err != nil {
		return f.err
	}
	if f.fill != nil {
		f.fill(sample)
	}
	return nil
}

func hostFake() *fakeSource {
	return &fakeSource{name: "host", available: true, fill: func(s *Sample) {
		s.CPUPercent = 12.5
		s.RAMUsedBytes = 1 << 30
		s.RAMAvailableBytes = 3 << 30
	}}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSamplerHostOnly(t *testing.T) {
	t.Parallel()

	s, err := New(Options{Host: hostFake(), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	sample, err := s.Sample(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if sample.Offset != 3*time.Second {
		t.Fatalf("unexpected offset %s", sample.Offset)
	}
	if sample.CPUPercent != 12.5 || sample.RAMUsedBytes != 1<<30 {
		t.Fatalf("unexpected host values %+v", sample)
	}
	if sample.HasGPU() || len(sample.GPUs) != 0 {
		t.Fatalf("expected no GPU fields, got %+v", sample)
	}
}

func TestSamplerHostFailureIsSamplingError(t *testing.T) {
	t.Parallel()

	host := &fakeSource{name: "host", available: true, err: errors.New("proc unreadable")}
	s, err := New(Options{Host: host})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	_, err = s.Sample(context.Background(), 0)
	var samplingErr *SamplingError
	if !errors.As(err, &samplingErr) {
		t.Fatalf("expected SamplingError, got %v", err)
	}
	if samplingErr.Source != "host" {
		t.Fatalf("unexpected source %q", samplingErr.Source)
	}
}

func TestSamplerOptionalFailureLeavesFieldsAbsent(t *testing.T) {
	t.Parallel()

	flaky := &fakeSource{name: "gpu", available: true, fill: func(s *Sample) {
		s.GPUs = append(s.GPUs, Device{ID: "gpu0", Vendor: "test", MemoryUsedBytes: uint64Ptr(100), UtilizationPercent: float64Ptr(40)})
	}}
	missing := &fakeSource{name: "absent", available: false, err: errors.New("must not be called")}

	s, err := New(Options{Host: hostFake(), Optional: []Source{flaky, missing}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	first, err := s.Sample(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if first.GPUMemoryUsedBytes == nil || *first.GPUMemoryUsedBytes != 100 {
		t.Fatalf("expected GPU memory 100, got %v", first.GPUMemoryUsedBytes)
	}
	if first.GPUUtilizationPercent == nil || *first.GPUUtilizationPercent != 40 {
		t.Fatalf("expected GPU utilization 40, got %v", first.GPUUtilizationPercent)
	}

	// A transient failure mid-run drops the GPU fields for that sample only.
	flaky.err = errors.New("transient")
	second, err := s.Sample(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("transient GPU failure must not fail the sample: %v", err)
	}
	if second.HasGPU() || len(second.GPUs) != 0 {
		t.Fatalf("expected absent GPU fields, got %+v", second)
	}
	if second.CPUPercent != 12.5 {
		t.Fatalf("host fields must still be present")
	}

	flaky.err = nil
	third, err := s.Sample(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if !third.HasGPU() {
		t.Fatalf("expected GPU fields after recovery")
	}

	if got := s.Sources(); len(got) != 2 || got[0] != "host" || got[1] != "gpu" {
		t.Fatalf("unexpected sources %v", got)
	}
}

func TestSamplerCloseOnce(t *testing.T) {
	t.Parallel()

	host := hostFake()
	opt := &fakeSource{name: "gpu", available: true}
	s, err := New(Options{Host: host, Optional: []Source{opt}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if host.closed != 1 || opt.closed != 1 {
		t.Fatalf("expected each source closed once, got host=%d gpu=%d", host.closed, opt.closed)
	}
}

func TestNewRequiresHost(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without host source")
	}
}

func TestRollupGPUs(t *testing.T) {
	t.Parallel()

	sample := Sample{GPUs: []Device{
		{ID: "a", MemoryUsedBytes: uint64Ptr(100), UtilizationPercent: float64Ptr(20)},
		{ID: "b", MemoryUsedBytes: uint64Ptr(300)},
		{ID: "c", UtilizationPercent: float64Ptr(60)},
	}}
	sample.rollupGPUs()

	if sample.GPUMemoryUsedBytes == nil || *sample.GPUMemoryUsedBytes != 400 {
		t.Fatalf("expected summed memory 400, got %v", sample.GPUMemoryUsedBytes)
	}
	if sample.GPUUtilizationPercent == nil || *sample.GPUUtilizationPercent != 40 {
		t.Fatalf("expected mean utilization 40, got %v", sample.GPUUtilizationPercent)
	}
}

func TestAMDSourceSysfs(t *testing.T) {
	t.Parallel()

	sysfsRoot := t.TempDir()
	debugfsRoot := t.TempDir()

	devicePath := createMinimalDevice(t, sysfsRoot, "card0")
	writeFile(t, filepath.Join(devicePath, gpuBusyFilename), "47\n")
	writeFile(t, filepath.Join(devicePath, vramUsedFilename), "104857600\n")
	writeFile(t, filepath.Join(devicePath, vramTotalFilename), "2147483648\n")
	writeFile(t, filepath.Join(devicePath, memBusyFilename), "9\n")

	infos := []gpu.Info{
		{ID: "card0", Vendor: gpu.VendorAMD, Driver: "amdgpu", Name: "Test Radeon"},
		{ID: "card1", Vendor: gpu.VendorNVIDIA, Driver: "nvidia"},
	}
	src := NewAMDSource(infos, sysfsRoot, debugfsRoot, discardLogger())
	if !src.Available() {
		t.Fatalf("expected AMD source to be available")
	}

	var sample Sample
	if err := src.Collect(context.Background(), &sample); err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if len(sample.GPUs) != 1 {
		t.Fatalf("expected one AMD device, got %d", len(sample.GPUs))
	}

	dev := sample.GPUs[0]
	if dev.ID != "card0" || dev.Name != "Test Radeon" || dev.Vendor != gpu.VendorAMD {
		t.Fatalf("unexpected device identity %+v", dev)
	}
	assertFloatEqual(t, dev.UtilizationPercent, 47)
	assertUintEqual(t, dev.MemoryUsedBytes, 104857600)
	assertUintEqual(t, dev.MemoryTotalBytes, 2147483648)
	assertUintEqual(t, dev.MemoryFreeBytes, 2147483648-104857600)
	assertFloatEqual(t, dev.MemoryUtilizationPercent, 9)
}

func TestAMDSourceDebugFallback(t *testing.T) {
	t.Parallel()

	sysfsRoot := t.TempDir()
	debugfsRoot := t.TempDir()

	devicePath := createMinimalDevice(t, sysfsRoot, "card1")
	writeFile(t, filepath.Join(devicePath, vramUsedFilename), "1024\n")
	writeFile(t, filepath.Join(debugfsRoot, "dri", "1", debugPmInfoFilename), "GFX Clocks and Power:\n\t1200 MHz (SCLK)\n\nGPU Load: 76 %\n")

	src := NewAMDSource([]gpu.Info{{ID: "card1", Vendor: gpu.VendorAMD}}, sysfsRoot, debugfsRoot, discardLogger())

	var sample Sample
	if err := src.Collect(context.Background(), &sample); err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	assertFloatEqual(t, sample.GPUs[0].UtilizationPercent, 76)
	if sample.GPUs[0].MemoryTotalBytes != nil || sample.GPUs[0].MemoryFreeBytes != nil {
		t.Fatalf("expected total and free VRAM to be nil when sysfs file missing")
	}
}

func TestAMDSourceUnavailableWithoutCards(t *testing.T) {
	t.Parallel()

	src := NewAMDSource(nil, t.TempDir(), t.TempDir(), nil)
	if src.Available() {
		t.Fatalf("expected AMD source to be unavailable without cards")
	}

	// A card listed by discovery but missing in sysfs is skipped.
	src = NewAMDSource([]gpu.Info{{ID: "card7", Vendor: gpu.VendorAMD}}, t.TempDir(), t.TempDir(), nil)
	if src.Available() {
		t.Fatalf("expected AMD source to be unavailable for a missing device dir")
	}
}

func TestAMDSourceCollectFailsWhenNothingReadable(t *testing.T) {
	t.Parallel()

	sysfsRoot := t.TempDir()
	createMinimalDevice(t, sysfsRoot, "card0")

	src := NewAMDSource([]gpu.Info{{ID: "card0", Vendor: gpu.VendorAMD}}, sysfsRoot, t.TempDir(), nil)
	var sample Sample
	if err := src.Collect(context.Background(), &sample); err == nil {
		t.Fatalf("expected error when no telemetry files exist")
	}
}

func TestReadPercentScaled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "busy")
	writeFile(t, path, "4700\n")

	r := &cardReader{logger: discardLogger()}
	assertFloatEqual(t, r.readPercent(path), 47)
}

func TestHostSourceReadsLiveValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src, err := NewHostSource(ctx)
	if err != nil {
		t.Fatalf("NewHostSource returned error: %v", err)
	}

	var sample Sample
	if err := src.Collect(ctx, &sample); err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if sample.CPUPercent < 0 || sample.CPUPercent > 100 {
		t.Fatalf("cpu percent out of range: %f", sample.CPUPercent)
	}
	if sample.RAMUsedBytes == 0 {
		t.Fatalf("expected non-zero RAM usage")
	}
	total, err := src.TotalRAM(ctx)
	if err != nil {
		t.Fatalf("TotalRAM returned error: %v", err)
	}
	if total < sample.RAMUsedBytes {
		t.Fatalf("total RAM %d below used %d", total, sample.RAMUsedBytes)
	}
}

func TestProcessSourceTracksSelf(t *testing.T) {
	t.Parallel()

	src := NewProcessSource(os.Getpid())
	if !src.Available() {
		t.Fatalf("expected process source to be available")
	}

	var sample Sample
	if err := src.Collect(context.Background(), &sample); err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if sample.ProcessRSSBytes == nil || *sample.ProcessRSSBytes == 0 {
		t.Fatalf("expected non-zero RSS, got %v", sample.ProcessRSSBytes)
	}
	if sample.ProcessCPUPercent == nil || *sample.ProcessCPUPercent < 0 {
		t.Fatalf("expected non-negative process CPU, got %v", sample.ProcessCPUPercent)
	}
}

func TestProcessSourceMissingProcess(t *testing.T) {
	t.Parallel()

	src := NewProcessSource(1 << 22)
	var sample Sample
	if err := src.Collect(context.Background(), &sample); err == nil {
		t.Fatalf("expected error for a pid that does not exist")
	}
	if sample.ProcessRSSBytes != nil {
		t.Fatalf("process fields must stay absent")
	}
}

func createMinimalDevice(t *testing.T, root, cardID string) string {
	t.Helper()
	devicePath := filepath.Join(root, "class", "drm", cardID, "device")
	if err := os.MkdirAll(devicePath, 0o750); err != nil {
		t.Fatalf("failed to create device directory: %v", err)
	}
	return devicePath
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("failed to create directories for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func assertFloatEqual(t *testing.T, value *float64, expected float64) {
	t.Helper()
	if value == nil {
		t.Fatalf("expected float value %.2f, got nil", expected)
	}
	if diff := *value - expected; diff < -0.0001 || diff > 0.0001 {
		t.Fatalf("expected %.2f, got %.4f", expected, *value)
	}
}

func assertUintEqual(t *testing.T, value *uint64, expected uint64) {
	t.Helper()
	if value == nil {
		t.Fatalf("expected uint value %d, got nil", expected)
	}
	if *value != expected {
		t.Fatalf("expected %d, got %d", expected, *value)
	}
}
