package gpu

import (
	"errors"
	"testing"
)

type fakeNVML struct {
	initErr    error
	devices    []NVMLDeviceInfo
	memErr     error
	utilErr    error
	used       uint64
	free       uint64
	total      uint64
	util       uint32
	memUtil    uint32
	inits      int
	shutdowns  int
	memoryHits int
}

func (f *fakeNVML) Init() error {
	f.inits++
	return f.initErr
}

func (f *fakeNVML) Shutdown() error {
	f.shutdowns++
	return nil
}

func (f *fakeNVML) DeviceCount() (int, error) { return len(f.devices), nil }

func (f *fakeNVML) DeviceIdentity(index int) (NVMLDeviceInfo, error) {
	return f.devices[index], nil
}

func (f *fakeNVML) DeviceMemory(int) (nvmlMemory, error) {
	f.memoryHits++
	if f.memErr != nil {
		return nvmlMemory{}, f.memErr
	}
	return nvmlMemory{used: f.used, free: f.free, total: f.total}, nil
}

func (f *fakeNVML) DeviceUtilization(int) (nvmlUtilization, error) {
	if f.utilErr != nil {
		return nvmlUtilization{}, f.utilErr
	}
	return nvmlUtilization{gpu: f.util, memory: f.memUtil}, nil
}

func TestNVMLLazyAcquireAndRelease(t *testing.T) {
	t.Parallel()

	backend := &fakeNVML{
		devices: []NVMLDeviceInfo{{Name: "Test GPU", UUID: "GPU-1"}},
		used:    512,
		free:    500,
		total:   1024,
		util:    42,
		memUtil: 17,
	}
	session := newNVML(backend, nil)

	if backend.inits != 0 {
		t.Fatalf("library must not be initialised before first use")
	}
	if !session.Available() {
		t.Fatalf("expected session to be available")
	}
	if !session.Available() {
		t.Fatalf("expected session to stay available")
	}
	if backend.inits != 1 {
		t.Fatalf("expected exactly one init, got %d", backend.inits)
	}

	readings, err := session.Read()
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(readings))
	}
	r := readings[0]
	if r.Name != "Test GPU" || r.Index != 0 {
		t.Fatalf("unexpected identity %+v", r.NVMLDeviceInfo)
	}
	if r.MemoryUsedBytes == nil || *r.MemoryUsedBytes != 512 {
		t.Fatalf("unexpected memory used %v", r.MemoryUsedBytes)
	}
	if r.MemoryFreeBytes == nil || *r.MemoryFreeBytes != 500 {
		t.Fatalf("unexpected memory free %v", r.MemoryFreeBytes)
	}
	if r.UtilizationPercent == nil || *r.UtilizationPercent != 42 {
		t.Fatalf("unexpected utilization %v", r.UtilizationPercent)
	}
	if r.MemoryUtilizationPercent == nil || *r.MemoryUtilizationPercent != 17 {
		t.Fatalf("unexpected memory utilization %v", r.MemoryUtilizationPercent)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if backend.shutdowns != 1 {
		t.Fatalf("expected one shutdown, got %d", backend.shutdowns)
	}
	if session.Available() {
		t.Fatalf("closed session must report unavailable")
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if backend.shutdowns != 1 {
		t.Fatalf("shutdown must not run twice, got %d", backend.shutdowns)
	}
}

func TestNVMLUnavailableWhenInitFails(t *testing.T) {
	t.Parallel()

	backend := &fakeNVML{initErr: errors.New("library not found")}
	session := newNVML(backend, nil)

	if session.Available() {
		t.Fatalf("expected session to be unavailable")
	}
	if _, err := session.Read(); !errors.Is(err, ErrNVMLUnavailable) {
		t.Fatalf("expected ErrNVMLUnavailable, got %v", err)
	}
	if backend.inits != 1 {
		t.Fatalf("init must be attempted once, got %d", backend.inits)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if backend.shutdowns != 0 {
		t.Fatalf("shutdown must not run for a library that never initialised")
	}
}

func TestNVMLNoDevicesIsUnavailable(t *testing.T) {
	t.Parallel()

	backend := &fakeNVML{}
	session := newNVML(backend, nil)

	if session.Available() {
		t.Fatalf("expected session without devices to be unavailable")
	}
	if backend.shutdowns != 1 {
		t.Fatalf("expected library released after empty enumeration")
	}
}

func TestNVMLPartialRead(t *testing.T) {
	t.Parallel()

	backend := &fakeNVML{
		devices: []NVMLDeviceInfo{{Name: "A"}},
		memErr:  errors.New("not supported"),
		util:    10,
	}
	session := newNVML(backend, nil)

	readings, err := session.Read()
	if err != nil {
		t.Fatalf("partial read should succeed, got %v", err)
	}
	if readings[0].MemoryUsedBytes != nil || readings[0].MemoryFreeBytes != nil {
		t.Fatalf("memory must be absent when its query fails")
	}
	if readings[0].UtilizationPercent == nil {
		t.Fatalf("utilization must be present")
	}

	backend.utilErr = errors.New("gpu lost")
	if _, err := session.Read(); err == nil {
		t.Fatalf("expected error when no field could be read")
	}
}
