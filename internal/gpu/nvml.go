package gpu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrNVMLUnavailable is returned when the NVIDIA management library cannot be
// used: not installed, driver not loaded, init failed, or no devices.
var ErrNVMLUnavailable = errors.New("nvml unavailable")

// nvmlBackend is the subset of NVML the session needs. The cgo build binds it
// to github.com/NVIDIA/go-nvml; other builds use a stub that never initialises.
type nvmlBackend interface {
	Init() error
	Shutdown() error
	DeviceCount() (int, error)
	DeviceIdentity(index int) (NVMLDeviceInfo, error)
	DeviceMemory(index int) (nvmlMemory, error)
	DeviceUtilization(index int) (nvmlUtilization, error)
}

type nvmlMemory struct {
	used, free, total uint64
}

// nvmlUtilization holds the percentages of time the GPU cores and the memory
// controller were busy over the driver's last sample period.
type nvmlUtilization struct {
	gpu, memory uint32
}

// NVMLDeviceInfo identifies an NVIDIA device.
type NVMLDeviceInfo struct {
	Index int    `json:"index"`
	UUID  string `json:"uuid,omitempty"`
	Name  string `json:"name,omitempty"`
}

// NVMLReading is a single read of one device. Nil fields failed to read.
type NVMLReading struct {
	NVMLDeviceInfo
	MemoryUsedBytes          *uint64
	MemoryFreeBytes          *uint64
	MemoryTotalBytes         *uint64
	UtilizationPercent       *float64
	MemoryUtilizationPercent *float64
}

// NVML is a lazily acquired NVML session. The library is initialised on first
// use and shut down by Close; it is never left as ambient global state.
type NVML struct {
	backend nvmlBackend
	logger  *slog.Logger

	mu          sync.Mutex
	attempted   bool
	initialised bool
	closed      bool
	initErr     error
	devices     []NVMLDeviceInfo
}

// NewNVML returns an unacquired session bound to the platform backend.
func NewNVML(logger *slog.Logger) *NVML {
	return newNVML(platformNVMLBackend(), logger)
}

func newNVML(backend nvmlBackend, logger *slog.Logger) *NVML {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &NVML{backend: backend, logger: logger}
}

// acquireLocked initialises the library once. Must be called with n.mu held.
func (n *NVML) acquireLocked() error {
	if n.closed {
		return ErrNVMLUnavailable
	}
	if n.attempted {
		return n.initErr
	}
	n.attempted = true

	if err := n.backend.Init(); err != nil {
		n.logger.Info("nvml not available", "err", err)
		n.initErr = fmt.Errorf("%w: %v", ErrNVMLUnavailable, err)
		return n.initErr
	}
	n.initialised = true

	count, err := n.backend.DeviceCount()
	if err != nil {
		n.initErr = fmt.Errorf("%w: device count: %v", ErrNVMLUnavailable, err)
		_ = n.shutdownLocked()
		return n.initErr
	}

	devices := make([]NVMLDeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		info, err := n.backend.DeviceIdentity(i)
		if err != nil {
			n.logger.Warn("nvml device identity failed", "index", i, "err", err)
			info = NVMLDeviceInfo{Index: i}
		}
		info.Index = i
		devices = append(devices, info)
	}
	if len(devices) == 0 {
		n.initErr = fmt.Errorf("%w: no devices", ErrNVMLUnavailable)
		_ = n.shutdownLocked()
		return n.initErr
	}

	n.devices = devices
	n.logger.Info("nvml initialised", "devices", len(devices))
	return nil
}

// Available acquires the session if needed and reports whether it is usable.
func (n *NVML) Available() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.acquireLocked() == nil
}

// Devices lists the devices found at acquisition.
func (n *NVML) Devices() []NVMLDeviceInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.acquireLocked() != nil {
		return nil
	}
	return append([]NVMLDeviceInfo(nil), n.devices...)
}

// Read queries memory and utilization for every device. Individual field
// failures leave that field nil; an error is returned only when nothing at
// all could be read.
func (n *NVML) Read() ([]NVMLReading, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.acquireLocked(); err != nil {
		return nil, err
	}

	readings := make([]NVMLReading, 0, len(n.devices))
	var (
		anyValue bool
		errs     []error
	)
	for _, dev := range n.devices {
		reading := NVMLReading{NVMLDeviceInfo: dev}
		if mem, err := n.backend.DeviceMemory(dev.Index); err == nil {
			reading.MemoryUsedBytes = &mem.used
			reading.MemoryFreeBytes = &mem.free
			reading.MemoryTotalBytes = &mem.total
			anyValue = true
		} else {
			errs = append(errs, fmt.Errorf("device %d memory: %w", dev.Index, err))
		}
		if util, err := n.backend.DeviceUtilization(dev.Index); err == nil {
			gpuPct, memPct := float64(util.gpu), float64(util.memory)
			reading.UtilizationPercent = &gpuPct
			reading.MemoryUtilizationPercent = &memPct
			anyValue = true
		} else {
			errs = append(errs, fmt.Errorf("device %d utilization: %w", dev.Index, err))
		}
		readings = append(readings, reading)
	}

	if !anyValue {
		return nil, errors.Join(errs...)
	}
	return readings, nil
}

// Close shuts the library down if it was initialised. Later calls to the
// session report it unavailable.
func (n *NVML) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return n.shutdownLocked()
}

func (n *NVML) shutdownLocked() error {
	if !n.initialised {
		return nil
	}
	n.initialised = false
	if err := n.backend.Shutdown(); err != nil {
		return fmt.Errorf("nvml shutdown: %w", err)
	}
	return nil
}
