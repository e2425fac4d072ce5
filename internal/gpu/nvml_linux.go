//go:build linux && cgo

package gpu

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

type goNVMLBackend struct {
	handles []nvml.Device
}

func platformNVMLBackend() nvmlBackend {
	return &goNVMLBackend{}
}

func nvmlError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return errors.New(nvml.ErrorString(ret))
}

func (b *goNVMLBackend) Init() error {
	return nvmlError(nvml.Init())
}

func (b *goNVMLBackend) Shutdown() error {
	b.handles = nil
	return nvmlError(nvml.Shutdown())
}

func (b *goNVMLBackend) DeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if err := nvmlError(ret); err != nil {
		return 0, err
	}
	b.handles = make([]nvml.Device, count)
	for i := 0; i < count; i++ {
		handle, ret := nvml.DeviceGetHandleByIndex(i)
		if err := nvmlError(ret); err != nil {
			return 0, fmt.Errorf("device handle %d: %w", i, err)
		}
		b.handles[i] = handle
	}
	return count, nil
}

func (b *goNVMLBackend) device(index int) (nvml.Device, error) {
	if index < 0 || index >= len(b.handles) {
		return nil, fmt.Errorf("device index %d out of range", index)
	}
	return b.handles[index], nil
}

func (b *goNVMLBackend) DeviceIdentity(index int) (NVMLDeviceInfo, error) {
	dev, err := b.device(index)
	if err != nil {
		return NVMLDeviceInfo{}, err
	}

	info := NVMLDeviceInfo{Index: index}
	if name, ret := dev.GetName(); ret == nvml.SUCCESS {
		info.Name = name
	}
	if uuid, ret := dev.GetUUID(); ret == nvml.SUCCESS {
		info.UUID = uuid
	}
	if info.Name == "" {
		if pci, ret := dev.GetPciInfo(); ret == nvml.SUCCESS {
			info.Name = LookupNVIDIAName(pci.PciDeviceId, pci.PciSubSystemId)
		}
	}
	return info, nil
}

func (b *goNVMLBackend) DeviceMemory(index int) (nvmlMemory, error) {
	dev, err := b.device(index)
	if err != nil {
		return nvmlMemory{}, err
	}
	memInfo, ret := dev.GetMemoryInfo()
	if err := nvmlError(ret); err != nil {
		return nvmlMemory{}, err
	}
	return nvmlMemory{used: memInfo.Used, free: memInfo.Free, total: memInfo.Total}, nil
}

func (b *goNVMLBackend) DeviceUtilization(index int) (nvmlUtilization, error) {
	dev, err := b.device(index)
	if err != nil {
		return nvmlUtilization{}, err
	}
	util, ret := dev.GetUtilizationRates()
	if err := nvmlError(ret); err != nil {
		return nvmlUtilization{}, err
	}
	return nvmlUtilization{gpu: util.Gpu, memory: util.Memory}, nil
}
