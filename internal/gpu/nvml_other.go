//go:build !linux || !cgo

package gpu

import "errors"

var errNVMLNotBuilt = errors.New("built without nvml support")

type stubNVMLBackend struct{}

func platformNVMLBackend() nvmlBackend { return stubNVMLBackend{} }

func (stubNVMLBackend) Init() error               { return errNVMLNotBuilt }
func (stubNVMLBackend) Shutdown() error           { return nil }
func (stubNVMLBackend) DeviceCount() (int, error) { return 0, errNVMLNotBuilt }

func (stubNVMLBackend) DeviceIdentity(int) (NVMLDeviceInfo, error) {
	return NVMLDeviceInfo{}, errNVMLNotBuilt
}

func (stubNVMLBackend) DeviceMemory(int) (nvmlMemory, error) {
	return nvmlMemory{}, errNVMLNotBuilt
}

func (stubNVMLBackend) DeviceUtilization(int) (nvmlUtilization, error) {
	return nvmlUtilization{}, errNVMLNotBuilt
}
