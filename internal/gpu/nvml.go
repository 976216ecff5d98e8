package gpu

import (
	"codeberg.org/mutker/telemlog/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// device is the subset of nvml.Device the reader queries.
type device interface {
	GetName() (string, nvml.Return)
	GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetPowerManagementLimit() (uint32, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetMemoryInfo() (nvml.Memory, nvml.Return)
	GetClockInfo(nvml.ClockType) (uint32, nvml.Return)
	GetNumFans() (int, nvml.Return)
	GetFanSpeed_v2(int) (uint32, nvml.Return)
}

// library is the process-wide NVML state the source needs. Tests swap it
// for a fake.
type library interface {
	Init() error
	Shutdown() error
	DriverVersion() string
	DeviceCount() (int, error)
	Device(index int) (device, error)
}

// nvmlLibrary calls the real NVML through go-nvml.
type nvmlLibrary struct {
	initialized bool
}

func (l *nvmlLibrary) Init() error {
	if l.initialized {
		return nil
	}
	if err := checkReturn("nvmlInit", nvml.Init()); err != nil {
		return errors.New().Wrap(ErrInitFailed, err)
	}
	l.initialized = true
	return nil
}

func (l *nvmlLibrary) Shutdown() error {
	if !l.initialized {
		return nil
	}
	if err := checkReturn("nvmlShutdown", nvml.Shutdown()); err != nil {
		return errors.New().Wrap(ErrShutdownFailed, err)
	}
	l.initialized = false
	return nil
}

// DriverVersion is empty when NVML cannot report it.
func (l *nvmlLibrary) DriverVersion() string {
	if !l.initialized {
		return ""
	}
	v, ret := nvml.SystemGetDriverVersion()
	if !ok(ret) {
		return ""
	}
	return v
}

func (l *nvmlLibrary) DeviceCount() (int, error) {
	errFactory := errors.New()
	if !l.initialized {
		return 0, errFactory.New(ErrNotInitialized)
	}

	count, ret := nvml.DeviceGetCount()
	if err := checkReturn("nvmlDeviceGetCount", ret); err != nil {
		return 0, errFactory.Wrap(ErrDeviceCountFailed, err)
	}
	return count, nil
}

func (l *nvmlLibrary) Device(index int) (device, error) {
	errFactory := errors.New()
	if !l.initialized {
		return nil, errFactory.New(ErrNotInitialized)
	}

	d, ret := nvml.DeviceGetHandleByIndex(index)
	if err := checkReturn("nvmlDeviceGetHandleByIndex", ret); err != nil {
		return nil, errFactory.Wrap(ErrDeviceNotFound, err)
	}
	return d, nil
}
