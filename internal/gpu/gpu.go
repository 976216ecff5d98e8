package gpu

import (
	"context"
	"fmt"
	"sync"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/logger"
	"codeberg.org/mutker/telemlog/internal/sample"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	SourceName = "nvml"

	milliWattsToWatts = 1000
	bytesPerMB        = 1024 * 1024
)

// Source samples every NVIDIA device visible to NVML. Individual readings a
// device does not support are skipped.
type Source struct {
	lib     library
	devices []handle
	mu      sync.Mutex
}

// handle keeps the NVML index a device was resolved at, so column names stay
// tied to the physical device when another one fails to resolve.
type handle struct {
	index int
	dev   device
}

func NewSource() *Source {
	return &Source{lib: &nvmlLibrary{}}
}

func (*Source) Name() string {
	return SourceName
}

// Open initializes NVML and resolves device handles. Any failure disables
// the source for the run.
func (s *Source) Open(_ context.Context) error {
	errFactory := errors.New()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lib.Init(); err != nil {
		return errFactory.Wrap(errors.ErrSourceUnavailable, err)
	}
	if v := s.lib.DriverVersion(); v != "" {
		logger.Debug().Str("driver", v).Msg("NVML initialized")
	}

	count, err := s.lib.DeviceCount()
	if err != nil {
		s.shutdown()
		return errFactory.Wrap(errors.ErrSourceUnavailable, err)
	}
	if count == 0 {
		s.shutdown()
		return errFactory.Wrap(errors.ErrSourceUnavailable, errFactory.New(ErrNoDevices))
	}

	s.devices = make([]handle, 0, count)
	for i := 0; i < count; i++ {
		d, err := s.lib.Device(i)
		if err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("Skipping GPU")
			continue
		}
		if name, ret := d.GetName(); ok(ret) {
			logger.Info().Msgf("Detected GPU %d: %v", i, name)
		}
		s.devices = append(s.devices, handle{index: i, dev: d})
	}

	if len(s.devices) == 0 {
		s.shutdown()
		return errFactory.Wrap(errors.ErrSourceUnavailable, errFactory.New(ErrDeviceNotFound))
	}

	return nil
}

// Collect reads temperature, power, utilization, memory, clock and fan
// metrics from each device.
func (s *Source) Collect(_ context.Context) (*sample.Set, error) {
	errFactory := errors.New()
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.devices) == 0 {
		return nil, errFactory.Wrap(errors.ErrAcquisition, errFactory.New(ErrNotInitialized))
	}

	set := sample.NewSet()
	for _, h := range s.devices {
		readDevice(fmt.Sprintf("nvml_%d_", h.index), h.dev, set)
	}

	if set.Len() == 0 {
		return nil, errFactory.WithMessage(errors.ErrNoData, "no NVML readings available")
	}

	return set, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown()
}

func (s *Source) shutdown() error {
	s.devices = nil
	if err := s.lib.Shutdown(); err != nil {
		return errors.New().Wrap(errors.ErrSourceUnavailable, err)
	}
	return nil
}

func readDevice(prefix string, d device, set *sample.Set) {
	if temp, ret := d.GetTemperature(nvml.TEMPERATURE_GPU); ok(ret) {
		set.Put(prefix+"temp_c", float64(temp))
	}

	if power, ret := d.GetPowerUsage(); ok(ret) {
		set.Put(prefix+"power_w", float64(power)/milliWattsToWatts)
	}

	if limit, ret := d.GetPowerManagementLimit(); ok(ret) {
		set.Put(prefix+"power_limit_w", float64(limit)/milliWattsToWatts)
	}

	if util, ret := d.GetUtilizationRates(); ok(ret) {
		set.Put(prefix+"util_pct", float64(util.Gpu))
		set.Put(prefix+"mem_util_pct", float64(util.Memory))
	}

	if mem, ret := d.GetMemoryInfo(); ok(ret) {
		set.Put(prefix+"mem_used_mb", float64(mem.Used)/bytesPerMB)
		set.Put(prefix+"mem_total_mb", float64(mem.Total)/bytesPerMB)
	}

	if clock, ret := d.GetClockInfo(nvml.CLOCK_GRAPHICS); ok(ret) {
		set.Put(prefix+"clock_mhz", float64(clock))
	}

	fans, ret := d.GetNumFans()
	if !ok(ret) {
		logger.Debug().Err(checkReturn("nvmlDeviceGetNumFans", ret)).Msg("Fan count unavailable")
		return
	}
	for j := 0; j < fans; j++ {
		if speed, ret := d.GetFanSpeed_v2(j); ok(ret) {
			set.Put(fmt.Sprintf("%sfan_%d_pct", prefix, j), float64(speed))
		}
	}
}
