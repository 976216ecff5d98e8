package system

import (
	"context"
	"math"
	"strings"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/sample"
	"github.com/shirou/gopsutil/v4/sensors"
)

const (
	ThermalSourceName = "thermal"

	KeyCPUTemp = "cpu_temp_c"
)

// CPUSensorFamilies lists the sensor chips that report CPU temperature, in
// order of preference.
var CPUSensorFamilies = []string{"coretemp", "k10temp", "cpu_thermal", "acpitz"}

// ThermalSource reports the hottest reading of the first CPU sensor family
// present on the host.
type ThermalSource struct {
	read func(ctx context.Context) ([]sensors.TemperatureStat, error)
}

func NewThermalSource() *ThermalSource {
	return &ThermalSource{read: sensors.TemperaturesWithContext}
}

func (*ThermalSource) Name() string {
	return ThermalSourceName
}

// Open disables the source on hosts without a recognized CPU sensor.
func (s *ThermalSource) Open(ctx context.Context) error {
	if _, err := s.Collect(ctx); err != nil {
		return errors.New().Wrap(errors.ErrSourceUnavailable, err)
	}
	return nil
}

func (s *ThermalSource) Collect(ctx context.Context) (*sample.Set, error) {
	errFactory := errors.New()

	// Partial results come back together with a warnings error.
	stats, err := s.read(ctx)
	if len(stats) == 0 {
		if err != nil {
			return nil, errFactory.Wrap(errors.ErrAcquisition, err)
		}
		return nil, errFactory.WithMessage(errors.ErrNoData, "no temperature sensors")
	}

	temp, ok := HottestCPUTemperature(stats)
	if !ok {
		return nil, errFactory.WithMessage(errors.ErrNoData, "no CPU temperature sensor")
	}

	set := sample.NewSet()
	set.Put(KeyCPUTemp, temp)
	return set, nil
}

func (*ThermalSource) Close() error {
	return nil
}

// HottestCPUTemperature returns the maximum reading, rounded to one decimal,
// of the first family in CPUSensorFamilies that has any readings.
func HottestCPUTemperature(stats []sensors.TemperatureStat) (float64, bool) {
	for _, family := range CPUSensorFamilies {
		hottest := math.Inf(-1)
		for _, st := range stats {
			if !strings.HasPrefix(st.SensorKey, family) {
				continue
			}
			hottest = math.Max(hottest, st.Temperature)
		}
		if !math.IsInf(hottest, -1) {
			return math.Round(hottest*10) / 10, true
		}
	}
	return 0, false
}
