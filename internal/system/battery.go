package system

import (
	"context"
	"math"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/sample"
	"github.com/distatus/battery"
)

const (
	BatterySourceName = "battery"

	KeyBatteryPercent  = "battery_percent"
	KeyBatteryPlugged  = "battery_plugged"
	KeyBatteryMinsLeft = "battery_mins_left"
)

// BatterySource reports the combined charge of all batteries.
type BatterySource struct {
	read func() ([]*battery.Battery, error)
}

func NewBatterySource() *BatterySource {
	return &BatterySource{read: battery.GetAll}
}

func (*BatterySource) Name() string {
	return BatterySourceName
}

// Open disables the source on hosts without a battery.
func (s *BatterySource) Open(ctx context.Context) error {
	if _, err := s.Collect(ctx); err != nil {
		return errors.New().Wrap(errors.ErrSourceUnavailable, err)
	}
	return nil
}

func (s *BatterySource) Collect(_ context.Context) (*sample.Set, error) {
	errFactory := errors.New()

	// GetAll returns the batteries it could read alongside per-battery errors.
	bats, err := s.read()
	var usable []*battery.Battery
	for _, b := range bats {
		if b != nil && b.Full > 0 {
			usable = append(usable, b)
		}
	}
	if len(usable) == 0 {
		if err != nil {
			return nil, errFactory.Wrap(errors.ErrAcquisition, err)
		}
		return nil, errFactory.WithMessage(errors.ErrNoData, "no battery")
	}

	return BatteryMetrics(usable), nil
}

func (*BatterySource) Close() error {
	return nil
}

// BatteryMetrics combines readings into charge percent, whether external
// power is present, and minutes left when discharging at a known rate.
func BatteryMetrics(bats []*battery.Battery) *sample.Set {
	var current, full, rate float64
	discharging := false
	for _, b := range bats {
		current += b.Current
		full += b.Full
		if b.State.Raw == battery.Discharging {
			discharging = true
			rate += b.ChargeRate
		}
	}

	set := sample.NewSet()
	set.Put(KeyBatteryPercent, round1(current/full*100))
	if discharging {
		set.Put(KeyBatteryPlugged, 0)
	} else {
		set.Put(KeyBatteryPlugged, 1)
	}
	if discharging && rate > 0 {
		set.Put(KeyBatteryMinsLeft, round1(current/rate*60))
	}
	return set
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
