// Package system reads CPU, memory, thermal and battery telemetry through
// OS-native interfaces.
package system

import (
	"context"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/sample"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	HostSourceName = "host"

	KeyCPUPercent    = "cpu_percent"
	KeyMemoryUsedMB  = "memory_used_mb"
	KeyMemoryTotalMB = "memory_total_mb"
	KeyMemoryPercent = "memory_percent"

	bytesPerMB = 1024 * 1024
)

// HostSource reports system-wide CPU and memory usage.
type HostSource struct {
	cpuPercent func(ctx context.Context) (float64, error)
	memory     func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

func NewHostSource() *HostSource {
	return &HostSource{
		cpuPercent: systemCPUPercent,
		memory:     mem.VirtualMemoryWithContext,
	}
}

func (*HostSource) Name() string {
	return HostSourceName
}

func (*HostSource) Columns() []string {
	return []string{KeyCPUPercent, KeyMemoryUsedMB, KeyMemoryTotalMB, KeyMemoryPercent}
}

// Open primes the CPU counters so the first tick reports usage since start
// rather than since boot.
func (s *HostSource) Open(ctx context.Context) error {
	if _, err := s.cpuPercent(ctx); err != nil {
		return errors.New().Wrap(errors.ErrSourceUnavailable, err)
	}
	return nil
}

func (s *HostSource) Collect(ctx context.Context) (*sample.Set, error) {
	errFactory := errors.New()

	pct, err := s.cpuPercent(ctx)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrAcquisition, err)
	}

	vm, err := s.memory(ctx)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrAcquisition, err)
	}

	set := sample.NewSet()
	set.Put(KeyCPUPercent, pct)
	set.Put(KeyMemoryUsedMB, float64(vm.Used)/bytesPerMB)
	set.Put(KeyMemoryTotalMB, float64(vm.Total)/bytesPerMB)
	set.Put(KeyMemoryPercent, vm.UsedPercent)

	return set, nil
}

func (*HostSource) Close() error {
	return nil
}

// systemCPUPercent returns aggregate utilization since the previous call.
func systemCPUPercent(ctx context.Context) (float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, errors.New().WithMessage(errors.ErrNoData, "no CPU counters")
	}
	return pcts[0], nil
}
