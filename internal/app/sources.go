package app

import (
	"context"

	"codeberg.org/mutker/telemlog/internal/config"
	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/gpu"
	"codeberg.org/mutker/telemlog/internal/hwinfo"
	"codeberg.org/mutker/telemlog/internal/logger"
	"codeberg.org/mutker/telemlog/internal/probe"
	"codeberg.org/mutker/telemlog/internal/sample"
	"codeberg.org/mutker/telemlog/internal/system"
)

// BuildSources returns the sources cfg asks for, in query order. A process
// target gets its own CPU and memory reader only.
func BuildSources(cfg *config.Config) ([]sample.Source, error) {
	if cfg.Target == config.TargetProcess {
		return []sample.Source{
			system.NewProcessSource(system.Target{PID: cfg.PID, Match: cfg.Process}),
		}, nil
	}

	sources := []sample.Source{system.NewHostSource()}

	if cfg.Thermal.Enabled {
		sources = append(sources, system.NewThermalSource())
	}
	if cfg.Battery.Enabled {
		sources = append(sources, system.NewBatterySource())
	}

	if cfg.Probe.Enabled {
		probeCfg, err := probeConfig(cfg.Probe)
		if err != nil {
			return nil, err
		}
		sources = append(sources, probe.NewSource(probeCfg))
	}

	if cfg.NVML.Enabled {
		sources = append(sources, gpu.NewSource())
	}

	if cfg.HWiNFO.Enabled {
		hwCfg, err := hwinfoConfig(cfg.HWiNFO)
		if err != nil {
			return nil, err
		}
		sources = append(sources, hwinfo.NewSource(hwCfg))
	}

	return sources, nil
}

func probeConfig(c config.ProbeConfig) (probe.Config, error) {
	out := probe.Config{
		Command: c.Command,
		Args:    c.Args,
		Timeout: c.Timeout,
		Sudo:    probe.SudoPolicy(c.Sudo),
	}
	if err := out.Validate(); err != nil {
		return out, errors.New().Wrap(errors.ErrInvalidConfig, err)
	}
	return out, nil
}

func hwinfoConfig(c config.HWiNFOConfig) (hwinfo.Config, error) {
	out := hwinfo.Config{
		Name:     c.Name,
		Path:     c.Path,
		Size:     c.Size,
		Keywords: hwinfo.DefaultKeywords,
	}
	if len(c.Keywords) > 0 {
		out.Keywords = hwinfo.Keywords(c.Keywords)
	}
	if err := out.Validate(); err != nil {
		return out, errors.New().Wrap(errors.ErrInvalidConfig, err)
	}
	return out, nil
}

// Diagnose opens every source once. Unavailable sources are logged and
// left out of the result; a fatal error closes what was opened and aborts.
func Diagnose(ctx context.Context, sources []sample.Source) ([]sample.Source, error) {
	errFactory := errors.New()
	active := make([]sample.Source, 0, len(sources))

	for _, src := range sources {
		err := src.Open(ctx)
		switch {
		case err == nil:
			active = append(active, src)
		case errors.KindOf(err) == errors.KindSourceUnavailable:
			logger.Warn().
				Str("source", src.Name()).
				Str("error_code", string(errors.CodeOf(err))).
				Err(err).
				Msg("Source disabled for this run")
		case errors.IsFatal(err):
			CloseSources(active)
			return nil, err
		default:
			logger.Warn().Str("source", src.Name()).Err(err).Msg("Source check failed, keeping it enabled")
			active = append(active, src)
		}
	}

	if len(active) == 0 {
		return nil, errFactory.New(errors.ErrNoSources)
	}

	names := make([]string, len(active))
	for i, src := range active {
		names[i] = src.Name()
	}
	logger.Info().Strs("sources", names).Msg("Sources ready")

	return active, nil
}

// CloseSources closes every source, logging failures.
func CloseSources(sources []sample.Source) {
	for _, src := range sources {
		if err := src.Close(); err != nil {
			logger.Debug().Str("source", src.Name()).Err(err).Msg("Failed to close source")
		}
	}
}
