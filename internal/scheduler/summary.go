package scheduler

import (
	"codeberg.org/mutker/telemlog/internal/logger"
	"codeberg.org/mutker/telemlog/internal/sample"
)

// summaryFields are the headline metrics echoed per tick, keyed by log field.
var summaryFields = []struct {
	field string
	keys  []string
}{
	{"cpu", []string{"cpu_percent"}},
	{"mem", []string{"memory_percent", "memory_mb"}},
	{"cpu_temp", []string{"cpu_temp_c"}},
	{"gpu_w", []string{"gpu_power_w", "nvml_0_power_w"}},
	{"gpu_util", []string{"gpu_engines_avg_pct", "nvml_0_util_pct"}},
	{"battery", []string{"battery_percent"}},
}

func logSummary(rec *sample.Record) {
	e := logger.Info().Int("metrics", rec.Len())
	for _, f := range summaryFields {
		for _, k := range f.keys {
			if v, ok := rec.Value(k); ok {
				e.Float64(f.field, v)
				break
			}
		}
	}
	e.Msg("Sample recorded")
}
