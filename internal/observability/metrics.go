// Package observability exposes the sampling loop's own health as
// Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "telemlog"

// Metrics is safe to use as a nil pointer, which records nothing.
type Metrics struct {
	ticks          prometheus.Counter
	rowsWritten    prometheus.Counter
	sourceFailures *prometheus.CounterVec
	schemaColumns  prometheus.Gauge
	tickDuration   prometheus.Histogram
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Sampling ticks executed",
		}),
		rowsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Rows appended to the output table",
		}),
		// Labels: source
		sourceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Ticks on which a source contributed nothing because it failed",
		}, []string{"source"}),
		schemaColumns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schema_columns",
			Help:      "Columns in the output table schema",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent acquiring and writing one tick",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) RowWritten() {
	if m == nil {
		return
	}
	m.rowsWritten.Inc()
}

func (m *Metrics) SourceFailed(source string) {
	if m == nil {
		return
	}
	m.sourceFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) SetSchemaColumns(n int) {
	if m == nil {
		return
	}
	m.schemaColumns.Set(float64(n))
}
