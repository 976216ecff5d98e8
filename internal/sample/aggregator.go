package sample

import (
	"context"
	"time"
)

// Outcome is what one source produced during one tick.
type Outcome struct {
	Source string
	Err    error
	Count  int
}

// Aggregator queries every source in a fixed order and merges the results
// into one Record per tick.
type Aggregator struct {
	sources []Source
	runID   string
	now     func() time.Time
}

// NewAggregator returns an Aggregator over sources, stamping runID on every
// record.
func NewAggregator(runID string, sources ...Source) *Aggregator {
	return &Aggregator{
		sources: sources,
		runID:   runID,
		now:     time.Now,
	}
}

// WithClock overrides the acquisition clock.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Sources returns the sources in query order.
func (a *Aggregator) Sources() []Source {
	return a.sources
}

// Columns returns the statically declared columns of all sources in order,
// without duplicates.
func (a *Aggregator) Columns() []string {
	seen := make(map[string]bool)
	var cols []string
	for _, src := range a.sources {
		d, ok := src.(ColumnDeclarer)
		if !ok {
			continue
		}
		for _, c := range d.Columns() {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}

// Collect runs one acquisition pass. Sources for which skip returns true are
// not queried. A failing source never prevents the others from contributing;
// its error is reported in the matching Outcome.
func (a *Aggregator) Collect(ctx context.Context, skip func(Source) bool) (*Record, []Outcome) {
	ts := a.now()
	merged := NewSet()
	outcomes := make([]Outcome, 0, len(a.sources))

	for _, src := range a.sources {
		if skip != nil && skip(src) {
			continue
		}
		set, err := src.Collect(ctx)
		if err != nil {
			outcomes = append(outcomes, Outcome{Source: src.Name(), Err: err})
			continue
		}
		merged.Merge(set)
		outcomes = append(outcomes, Outcome{Source: src.Name(), Count: set.Len()})
	}

	return NewRecord(ts, a.runID, merged), outcomes
}
