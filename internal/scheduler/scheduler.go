// Package scheduler drives the fixed-interval sampling loop.
package scheduler

import (
	"context"
	"time"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/logger"
	"codeberg.org/mutker/telemlog/internal/observability"
	"codeberg.org/mutker/telemlog/internal/sample"
)

// Sink persists one record per tick. An error from Write ends the run.
type Sink interface {
	Write(ctx context.Context, rec *sample.Record) error
	Close() error
}

// Scheduler runs one tick at a time: collect, write, then sleep whatever is
// left of the interval.
type Scheduler struct {
	agg      *sample.Aggregator
	sinks    []Sink
	interval time.Duration
	metrics  *observability.Metrics

	health   map[string]*sourceHealth
	disabled map[string]bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics reports tick, row and failure counts to m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New returns a Scheduler. interval must be positive.
func New(agg *sample.Aggregator, interval time.Duration, sinks []Sink, opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New().WithData(errors.ErrInvalidInterval, interval.String())
	}

	s := &Scheduler{
		agg:      agg,
		sinks:    sinks,
		interval: interval,
		health:   make(map[string]*sourceHealth),
		disabled: make(map[string]bool),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Run ticks until ctx is cancelled, the target process exits, or a sink
// fails. Cancellation lets the in-flight tick finish its write. A nil
// return means a clean end of run.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Info().
		Dur("interval", s.interval).
		Int("sources", len(s.agg.Sources())).
		Msg("Sampling started")

	for {
		if ctx.Err() != nil {
			logger.Info().Msg("Sampling stopped")
			return nil
		}

		start := s.now()
		err := s.Tick(context.WithoutCancel(ctx))
		if err != nil {
			if errors.HasCode(err, errors.ErrTargetExited) {
				logger.Info().Err(err).Msg("Target process exited, ending run")
				return nil
			}
			return err
		}

		remaining := s.interval - s.now().Sub(start)
		if remaining > 0 && !s.sleep(ctx, remaining) {
			logger.Info().Msg("Sampling stopped")
			return nil
		}
	}
}

// Tick runs one acquisition pass and hands a non-empty record to every sink.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := s.now()
	defer func() {
		s.metrics.ObserveTick(s.now().Sub(start))
	}()

	rec, outcomes := s.agg.Collect(ctx, func(src sample.Source) bool {
		return s.disabled[src.Name()]
	})

	var softErr, exited error
	for _, o := range outcomes {
		s.observe(o)
		if o.Err == nil {
			continue
		}
		if errors.HasCode(o.Err, errors.ErrTargetExited) {
			exited = o.Err
		}
		if softErr == nil {
			softErr = o.Err
		}
	}

	if exited != nil {
		return exited
	}

	if rec.Empty() {
		e := logger.Info()
		if softErr != nil {
			e.Err(softErr)
		}
		e.Msg("No metrics this tick, skipping row")
		return nil
	}

	for _, sink := range s.sinks {
		if err := sink.Write(ctx, rec); err != nil {
			return err
		}
	}
	s.metrics.RowWritten()

	logSummary(rec)
	return nil
}

// Close closes every sink and returns the first error.
func (s *Scheduler) Close() error {
	var first error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			logger.ErrorWithCode(err).Msg("Failed to close sink")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
