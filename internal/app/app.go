// Package app assembles a run from its configuration: sources, the output
// table, the optional SQLite mirror and the metrics listener.
package app

import (
	"context"
	"time"

	"codeberg.org/mutker/telemlog/internal/config"
	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/logger"
	"codeberg.org/mutker/telemlog/internal/observability"
	"codeberg.org/mutker/telemlog/internal/pid"
	"codeberg.org/mutker/telemlog/internal/recorder"
	"codeberg.org/mutker/telemlog/internal/sample"
	"codeberg.org/mutker/telemlog/internal/scheduler"
	"codeberg.org/mutker/telemlog/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App owns every resource held for one run.
type App struct {
	cfg      *config.Config
	lock     *pid.Lock
	sources  []sample.Source
	sinks    []scheduler.Sink
	sched    *scheduler.Scheduler
	registry *prometheus.Registry
	server   *observability.Server
}

// New diagnoses the sources and opens the sinks. Nothing is written until
// Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	built, err := BuildSources(cfg)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, built)
}

func newApp(ctx context.Context, cfg *config.Config, built []sample.Source) (*App, error) {
	a := &App{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := a.open(ctx, built); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, built []sample.Source) error {
	cfg := a.cfg

	lock, err := pid.Acquire(cfg.Output)
	if err != nil {
		return err
	}
	a.lock = lock

	a.sources, err = Diagnose(ctx, built)
	if err != nil {
		return err
	}

	metrics := observability.New(a.registry)
	agg := sample.NewAggregator(cfg.RunID, a.sources...)

	rec, err := recorder.Open(recorder.Config{
		Path:             cfg.Output,
		Precision:        cfg.Table.Precision,
		Placeholder:      cfg.Table.Placeholder,
		RunIDPlaceholder: cfg.Table.RunIDPlaceholder,
		RetrofitExisting: cfg.Table.RetrofitExisting,
		Declared:         agg.Columns(),
		OnExtend: func(_, schema []string) {
			metrics.SetSchemaColumns(len(schema))
		},
	})
	if err != nil {
		return err
	}
	metrics.SetSchemaColumns(len(rec.Schema()))
	a.sinks = append(a.sinks, rec)

	if cfg.Store.Enabled {
		storeCfg := store.DefaultConfig()
		storeCfg.Path = cfg.Store.Path
		storeCfg.BatchSize = cfg.Store.BatchSize

		s, err := store.Open(storeCfg, cfg.RunID, cfg.Output, time.Now())
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, s)
	}

	if cfg.Metrics.Addr != "" {
		a.server, err = observability.Listen(cfg.Metrics.Addr, a.registry)
		if err != nil {
			return err
		}
	}

	a.sched, err = scheduler.New(agg, cfg.Interval, a.sinks, scheduler.WithMetrics(metrics))
	if err != nil {
		return err
	}

	logger.Info().
		Str("output", cfg.Output).
		Str("run_id", cfg.RunID).
		Str("target", string(cfg.Target)).
		Int("columns", len(rec.Schema())).
		Msg("Recorder ready")

	return nil
}

// Run samples until ctx is cancelled or the run ends on its own.
func (a *App) Run(ctx context.Context) error {
	if a.server != nil {
		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go a.server.Serve(serveCtx)
	}

	return a.sched.Run(ctx)
}

// Registry exposes the run's collectors.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Close releases sinks, sources and the lock, in that order. It returns the
// first sink error, since that one may mean lost rows.
func (a *App) Close() error {
	var first error
	if a.sched != nil {
		first = a.sched.Close()
	} else {
		for _, sink := range a.sinks {
			if err := sink.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	a.sinks = nil
	a.sched = nil

	CloseSources(a.sources)
	a.sources = nil

	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			logger.Debug().Err(err).Msg("Failed to remove lock file")
		}
		a.lock = nil
	}

	return first
}

// Snapshot runs one acquisition pass without touching the output table.
func Snapshot(ctx context.Context, cfg *config.Config) (*sample.Record, []sample.Outcome, error) {
	built, err := BuildSources(cfg)
	if err != nil {
		return nil, nil, err
	}

	active, err := Diagnose(ctx, built)
	if err != nil {
		return nil, nil, err
	}
	defer CloseSources(active)

	rec, outcomes := sample.NewAggregator(cfg.RunID, active...).Collect(ctx, nil)
	for _, o := range outcomes {
		if o.Err != nil && errors.HasCode(o.Err, errors.ErrTargetExited) {
			return nil, outcomes, o.Err
		}
	}
	return rec, outcomes, nil
}
