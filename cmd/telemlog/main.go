package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/telemlog/internal/app"
	"codeberg.org/mutker/telemlog/internal/config"
	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/logger"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemlog",
		Short: "Record hardware telemetry to a CSV table at a fixed interval",
		Long: `telemlog samples CPU, memory, thermal, battery and GPU telemetry once per
interval and appends one row per tick to a CSV table. Columns are added as
new metrics appear.

Examples:
  # System-wide sampling every second
  telemlog --out bench.csv --run-id baseline

  # One process by name, with the SQLite mirror enabled
  telemlog --target process --process python --store

  # Read HWiNFO shared memory and serve Prometheus metrics
  telemlog --hwinfo --metrics-addr :9101`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRecord,
	}

	config.RegisterFlags(cmd.PersistentFlags())
	cmd.AddCommand(newSnapshotCommand())

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed to load config: %v\n", err)
		return nil, err
	}
	return cfg, nil
}

func logLevel(cfg *config.Config) logger.LogLevel {
	level, err := logger.ParseLevel(cfg.LogLevel.String())
	if err != nil {
		return logger.InfoLevel
	}
	return level
}

func runRecord(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Init(logLevel(cfg), logger.IsService())
	if cfg.File != "" {
		logger.Debug().Str("file", cfg.File).Msg("Config loaded")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go handleSignals(ctx, cancel)

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.ErrorWithCode(err).Msg("Failed to start")
		return err
	}

	runErr := a.Run(ctx)
	if runErr != nil {
		logger.ErrorWithCode(runErr).Msg("Run aborted")
	}

	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}

	if runErr != nil && errors.IsFatal(runErr) {
		return runErr
	}

	logger.Info().Msg("Exiting...")
	return nil
}

func handleSignals(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
		logger.Info().Msg("Received termination signal.")
		cancel()
	case <-ctx.Done():
	}
}
