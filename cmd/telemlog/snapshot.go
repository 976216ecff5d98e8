package main

import (
	"encoding/json"
	"time"

	"codeberg.org/mutker/telemlog/internal/app"
	"codeberg.org/mutker/telemlog/internal/logger"
	"codeberg.org/mutker/telemlog/internal/sample"
	"github.com/spf13/cobra"
)

type snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	RunID     string             `json:"run_id,omitempty"`
	Metrics   map[string]float64 `json:"metrics"`
	Errors    map[string]string  `json:"errors,omitempty"`
}

func newSnapshotCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Run one acquisition pass and print it as JSON",
		Long: `Query every configured source once and print the merged metrics as JSON
on stdout. Nothing is written to the output table.

Examples:
  telemlog snapshot
  telemlog snapshot --hwinfo --no-gpu`,
		Args: cobra.NoArgs,
		RunE: runSnapshot,
	}
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.InitWithWriter(cmd.ErrOrStderr(), logLevel(cfg), true)

	rec, outcomes, err := app.Snapshot(cmd.Context(), cfg)
	if err != nil {
		logger.ErrorWithCode(err).Msg("Snapshot failed")
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(newSnapshot(rec, outcomes))
}

func newSnapshot(rec *sample.Record, outcomes []sample.Outcome) snapshot {
	out := snapshot{
		Timestamp: rec.Timestamp,
		RunID:     rec.RunID,
		Metrics:   make(map[string]float64, rec.Len()),
	}
	for _, m := range rec.Samples() {
		out.Metrics[m.Key] = m.Value
	}
	for _, o := range outcomes {
		if o.Err == nil {
			continue
		}
		if out.Errors == nil {
			out.Errors = make(map[string]string)
		}
		out.Errors[o.Source] = o.Err.Error()
	}
	return out
}
