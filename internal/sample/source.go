package sample

import "context"

// Source is one telemetry provider queried once per tick.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string

	// Open checks the source can be used for this run. A returned error
	// disables the source permanently.
	Open(ctx context.Context) error

	// Collect reads the current samples. An error drops this source's
	// contribution for the tick only.
	Collect(ctx context.Context) (*Set, error)

	// Close releases whatever Open acquired.
	Close() error
}

// ColumnDeclarer is implemented by sources whose keys are known before the
// first tick. Declared columns lead the table right after the fixed columns.
type ColumnDeclarer interface {
	Columns() []string
}
