package recorder_test

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/recorder"
	"codeberg.org/mutker/telemlog/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.Local)

func record(tick int, runID string, pairs ...any) *sample.Record {
	set := sample.NewSet()
	for i := 0; i < len(pairs); i += 2 {
		set.Put(pairs[i].(string), pairs[i+1].(float64))
	}
	return sample.NewRecord(t0.Add(time.Duration(tick)*time.Second), runID, set)
}

func readTable(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	require.NoError(t, err)
	return rows
}

func TestSchemaExtensionRewritesOwnTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	var extensions [][]string
	cfg := recorder.DefaultConfig(path)
	cfg.OnExtend = func(added, _ []string) { extensions = append(extensions, added) }

	r, err := recorder.Open(cfg)
	require.NoError(t, err)
	assert.Equal(t, recorder.StateUninitialized, r.State())

	ctx := context.Background()
	for tick := 1; tick <= 4; tick++ {
		require.NoError(t, r.Write(ctx, record(tick, "run-7", "cpu_percent", 10.0+float64(tick), "memory_mb", 512.0)))
	}
	assert.Equal(t, recorder.StateAppending, r.State())
	require.NoError(t, r.Write(ctx, record(5, "run-7", "cpu_percent", 15.0, "memory_mb", 520.5, "gpu_power_w", 7.125)))
	require.NoError(t, r.Close())

	rows := readTable(t, path)
	require.Len(t, rows, 6)
	assert.Equal(t, []string{"run_id", "timestamp", "cpu_percent", "memory_mb", "gpu_power_w"}, rows[0])
	for i := 1; i <= 4; i++ {
		assert.Len(t, rows[i], 5)
		assert.Equal(t, "", rows[i][4], "row %d", i)
		assert.Equal(t, "run-7", rows[i][0])
	}
	assert.Equal(t, []string{"run-7", "2025-03-14T09:26:58.589793", "15.00", "520.50", "7.12"}, rows[5])

	assert.Equal(t, [][]string{{"cpu_percent", "memory_mb"}, {"gpu_power_w"}}, extensions)
}

func TestSchemaIsMonotonicPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	r, err := recorder.Open(recorder.DefaultConfig(path))
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	keysets := [][]any{
		{"b", 1.0, "a", 2.0},
		{"c", 3.0},
		{"a", 4.0, "d", 5.0, "b", 6.0},
		{},
	}

	prev := []string{}
	for i, ks := range keysets {
		require.NoError(t, r.Write(ctx, record(i, "", ks...)))
		schema := r.Schema()
		assert.Equal(t, prev, schema[:len(prev)])
		prev = schema
	}
	assert.Equal(t, []string{"run_id", "timestamp", "b", "a", "c", "d"}, prev)

	rows := readTable(t, path)
	for _, row := range rows {
		assert.Len(t, row, len(prev))
	}
	assert.Equal(t, "N/A", rows[1][0])
	assert.Equal(t, []string{"", "", "3.00", ""}, rows[2][2:])
}

func TestDeclaredColumnsLeadTheSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	cfg := recorder.DefaultConfig(path)
	cfg.Declared = []string{"cpu_percent", "memory_percent"}
	cfg.Placeholder = "-"
	cfg.Precision = 1

	r, err := recorder.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Write(context.Background(), record(0, "x", "gpu_power_w", 3.25, "cpu_percent", 9.0)))
	require.NoError(t, r.Close())

	rows := readTable(t, path)
	assert.Equal(t, []string{"run_id", "timestamp", "cpu_percent", "memory_percent", "gpu_power_w"}, rows[0])
	assert.Equal(t, []string{"9.0", "-", "3.2"}, rows[1][2:])
}

func TestAppendToExistingTableKeepsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	require.NoError(t, os.WriteFile(path, []byte("run_id,timestamp,cpu_percent\nold,2025-01-01T00:00:00.000000,1.00\n"), 0o644))

	r, err := recorder.Open(recorder.DefaultConfig(path))
	require.NoError(t, err)
	assert.Equal(t, recorder.StateAppending, r.State())
	assert.Equal(t, []string{"run_id", "timestamp", "cpu_percent"}, r.Schema())

	require.NoError(t, r.Write(context.Background(), record(0, "new", "cpu_percent", 2.0, "gpu_power_w", 4.0)))
	require.NoError(t, r.Close())

	rows := readTable(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"run_id", "timestamp", "cpu_percent"}, rows[0])
	assert.Equal(t, []string{"old", "2025-01-01T00:00:00.000000", "1.00"}, rows[1])
	assert.Equal(t, "new", rows[2][0])
	assert.Equal(t, []string{"2.00", "4.00"}, rows[2][2:])
}

func TestRetrofitExistingTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	require.NoError(t, os.WriteFile(path, []byte("run_id,timestamp,cpu_percent\nold,2025-01-01T00:00:00.000000,1.00\n"), 0o644))

	cfg := recorder.DefaultConfig(path)
	cfg.RetrofitExisting = true
	r, err := recorder.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Write(context.Background(), record(0, "new", "gpu_power_w", 4.0)))
	require.NoError(t, r.Close())

	rows := readTable(t, path)
	assert.Equal(t, [][]string{
		{"run_id", "timestamp", "cpu_percent", "gpu_power_w"},
		{"old", "2025-01-01T00:00:00.000000", "1.00", ""},
		{"new", "2025-03-14T09:26:53.589793", "", "4.00"},
	}, rows)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary rewrite file left behind")
}

func TestAppendDropsIncompleteLastRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	seed := "run_id,timestamp,cpu_percent\nold,2025-01-01T00:00:00.000000,1.00\nold,2025-01-01T00:00:01.0"
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	r, err := recorder.Open(recorder.DefaultConfig(path))
	require.NoError(t, err)
	require.NoError(t, r.Write(context.Background(), record(0, "new", "cpu_percent", 2.0)))
	require.NoError(t, r.Close())

	assert.Equal(t, [][]string{
		{"run_id", "timestamp", "cpu_percent"},
		{"old", "2025-01-01T00:00:00.000000", "1.00"},
		{"new", "2025-03-14T09:26:53.589793", "2.00"},
	}, readTable(t, path))
}

func TestAppendTerminatesBareHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	require.NoError(t, os.WriteFile(path, []byte("run_id,timestamp,cpu_percent"), 0o644))

	r, err := recorder.Open(recorder.DefaultConfig(path))
	require.NoError(t, err)
	require.NoError(t, r.Write(context.Background(), record(0, "new", "cpu_percent", 2.0)))
	require.NoError(t, r.Close())

	assert.Equal(t, [][]string{
		{"run_id", "timestamp", "cpu_percent"},
		{"new", "2025-03-14T09:26:53.589793", "2.00"},
	}, readTable(t, path))
}

func TestAppendAddsMissingFixedColumns(t *testing.T) {
	seed := []byte("Time,cpu_percent\n10:00:00,1.0\n")

	t.Run("header kept", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "metrics.csv")
		require.NoError(t, os.WriteFile(path, seed, 0o644))

		r, err := recorder.Open(recorder.DefaultConfig(path))
		require.NoError(t, err)
		assert.Equal(t, []string{"Time", "cpu_percent", "run_id", "timestamp"}, r.Schema())

		require.NoError(t, r.Write(context.Background(), record(0, "new", "cpu_percent", 2.0)))
		require.NoError(t, r.Close())

		rows := readTable(t, path)
		require.Len(t, rows, 3)
		assert.Equal(t, []string{"Time", "cpu_percent"}, rows[0])
		assert.Equal(t, []string{"", "2.00", "new", "2025-03-14T09:26:53.589793"}, rows[2])
	})

	t.Run("retrofit", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "metrics.csv")
		require.NoError(t, os.WriteFile(path, seed, 0o644))

		var added []string
		cfg := recorder.DefaultConfig(path)
		cfg.RetrofitExisting = true
		cfg.OnExtend = func(a, _ []string) { added = append(added, a...) }
		r, err := recorder.Open(cfg)
		require.NoError(t, err)
		require.NoError(t, r.Write(context.Background(), record(0, "", "cpu_percent", 2.0)))
		require.NoError(t, r.Close())

		assert.Equal(t, [][]string{
			{"Time", "cpu_percent", "run_id", "timestamp"},
			{"10:00:00", "1.0", "", ""},
			{"", "2.00", "N/A", "2025-03-14T09:26:53.589793"},
		}, readTable(t, path))
		assert.Equal(t, []string{"run_id", "timestamp"}, added)
	})
}

func TestWriteAfterClose(t *testing.T) {
	r, err := recorder.Open(recorder.DefaultConfig(filepath.Join(t.TempDir(), "metrics.csv")))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	err = r.Write(context.Background(), record(0, "", "cpu_percent", 1.0))
	require.Error(t, err)
	assert.Equal(t, errors.ErrClosed, errors.CodeOf(err))
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, recorder.StateClosed, r.State())
}

func TestOpenFailure(t *testing.T) {
	_, err := recorder.Open(recorder.DefaultConfig(filepath.Join(t.TempDir(), "missing", "metrics.csv")))
	require.Error(t, err)
	assert.Equal(t, errors.KindPersistence, errors.KindOf(err))

	_, err = recorder.Open(recorder.DefaultConfig(""))
	assert.Equal(t, errors.ErrRecorderInit, errors.CodeOf(err))
}

func TestEveryRowIsDurableOnReturn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	r, err := recorder.Open(recorder.DefaultConfig(path))
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Write(context.Background(), record(0, "r", "cpu_percent", 1.5)))

	// Read while the recorder still holds the file open.
	rows := readTable(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, "1.50", rows[1][2])
}
