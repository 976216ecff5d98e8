package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func rec(tick int, pairs ...any) *sample.Record {
	set := sample.NewSet()
	for i := 0; i < len(pairs); i += 2 {
		set.Put(pairs[i].(string), pairs[i+1].(float64))
	}
	return sample.NewRecord(start.Add(time.Duration(tick)*time.Second), "bench-1", set)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "telemlog.db")
	return cfg
}

func openDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStoreWritesLongFormat(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg, "bench-1", "metrics.csv", start)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, rec(0, "cpu_percent", 12.5, "memory_mb", 300.0)))
	require.NoError(t, s.Write(ctx, rec(1, "cpu_percent", 14.0, "memory_mb", 310.0, "gpu_power_w", 6.0)))
	require.NoError(t, s.Close())

	db := openDB(t, cfg.Path)

	var runID, output string
	require.NoError(t, db.QueryRow(`SELECT run_id, output FROM runs WHERE id = ?`, s.Run()).Scan(&runID, &output))
	assert.Equal(t, "bench-1", runID)
	assert.Equal(t, "metrics.csv", output)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM samples WHERE run = ?`, s.Run()).Scan(&count))
	assert.Equal(t, 5, count)

	var v float64
	require.NoError(t, db.QueryRow(`SELECT value FROM samples WHERE metric = 'gpu_power_w'`).Scan(&v))
	assert.Equal(t, 6.0, v)

	rows, err := db.Query(`SELECT name FROM columns WHERE run = ? ORDER BY position`, s.Run())
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	assert.Equal(t, []string{"cpu_percent", "memory_mb", "gpu_power_w"}, names)
}

func TestStoreBatchesUntilClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 10
	cfg.BatchTimeout = time.Hour
	s, err := Open(cfg, "", "metrics.csv", start)
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), rec(0, "cpu_percent", 1.0)))

	db := openDB(t, cfg.Path)
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&count))
	assert.Equal(t, 0, count)

	require.NoError(t, s.Close())
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&count))
	assert.Equal(t, 1, count)

	err = s.Write(context.Background(), rec(1, "cpu_percent", 1.0))
	assert.Equal(t, errors.ErrClosed, errors.CodeOf(err))
	assert.NoError(t, s.Close())
}

func TestRunsAccumulateAcrossOpens(t *testing.T) {
	cfg := testConfig(t)

	first, err := Open(cfg, "a", "metrics.csv", start)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(cfg, "b", "metrics.csv", start.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, second.Close())

	assert.Greater(t, second.Run(), first.Run())
}

func TestSchemaMismatchBacksUpAndRecreates(t *testing.T) {
	cfg := testConfig(t)
	cfg.BackupDir = filepath.Join(t.TempDir(), "backups")

	db := openDB(t, cfg.Path)
	_, err := db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (99, datetime('now'));
		CREATE TABLE samples (legacy TEXT);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(cfg, "r", "metrics.csv", start)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), rec(0, "cpu_percent", 3.0)))
	require.NoError(t, s.Close())

	backups, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name(), "telemlog_v99_")

	db = openDB(t, cfg.Path)
	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Path = ""
	assert.Equal(t, ErrInvalidDBPath, errors.CodeOf(cfg.Validate()))

	cfg = DefaultConfig()
	cfg.BatchSize = 0
	assert.Equal(t, errors.ErrInvalidConfig, errors.CodeOf(cfg.Validate()))

	assert.Equal(t, filepath.Join("data", "backups"), Config{Path: filepath.Join("data", "x.db")}.backupDir())
}
