package store

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/telemlog/internal/errors"
)

const (
	defaultDirPerm = 0o755
	defaultDBPath  = "telemlog.db"
)

type Config struct {
	Path string
	// BatchSize records are buffered before a transaction is committed.
	BatchSize int
	// BatchTimeout flushes a partial batch; zero disables the timer.
	BatchTimeout time.Duration
	// BackupDir receives a copy of the database before an incompatible
	// schema is replaced. Empty means a backups directory next to Path.
	BackupDir string
}

func DefaultConfig() Config {
	return Config{
		Path:         defaultDBPath,
		BatchSize:    1,
		BatchTimeout: 5 * time.Second,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Path == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "store.batch_size must be at least 1")
	}
	if c.BatchTimeout < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "store.batch_timeout must not be negative")
	}
	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.Path), "backups")
}
