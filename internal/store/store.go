// Package store mirrors every written record into SQLite in long format,
// one row per metric value.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/logger"
	"codeberg.org/mutker/telemlog/internal/sample"
	_ "github.com/mattn/go-sqlite3"
)

type column struct {
	position     int
	name         string
	discoveredAt time.Time
}

// Store buffers records and commits them in batches. A failed commit is
// returned from the next Write or Close.
type Store struct {
	db  *sql.DB
	cfg Config
	run int64

	mu       sync.Mutex
	buffer   []*sample.Record
	columns  []column
	known    map[string]struct{}
	flushErr error
	closed   bool

	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

// Open opens or creates the database, replaces an incompatible schema after
// backing it up, and registers a new run for output.
func Open(cfg Config, runID, output string, startedAt time.Time) (*Store, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(errors.ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.Path,
			Error: err.Error(),
		})
	}

	dsn := cfg.Path + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrStorageInit, err)
	}

	if err := ValidateAndUpdateSchema(db, cfg.backupDir()); err != nil {
		db.Close()
		return nil, errFactory.Wrap(errors.ErrStorageInit, err)
	}

	res, err := db.Exec(insertRunSQL, runID, output, startedAt.UnixMicro())
	if err != nil {
		db.Close()
		return nil, errFactory.Wrap(errors.ErrStorageInit, err)
	}
	run, err := res.LastInsertId()
	if err != nil {
		db.Close()
		return nil, errFactory.Wrap(errors.ErrStorageInit, err)
	}

	logger.Info().
		Str("path", cfg.Path).
		Int64("run", run).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Msg("Sample store initialized")

	s := &Store{
		db:            db,
		cfg:           cfg,
		run:           run,
		buffer:        make([]*sample.Record, 0, cfg.BatchSize),
		known:         make(map[string]struct{}),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchSize > 1 && cfg.BatchTimeout > 0 {
		s.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go s.flusher()
	} else {
		close(s.flushDoneChan)
	}

	return s, nil
}

// Run is the database id of the run this store writes to.
func (s *Store) Run() int64 {
	return s.run
}

func (s *Store) Write(_ context.Context, rec *sample.Record) error {
	errFactory := errors.New()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errFactory.New(errors.ErrClosed)
	}
	if s.flushErr != nil {
		return s.flushErr
	}

	for _, k := range rec.Keys() {
		if _, ok := s.known[k]; ok {
			continue
		}
		s.known[k] = struct{}{}
		s.columns = append(s.columns, column{position: len(s.known) - 1, name: k, discoveredAt: rec.Timestamp})
	}

	s.buffer = append(s.buffer, rec)
	if len(s.buffer) >= s.cfg.BatchSize {
		return s.flush()
	}
	return nil
}

// Close flushes buffered records, checkpoints the WAL and closes the
// database.
func (s *Store) Close() error {
	errFactory := errors.New()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdownChan)
	if s.flushTicker != nil {
		s.flushTicker.Stop()
	}
	<-s.flushDoneChan

	s.mu.Lock()
	err := s.flush()
	if err == nil {
		err = s.flushErr
	}
	s.mu.Unlock()

	if _, cerr := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); cerr != nil {
		logger.Debug().Err(cerr).Msg("Failed to checkpoint WAL")
	}

	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = errFactory.Wrap(errors.ErrStorageClose, cerr)
	}

	if err == nil {
		logger.Debug().Msg("Sample store closed")
	}
	return err
}

func (s *Store) flusher() {
	defer close(s.flushDoneChan)

	for {
		select {
		case <-s.flushTicker.C:
			s.mu.Lock()
			if err := s.flush(); err != nil {
				s.flushErr = err
			}
			s.mu.Unlock()
		case <-s.shutdownChan:
			return
		}
	}
}

// flush commits the buffer in one transaction. Callers hold mu.
func (s *Store) flush() error {
	if len(s.buffer) == 0 && len(s.columns) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := s.db.Begin()
	if err != nil {
		return errFactory.Wrap(errors.ErrStorageWrite, errFactory.Wrap(ErrTransactionFailed, err))
	}

	if err := s.insert(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			logger.Debug().Err(rerr).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(errors.ErrStorageWrite, err)
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(errors.ErrStorageWrite, errFactory.Wrap(ErrTransactionFailed, err))
	}

	logger.Debug().Int("records", len(s.buffer)).Msg("Flushed samples to database")
	s.buffer = s.buffer[:0]
	s.columns = s.columns[:0]

	return nil
}

func (s *Store) insert(tx *sql.Tx) error {
	colStmt, err := tx.Prepare(insertColumnSQL)
	if err != nil {
		return err
	}
	defer colStmt.Close()

	for _, c := range s.columns {
		if _, err := colStmt.Exec(s.run, c.position, c.name, c.discoveredAt.UnixMicro()); err != nil {
			return err
		}
	}

	stmt, err := tx.Prepare(insertSampleSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range s.buffer {
		ts := rec.Timestamp.UnixMicro()
		for _, m := range rec.Samples() {
			if _, err := stmt.Exec(s.run, ts, m.Key, m.Value); err != nil {
				return err
			}
		}
	}
	return nil
}
