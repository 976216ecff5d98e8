// Package recorder appends records to a CSV table whose columns grow as new
// metric keys are discovered.
package recorder

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/logger"
	"codeberg.org/mutker/telemlog/internal/sample"
)

const (
	ColumnRunID     = "run_id"
	ColumnTimestamp = "timestamp"

	// TimestampLayout is local wall-clock time with microseconds.
	TimestampLayout = "2006-01-02T15:04:05.000000"

	DefaultPrecision        = 2
	DefaultRunIDPlaceholder = "N/A"
)

type State int

const (
	StateUninitialized State = iota
	StateHeaderWritten
	StateAppending
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHeaderWritten:
		return "header_written"
	case StateAppending:
		return "appending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Config struct {
	Path string
	// Precision is the number of decimals written for values; negative
	// writes the shortest exact representation.
	Precision        int
	Placeholder      string
	RunIDPlaceholder string
	// RetrofitExisting rewrites the header of a table that existed before
	// this run when new columns are discovered. Otherwise the old header is
	// kept and rows grow past it.
	RetrofitExisting bool
	// Declared columns follow the fixed columns in a new table.
	Declared []string
	// OnExtend is called after columns are appended to the schema.
	OnExtend func(added, schema []string)
}

func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		Precision:        DefaultPrecision,
		RunIDPlaceholder: DefaultRunIDPlaceholder,
	}
}

// Recorder owns the output table and its schema. It is safe for use by one
// writer at a time; the mutex only guards Close racing a final Write.
type Recorder struct {
	cfg Config

	mu      sync.Mutex
	state   State
	file    *os.File
	w       *csv.Writer
	schema  []string
	known   map[string]struct{}
	owned   bool
	headerN int
	// pending holds fixed columns an existing header lacked; they are
	// reported with the first write's extension.
	pending []string
}

// Open prepares the table at cfg.Path. An existing non-empty table is
// appended to and its header becomes the starting schema.
func Open(cfg Config) (*Recorder, error) {
	errFactory := errors.New()

	if cfg.Path == "" {
		return nil, errFactory.WithMessage(errors.ErrRecorderInit, "output path is empty")
	}

	r := &Recorder{cfg: cfg, known: make(map[string]struct{})}

	if err := repairTail(cfg.Path); err != nil {
		return nil, errFactory.Wrap(errors.ErrRecorderInit, err)
	}

	header, err := readHeader(cfg.Path)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrRecorderInit, err)
	}

	if len(header) > 0 {
		r.setSchema(header)
		r.headerN = len(header)
		r.state = StateAppending
		logger.Info().
			Str("path", cfg.Path).
			Int("columns", len(header)).
			Msg("Appending to existing table")

		if missing := r.extend([]string{ColumnRunID, ColumnTimestamp}); len(missing) > 0 {
			r.pending = missing
			logger.Warn().
				Str("path", cfg.Path).
				Strs("columns", missing).
				Msg("Existing header lacks fixed columns, appending them")
		}
	} else {
		r.owned = true
	}

	flag := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if r.owned {
		flag = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	if err := r.openFile(flag); err != nil {
		return nil, errFactory.Wrap(errors.ErrRecorderInit, err)
	}

	return r, nil
}

// Write appends rec as one row, extending the schema with any keys it has
// not seen before. The row is flushed and synced before Write returns.
func (r *Recorder) Write(_ context.Context, rec *sample.Record) error {
	errFactory := errors.New()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return errFactory.New(errors.ErrClosed)
	}

	if r.state == StateUninitialized {
		seed := append([]string{ColumnRunID, ColumnTimestamp}, r.cfg.Declared...)
		r.setSchema(seed)
		added := r.extend(rec.Keys())
		if err := r.writeRow(r.schema); err != nil {
			return r.fail(err)
		}
		r.headerN = len(r.schema)
		r.state = StateHeaderWritten
		r.notify(added)
	} else if added := append(r.takePending(), r.extend(rec.Keys())...); len(added) > 0 {
		if r.owned || r.cfg.RetrofitExisting {
			if err := r.rewrite(); err != nil {
				return r.fail(err)
			}
		} else {
			logger.Warn().
				Strs("columns", added).
				Int("header_columns", r.headerN).
				Msg("New columns not added to existing header")
		}
		r.notify(added)
	}

	if err := r.writeRow(r.row(rec)); err != nil {
		return r.fail(err)
	}
	r.state = StateAppending

	return nil
}

// Schema returns the current column list.
func (r *Recorder) Schema() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.schema)
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) Path() string {
	return r.cfg.Path
}

// Close flushes and closes the table. Further writes fail with ErrClosed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return nil
	}
	r.state = StateClosed

	return r.closeFile()
}

func (r *Recorder) setSchema(cols []string) {
	r.schema = r.schema[:0]
	clear(r.known)
	for _, c := range cols {
		if _, ok := r.known[c]; ok {
			continue
		}
		r.known[c] = struct{}{}
		r.schema = append(r.schema, c)
	}
}

// extend appends unseen keys in discovery order and returns them.
func (r *Recorder) extend(keys []string) []string {
	var added []string
	for _, k := range keys {
		if _, ok := r.known[k]; ok {
			continue
		}
		r.known[k] = struct{}{}
		r.schema = append(r.schema, k)
		added = append(added, k)
	}
	return added
}

func (r *Recorder) takePending() []string {
	p := r.pending
	r.pending = nil
	return p
}

func (r *Recorder) notify(added []string) {
	if len(added) == 0 {
		return
	}
	logger.Debug().Strs("columns", added).Int("width", len(r.schema)).Msg("Schema extended")
	if r.cfg.OnExtend != nil {
		r.cfg.OnExtend(slices.Clone(added), slices.Clone(r.schema))
	}
}

func (r *Recorder) row(rec *sample.Record) []string {
	row := make([]string, len(r.schema))
	for i, col := range r.schema {
		switch col {
		case ColumnRunID:
			row[i] = rec.RunID
			if row[i] == "" {
				row[i] = r.cfg.RunIDPlaceholder
			}
		case ColumnTimestamp:
			row[i] = rec.Timestamp.Format(TimestampLayout)
		default:
			if v, ok := rec.Value(col); ok {
				row[i] = strconv.FormatFloat(v, 'f', r.cfg.Precision, 64)
			} else {
				row[i] = r.cfg.Placeholder
			}
		}
	}
	return row
}

func (r *Recorder) writeRow(row []string) error {
	if err := r.w.Write(row); err != nil {
		return err
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return err
	}
	return r.file.Sync()
}

// rewrite replaces the table with a copy whose header is the current schema
// and whose rows are padded to match it.
func (r *Recorder) rewrite() error {
	if err := r.closeFile(); err != nil {
		return err
	}

	rows, err := readRows(r.cfg.Path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.cfg.Path), "."+filepath.Base(r.cfg.Path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(r.schema); err != nil {
		tmp.Close()
		return err
	}
	for _, row := range rows {
		for len(row) < len(r.schema) {
			row = append(row, r.cfg.Placeholder)
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), r.cfg.Path); err != nil {
		return err
	}
	syncDir(filepath.Dir(r.cfg.Path))

	r.headerN = len(r.schema)
	return r.openFile(os.O_WRONLY | os.O_APPEND)
}

func (r *Recorder) openFile(flag int) error {
	f, err := os.OpenFile(r.cfg.Path, flag, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	r.w = csv.NewWriter(f)
	return nil
}

func (r *Recorder) closeFile() error {
	if r.file == nil {
		return nil
	}
	r.w.Flush()
	werr := r.w.Error()
	serr := r.file.Sync()
	cerr := r.file.Close()
	r.file = nil
	r.w = nil
	for _, err := range []error{werr, serr, cerr} {
		if err != nil {
			return errors.New().Wrap(errors.ErrPersistence, err)
		}
	}
	return nil
}

// fail closes the table after an I/O error; the run cannot continue.
func (r *Recorder) fail(err error) error {
	r.state = StateClosed
	if cerr := r.closeFile(); cerr != nil {
		logger.Debug().Err(cerr).Msg("Failed to close table after write error")
	}
	return errors.New().Wrap(errors.ErrWriteRow, err)
}

// repairTail drops a row left unterminated by an interrupted write, so the
// next row starts on its own line. A lone unterminated header is terminated
// instead.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}

	end, err := lastNewline(f, size)
	if err != nil {
		return err
	}

	if end < 0 {
		if _, err := f.WriteAt([]byte{'\n'}, size); err != nil {
			return err
		}
		return f.Sync()
	}

	if err := f.Truncate(end + 1); err != nil {
		return err
	}
	logger.Warn().
		Str("path", path).
		Int64("bytes", size-end-1).
		Msg("Dropped incomplete last row")
	return f.Sync()
}

// lastNewline returns the offset of the last '\n' before size, or -1.
func lastNewline(f *os.File, size int64) (int64, error) {
	const chunk = 4096
	buf := make([]byte, chunk)
	for end := size; end > 0; {
		start := max(end-chunk, 0)
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && err != io.EOF {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return start + int64(i), nil
		}
		end = start
	}
	return -1, nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	return header, err
}

func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		rows = rows[1:]
	}
	return rows, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
