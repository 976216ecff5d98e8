package hwinfo

import (
	"context"
	"io/fs"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/logger"
	"codeberg.org/mutker/telemlog/internal/sample"
)

const (
	SourceName      = "hwinfo"
	DefaultName     = `Global\HWiNFO_SENS_SM2`
	DefaultPath     = "/dev/shm/HWiNFO_SENS_SM2"
	DefaultCapacity = 500000
)

type Config struct {
	Name     string
	Path     string
	Size     int
	Keywords Keywords
}

func DefaultConfig() Config {
	return Config{
		Name:     DefaultName,
		Path:     DefaultPath,
		Size:     DefaultCapacity,
		Keywords: DefaultKeywords,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.Size < HeaderSize {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value int
		}{
			Field: "hwinfo.size",
			Value: c.Size,
		})
	}
	if len(c.Keywords) == 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "hwinfo.keywords must not be empty")
	}
	return nil
}

type mapping interface {
	Bytes() []byte
	Close() error
}

type opener func(path, name string, size int) (mapping, error)

func defaultOpener(path, name string, size int) (mapping, error) {
	return openSegment(path, name, size)
}

// Source reads the shared memory block fresh on every tick.
type Source struct {
	cfg  Config
	open opener
}

// NewSource returns a Source mapping the segment described by cfg.
func NewSource(cfg Config) *Source {
	return &Source{cfg: cfg, open: defaultOpener}
}

func (*Source) Name() string {
	return SourceName
}

// Open probes the mapping once. Missing privileges disable the source; a
// segment that does not exist yet is left to the per-tick reads, since the
// producing agent may start later.
func (s *Source) Open(_ context.Context) error {
	errFactory := errors.New()

	if err := s.cfg.Validate(); err != nil {
		return errFactory.Wrap(errors.ErrSourceUnavailable, err)
	}

	m, err := s.open(s.cfg.Path, s.cfg.Name, s.cfg.Size)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return errFactory.Wrap(errors.ErrPermissionDenied, err)
		}
		logger.Debug().Err(err).Msg("Shared memory not present yet")
		return nil
	}

	return m.Close()
}

// Collect maps the segment, decodes it and unmaps it before returning.
func (s *Source) Collect(_ context.Context) (*sample.Set, error) {
	errFactory := errors.New()

	m, err := s.open(s.cfg.Path, s.cfg.Name, s.cfg.Size)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrNoData, err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logger.Debug().Err(cerr).Msg("Failed to release shared memory")
		}
	}()

	return Decode(m.Bytes(), s.cfg.Keywords)
}

func (*Source) Close() error {
	return nil
}
