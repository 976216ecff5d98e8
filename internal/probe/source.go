package probe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/logger"
	"codeberg.org/mutker/telemlog/internal/sample"
)

const (
	SourceName     = "qmassa"
	DefaultCommand = "qmassa"
	DefaultTimeout = 10 * time.Second
	MaxTimeout     = 10 * time.Second

	// OutputPlaceholder in Args is replaced with the per-tick output path.
	OutputPlaceholder = "{output}"
)

// DefaultArgs run two iterations so the probe can compute engine usage
// deltas, then write newline-delimited JSON to the output file.
var DefaultArgs = []string{"-x", "-n", "2", "-m", "500", "-t", OutputPlaceholder}

// SudoPolicy controls privilege escalation for the probe.
type SudoPolicy string

const (
	SudoAuto   SudoPolicy = "auto"
	SudoAlways SudoPolicy = "always"
	SudoNever  SudoPolicy = "never"
)

type Config struct {
	Command string
	Args    []string
	Timeout time.Duration
	Sudo    SudoPolicy
}

func DefaultConfig() Config {
	return Config{
		Command: DefaultCommand,
		Args:    append([]string(nil), DefaultArgs...),
		Timeout: DefaultTimeout,
		Sudo:    SudoAuto,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Command == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "probe.command must not be empty")
	}
	if c.Timeout <= 0 || c.Timeout > MaxTimeout {
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			fmt.Sprintf("probe.timeout must be in (0, %s], got %s", MaxTimeout, c.Timeout))
	}
	switch c.Sudo {
	case SudoAuto, SudoAlways, SudoNever:
	default:
		return errFactory.WithMessage(errors.ErrInvalidConfig,
			fmt.Sprintf("probe.sudo must be auto, always or never, got %q", c.Sudo))
	}
	hasOutput := false
	for _, a := range c.Args {
		if strings.Contains(a, OutputPlaceholder) {
			hasOutput = true
		}
	}
	if !hasOutput {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "probe.args must contain "+OutputPlaceholder)
	}
	return nil
}

// Source runs the external GPU probe once per tick and flattens its JSON
// output into samples.
type Source struct {
	cfg      Config
	runner   Runner
	lookPath func(string) (string, error)
	euid     func() int

	path           string
	useSudo        bool
	identityLogged bool
}

// NewSource returns a Source for cfg using the real process runner.
func NewSource(cfg Config) *Source {
	return &Source{
		cfg:      cfg,
		runner:   NewRunner(cfg.Timeout),
		lookPath: exec.LookPath,
		euid:     os.Geteuid,
	}
}

func (*Source) Name() string {
	return SourceName
}

// Open locates the probe and decides whether it needs sudo. A missing binary
// or unavailable privilege escalation disables the source for the run.
func (s *Source) Open(ctx context.Context) error {
	errFactory := errors.New()

	if err := s.cfg.Validate(); err != nil {
		return errFactory.Wrap(errors.ErrSourceUnavailable, err)
	}

	path, err := s.lookPath(s.cfg.Command)
	if err != nil {
		return errFactory.Wrap(errors.ErrSourceUnavailable, err).
			WithMessage(fmt.Sprintf("%s not found in PATH", s.cfg.Command))
	}
	s.path = path

	root := s.euid() == 0
	switch {
	case s.cfg.Sudo == SudoNever:
		s.useSudo = false
	case s.cfg.Sudo == SudoAuto && root:
		s.useSudo = false
	default:
		if err := s.runner.Run(ctx, "sudo", "-n", "true"); err != nil {
			return errFactory.Wrap(errors.ErrPermissionDenied, err).
				WithMessage(fmt.Sprintf("%s requires passwordless sudo or root", s.cfg.Command))
		}
		s.useSudo = true
	}

	logger.Debug().
		Str("path", s.path).
		Bool("sudo", s.useSudo).
		Msg("GPU probe available")

	return nil
}

// Collect runs the probe into a fresh temporary file, parses it and removes
// the file on every path.
func (s *Source) Collect(ctx context.Context) (*sample.Set, error) {
	errFactory := errors.New()

	f, err := os.CreateTemp("", "telemlog-probe-*.json")
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrAcquisition, err)
	}
	out := f.Name()
	defer os.Remove(out)
	if err := f.Close(); err != nil {
		return nil, errFactory.Wrap(errors.ErrAcquisition, err)
	}

	name, args := s.command(out)
	if err := s.runner.Run(ctx, name, args...); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrAcquisition, err)
	}
	if len(data) == 0 {
		return nil, errFactory.WithMessage(errors.ErrNoData, "probe did not write its output file")
	}

	doc, err := SelectDocument(data)
	if err != nil {
		return nil, err
	}

	set, id, err := Extract(doc)
	if err != nil {
		return nil, err
	}

	if !s.identityLogged {
		logger.Info().
			Str("driver", id.Driver).
			Str("type", id.Type).
			Str("device", id.Name).
			Msg("GPU probe device")
		s.identityLogged = true
	}

	return set, nil
}

func (*Source) Close() error {
	return nil
}

// command expands the configured arguments for one invocation.
func (s *Source) command(output string) (string, []string) {
	args := make([]string, 0, len(s.cfg.Args)+2)
	name := s.path
	if name == "" {
		name = s.cfg.Command
	}
	if s.useSudo {
		args = append(args, "-n", name)
		name = "sudo"
	}
	for _, a := range s.cfg.Args {
		args = append(args, strings.ReplaceAll(a, OutputPlaceholder, output))
	}
	return name, args
}
