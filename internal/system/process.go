package system

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/logger"
	"codeberg.org/mutker/telemlog/internal/sample"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	ProcessSourceName = "process"

	KeyProcessMemoryMB = "memory_mb"
)

// Target selects the process to observe. PID wins over Match.
type Target struct {
	PID   int32
	Match string
}

func (t Target) String() string {
	if t.PID > 0 {
		return fmt.Sprintf("pid %d", t.PID)
	}
	return fmt.Sprintf("%q", t.Match)
}

// processInfo is the subset of *process.Process the source reads.
type processInfo interface {
	IsRunningWithContext(ctx context.Context) (bool, error)
	PercentWithContext(ctx context.Context, interval time.Duration) (float64, error)
	MemoryInfoWithContext(ctx context.Context) (*process.MemoryInfoStat, error)
}

// ProcessSource reports CPU and resident memory of a single process. The
// process is resolved once, at Open.
type ProcessSource struct {
	target  Target
	resolve func(ctx context.Context, t Target) (processInfo, int32, error)
	proc    processInfo
}

func NewProcessSource(target Target) *ProcessSource {
	return &ProcessSource{target: target, resolve: resolveTarget}
}

func (*ProcessSource) Name() string {
	return ProcessSourceName
}

func (*ProcessSource) Columns() []string {
	return []string{KeyCPUPercent, KeyProcessMemoryMB}
}

// Open resolves the target. An unresolved target is a configuration error
// that ends the run before the first tick.
func (s *ProcessSource) Open(ctx context.Context) error {
	p, pid, err := s.resolve(ctx, s.target)
	if err != nil {
		return err
	}
	s.proc = p

	// Prime the CPU counters for the first tick.
	if _, err := p.PercentWithContext(ctx, 0); err != nil {
		logger.Debug().Err(err).Msg("Failed to prime process CPU counters")
	}

	logger.Info().Int32("pid", pid).Str("target", s.target.String()).Msg("Monitoring process")
	return nil
}

// Collect returns ErrTargetExited once the process is gone.
func (s *ProcessSource) Collect(ctx context.Context) (*sample.Set, error) {
	errFactory := errors.New()

	if s.proc == nil {
		return nil, errFactory.WithMessage(errors.ErrAcquisition, "process not resolved")
	}

	running, err := s.proc.IsRunningWithContext(ctx)
	if err != nil || !running {
		return nil, errFactory.New(errors.ErrTargetExited)
	}

	pct, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return nil, exitedOr(err)
	}

	mi, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, exitedOr(err)
	}

	set := sample.NewSet()
	set.Put(KeyCPUPercent, pct)
	set.Put(KeyProcessMemoryMB, float64(mi.RSS)/bytesPerMB)
	return set, nil
}

func (*ProcessSource) Close() error {
	return nil
}

func exitedOr(err error) error {
	errFactory := errors.New()
	if errors.Is(err, process.ErrorProcessNotRunning) || errors.Is(err, os.ErrNotExist) {
		return errFactory.Wrap(errors.ErrTargetExited, err)
	}
	return errFactory.Wrap(errors.ErrAcquisition, err)
}

// resolveTarget finds the process by PID, or by the first process other
// than this one whose name or command line contains Match, ignoring case.
// The name lookup is a best-effort heuristic.
func resolveTarget(ctx context.Context, t Target) (processInfo, int32, error) {
	errFactory := errors.New()

	if t.PID > 0 {
		p, err := process.NewProcessWithContext(ctx, t.PID)
		if err != nil {
			return nil, 0, errFactory.Wrap(errors.ErrTargetNotFound, err).
				WithMessage(fmt.Sprintf("no process with pid %d", t.PID))
		}
		return p, p.Pid, nil
	}

	if t.Match == "" {
		return nil, 0, errFactory.WithMessage(errors.ErrTargetNotFound, "process target needs a pid or a name")
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, 0, errFactory.Wrap(errors.ErrTargetNotFound, err)
	}

	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		cmdline, _ := p.CmdlineWithContext(ctx)
		if MatchProcess(name, cmdline, t.Match) {
			return p, p.Pid, nil
		}
	}

	return nil, 0, errFactory.WithMessage(errors.ErrTargetNotFound,
		fmt.Sprintf("no process matching %q", t.Match))
}

// MatchProcess reports whether needle occurs in name or cmdline, ignoring case.
func MatchProcess(name, cmdline, needle string) bool {
	if needle == "" {
		return false
	}
	needle = strings.ToLower(needle)
	return strings.Contains(strings.ToLower(name), needle) ||
		strings.Contains(strings.ToLower(cmdline), needle)
}
