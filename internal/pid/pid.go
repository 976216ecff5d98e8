// Package pid guards an output table against a second concurrent writer
// with a lock file holding the writer's PID.
package pid

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/logger"
)

const lockSuffix = ".lock"

// Lock is a held lock file.
type Lock struct {
	path string
}

// LockPath returns the lock file path guarding output.
func LockPath(output string) string {
	return output + lockSuffix
}

// Acquire writes the current PID next to output. A lock held by a live
// process fails with ErrAlreadyRunning; a stale one is taken over.
func Acquire(output string) (*Lock, error) {
	errFactory := errors.New()
	path := LockPath(output)

	if bytes, err := os.ReadFile(path); err == nil {
		holder, perr := strconv.Atoi(strings.TrimSpace(string(bytes)))
		if perr == nil && holder != os.Getpid() && alive(holder) {
			return nil, errFactory.WithData(errors.ErrAlreadyRunning, struct {
				Output string
				PID    int
			}{
				Output: output,
				PID:    holder,
			})
		}
		logger.Debug().Str("path", path).Msg("Taking over stale lock file")
	} else if !os.IsNotExist(err) {
		return nil, errFactory.Wrap(errors.ErrRecorderInit, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return nil, errFactory.Wrap(errors.ErrRecorderInit, err)
	}

	return &Lock{path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the lock file.
func (l *Lock) Release() error {
	errFactory := errors.New()

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
