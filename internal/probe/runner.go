package probe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"codeberg.org/mutker/telemlog/internal/errors"
)

// waitDelay bounds how long Wait lingers on inherited pipes after the
// process has been killed.
const waitDelay = time.Second

// Runner executes one probe invocation.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct {
	timeout time.Duration
}

// NewRunner returns a Runner that kills the process after timeout.
func NewRunner(timeout time.Duration) Runner {
	return &execRunner{timeout: timeout}
}

// Run starts name with args and waits for it. A timeout yields ErrTimeout;
// a non-zero exit yields ErrAcquisition carrying the trimmed stderr, or the
// exit code when stderr is empty.
func (r *execRunner) Run(ctx context.Context, name string, args ...string) error {
	errFactory := errors.New()

	cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, name, args...)
	cmd.WaitDelay = waitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()

	if cmdCtx.Err() == context.DeadlineExceeded {
		return errFactory.WithMessage(errors.ErrTimeout, fmt.Sprintf("%s timed out", name))
	}

	if ctx.Err() != nil {
		return errFactory.Wrap(errors.ErrAcquisition, ctx.Err())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = fmt.Sprintf("Exit code %d", exitErr.ExitCode())
			}
			return errFactory.WithMessage(errors.ErrAcquisition, msg)
		}
		return errFactory.Wrap(errors.ErrAcquisition, err)
	}

	return nil
}
