package scheduler

import (
	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/logger"
	"codeberg.org/mutker/telemlog/internal/sample"
)

type sourceHealth struct {
	failing  bool
	failures int
}

// observe logs only failure transitions, not every failed tick.
func (s *Scheduler) observe(o sample.Outcome) {
	h, ok := s.health[o.Source]
	if !ok {
		h = &sourceHealth{}
		s.health[o.Source] = h
	}

	if o.Err == nil {
		if h.failing {
			logger.Info().
				Str("source", o.Source).
				Int("failed_ticks", h.failures).
				Msg("Source recovered")
		}
		h.failing = false
		h.failures = 0
		return
	}

	s.metrics.SourceFailed(o.Source)
	h.failures++

	if errors.KindOf(o.Err) == errors.KindSourceUnavailable {
		s.disabled[o.Source] = true
		logger.Warn().
			Str("source", o.Source).
			Str("error_code", string(errors.CodeOf(o.Err))).
			Err(o.Err).
			Msg("Source unavailable, disabled for the rest of the run")
		return
	}

	if h.failing {
		return
	}
	h.failing = true

	if errors.HasCode(o.Err, errors.ErrTargetExited) {
		return
	}
	logger.Warn().
		Str("source", o.Source).
		Str("error_kind", errors.KindOf(o.Err).String()).
		Err(o.Err).
		Msg("Source failing")
}

// Failing reports whether the named source failed on its last query.
func (s *Scheduler) Failing(name string) bool {
	h, ok := s.health[name]
	return ok && h.failing
}

// Disabled reports whether the named source is no longer queried.
func (s *Scheduler) Disabled(name string) bool {
	return s.disabled[name]
}
