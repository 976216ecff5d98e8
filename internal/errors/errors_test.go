package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"codeberg.org/mutker/telemlog/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	f := errors.New()

	tests := []struct {
		name string
		err  error
		want errors.Kind
	}{
		{"no data", f.New(errors.ErrNoData), errors.KindTransient},
		{"unavailable", f.New(errors.ErrSourceUnavailable), errors.KindSourceUnavailable},
		{"config", f.New(errors.ErrTargetNotFound), errors.KindConfiguration},
		{"persistence", f.Wrap(errors.ErrWriteRow, stderrors.New("disk full")), errors.KindPersistence},
		{"plain", stderrors.New("boom"), errors.KindInternal},
		{"wrapped", fmt.Errorf("tick: %w", f.New(errors.ErrTimeout)), errors.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.KindOf(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	f := errors.New()

	assert.True(t, errors.IsFatal(f.New(errors.ErrInvalidInterval)))
	assert.True(t, errors.IsFatal(f.New(errors.ErrWriteRow)))
	assert.False(t, errors.IsFatal(f.New(errors.ErrNoData)))
	assert.False(t, errors.IsFatal(f.New(errors.ErrSourceUnavailable)))
}

func TestHasCode(t *testing.T) {
	f := errors.New()
	inner := f.New(errors.ErrTargetExited)
	outer := f.Wrap(errors.ErrAcquisition, inner)

	assert.True(t, errors.HasCode(outer, errors.ErrTargetExited))
	assert.True(t, errors.HasCode(outer, errors.ErrAcquisition))
	assert.False(t, errors.HasCode(outer, errors.ErrNoData))
	assert.True(t, errors.Is(outer, f.New(errors.ErrAcquisition)))
}

func TestErrorMessage(t *testing.T) {
	f := errors.New()

	assert.Equal(t, "No data this tick", f.New(errors.ErrNoData).Error())
	assert.Equal(t, "Acquisition failed: exit status 1",
		f.Wrap(errors.ErrAcquisition, stderrors.New("exit status 1")).Error())
	assert.Equal(t, "qmassa timed out", f.WithMessage(errors.ErrTimeout, "qmassa timed out").Error())
	assert.Equal(t, errors.ErrTimeout, errors.CodeOf(f.New(errors.ErrTimeout).WithMessage("x")))
}
