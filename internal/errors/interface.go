package errors

// ErrorCode represents a unique identifier for each error type
type ErrorCode string

// Kind classifies an error by how the run must react to it.
type Kind int

const (
	// KindInternal is a programming or unexpected runtime error.
	KindInternal Kind = iota
	// KindSourceUnavailable disables a source for the rest of the run.
	KindSourceUnavailable
	// KindTransient drops one source's contribution for one tick.
	KindTransient
	// KindConfiguration aborts the run before any tick executes.
	KindConfiguration
	// KindPersistence aborts the run immediately.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindSourceUnavailable:
		return "source_unavailable"
	case KindTransient:
		return "transient"
	case KindConfiguration:
		return "configuration"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// Error represents a domain-specific error with context
type Error interface {
	error
	Code() ErrorCode
	Kind() Kind
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory defines methods for creating domain errors
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
