package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"
	ErrTargetNotFound  ErrorCode = "target_not_found"
	ErrAlreadyRunning  ErrorCode = "already_running"
	ErrNoSources       ErrorCode = "no_sources"

	// Source errors
	ErrSourceUnavailable ErrorCode = "source_unavailable"
	ErrPermissionDenied  ErrorCode = "permission_denied"
	ErrNoData            ErrorCode = "no_data"
	ErrAcquisition       ErrorCode = "acquisition_failed"
	ErrTimeout           ErrorCode = "operation_timeout"
	ErrTargetExited      ErrorCode = "target_exited"

	// Persistence errors
	ErrPersistence  ErrorCode = "persistence_failed"
	ErrRecorderInit ErrorCode = "recorder_init_failed"
	ErrWriteRow     ErrorCode = "write_row_failed"
	ErrClosed       ErrorCode = "recorder_closed"
	ErrStorageInit  ErrorCode = "storage_init_failed"
	ErrStorageWrite ErrorCode = "storage_write_failed"
	ErrStorageClose ErrorCode = "storage_close_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrInvalidArgument:   "Invalid argument provided",
	ErrInvalidConfig:     "Invalid configuration",
	ErrReadConfig:        "Failed to read configuration",
	ErrBindFlags:         "Failed to bind flags",
	ErrInvalidInterval:   "Invalid interval value",
	ErrInvalidLogLevel:   "Invalid log level",
	ErrTargetNotFound:    "Target process not found",
	ErrAlreadyRunning:    "Another writer holds the output table",
	ErrNoSources:         "No telemetry source is available",
	ErrSourceUnavailable: "Source unavailable",
	ErrPermissionDenied:  "Permission denied",
	ErrNoData:            "No data this tick",
	ErrAcquisition:       "Acquisition failed",
	ErrTimeout:           "Operation timed out",
	ErrTargetExited:      "Target process exited",
	ErrPersistence:       "Failed to persist record",
	ErrRecorderInit:      "Failed to initialize recorder",
	ErrWriteRow:          "Failed to write row",
	ErrClosed:            "Recorder is closed",
	ErrStorageInit:       "Failed to initialize storage",
	ErrStorageWrite:      "Failed to write storage",
	ErrStorageClose:      "Failed to close storage",
}

var errorKinds = map[ErrorCode]Kind{
	ErrInvalidConfig:     KindConfiguration,
	ErrReadConfig:        KindConfiguration,
	ErrBindFlags:         KindConfiguration,
	ErrInvalidInterval:   KindConfiguration,
	ErrInvalidLogLevel:   KindConfiguration,
	ErrTargetNotFound:    KindConfiguration,
	ErrAlreadyRunning:    KindConfiguration,
	ErrNoSources:         KindConfiguration,
	ErrSourceUnavailable: KindSourceUnavailable,
	ErrPermissionDenied:  KindSourceUnavailable,
	ErrNoData:            KindTransient,
	ErrAcquisition:       KindTransient,
	ErrTimeout:           KindTransient,
	ErrTargetExited:      KindTransient,
	ErrPersistence:       KindPersistence,
	ErrRecorderInit:      KindPersistence,
	ErrWriteRow:          KindPersistence,
	ErrClosed:            KindPersistence,
	ErrStorageInit:       KindPersistence,
	ErrStorageWrite:      KindPersistence,
	ErrStorageClose:      KindPersistence,
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}

// GetErrorKind returns the kind registered for a code. Unknown codes are internal.
func GetErrorKind(code ErrorCode) Kind {
	if k, ok := errorKinds[code]; ok {
		return k
	}

	return KindInternal
}
