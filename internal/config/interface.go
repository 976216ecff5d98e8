package config

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// Target selects what the run samples.
type Target string

const (
	// TargetSystem samples host-wide CPU and memory plus the hardware
	// sources.
	TargetSystem Target = "system"
	// TargetProcess samples one process's CPU and memory only.
	TargetProcess Target = "process"
)

func (t Target) IsValid() bool {
	return t == TargetSystem || t == TargetProcess
}
