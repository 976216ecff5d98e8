package gpu

import (
	"fmt"

	"codeberg.org/mutker/telemlog/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Detail codes, always wrapped in a source-level code before leaving the
// package.
const (
	ErrNotInitialized    = errors.ErrorCode("nvml_not_initialized")
	ErrInitFailed        = errors.ErrorCode("nvml_init_failed")
	ErrDeviceNotFound    = errors.ErrorCode("nvml_device_not_found")
	ErrShutdownFailed    = errors.ErrorCode("nvml_shutdown_failed")
	ErrDeviceCountFailed = errors.ErrorCode("nvml_device_count_failed")
	ErrNoDevices         = errors.ErrorCode("nvml_no_devices")
)

// returnError is a failed NVML call and the Return it produced.
type returnError struct {
	op  string
	ret nvml.Return
}

func (e *returnError) Error() string {
	return fmt.Sprintf("%s: %s", e.op, nvml.ErrorString(e.ret))
}

// checkReturn is nil for SUCCESS.
func checkReturn(op string, ret nvml.Return) error {
	if ok(ret) {
		return nil
	}
	return &returnError{op: op, ret: ret}
}

func ok(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}
