package device

import (
	"errors"
	"fmt"
)

// Build-time configuration failures. These are fatal and never retried.
var (
	// ErrOutOfDeviceMemory is returned when the persistent pool is exhausted.
	ErrOutOfDeviceMemory = errors.New("out of device memory")

	// ErrScratchOverflow is returned when a scratch layout exceeds the
	// configured scratch pool capacity. Detected at build time, not during
	// an inference pass.
	ErrScratchOverflow = errors.New("scratch layout exceeds pool capacity")

	// ErrUnsupportedWeightName is returned by LoadWeight for a name that
	// contains neither "weight" nor "bias".
	ErrUnsupportedWeightName = errors.New("unsupported weight name")
)

// ExecError reports a hardware-level failure from an enqueued operation.
// Partial split-K state is not recoverable after one of these.
type ExecError struct {
	Op  string
	Err error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("device execution failure in %s: %v", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

func execFailure(op string, err error) error {
	return &ExecError{Op: op, Err: err}
}
