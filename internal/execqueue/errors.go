package execqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrKernelDied resolves every queued and in-flight request of a kernel
	// that died, and every request submitted afterwards.
	ErrKernelDied = errors.New("kernel died")
	// ErrExecutionTimeout resolves an in-flight request that exceeded the
	// execution timeout.
	ErrExecutionTimeout = errors.New("execution timed out")
	// ErrCancelled resolves a request cancelled by its caller.
	ErrCancelled = errors.New("execution cancelled")
)

// ExecError carries the request identity alongside one of the sentinels.
type ExecError struct {
	KernelID string
	MsgID    string
	Err      error
	// Cause is the underlying reason, e.g. the process exit error.
	Cause error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("execute %s on kernel %s: %v", e.MsgID, e.KernelID, e.Err)
	if e.Cause != nil && !errors.Is(e.Cause, e.Err) {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExecError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}
