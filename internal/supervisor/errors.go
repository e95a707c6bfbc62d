package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrLaunch matches every *LaunchError.
	ErrLaunch = errors.New("kernel launch failed")
	// ErrKernelNotFound is returned for unknown kernel ids.
	ErrKernelNotFound = errors.New("kernel not found")
	// ErrTooManyKernels is returned by Start when MaxKernels live kernels exist.
	ErrTooManyKernels = errors.New("too many kernels")
	// ErrNoSuchKernelSpec is wrapped by a LaunchError for unregistered names.
	ErrNoSuchKernelSpec = errors.New("no such kernelspec")
	// ErrShutdown is the death cause of a kernel stopped on request.
	ErrShutdown = errors.New("kernel shut down")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("supervisor closed")
)

// LaunchError reports why a kernel could not be started.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch kernel %q: %v", e.Name, e.Err)
}

func (e *LaunchError) Unwrap() []error {
	return []error{ErrLaunch, e.Err}
}
