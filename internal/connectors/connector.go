// Package connectors defines how kernel processes are launched.
package connectors

import (
	"context"
	"errors"
	"io"

	"github.com/devtomas22/note/internal/models"
)

// ErrKilled is returned by Process.Wait after Kill.
var ErrKilled = errors.New("kernel process killed")

// Process is a running kernel. Its stdin and stdout carry the frame stream.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader

	// Interrupt delivers an interrupt signal to the kernel.
	Interrupt() error

	// Kill terminates the kernel immediately. It is safe to call more
	// than once.
	Kill() error

	// Wait blocks until the process exits and returns its exit error.
	Wait() error

	// Pid returns the OS process id, or 0 for in-process kernels.
	Pid() int
}

// Launcher starts kernel processes.
type Launcher interface {
	// Name returns the launcher identifier referenced by kernelspecs.
	Name() string

	// Launch starts the kernel described by spec.
	Launch(ctx context.Context, spec models.KernelSpec, kernelID string) (Process, error)

	// IsAllowed checks if spec may be launched.
	IsAllowed(spec models.KernelSpec) bool
}
