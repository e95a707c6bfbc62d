// Package kernel implements the kernel side of the stdio message protocol.
//
// A Host reads request frames from stdin and writes replies and iopub
// messages to stdout. Language specifics live behind the Interpreter
// interface; see package luart for the bundled Lua runtime.
package kernel

import (
	"context"
	"fmt"

	"github.com/devtomas22/note/internal/models"
	"github.com/devtomas22/note/internal/protocol"
)

// Interpreter executes code on behalf of a Host. Execute is never called
// concurrently.
type Interpreter interface {
	// Info describes the language. Status and protocol version are filled
	// in by the host.
	Info() protocol.KernelInfoReply
	// Execute runs code. It returns the value to publish as execute_result,
	// or nil when there is none. User code errors are reported as
	// *ExecutionError. Execute must return promptly once ctx is cancelled.
	Execute(ctx context.Context, code string, pub Publisher) (models.MimeBundle, error)
}

// Publisher emits outputs while code runs.
type Publisher interface {
	Stream(name, text string)
	Display(data models.MimeBundle)
}

// ExecutionError is an error raised by user code.
type ExecutionError struct {
	EName     string
	EValue    string
	Traceback []string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.EName, e.EValue)
}

// Interrupted is the error reported when an execution is interrupted.
func Interrupted() *ExecutionError {
	return &ExecutionError{EName: "KeyboardInterrupt", EValue: "execution interrupted"}
}
