package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/devtomas22/note/internal/execqueue"
	"github.com/devtomas22/note/internal/store"
	"github.com/devtomas22/note/internal/supervisor"
)

// Sentinel errors for gateway operations.
var (
	ErrNotebookNotFound = errors.New("notebook not found")
	ErrDuplicateCellID  = errors.New("duplicate cell id")
	ErrBadRequest       = errors.New("bad request")

	errShuttingDown = errors.New("gateway shutting down")
)

// StatusClientClosedRequest is the non-standard status used when the
// caller went away before its execution finished.
const StatusClientClosedRequest = 499

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error    string `json:"error"`
	Kind     string `json:"kind"`
	KernelID string `json:"kernel_id,omitempty"`
	MsgID    string `json:"msg_id,omitempty"`
}

// classify maps an error to an HTTP status and a stable kind string.
// Order matters: a LaunchError for an unknown spec also matches ErrLaunch.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrDuplicateCellID):
		return http.StatusBadRequest, "duplicate_cell_id"
	case errors.Is(err, ErrNotebookNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "notebook_not_found"
	case errors.Is(err, supervisor.ErrKernelNotFound):
		return http.StatusNotFound, "kernel_not_found"
	case errors.Is(err, supervisor.ErrNoSuchKernelSpec):
		return http.StatusNotFound, "no_such_kernelspec"
	case errors.Is(err, supervisor.ErrTooManyKernels):
		return http.StatusServiceUnavailable, "too_many_kernels"
	case errors.Is(err, supervisor.ErrClosed), errors.Is(err, errShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, supervisor.ErrLaunch):
		return http.StatusInternalServerError, "launch_failed"
	case errors.Is(err, execqueue.ErrKernelDied):
		return http.StatusConflict, "kernel_died"
	case errors.Is(err, execqueue.ErrExecutionTimeout):
		return http.StatusGatewayTimeout, "execution_timeout"
	case errors.Is(err, execqueue.ErrCancelled), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func errorResponse(err error) (int, ErrorResponse) {
	status, kind := classify(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}
	var ee *execqueue.ExecError
	if errors.As(err, &ee) {
		resp.KernelID = ee.KernelID
		resp.MsgID = ee.MsgID
	}
	return status, resp
}
