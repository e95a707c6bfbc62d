package protocol

import (
	"strings"

	"github.com/devtomas22/note/internal/models"
)

// Message types handled by the gateway and the bundled kernel runtime.
const (
	MsgExecuteRequest    = "execute_request"
	MsgExecuteReply      = "execute_reply"
	MsgExecuteInput      = "execute_input"
	MsgExecuteResult     = "execute_result"
	MsgDisplayData       = "display_data"
	MsgStream            = "stream"
	MsgError             = "error"
	MsgStatus            = "status"
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgInterruptRequest  = "interrupt_request"
	MsgInterruptReply    = "interrupt_reply"
	MsgShutdownRequest   = "shutdown_request"
	MsgShutdownReply     = "shutdown_reply"
	MsgInputRequest      = "input_request"
	MsgInputReply        = "input_reply"
	MsgHeartbeat         = "heartbeat"
)

// Execution states carried by status messages.
const (
	StateStarting = "starting"
	StateBusy     = "busy"
	StateIdle     = "idle"
	// The gateway publishes these two on behalf of a kernel.
	StateRestarting = "restarting"
	StateDead       = "dead"
)

// Reply statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusAborted = "aborted"
)

// ExecuteRequest is the content of execute_request.
type ExecuteRequest struct {
	Code            string            `json:"code"`
	Silent          bool              `json:"silent"`
	StoreHistory    bool              `json:"store_history"`
	UserExpressions map[string]string `json:"user_expressions"`
	AllowStdin      bool              `json:"allow_stdin"`
	StopOnError     bool              `json:"stop_on_error"`
}

// ExecuteReply is the content of execute_reply.
type ExecuteReply struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	EName          string   `json:"ename,omitempty"`
	EValue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

// ExecuteInput is the content of execute_input, broadcast on iopub.
type ExecuteInput struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

// Stream is the content of stream.
type Stream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ExecuteResult is the content of execute_result.
type ExecuteResult struct {
	ExecutionCount int               `json:"execution_count"`
	Data           models.MimeBundle `json:"data"`
	Metadata       map[string]any    `json:"metadata"`
}

// DisplayData is the content of display_data.
type DisplayData struct {
	Data      models.MimeBundle `json:"data"`
	Metadata  map[string]any    `json:"metadata"`
	Transient map[string]any    `json:"transient,omitempty"`
}

// Error is the content of error.
type Error struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// Status is the content of status.
type Status struct {
	ExecutionState string `json:"execution_state"`
}

// LanguageInfo describes the kernel language.
type LanguageInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Mimetype      string `json:"mimetype"`
	FileExtension string `json:"file_extension"`
}

// KernelInfoReply is the content of kernel_info_reply.
type KernelInfoReply struct {
	Status                string       `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
}

// InterruptReply is the content of interrupt_reply.
type InterruptReply struct {
	Status string `json:"status"`
}

// ShutdownRequest is the content of shutdown_request and shutdown_reply.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// ShutdownReply is the content of shutdown_reply.
type ShutdownReply struct {
	Status  string `json:"status"`
	Restart bool   `json:"restart"`
}

// InputRequest is the content of input_request.
type InputRequest struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

// InputReply is the content of input_reply.
type InputReply struct {
	Value string `json:"value"`
}

// IsReply reports whether msgType names a reply to a shell or control
// request.
func IsReply(msgType string) bool {
	return strings.HasSuffix(msgType, "_reply")
}

// OutputFromMessage converts an iopub output message into a CellOutput.
// It returns false for messages that are not outputs (status,
// execute_input, ...) or whose content cannot be decoded.
func OutputFromMessage(m *Message) (models.CellOutput, bool) {
	switch m.MsgType() {
	case MsgStream:
		var c Stream
		if DecodeContent(m, &c) != nil {
			return models.CellOutput{}, false
		}
		return models.NewStream(c.Name, c.Text), true
	case MsgExecuteResult:
		var c ExecuteResult
		if DecodeContent(m, &c) != nil {
			return models.CellOutput{}, false
		}
		return models.CellOutput{Output: models.ExecuteResultOutput{
			ExecutionCount: c.ExecutionCount,
			Data:           c.Data,
			Metadata:       c.Metadata,
		}}, true
	case MsgDisplayData:
		var c DisplayData
		if DecodeContent(m, &c) != nil {
			return models.CellOutput{}, false
		}
		return models.CellOutput{Output: models.DisplayDataOutput{Data: c.Data, Metadata: c.Metadata}}, true
	case MsgError:
		var c Error
		if DecodeContent(m, &c) != nil {
			return models.CellOutput{}, false
		}
		return models.NewError(c.EName, c.EValue, c.Traceback), true
	}
	return models.CellOutput{}, false
}
