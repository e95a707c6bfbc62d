package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// OutputType is the nbformat output_type tag.
type OutputType string

const (
	OutputTypeStream        OutputType = "stream"
	OutputTypeExecuteResult OutputType = "execute_result"
	OutputTypeDisplayData   OutputType = "display_data"
	OutputTypeError         OutputType = "error"
)

// MimeBundle maps MIME types to their representation, e.g. "text/plain".
type MimeBundle map[string]any

// Output is implemented by exactly the four output variants below.
type Output interface {
	OutputType() OutputType
	isOutput()
}

// StreamOutput is text written to stdout or stderr.
type StreamOutput struct {
	Name string
	Text string
}

// ExecuteResultOutput is the value of the last expression of an execution.
type ExecuteResultOutput struct {
	ExecutionCount int
	Data           MimeBundle
	Metadata       map[string]any
}

// DisplayDataOutput is rich data published by the kernel during execution.
type DisplayDataOutput struct {
	Data     MimeBundle
	Metadata map[string]any
}

// ErrorOutput is a raised exception.
type ErrorOutput struct {
	EName     string
	EValue    string
	Traceback []string
}

func (StreamOutput) OutputType() OutputType        { return OutputTypeStream }
func (ExecuteResultOutput) OutputType() OutputType { return OutputTypeExecuteResult }
func (DisplayDataOutput) OutputType() OutputType   { return OutputTypeDisplayData }
func (ErrorOutput) OutputType() OutputType         { return OutputTypeError }

func (StreamOutput) isOutput()        {}
func (ExecuteResultOutput) isOutput() {}
func (DisplayDataOutput) isOutput()   {}
func (ErrorOutput) isOutput()         {}

// CellOutput holds one output variant. It serializes with the nbformat
// output_type tag.
type CellOutput struct {
	Output Output
}

// NewStream creates a stream output.
func NewStream(name, text string) CellOutput {
	return CellOutput{Output: StreamOutput{Name: name, Text: text}}
}

// NewExecuteResult creates an execute_result output.
func NewExecuteResult(count int, data MimeBundle) CellOutput {
	return CellOutput{Output: ExecuteResultOutput{ExecutionCount: count, Data: data}}
}

// NewDisplayData creates a display_data output.
func NewDisplayData(data MimeBundle) CellOutput {
	return CellOutput{Output: DisplayDataOutput{Data: data}}
}

// NewError creates an error output.
func NewError(ename, evalue string, traceback []string) CellOutput {
	return CellOutput{Output: ErrorOutput{EName: ename, EValue: evalue, Traceback: traceback}}
}

// Type returns the output_type tag, or "" for an empty output.
func (o CellOutput) Type() OutputType {
	if o.Output == nil {
		return ""
	}
	return o.Output.OutputType()
}

// Text returns the plain text form: stream text, the text/plain
// representation of results, or "ename: evalue" for errors.
func (o CellOutput) Text() string {
	switch v := o.Output.(type) {
	case StreamOutput:
		return v.Text
	case ExecuteResultOutput:
		return plainText(v.Data)
	case DisplayDataOutput:
		return plainText(v.Data)
	case ErrorOutput:
		return v.EName + ": " + v.EValue
	default:
		return ""
	}
}

func plainText(data MimeBundle) string {
	switch t := data["text/plain"].(type) {
	case string:
		return t
	case []any:
		// nbformat allows multi-line strings split into a list.
		s := ""
		for _, line := range t {
			if ls, ok := line.(string); ok {
				s += ls
			}
		}
		return s
	default:
		return ""
	}
}

type cellOutputJSON struct {
	OutputType     OutputType     `json:"output_type"`
	Name           string         `json:"name,omitempty"`
	Text           string         `json:"text,omitempty"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
	Data           MimeBundle     `json:"data,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	EName          string         `json:"ename,omitempty"`
	EValue         string         `json:"evalue,omitempty"`
	Traceback      []string       `json:"traceback,omitempty"`
}

var errEmptyOutput = errors.New("cell output has no variant")

// MarshalJSON implements json.Marshaler.
func (o CellOutput) MarshalJSON() ([]byte, error) {
	var w cellOutputJSON
	switch v := o.Output.(type) {
	case StreamOutput:
		w = cellOutputJSON{OutputType: OutputTypeStream, Name: v.Name, Text: v.Text}
	case ExecuteResultOutput:
		count := v.ExecutionCount
		w = cellOutputJSON{OutputType: OutputTypeExecuteResult, ExecutionCount: &count, Data: v.Data, Metadata: v.Metadata}
	case DisplayDataOutput:
		w = cellOutputJSON{OutputType: OutputTypeDisplayData, Data: v.Data, Metadata: v.Metadata}
	case ErrorOutput:
		w = cellOutputJSON{OutputType: OutputTypeError, EName: v.EName, EValue: v.EValue, Traceback: v.Traceback}
	default:
		return nil, errEmptyOutput
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *CellOutput) UnmarshalJSON(data []byte) error {
	var w cellOutputJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.OutputType {
	case OutputTypeStream:
		o.Output = StreamOutput{Name: w.Name, Text: w.Text}
	case OutputTypeExecuteResult:
		count := 0
		if w.ExecutionCount != nil {
			count = *w.ExecutionCount
		}
		o.Output = ExecuteResultOutput{ExecutionCount: count, Data: w.Data, Metadata: w.Metadata}
	case OutputTypeDisplayData:
		o.Output = DisplayDataOutput{Data: w.Data, Metadata: w.Metadata}
	case OutputTypeError:
		o.Output = ErrorOutput{EName: w.EName, EValue: w.EValue, Traceback: w.Traceback}
	default:
		return fmt.Errorf("unknown output_type %q", w.OutputType)
	}
	return nil
}
