// Package models defines the core domain types for note.
package models

import "time"

// KernelStatus represents the lifecycle state of a kernel.
type KernelStatus string

const (
	KernelStatusStarting KernelStatus = "starting"
	KernelStatusIdle     KernelStatus = "idle"
	KernelStatusBusy     KernelStatus = "busy"
	KernelStatusDead     KernelStatus = "dead"
)

// KernelInfo describes a running (or dead) kernel. Pending counts queued
// plus in-flight execute requests.
type KernelInfo struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Language       string       `json:"language"`
	Status         KernelStatus `json:"status"`
	ExecutionCount int          `json:"execution_count"`
	Connections    int          `json:"connections"`
	Pending        int          `json:"pending"`
	LastActivity   time.Time    `json:"last_activity"`
	StartedAt      time.Time    `json:"started_at"`
}

// ExecutionStatus is the outcome reported by an execute_reply.
type ExecutionStatus string

const (
	ExecutionStatusOK      ExecutionStatus = "ok"
	ExecutionStatusError   ExecutionStatus = "error"
	ExecutionStatusAborted ExecutionStatus = "aborted"
)

// ExecutionRequest is a unit of code submitted to a kernel.
type ExecutionRequest struct {
	MsgID       string    `json:"msg_id"`
	KernelID    string    `json:"kernel_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Code        string    `json:"code"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ExecutionResult is the resolved value of an execution.
type ExecutionResult struct {
	MsgID          string          `json:"msg_id"`
	ExecutionCount int             `json:"execution_count"`
	Outputs        []CellOutput    `json:"outputs"`
	Status         ExecutionStatus `json:"status"`
	ExecutionTime  time.Duration   `json:"execution_time"`
}

// ExecutionRecord is a persisted execution history entry.
type ExecutionRecord struct {
	MsgID          string       `json:"msg_id"`
	KernelID       string       `json:"kernel_id"`
	Code           string       `json:"code"`
	Status         string       `json:"status"`
	ExecutionCount int          `json:"execution_count"`
	Outputs        []CellOutput `json:"outputs,omitempty"`
	Error          string       `json:"error,omitempty"`
	SubmittedAt    time.Time    `json:"submitted_at"`
	FinishedAt     time.Time    `json:"finished_at"`
}

// AuditEntry records a state-mutating gateway action.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	KernelID   string    `json:"kernel_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// InterruptMode selects how a kernel is interrupted.
type InterruptMode string

const (
	InterruptSignal  InterruptMode = "signal"
	InterruptMessage InterruptMode = "message"
)

// KernelSpec describes how to launch a kernel.
type KernelSpec struct {
	Name          string            `json:"name" yaml:"name" validate:"required"`
	DisplayName   string            `json:"display_name" yaml:"display_name"`
	Language      string            `json:"language" yaml:"language" validate:"required"`
	Argv          []string          `json:"argv" yaml:"argv" validate:"required,min=1"`
	Launcher      string            `json:"launcher" yaml:"launcher" validate:"omitempty,oneof=exec inproc"`
	InterruptMode InterruptMode     `json:"interrupt_mode" yaml:"interrupt_mode" validate:"omitempty,oneof=signal message"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}
