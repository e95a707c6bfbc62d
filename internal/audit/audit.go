// Package audit records state-mutating gateway actions.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/devtomas22/note/internal/models"
)

// Outcomes written by the gateway.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Sink persists audit entries. *store.Store implements it.
type Sink interface {
	WriteAudit(action, inputsHash, outcome, kernelID, details string) (*models.AuditEntry, error)
}

// Recorder writes audit entries for lifecycle actions.
type Recorder struct {
	sink Sink
}

// NewRecorder creates a recorder writing to sink. A nil sink discards
// entries.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Record writes an entry for action. Inputs are stored only as a hash.
func (r *Recorder) Record(action string, inputs any, outcome, kernelID, details string) (*models.AuditEntry, error) {
	if r == nil || r.sink == nil {
		return nil, nil
	}
	return r.sink.WriteAudit(action, HashInputs(inputs), outcome, kernelID, details)
}

// HashInputs returns the hex SHA-256 of the JSON encoding of inputs.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
