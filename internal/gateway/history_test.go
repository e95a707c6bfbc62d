package gateway

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtomas22/note/internal/execqueue"
	"github.com/devtomas22/note/internal/logging"
	"github.com/devtomas22/note/internal/models"
)

type memHistory struct {
	mu      sync.Mutex
	records []models.ExecutionRecord
}

func (m *memHistory) RecordExecution(rec models.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memHistory) ListExecutions(kernelID string, limit int) ([]models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ExecutionRecord(nil), m.records...), nil
}

func TestHistory_RecordsFinishedExecutions(t *testing.T) {
	mem := &memHistory{}
	h := NewHistory(mem, logging.Discard())

	req := models.ExecutionRequest{MsgID: "m1", Code: `error("x")`, SubmittedAt: time.Now()}
	h.Observe("k1", execqueue.Event{Kind: execqueue.EventDispatched, Request: req, ExecutionCount: 1})
	h.Observe("k1", execqueue.Event{
		Kind:           execqueue.EventFinished,
		Request:        req,
		ExecutionCount: 1,
		Result: &models.ExecutionResult{
			MsgID:          "m1",
			ExecutionCount: 1,
			Status:         models.ExecutionStatusError,
			Outputs:        []models.CellOutput{models.NewError("LuaError", "x", nil)},
		},
	})
	h.Observe("k1", execqueue.Event{
		Kind:    execqueue.EventFinished,
		Request: models.ExecutionRequest{MsgID: "m2", Code: "1"},
		Err:     &execqueue.ExecError{KernelID: "k1", MsgID: "m2", Err: execqueue.ErrKernelDied, Cause: errors.New("exit 1")},
	})
	h.Close()
	h.Close()

	require.Len(t, mem.records, 2, "dispatch events are not recorded")
	assert.Equal(t, "k1", mem.records[0].KernelID)
	assert.Equal(t, "error", mem.records[0].Status)
	assert.Equal(t, "LuaError: x", mem.records[0].Error)
	assert.Equal(t, 1, mem.records[0].ExecutionCount)
	assert.False(t, mem.records[0].FinishedAt.IsZero())

	assert.Equal(t, "error", mem.records[1].Status)
	assert.Contains(t, mem.records[1].Error, "kernel died")

	h.Observe("k1", execqueue.Event{Kind: execqueue.EventFinished, Request: req})
	assert.Len(t, mem.records, 2, "observe after close is ignored")
}
