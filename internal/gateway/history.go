package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/devtomas22/note/internal/execqueue"
	"github.com/devtomas22/note/internal/models"
)

// HistoryStore persists finished executions.
type HistoryStore interface {
	RecordExecution(rec models.ExecutionRecord) error
	ListExecutions(kernelID string, limit int) ([]models.ExecutionRecord, error)
}

const historyBuffer = 1024

// History writes execution records off the queue goroutines. Observe is
// safe to pass as supervisor.Config.OnExecution.
type History struct {
	store HistoryStore
	log   *slog.Logger

	records chan models.ExecutionRecord
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewHistory starts the writer goroutine.
func NewHistory(st HistoryStore, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	h := &History{
		store:   st,
		log:     logger,
		records: make(chan models.ExecutionRecord, historyBuffer),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

// Observe converts a finished-execution event into a record and queues it.
// Records are dropped with a warning when the writer falls behind.
func (h *History) Observe(kernelID string, ev execqueue.Event) {
	if ev.Kind != execqueue.EventFinished {
		return
	}
	rec := recordFromEvent(kernelID, ev)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.records <- rec:
	default:
		h.log.Warn("history buffer full, dropping record", "kernel_id", kernelID, "msg_id", rec.MsgID)
	}
}

// Close flushes pending records and stops the writer.
func (h *History) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return
	}
	h.closed = true
	close(h.records)
	h.mu.Unlock()
	<-h.done
}

func (h *History) run() {
	defer close(h.done)
	for rec := range h.records {
		if err := h.store.RecordExecution(rec); err != nil {
			h.log.Error("record execution", "kernel_id", rec.KernelID, "msg_id", rec.MsgID, "error", err)
		}
	}
}

func recordFromEvent(kernelID string, ev execqueue.Event) models.ExecutionRecord {
	rec := models.ExecutionRecord{
		MsgID:          ev.Request.MsgID,
		KernelID:       kernelID,
		Code:           ev.Request.Code,
		ExecutionCount: ev.ExecutionCount,
		SubmittedAt:    ev.Request.SubmittedAt,
		FinishedAt:     time.Now().UTC(),
	}
	if ev.Result != nil {
		rec.Status = string(ev.Result.Status)
		rec.Outputs = ev.Result.Outputs
		if ev.Result.ExecutionCount > 0 {
			rec.ExecutionCount = ev.Result.ExecutionCount
		}
		for _, out := range ev.Result.Outputs {
			if out.Type() == models.OutputTypeError {
				rec.Error = out.Text()
			}
		}
	}
	if ev.Err != nil {
		rec.Status = string(models.ExecutionStatusError)
		rec.Error = ev.Err.Error()
	}
	return rec
}
