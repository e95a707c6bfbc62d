// Package execqueue serializes execute requests for one kernel.
//
// A Queue holds at most one execute_request in flight. The next request is
// dispatched only after the previous one saw both its execute_reply and the
// iopub status idle carrying its msg_id as parent, or failed. Requests are
// dispatched in the order Submit returned.
package execqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/devtomas22/note/internal/channels"
	"github.com/devtomas22/note/internal/metrics"
	"github.com/devtomas22/note/internal/models"
	"github.com/devtomas22/note/internal/protocol"
)

// DefaultCancelGrace bounds how long a cancelled in-flight request waits for
// the kernel's reply after the interrupt.
const DefaultCancelGrace = 5 * time.Second

// Transport is the kernel connection a Queue dispatches to.
type Transport interface {
	Send(msg *protocol.Message) error
	Await(msgID string) (<-chan *protocol.Message, func())
	Subscribe(h channels.Handler) func()
}

// EventKind distinguishes observer events.
type EventKind int

const (
	// EventDispatched fires when a request is written to the kernel.
	EventDispatched EventKind = iota
	// EventFinished fires exactly once per request when its future resolves.
	EventFinished
)

// Event is reported to the Observer.
type Event struct {
	Kind           EventKind
	Request        models.ExecutionRequest
	ExecutionCount int
	Result         *models.ExecutionResult
	Err            error
	Depth          int
}

// Observer receives queue events. It must not block.
type Observer func(Event)

// Options configures a Queue.
type Options struct {
	KernelID string
	// Session is used for requests submitted without one.
	Session string
	// Timeout fails an in-flight request after this long. Zero disables it.
	Timeout time.Duration
	// CancelGrace defaults to DefaultCancelGrace.
	CancelGrace time.Duration
	// Interrupt is invoked, best effort, when an in-flight request is
	// cancelled or times out.
	Interrupt func(ctx context.Context) error
	Observer  Observer
	Logger    *slog.Logger
}

// Queue is the per-kernel execution queue.
type Queue struct {
	opts Options
	t    Transport
	log  *slog.Logger

	mu       sync.Mutex
	pending  []*Future
	inflight *Future
	count    int
	failed   error

	wake chan struct{}
	stop chan struct{}
}

// New creates a queue and starts its worker.
func New(t Transport, opts Options) *Queue {
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		opts: opts,
		t:    t,
		log:  log.With("kernel_id", opts.KernelID),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit enqueues req. A missing MsgID or SessionID is filled in.
func (q *Queue) Submit(req models.ExecutionRequest) *Future {
	session := req.SessionID
	if session == "" {
		session = q.opts.Session
	}
	msg, err := protocol.NewMessage(protocol.ChannelShell, protocol.MsgExecuteRequest, session, protocol.ExecuteRequest{
		Code:         req.Code,
		StoreHistory: true,
		AllowStdin:   false,
	})
	if err != nil {
		f := q.newFuture(req, nil)
		f.resolve(nil, nil, err)
		return f
	}
	if req.MsgID != "" {
		msg.Header.MsgID = req.MsgID
	}
	return q.SubmitMessage(msg)
}

// SubmitMessage enqueues an execute_request built by a client. The
// message's msg_id identifies the request.
func (q *Queue) SubmitMessage(msg *protocol.Message) *Future {
	var content protocol.ExecuteRequest
	_ = protocol.DecodeContent(msg, &content)

	req := models.ExecutionRequest{
		MsgID:       msg.MsgID(),
		KernelID:    q.opts.KernelID,
		SessionID:   msg.SessionID(),
		Code:        content.Code,
		SubmittedAt: time.Now().UTC(),
	}
	f := q.newFuture(req, msg.WithChannel(protocol.ChannelShell))

	q.mu.Lock()
	if q.failed != nil {
		cause := q.failed
		q.mu.Unlock()
		f.resolve(nil, nil, q.execErr(f, ErrKernelDied, cause))
		return f
	}
	q.pending = append(q.pending, f)
	depth := q.depthLocked()
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(q.opts.KernelID).Set(float64(depth))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return f
}

// Fail resolves every queued and in-flight request with ErrKernelDied and
// rejects later submissions. Only the first call has an effect.
func (q *Queue) Fail(cause error) {
	q.mu.Lock()
	if q.failed != nil {
		q.mu.Unlock()
		return
	}
	victims := q.failLocked(cause)
	q.mu.Unlock()
	q.finish(victims)
}

// FailIfIdle fails the queue only when nothing is queued or in flight. It
// reports whether the queue is failed on return.
func (q *Queue) FailIfIdle(cause error) bool {
	q.mu.Lock()
	if q.failed != nil {
		q.mu.Unlock()
		return true
	}
	if q.depthLocked() > 0 {
		q.mu.Unlock()
		return false
	}
	victims := q.failLocked(cause)
	q.mu.Unlock()
	q.finish(victims)
	return true
}

func (q *Queue) failLocked(cause error) []*Future {
	if cause == nil {
		cause = ErrKernelDied
	}
	q.failed = cause
	victims := q.pending
	q.pending = nil
	if q.inflight != nil {
		victims = append([]*Future{q.inflight}, victims...)
		q.inflight = nil
	}
	return victims
}

func (q *Queue) finish(victims []*Future) {
	close(q.stop)
	cause := q.Err()
	for _, f := range victims {
		f.resolve(nil, nil, q.execErr(f, ErrKernelDied, cause))
	}
	metrics.QueueDepth.DeleteLabelValues(q.opts.KernelID)
}

// Err returns the failure cause, or nil while the queue accepts work.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed
}

// Len returns the number of queued plus in-flight requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() int {
	n := len(q.pending)
	if q.inflight != nil {
		n++
	}
	return n
}

func (q *Queue) run() {
	for {
		f := q.next()
		if f == nil {
			return
		}
		q.execute(f)

		q.mu.Lock()
		if q.inflight == f {
			q.inflight = nil
		}
		depth := q.depthLocked()
		failed := q.failed != nil
		q.mu.Unlock()
		if !failed {
			metrics.QueueDepth.WithLabelValues(q.opts.KernelID).Set(float64(depth))
		}
	}
}

// next blocks until a request can be dispatched and claims the in-flight
// slot for it. It returns nil once the queue has failed.
func (q *Queue) next() *Future {
	for {
		q.mu.Lock()
		if q.failed != nil {
			q.mu.Unlock()
			return nil
		}
		if len(q.pending) > 0 {
			f := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			if f.isCancelled() {
				// Cancel raced the dequeue; the request never reaches the kernel.
				q.mu.Unlock()
				f.resolve(nil, nil, q.execErr(f, ErrCancelled, nil))
				continue
			}
			q.count++
			f.count = q.count
			q.inflight = f
			q.mu.Unlock()
			return f
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.stop:
			return nil
		}
	}
}

func (q *Queue) execute(f *Future) {
	msgID := f.msg.MsgID()

	replyCh, release := q.t.Await(msgID)
	defer release()

	var (
		outMu   sync.Mutex
		outputs []models.CellOutput
	)
	idleCh := make(chan struct{})
	var idleOnce sync.Once
	unsubscribe := q.t.Subscribe(func(m *protocol.Message) {
		if m.ParentID() != msgID {
			return
		}
		if m.MsgType() == protocol.MsgStatus {
			var st protocol.Status
			if protocol.DecodeContent(m, &st) == nil && st.ExecutionState == protocol.StateIdle {
				idleOnce.Do(func() { close(idleCh) })
			}
			return
		}
		if out, ok := protocol.OutputFromMessage(m); ok {
			outMu.Lock()
			outputs = append(outputs, out)
			outMu.Unlock()
		}
	})
	defer unsubscribe()

	started := time.Now()
	q.observe(Event{Kind: EventDispatched, Request: f.req, ExecutionCount: f.count, Depth: q.Len()})

	if err := q.t.Send(f.msg); err != nil {
		f.resolve(nil, nil, q.execErr(f, ErrKernelDied, err))
		return
	}

	var timeoutC <-chan time.Time
	if q.opts.Timeout > 0 {
		timer := time.NewTimer(q.opts.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var (
		reply     *protocol.Message
		idle      = idleCh
		replies   = replyCh
		cancelC   = f.cancelled
		graceC    <-chan time.Time
		cancelled bool
	)
	for reply == nil || idle != nil {
		select {
		case r := <-replies:
			reply, replies = r, nil
			if cancelled {
				f.resolve(nil, reply, q.execErr(f, ErrCancelled, nil))
				return
			}
		case <-idle:
			idle = nil
		case <-timeoutC:
			q.interrupt()
			f.resolve(nil, reply, q.execErr(f, ErrExecutionTimeout, nil))
			return
		case <-cancelC:
			cancelC = nil
			cancelled = true
			q.interrupt()
			grace := time.NewTimer(q.opts.CancelGrace)
			defer grace.Stop()
			graceC = grace.C
		case <-graceC:
			f.resolve(nil, reply, q.execErr(f, ErrCancelled, nil))
			return
		case <-q.stop:
			f.resolve(nil, nil, q.execErr(f, ErrKernelDied, q.Err()))
			return
		}
	}

	if cancelled {
		f.resolve(nil, reply, q.execErr(f, ErrCancelled, nil))
		return
	}

	var content protocol.ExecuteReply
	_ = protocol.DecodeContent(reply, &content)

	outMu.Lock()
	result := &models.ExecutionResult{
		MsgID:          msgID,
		ExecutionCount: f.count,
		Outputs:        append([]models.CellOutput(nil), outputs...),
		Status:         replyStatus(content.Status),
		ExecutionTime:  time.Since(started),
	}
	outMu.Unlock()
	f.resolve(result, reply, nil)
}

func (q *Queue) interrupt() {
	if q.opts.Interrupt == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), q.opts.CancelGrace)
		defer cancel()
		if err := q.opts.Interrupt(ctx); err != nil {
			q.log.Warn("interrupt failed", "error", err)
		}
	}()
}

func (q *Queue) cancelQueued(f *Future) bool {
	q.mu.Lock()
	for i, p := range q.pending {
		if p == f {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.mu.Unlock()
			f.resolve(nil, nil, q.execErr(f, ErrCancelled, nil))
			return true
		}
	}
	q.mu.Unlock()
	return false
}

func (q *Queue) observe(ev Event) {
	if q.opts.Observer != nil {
		q.opts.Observer(ev)
	}
}

func (q *Queue) execErr(f *Future, sentinel, cause error) error {
	return &ExecError{
		KernelID: q.opts.KernelID,
		MsgID:    f.req.MsgID,
		Err:      sentinel,
		Cause:    cause,
	}
}

func replyStatus(s string) models.ExecutionStatus {
	switch s {
	case protocol.StatusOK:
		return models.ExecutionStatusOK
	case protocol.StatusAborted:
		return models.ExecutionStatusAborted
	default:
		return models.ExecutionStatusError
	}
}
