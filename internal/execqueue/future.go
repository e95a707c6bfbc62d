package execqueue

import (
	"context"
	"sync"

	"github.com/devtomas22/note/internal/models"
	"github.com/devtomas22/note/internal/protocol"
)

// Future is the pending outcome of one submitted request.
type Future struct {
	q     *Queue
	req   models.ExecutionRequest
	msg   *protocol.Message
	count int

	cancelOnce sync.Once
	cancelled  chan struct{}

	resolveOnce sync.Once
	done        chan struct{}
	result      *models.ExecutionResult
	reply       *protocol.Message
	err         error
}

func (q *Queue) newFuture(req models.ExecutionRequest, msg *protocol.Message) *Future {
	return &Future{
		q:         q,
		req:       req,
		msg:       msg,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Failed returns a future already resolved with err. It is used when there
// is no queue to submit to, e.g. while a kernel is still being launched.
func Failed(req models.ExecutionRequest, err error) *Future {
	f := &Future{
		req:       req,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
	f.resolve(nil, nil, err)
	return f
}

// Request returns the submitted request.
func (f *Future) Request() models.ExecutionRequest { return f.req }

// MsgID returns the msg_id of the execute_request.
func (f *Future) MsgID() string { return f.req.MsgID }

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends. Leaving early through
// ctx does not cancel the request; call Cancel for that.
func (f *Future) Wait(ctx context.Context) (*models.ExecutionResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the resolved value. It is only meaningful after Done.
func (f *Future) Result() (*models.ExecutionResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		return nil, nil
	}
}

// Reply returns the kernel's execute_reply, or nil if none was received
// before the future resolved.
func (f *Future) Reply() *protocol.Message {
	select {
	case <-f.done:
		return f.reply
	default:
		return nil
	}
}

// Cancel withdraws the request. A queued request is removed without ever
// reaching the kernel. An in-flight request triggers an interrupt and
// resolves with ErrCancelled once the kernel replies or the grace period
// ends. Cancelling a resolved future does nothing.
func (f *Future) Cancel() {
	select {
	case <-f.done:
		return
	default:
	}
	f.cancelOnce.Do(func() { close(f.cancelled) })
	if f.q != nil {
		f.q.cancelQueued(f)
	}
}

func (f *Future) isCancelled() bool {
	select {
	case <-f.cancelled:
		return true
	default:
		return false
	}
}

func (f *Future) resolve(result *models.ExecutionResult, reply *protocol.Message, err error) {
	f.resolveOnce.Do(func() {
		f.result = result
		f.reply = reply
		f.err = err
		close(f.done)
		if f.q == nil {
			return
		}
		f.q.observe(Event{
			Kind:           EventFinished,
			Request:        f.req,
			ExecutionCount: f.count,
			Result:         result,
			Err:            err,
		})
	})
}
