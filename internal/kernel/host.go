package kernel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/devtomas22/note/internal/models"
	"github.com/devtomas22/note/internal/protocol"
	"github.com/google/uuid"
)

// workBacklog bounds execute requests accepted while one is running.
const workBacklog = 1024

// Host serves one interpreter over a frame stream.
type Host struct {
	interp  Interpreter
	in      *protocol.FrameReader
	out     *protocol.FrameWriter
	session string
	log     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	count   int
	stopped bool

	work chan *protocol.Message
}

// NewHost creates a host reading requests from in and writing to out.
func NewHost(in io.Reader, out io.Writer, interp Interpreter, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		interp:  interp,
		in:      protocol.NewFrameReader(in),
		out:     protocol.NewFrameWriter(out),
		session: uuid.New().String(),
		log:     logger,
		work:    make(chan *protocol.Message, workBacklog),
	}
}

// Serve runs the host until ctx ends, the input closes or a
// shutdown_request is handled.
func Serve(ctx context.Context, in io.Reader, out io.Writer, interp Interpreter) error {
	return NewHost(in, out, interp, nil).Serve(ctx)
}

// Serve processes requests. It returns nil after a shutdown_request or when
// the input reaches EOF.
func (h *Host) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.publish(nil, protocol.MsgStatus, protocol.Status{ExecutionState: protocol.StateStarting})

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		h.worker(ctx)
	}()

	readErr := make(chan error, 1)
	go func() { readErr <- h.readLoop() }()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-readErr:
	}

	h.Interrupt()
	cancel()
	<-workerDone
	return err
}

// Interrupt cancels the running execution, if any.
func (h *Host) Interrupt() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Host) readLoop() error {
	for {
		frame, err := h.in.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			h.log.Warn("ignoring malformed request", "error", err)
			continue
		}
		if done := h.handle(msg); done {
			return nil
		}
	}
}

// handle dispatches one request. It reports true once the host should stop.
func (h *Host) handle(msg *protocol.Message) bool {
	if msg.Channel == protocol.ChannelHeartbeat {
		if err := h.out.Write(msg); err != nil {
			h.log.Warn("failed to echo heartbeat", "error", err)
		}
		return false
	}

	channel := msg.Channel
	if channel == "" {
		channel = protocol.ChannelShell
	}

	switch msg.MsgType() {
	case protocol.MsgKernelInfoRequest:
		info := h.interp.Info()
		info.Status = protocol.StatusOK
		info.ProtocolVersion = protocol.Version
		h.reply(msg, channel, protocol.MsgKernelInfoReply, info)

	case protocol.MsgExecuteRequest:
		select {
		case h.work <- msg:
		default:
			h.reply(msg, protocol.ChannelShell, protocol.MsgExecuteReply, protocol.ExecuteReply{
				Status: protocol.StatusAborted,
			})
		}

	case protocol.MsgInterruptRequest:
		h.Interrupt()
		h.reply(msg, channel, protocol.MsgInterruptReply, protocol.InterruptReply{Status: protocol.StatusOK})

	case protocol.MsgShutdownRequest:
		var req protocol.ShutdownRequest
		_ = protocol.DecodeContent(msg, &req)
		h.Interrupt()
		h.reply(msg, channel, protocol.MsgShutdownReply, protocol.ShutdownReply{
			Status:  protocol.StatusOK,
			Restart: req.Restart,
		})
		return true

	default:
		h.log.Debug("ignoring unsupported request", "msg_type", msg.MsgType())
	}
	return false
}

func (h *Host) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.work:
			h.execute(ctx, msg)
		}
	}
}

func (h *Host) execute(parent context.Context, msg *protocol.Message) {
	var req protocol.ExecuteRequest
	if err := protocol.DecodeContent(msg, &req); err != nil {
		h.log.Warn("bad execute_request content", "error", err)
	}

	ctx, cancel := context.WithCancel(parent)
	h.mu.Lock()
	h.count++
	count := h.count
	h.cancel = cancel
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.cancel = nil
		h.mu.Unlock()
		cancel()
	}()

	h.publish(msg, protocol.MsgStatus, protocol.Status{ExecutionState: protocol.StateBusy})
	h.publish(msg, protocol.MsgExecuteInput, protocol.ExecuteInput{Code: req.Code, ExecutionCount: count})

	data, err := h.interp.Execute(ctx, req.Code, &publisher{host: h, parent: msg})
	if err != nil && ctx.Err() != nil && parent.Err() == nil {
		err = Interrupted()
	}

	if err != nil {
		var ee *ExecutionError
		if !errors.As(err, &ee) {
			ee = &ExecutionError{EName: "InternalError", EValue: err.Error()}
		}
		traceback := ee.Traceback
		if traceback == nil {
			traceback = []string{}
		}
		h.publish(msg, protocol.MsgError, protocol.Error{EName: ee.EName, EValue: ee.EValue, Traceback: traceback})
		h.reply(msg, protocol.ChannelShell, protocol.MsgExecuteReply, protocol.ExecuteReply{
			Status:         protocol.StatusError,
			ExecutionCount: count,
			EName:          ee.EName,
			EValue:         ee.EValue,
			Traceback:      traceback,
		})
	} else {
		if len(data) > 0 && !req.Silent {
			h.publish(msg, protocol.MsgExecuteResult, protocol.ExecuteResult{
				ExecutionCount: count,
				Data:           data,
				Metadata:       map[string]any{},
			})
		}
		h.reply(msg, protocol.ChannelShell, protocol.MsgExecuteReply, protocol.ExecuteReply{
			Status:         protocol.StatusOK,
			ExecutionCount: count,
		})
	}

	h.publish(msg, protocol.MsgStatus, protocol.Status{ExecutionState: protocol.StateIdle})
}

func (h *Host) publish(parent *protocol.Message, msgType string, content any) {
	h.send(parent, protocol.ChannelIOPub, msgType, content)
}

func (h *Host) reply(parent *protocol.Message, channel protocol.Channel, msgType string, content any) {
	h.send(parent, channel, msgType, content)
}

func (h *Host) send(parent *protocol.Message, channel protocol.Channel, msgType string, content any) {
	msg, err := protocol.NewReply(parent, channel, msgType, h.session, content)
	if err != nil {
		h.log.Error("failed to build message", "msg_type", msgType, "error", err)
		return
	}
	if err := h.out.Write(msg); err != nil {
		h.log.Warn("failed to write message", "msg_type", msgType, "error", err)
	}
}

type publisher struct {
	host   *Host
	parent *protocol.Message
}

func (p *publisher) Stream(name, text string) {
	p.host.publish(p.parent, protocol.MsgStream, protocol.Stream{Name: name, Text: text})
}

func (p *publisher) Display(data models.MimeBundle) {
	p.host.publish(p.parent, protocol.MsgDisplayData, protocol.DisplayData{Data: data, Metadata: map[string]any{}})
}
