// Package channels multiplexes the Jupyter channels of one kernel over its
// stdio frame stream.
//
// Outbound requests are written as frames stamped with their channel.
// Inbound frames are demultiplexed: shell and control replies go to the one
// waiter registered for their parent msg_id, iopub and stdin messages are
// broadcast to every subscriber in arrival order, and hb frames complete
// heartbeat pings.
package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/devtomas22/note/internal/metrics"
	"github.com/devtomas22/note/internal/protocol"
	"github.com/google/uuid"
)

var (
	// ErrClosed is returned once the mux has shut down.
	ErrClosed = errors.New("channel mux closed")
	// ErrHeartbeatTimeout is the close cause when a heartbeat echo is late.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// Default heartbeat settings.
const (
	DefaultHeartbeatInterval = 1 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
)

// Config configures a Mux.
type Config struct {
	// HeartbeatInterval is the delay between pings. Zero disables the
	// heartbeat.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long an echo may take before the kernel is
	// considered dead.
	HeartbeatTimeout time.Duration
	Logger           *slog.Logger
}

// DefaultConfig returns the default heartbeat configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
	}
}

// Handler receives broadcast messages. It runs on the read loop and must
// not block.
type Handler func(msg *protocol.Message)

// Mux routes messages for a single kernel connection.
type Mux struct {
	kernelID string
	session  string
	writer   *protocol.FrameWriter
	reader   *protocol.FrameReader
	cfg      Config
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *protocol.Message
	subs    map[uint64]Handler
	nextSub uint64
	pings   map[string]chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	err       error
	onClose   func(error)
}

// New creates a mux reading kernel frames from r and writing to w.
func New(kernelID string, r io.Reader, w io.Writer, cfg Config) *Mux {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.HeartbeatInterval > 0 && cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Mux{
		kernelID: kernelID,
		session:  uuid.New().String(),
		writer:   protocol.NewFrameWriter(w),
		reader:   protocol.NewFrameReader(r),
		cfg:      cfg,
		log:      log.With("kernel_id", kernelID),
		pending:  make(map[string]chan *protocol.Message),
		subs:     make(map[uint64]Handler),
		pings:    make(map[string]chan struct{}),
		done:     make(chan struct{}),
	}
}

// Session returns the session id the mux uses for its own requests.
func (m *Mux) Session() string { return m.session }

// Start launches the read loop and heartbeat. onClose is invoked once, with
// the close cause, when the mux shuts down for any reason.
func (m *Mux) Start(onClose func(error)) {
	m.onClose = onClose
	go m.readLoop()
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeatLoop()
	}
}

// Done is closed when the mux shuts down.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Err returns the close cause, or nil while the mux is running.
func (m *Mux) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Close shuts the mux down. Waiters observe Done and Err. Close is
// idempotent; only the first cause is kept.
func (m *Mux) Close(cause error) {
	first := false
	m.closeOnce.Do(func() {
		first = true
		if cause == nil {
			cause = ErrClosed
		}
		m.mu.Lock()
		m.err = cause
		m.pending = make(map[string]chan *protocol.Message)
		m.pings = make(map[string]chan struct{})
		m.mu.Unlock()
		close(m.done)
	})
	if first && m.onClose != nil {
		m.onClose(m.err)
	}
}

// Send writes msg to the kernel. Messages without a channel go to shell.
func (m *Mux) Send(msg *protocol.Message) error {
	select {
	case <-m.done:
		return fmt.Errorf("send %s: %w", msg.MsgType(), m.err)
	default:
	}
	if msg.Channel == "" {
		msg = msg.WithChannel(protocol.ChannelShell)
	}
	if err := m.writer.Write(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.MsgType(), err)
	}
	return nil
}

// Await registers interest in the reply whose parent is msgID. Register
// before sending the request. The returned func releases the slot.
func (m *Mux) Await(msgID string) (<-chan *protocol.Message, func()) {
	ch := make(chan *protocol.Message, 1)
	m.mu.Lock()
	m.pending[msgID] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		if m.pending[msgID] == ch {
			delete(m.pending, msgID)
		}
		m.mu.Unlock()
	}
}

// Call sends msg and waits for its reply.
func (m *Mux) Call(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	ch, release := m.Await(msg.MsgID())
	defer release()

	if err := m.Send(msg); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, m.err
	case reply := <-ch:
		return reply, nil
	}
}

// Subscribe registers h for iopub and stdin messages. The returned func
// removes the subscription.
func (m *Mux) Subscribe(h Handler) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = h
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Ping sends a heartbeat frame and waits for the echo.
func (m *Mux) Ping(ctx context.Context) error {
	msg, err := protocol.NewMessage(protocol.ChannelHeartbeat, protocol.MsgHeartbeat, m.session, nil)
	if err != nil {
		return err
	}
	ch := make(chan struct{})
	m.mu.Lock()
	m.pings[msg.MsgID()] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pings, msg.MsgID())
		m.mu.Unlock()
	}()

	if err := m.Send(msg); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return m.err
	case <-ch:
		return nil
	}
}

func (m *Mux) heartbeatLoop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatTimeout)
			err := m.Ping(ctx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				m.log.Warn("kernel missed heartbeat", "timeout", m.cfg.HeartbeatTimeout)
				m.Close(ErrHeartbeatTimeout)
				return
			}
			if err != nil {
				return
			}
		}
	}
}

func (m *Mux) readLoop() {
	for {
		frame, err := m.reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				m.Close(fmt.Errorf("kernel closed its output: %w", ErrClosed))
			} else {
				m.Close(fmt.Errorf("read kernel frame: %w", err))
			}
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			metrics.MalformedFrames.WithLabelValues("kernel").Inc()
			m.log.Warn("dropping malformed kernel frame", "error", err)
			continue
		}
		m.dispatch(msg)
	}
}

func (m *Mux) dispatch(msg *protocol.Message) {
	channel := msg.Channel
	if channel == "" {
		channel = protocol.ChannelIOPub
		if protocol.IsReply(msg.MsgType()) {
			channel = protocol.ChannelShell
		}
	}

	switch channel {
	case protocol.ChannelHeartbeat:
		m.mu.Lock()
		ch, ok := m.pings[msg.MsgID()]
		if ok {
			delete(m.pings, msg.MsgID())
		}
		m.mu.Unlock()
		if ok {
			close(ch)
		}

	case protocol.ChannelShell, protocol.ChannelControl:
		parent := msg.ParentID()
		m.mu.Lock()
		ch, ok := m.pending[parent]
		if ok {
			delete(m.pending, parent)
		}
		m.mu.Unlock()
		if !ok {
			m.log.Debug("dropping unmatched reply", "msg_type", msg.MsgType(), "parent_msg_id", parent)
			return
		}
		ch <- msg

	default:
		m.mu.Lock()
		handlers := make([]Handler, 0, len(m.subs))
		ids := make([]uint64, 0, len(m.subs))
		for id := range m.subs {
			ids = append(ids, id)
		}
		// Registration order keeps delivery order stable.
		slices.Sort(ids)
		for _, id := range ids {
			handlers = append(handlers, m.subs[id])
		}
		m.mu.Unlock()

		for _, h := range handlers {
			h(msg)
		}
	}
}
