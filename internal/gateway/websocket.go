package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/devtomas22/note/internal/execqueue"
	"github.com/devtomas22/note/internal/metrics"
	"github.com/devtomas22/note/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 16 << 20
	sendBuffer     = 1024
	callTimeout    = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// malformedMessage is sent for frames that cannot be decoded.
type malformedMessage struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

var errSlowConsumer = errors.New("client is not reading fast enough")

// session bridges one WebSocket connection to one kernel.
type session struct {
	service   *Service
	kernelID  string
	sessionID string
	log       *slog.Logger

	conn *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelCauseFunc

	inflight sync.WaitGroup
}

func (s *Server) channels(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.service.GetKernel(id); err != nil {
		s.writeError(c, err)
		return
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	sess := &session{
		service:   s.service,
		kernelID:  id,
		sessionID: c.Query("session_id"),
		log:       s.log.With("kernel_id", id),
		send:      make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	if !s.track(sess) {
		cancel(errShuttingDown)
		s.writeError(c, errShuttingDown)
		return
	}
	defer s.untrack(sess)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already replied.
		sess.log.Warn("websocket upgrade failed", "error", err)
		cancel(err)
		return
	}
	sess.conn = conn
	sess.run()
}

// close ends the session; run returns shortly after.
func (ss *session) close() {
	ss.cancel(errShuttingDown)
}

func (ss *session) run() {
	defer ss.cancel(nil)
	kernels := ss.service.kernels

	if err := kernels.Connect(ss.kernelID); err != nil {
		ss.conn.Close()
		return
	}
	defer kernels.Disconnect(ss.kernelID)

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	unsubscribe, err := kernels.Subscribe(ss.kernelID, ss.forward)
	if err != nil {
		ss.conn.Close()
		return
	}
	defer unsubscribe()

	ss.log.Debug("websocket connected", "session_id", ss.sessionID)

	g, gctx := errgroup.WithContext(ss.ctx)
	g.Go(func() error { return ss.readPump() })
	g.Go(func() error { return ss.writePump(gctx) })
	err = g.Wait()
	ss.cancel(err)
	ss.inflight.Wait()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		ss.log.Debug("websocket closed", "error", err)
	}
}

// readPump returns a non-nil error whenever the connection ends, so the
// group context is always cancelled.
func (ss *session) readPump() error {
	ss.conn.SetReadLimit(maxMessageSize)
	_ = ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	ss.conn.SetPongHandler(func(string) error {
		return ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := ss.conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage {
			ss.rejectFrame("binary frames are not supported")
			continue
		}
		ss.handle(data)
	}
}

func (ss *session) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ss.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = ss.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return context.Cause(ctx)
		case data := <-ss.send:
			_ = ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ss.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := ss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

// enqueue never blocks. A client whose buffer is full is disconnected.
func (ss *session) enqueue(data []byte) {
	if ss.ctx.Err() != nil {
		return
	}
	select {
	case ss.send <- data:
	default:
		ss.log.Warn("dropping slow websocket client")
		ss.cancel(errSlowConsumer)
	}
}

func (ss *session) sendMessage(msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		ss.log.Error("encode message", "msg_type", msg.MsgType(), "error", err)
		return
	}
	ss.enqueue(data)
}

func (ss *session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ss.log.Error("encode frame", "error", err)
		return
	}
	ss.enqueue(data)
}

// forward receives every iopub and stdin message of the kernel.
func (ss *session) forward(msg *protocol.Message) {
	ss.sendMessage(msg)
}

func (ss *session) rejectFrame(detail string) {
	metrics.MalformedFrames.WithLabelValues("client").Inc()
	ss.sendJSON(malformedMessage{Error: "malformed_message", Detail: detail})
}

func (ss *session) handle(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		ss.rejectFrame(err.Error())
		return
	}

	switch msg.Channel {
	case protocol.ChannelStdin:
		if err := ss.service.kernels.Send(ss.kernelID, msg); err != nil {
			ss.log.Debug("forward stdin", "msg_type", msg.MsgType(), "error", err)
		}
	case protocol.ChannelHeartbeat:
		ss.sendMessage(msg)
	case protocol.ChannelIOPub:
		ss.rejectFrame("iopub is kernel-to-client only")
	default:
		ss.request(msg)
	}
}

func (ss *session) request(msg *protocol.Message) {
	switch msg.MsgType() {
	case protocol.MsgExecuteRequest:
		ss.execute(msg.WithChannel(protocol.ChannelShell))
	case protocol.MsgInterruptRequest:
		ss.async(func() { ss.interrupt(msg) })
	case protocol.MsgShutdownRequest:
		ss.async(func() { ss.shutdown(msg) })
	default:
		if msg.Channel == "" {
			msg = msg.WithChannel(protocol.ChannelShell)
		}
		ss.async(func() { ss.relay(msg) })
	}
}

func (ss *session) async(fn func()) {
	ss.inflight.Add(1)
	go func() {
		defer ss.inflight.Done()
		fn()
	}()
}

func (ss *session) execute(msg *protocol.Message) {
	fut, err := ss.service.kernels.SubmitMessage(ss.kernelID, msg)
	if err != nil {
		ss.reply(msg, protocol.MsgExecuteReply, syntheticExecuteReply(err))
		return
	}
	ss.async(func() {
		select {
		case <-fut.Done():
		case <-ss.ctx.Done():
			return
		}
		if _, err := fut.Result(); err != nil {
			ss.reply(msg, protocol.MsgExecuteReply, syntheticExecuteReply(err))
			return
		}
		if reply := fut.Reply(); reply != nil {
			ss.sendMessage(reply)
		}
	})
}

// syntheticExecuteReply stands in for the reply a kernel never sent.
func syntheticExecuteReply(err error) protocol.ExecuteReply {
	_, kind := classify(err)
	status := "error"
	if errors.Is(err, execqueue.ErrCancelled) {
		status = "aborted"
	}
	return protocol.ExecuteReply{
		Status:    status,
		EName:     kind,
		EValue:    err.Error(),
		Traceback: []string{},
	}
}

func (ss *session) interrupt(msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(ss.ctx, callTimeout)
	defer cancel()
	status := "ok"
	if err := ss.service.InterruptKernel(ctx, ss.kernelID); err != nil {
		ss.log.Debug("interrupt", "error", err)
		status = "error"
	}
	ss.reply(msg.WithChannel(protocol.ChannelControl), protocol.MsgInterruptReply, protocol.InterruptReply{Status: status})
}

// shutdown goes through the supervisor so the kernel's death is expected.
func (ss *session) shutdown(msg *protocol.Message) {
	var req protocol.ShutdownRequest
	_ = protocol.DecodeContent(msg, &req)

	ctx, cancel := context.WithTimeout(ss.ctx, callTimeout)
	defer cancel()
	var err error
	if req.Restart {
		_, err = ss.service.RestartKernel(ctx, ss.kernelID)
	} else {
		err = ss.service.ShutdownKernel(ctx, ss.kernelID)
	}
	status := "ok"
	if err != nil {
		ss.log.Debug("shutdown", "restart", req.Restart, "error", err)
		status = "error"
	}
	ss.reply(msg.WithChannel(protocol.ChannelControl), protocol.MsgShutdownReply, protocol.ShutdownReply{Status: status, Restart: req.Restart})
}

func (ss *session) relay(msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(ss.ctx, callTimeout)
	defer cancel()
	reply, err := ss.service.kernels.Call(ctx, ss.kernelID, msg)
	if err != nil {
		ss.log.Debug("relay request", "msg_type", msg.MsgType(), "error", err)
		return
	}
	ss.sendMessage(reply)
}

// reply sends a gateway-built reply to req on req's channel.
func (ss *session) reply(req *protocol.Message, msgType string, content any) {
	session := req.SessionID()
	if session == "" {
		session = ss.sessionID
	}
	channel := req.Channel
	if channel == "" {
		channel = protocol.ChannelShell
	}
	msg, err := protocol.NewReply(req, channel, msgType, session, content)
	if err != nil {
		ss.log.Error("build reply", "msg_type", msgType, "error", err)
		return
	}
	ss.sendMessage(msg)
}
