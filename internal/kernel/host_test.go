package kernel_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/devtomas22/note/internal/kernel"
	"github.com/devtomas22/note/internal/kernel/luart"
	"github.com/devtomas22/note/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type client struct {
	t        *testing.T
	w        *protocol.FrameWriter
	incoming chan *protocol.Message
	served   chan error
	closeIn  func()
}

func startHost(t *testing.T) *client {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	c := &client{
		t:        t,
		w:        protocol.NewFrameWriter(inW),
		incoming: make(chan *protocol.Message, 128),
		served:   make(chan error, 1),
		closeIn:  func() { inW.Close() },
	}

	interp := luart.New()
	go func() {
		c.served <- kernel.Serve(context.Background(), inR, outW, interp)
		outW.Close()
	}()
	go func() {
		fr := protocol.NewFrameReader(outR)
		for {
			frame, err := fr.Next()
			if err != nil {
				close(c.incoming)
				return
			}
			msg, err := protocol.Decode(frame)
			if err != nil {
				continue
			}
			c.incoming <- msg
		}
	}()

	t.Cleanup(func() {
		c.closeIn()
		interp.Close()
	})

	first := c.recv()
	require.Equal(t, protocol.MsgStatus, first.MsgType())
	var st protocol.Status
	require.NoError(t, protocol.DecodeContent(first, &st))
	require.Equal(t, protocol.StateStarting, st.ExecutionState)
	return c
}

func (c *client) send(channel protocol.Channel, msgType string, content any) *protocol.Message {
	c.t.Helper()
	msg, err := protocol.NewMessage(channel, msgType, "client", content)
	require.NoError(c.t, err)
	require.NoError(c.t, c.w.Write(msg))
	return msg
}

func (c *client) recv() *protocol.Message {
	c.t.Helper()
	select {
	case msg, ok := <-c.incoming:
		require.True(c.t, ok, "kernel output closed")
		return msg
	case <-time.After(3 * time.Second):
		c.t.Fatal("timed out waiting for kernel message")
		return nil
	}
}

// collect reads messages until the iopub idle status for parent.
func (c *client) collect(parent *protocol.Message) []*protocol.Message {
	c.t.Helper()
	var msgs []*protocol.Message
	for {
		msg := c.recv()
		msgs = append(msgs, msg)
		if msg.ParentID() != parent.MsgID() || msg.MsgType() != protocol.MsgStatus {
			continue
		}
		var st protocol.Status
		require.NoError(c.t, protocol.DecodeContent(msg, &st))
		if st.ExecutionState == protocol.StateIdle {
			return msgs
		}
	}
}

func types(msgs []*protocol.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.MsgType()
	}
	return out
}

func TestHost_KernelInfo(t *testing.T) {
	c := startHost(t)

	req := c.send(protocol.ChannelShell, protocol.MsgKernelInfoRequest, nil)
	reply := c.recv()
	assert.Equal(t, protocol.MsgKernelInfoReply, reply.MsgType())
	assert.Equal(t, protocol.ChannelShell, reply.Channel)
	assert.Equal(t, req.MsgID(), reply.ParentID())

	var info protocol.KernelInfoReply
	require.NoError(t, protocol.DecodeContent(reply, &info))
	assert.Equal(t, protocol.StatusOK, info.Status)
	assert.Equal(t, protocol.Version, info.ProtocolVersion)
	assert.Equal(t, "lua", info.LanguageInfo.Name)
}

func TestHost_ExecuteExpression(t *testing.T) {
	c := startHost(t)

	req := c.send(protocol.ChannelShell, protocol.MsgExecuteRequest, protocol.ExecuteRequest{Code: "2+2"})
	msgs := c.collect(req)
	assert.Equal(t, []string{
		protocol.MsgStatus,
		protocol.MsgExecuteInput,
		protocol.MsgExecuteResult,
		protocol.MsgExecuteReply,
		protocol.MsgStatus,
	}, types(msgs))

	for _, m := range msgs {
		assert.Equal(t, req.MsgID(), m.ParentID())
	}

	var result protocol.ExecuteResult
	require.NoError(t, protocol.DecodeContent(msgs[2], &result))
	assert.Equal(t, 1, result.ExecutionCount)
	assert.Equal(t, "4", result.Data["text/plain"])

	var reply protocol.ExecuteReply
	require.NoError(t, protocol.DecodeContent(msgs[3], &reply))
	assert.Equal(t, protocol.StatusOK, reply.Status)
	assert.Equal(t, protocol.ChannelShell, msgs[3].Channel)
}

func TestHost_ExecutePrintAndError(t *testing.T) {
	c := startHost(t)

	req := c.send(protocol.ChannelShell, protocol.MsgExecuteRequest, protocol.ExecuteRequest{Code: "print('hi')"})
	msgs := c.collect(req)
	require.Contains(t, types(msgs), protocol.MsgStream)
	assert.NotContains(t, types(msgs), protocol.MsgExecuteResult)

	for _, m := range msgs {
		if m.MsgType() == protocol.MsgStream {
			var s protocol.Stream
			require.NoError(t, protocol.DecodeContent(m, &s))
			assert.Equal(t, "stdout", s.Name)
			assert.Equal(t, "hi\n", s.Text)
		}
	}

	req = c.send(protocol.ChannelShell, protocol.MsgExecuteRequest, protocol.ExecuteRequest{Code: "error('bad')"})
	msgs = c.collect(req)
	assert.Equal(t, []string{
		protocol.MsgStatus,
		protocol.MsgExecuteInput,
		protocol.MsgError,
		protocol.MsgExecuteReply,
		protocol.MsgStatus,
	}, types(msgs))

	var reply protocol.ExecuteReply
	require.NoError(t, protocol.DecodeContent(msgs[3], &reply))
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, "LuaError", reply.EName)
	assert.Equal(t, 2, reply.ExecutionCount)
}

func TestHost_InterruptRequest(t *testing.T) {
	c := startHost(t)

	req := c.send(protocol.ChannelShell, protocol.MsgExecuteRequest, protocol.ExecuteRequest{Code: "while true do end"})

	// Wait until the loop is running.
	for {
		msg := c.recv()
		if msg.MsgType() == protocol.MsgExecuteInput {
			break
		}
	}

	intr := c.send(protocol.ChannelControl, protocol.MsgInterruptRequest, nil)

	var (
		sawInterruptReply bool
		sawIdle           bool
		reply             protocol.ExecuteReply
	)
	// The interrupt_reply and the execution's final messages race.
	for !sawInterruptReply || !sawIdle {
		m := c.recv()
		switch m.MsgType() {
		case protocol.MsgInterruptReply:
			sawInterruptReply = true
			assert.Equal(t, intr.MsgID(), m.ParentID())
			assert.Equal(t, protocol.ChannelControl, m.Channel)
		case protocol.MsgExecuteReply:
			require.NoError(t, protocol.DecodeContent(m, &reply))
		case protocol.MsgStatus:
			var st protocol.Status
			require.NoError(t, protocol.DecodeContent(m, &st))
			if m.ParentID() == req.MsgID() && st.ExecutionState == protocol.StateIdle {
				sawIdle = true
			}
		}
	}
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, "KeyboardInterrupt", reply.EName)
}

func TestHost_HeartbeatEcho(t *testing.T) {
	c := startHost(t)

	ping := c.send(protocol.ChannelHeartbeat, protocol.MsgHeartbeat, nil)
	echo := c.recv()
	assert.Equal(t, protocol.ChannelHeartbeat, echo.Channel)
	assert.Equal(t, ping.MsgID(), echo.MsgID())
}

func TestHost_ShutdownStopsServing(t *testing.T) {
	c := startHost(t)

	req := c.send(protocol.ChannelControl, protocol.MsgShutdownRequest, protocol.ShutdownRequest{})
	reply := c.recv()
	assert.Equal(t, protocol.MsgShutdownReply, reply.MsgType())
	assert.Equal(t, req.MsgID(), reply.ParentID())

	select {
	case err := <-c.served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("host did not stop after shutdown_request")
	}
}

func TestHost_EOFStopsServing(t *testing.T) {
	c := startHost(t)
	c.closeIn()

	select {
	case err := <-c.served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("host did not stop at end of input")
	}
}
