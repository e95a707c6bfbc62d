package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtomas22/note/internal/models"
	"github.com/devtomas22/note/internal/protocol"
)

func (e *testEnv) dial(t *testing.T, kernelID string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/api/kernels/" + kernelID + "/channels?session_id=client-1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, channel protocol.Channel, msgType string, content any) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(channel, msgType, "client-1", content)
	require.NoError(t, err)
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	return msg
}

// readUntil reads messages until match returns true and returns everything
// read, including the match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*protocol.Message) bool) []*protocol.Message {
	t.Helper()
	var seen []*protocol.Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		seen = append(seen, msg)
		if match(msg) {
			return seen
		}
	}
}

func replyTo(req *protocol.Message, msgType string) func(*protocol.Message) bool {
	return func(m *protocol.Message) bool {
		return m.MsgType() == msgType && m.ParentID() == req.MsgID()
	}
}

func TestChannels_Execute(t *testing.T) {
	env := newTestEnv(t, "")
	info := env.startKernel(t)
	conn := env.dial(t, info.ID, nil)

	req := send(t, conn, protocol.ChannelShell, protocol.MsgExecuteRequest, protocol.ExecuteRequest{Code: `print("hi")`})
	seen := readUntil(t, conn, replyTo(req, protocol.MsgExecuteReply))

	var iopub []string
	var stream protocol.Stream
	for _, m := range seen {
		if m.Channel == protocol.ChannelIOPub && m.ParentID() == req.MsgID() {
			iopub = append(iopub, m.MsgType())
			if m.MsgType() == protocol.MsgStream {
				require.NoError(t, protocol.DecodeContent(m, &stream))
			}
		}
	}
	assert.Equal(t, []string{
		protocol.MsgStatus, protocol.MsgExecuteInput, protocol.MsgStream, protocol.MsgStatus,
	}, iopub)
	assert.Equal(t, "hi\n", stream.Text)

	var reply protocol.ExecuteReply
	require.NoError(t, protocol.DecodeContent(seen[len(seen)-1], &reply))
	assert.Equal(t, "ok", reply.Status)
	assert.Equal(t, 1, reply.ExecutionCount)
}

func TestChannels_BroadcastsIOPub(t *testing.T) {
	env := newTestEnv(t, "")
	info := env.startKernel(t)
	first := env.dial(t, info.ID, nil)
	second := env.dial(t, info.ID, nil)

	require.Eventually(t, func() bool {
		got, err := env.svc.GetKernel(info.ID)
		return err == nil && got.Connections == 2
	}, 5*time.Second, 10*time.Millisecond)

	req := send(t, first, protocol.ChannelShell, protocol.MsgExecuteRequest, protocol.ExecuteRequest{Code: `print("both")`})
	readUntil(t, first, replyTo(req, protocol.MsgExecuteReply))
	readUntil(t, second, func(m *protocol.Message) bool {
		return m.MsgType() == protocol.MsgStream && m.ParentID() == req.MsgID()
	})

	second.Close()
	require.Eventually(t, func() bool {
		got, err := env.svc.GetKernel(info.ID)
		return err == nil && got.Connections == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestChannels_MalformedFrame(t *testing.T) {
	env := newTestEnv(t, "")
	info := env.startKernel(t)
	conn := env.dial(t, info.ID, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var body malformedMessage
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "malformed_message", body.Error)

	// The connection stays usable.
	req := send(t, conn, protocol.ChannelShell, protocol.MsgKernelInfoRequest, map[string]any{})
	readUntil(t, conn, replyTo(req, protocol.MsgKernelInfoReply))
}

func TestChannels_RelaysRequests(t *testing.T) {
	env := newTestEnv(t, "")
	info := env.startKernel(t)
	conn := env.dial(t, info.ID, nil)

	req := send(t, conn, protocol.ChannelShell, protocol.MsgKernelInfoRequest, map[string]any{})
	seen := readUntil(t, conn, replyTo(req, protocol.MsgKernelInfoReply))
	var reply protocol.KernelInfoReply
	require.NoError(t, protocol.DecodeContent(seen[len(seen)-1], &reply))
	assert.Equal(t, "lua", reply.LanguageInfo.Name)

	irq := send(t, conn, protocol.ChannelControl, protocol.MsgInterruptRequest, map[string]any{})
	seen = readUntil(t, conn, replyTo(irq, protocol.MsgInterruptReply))
	var ir protocol.InterruptReply
	require.NoError(t, protocol.DecodeContent(seen[len(seen)-1], &ir))
	assert.Equal(t, "ok", ir.Status)
	assert.Equal(t, protocol.ChannelControl, seen[len(seen)-1].Channel)
}

func TestChannels_ExecuteOnDeadKernel(t *testing.T) {
	env := newTestEnv(t, "")
	info := env.startKernel(t)
	conn := env.dial(t, info.ID, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.svc.ShutdownKernel(ctx, info.ID))

	req := send(t, conn, protocol.ChannelShell, protocol.MsgExecuteRequest, protocol.ExecuteRequest{Code: "1"})
	seen := readUntil(t, conn, replyTo(req, protocol.MsgExecuteReply))

	var reply protocol.ExecuteReply
	require.NoError(t, protocol.DecodeContent(seen[len(seen)-1], &reply))
	assert.Equal(t, "error", reply.Status)
	assert.Equal(t, "kernel_died", reply.EName)
}

func TestChannels_ShutdownRequest(t *testing.T) {
	env := newTestEnv(t, "")
	info := env.startKernel(t)
	conn := env.dial(t, info.ID, nil)

	req := send(t, conn, protocol.ChannelControl, protocol.MsgShutdownRequest, protocol.ShutdownRequest{Restart: true})
	seen := readUntil(t, conn, replyTo(req, protocol.MsgShutdownReply))
	var reply protocol.ShutdownReply
	require.NoError(t, protocol.DecodeContent(seen[len(seen)-1], &reply))
	assert.Equal(t, "ok", reply.Status)
	assert.True(t, reply.Restart)

	got, err := env.svc.GetKernel(info.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KernelStatusIdle, got.Status)

	// Subscriptions survive the restart.
	exec := send(t, conn, protocol.ChannelShell, protocol.MsgExecuteRequest, protocol.ExecuteRequest{Code: `print("again")`})
	readUntil(t, conn, func(m *protocol.Message) bool {
		return m.MsgType() == protocol.MsgStream && m.ParentID() == exec.MsgID()
	})
}

func TestChannels_RequiresToken(t *testing.T) {
	env := newTestEnv(t, "secret")
	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/kernels", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var info models.KernelInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/kernels/" + info.ID + "/channels"
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=secret", nil)
	require.NoError(t, err)
	conn.Close()
}

func TestServerShutdown_ClosesSessions(t *testing.T) {
	env := newTestEnv(t, "")
	info := env.startKernel(t)
	conn := env.dial(t, info.ID, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err)
			break
		}
	}

	got, err := env.svc.GetKernel(info.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Connections)
}
