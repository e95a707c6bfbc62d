package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtomas22/note/internal/channels"
	"github.com/devtomas22/note/internal/connectors"
	"github.com/devtomas22/note/internal/connectors/inproc"
	"github.com/devtomas22/note/internal/execqueue"
	"github.com/devtomas22/note/internal/kernel/luart"
	"github.com/devtomas22/note/internal/kernelspec"
	"github.com/devtomas22/note/internal/models"
	"github.com/devtomas22/note/internal/protocol"
)

// recordingLauncher keeps the processes it starts so tests can crash them.
type recordingLauncher struct {
	connectors.Launcher
	mu    sync.Mutex
	procs []connectors.Process
}

func (l *recordingLauncher) Launch(ctx context.Context, spec models.KernelSpec, kernelID string) (connectors.Process, error) {
	p, err := l.Launcher.Launch(ctx, spec, kernelID)
	if err == nil {
		l.mu.Lock()
		l.procs = append(l.procs, p)
		l.mu.Unlock()
	}
	return p, err
}

func (l *recordingLauncher) last() connectors.Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

// silentLauncher starts processes that never answer.
type silentLauncher struct {
	mu     sync.Mutex
	killed int
}

func (l *silentLauncher) Name() string                     { return "silent" }
func (l *silentLauncher) IsAllowed(models.KernelSpec) bool { return true }

func (l *silentLauncher) Launch(context.Context, models.KernelSpec, string) (connectors.Process, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &silentProcess{l: l, inR: inR, inW: inW, outR: outR, outW: outW, done: make(chan struct{})}
	go io.Copy(io.Discard, inR)
	return p, nil
}

type silentProcess struct {
	l    *silentLauncher
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter
	once sync.Once
	done chan struct{}
}

func (p *silentProcess) Stdin() io.Writer  { return p.inW }
func (p *silentProcess) Stdout() io.Reader { return p.outR }
func (p *silentProcess) Interrupt() error  { return nil }
func (p *silentProcess) Pid() int          { return 0 }
func (p *silentProcess) Wait() error {
	<-p.done
	return connectors.ErrKilled
}

func (p *silentProcess) Kill() error {
	p.once.Do(func() {
		p.l.mu.Lock()
		p.l.killed++
		p.l.mu.Unlock()
		p.inR.Close()
		p.outW.Close()
		close(p.done)
	})
	return nil
}

// deafLauncher starts kernels that answer kernel_info_request and nothing
// else: heartbeats and execute requests go unanswered.
type deafLauncher struct{ silentLauncher }

func (l *deafLauncher) Name() string { return "deaf" }

func (l *deafLauncher) Launch(context.Context, models.KernelSpec, string) (connectors.Process, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &silentProcess{l: &l.silentLauncher, inR: inR, inW: inW, outR: outR, outW: outW, done: make(chan struct{})}
	go func() {
		in := protocol.NewFrameReader(inR)
		out := protocol.NewFrameWriter(outW)
		for {
			frame, err := in.Next()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(frame)
			if err != nil || msg.MsgType() != protocol.MsgKernelInfoRequest {
				continue
			}
			reply, err := protocol.NewReply(msg, msg.Channel, protocol.MsgKernelInfoReply, "deaf", protocol.KernelInfoReply{Status: "ok"})
			if err == nil {
				_ = out.Write(reply)
			}
		}
	}()
	return p, nil
}

type fixture struct {
	sup      *Supervisor
	launcher *recordingLauncher
	silent   *silentLauncher
	deaf     *deafLauncher
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	specs := kernelspec.NewRegistry()
	specs.RegisterDefaults("/nonexistent/note")
	require.NoError(t, specs.Register(models.KernelSpec{
		Name: "mute", Language: "none", Argv: []string{"mute"}, Launcher: "silent",
	}))

	require.NoError(t, specs.Register(models.KernelSpec{
		Name: "deaf", Language: "none", Argv: []string{"deaf"}, Launcher: "deaf",
	}))

	f := &fixture{
		launcher: &recordingLauncher{Launcher: inproc.New(map[string]inproc.Factory{"lua": luart.Factory}, nil)},
		silent:   &silentLauncher{},
		deaf:     &deafLauncher{},
	}
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.ShutdownGrace = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	f.sup = New(specs, []connectors.Launcher{f.launcher, f.silent, f.deaf}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.sup.Close(ctx)
	})
	return f
}

func (f *fixture) start(t *testing.T) models.KernelInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := f.sup.Start(ctx, "lua-inproc")
	require.NoError(t, err)
	return info
}

func (f *fixture) run(t *testing.T, id, code string) (*models.ExecutionResult, error) {
	t.Helper()
	fut, err := f.sup.Submit(id, models.ExecutionRequest{Code: code})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fut.Wait(ctx)
}

func TestStart_ExecutesCode(t *testing.T) {
	f := newFixture(t, nil)
	info := f.start(t)

	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "lua-inproc", info.Name)
	assert.Equal(t, "lua", info.Language)
	assert.Equal(t, models.KernelStatusIdle, info.Status)

	res, err := f.run(t, info.ID, "2+2")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusOK, res.Status)
	assert.Equal(t, 1, res.ExecutionCount)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, models.OutputTypeExecuteResult, res.Outputs[0].Type())
	assert.Equal(t, "4", res.Outputs[0].Text())

	got, err := f.sup.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExecutionCount)
}

func TestSubmit_CollectsStreams(t *testing.T) {
	f := newFixture(t, nil)
	info := f.start(t)

	res, err := f.run(t, info.ID, `print("hi")`)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, models.OutputTypeStream, res.Outputs[0].Type())
	assert.Equal(t, "hi\n", res.Outputs[0].Text())
}

func TestSubscribe_SeesIOPub(t *testing.T) {
	f := newFixture(t, nil)
	info := f.start(t)

	var mu sync.Mutex
	var types []string
	unsub, err := f.sup.Subscribe(info.ID, func(msg *protocol.Message) {
		mu.Lock()
		types = append(types, msg.MsgType())
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	_, err = f.run(t, info.ID, `print("x")`)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		protocol.MsgStatus, protocol.MsgExecuteInput, protocol.MsgStream, protocol.MsgStatus,
	}, types)
}

func TestShutdown_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	info := f.start(t)
	ctx := context.Background()

	require.NoError(t, f.sup.Shutdown(ctx, info.ID))
	require.NoError(t, f.sup.Shutdown(ctx, info.ID))

	status, err := f.sup.Status(info.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KernelStatusDead, status)

	fut, err := f.sup.Submit(info.ID, models.ExecutionRequest{Code: "1"})
	require.NoError(t, err)
	select {
	case <-fut.Done():
	default:
		t.Fatal("submit to a dead kernel should fail immediately")
	}
	_, err = fut.Result()
	assert.ErrorIs(t, err, execqueue.ErrKernelDied)

	assert.ErrorIs(t, f.sup.Interrupt(ctx, info.ID), execqueue.ErrKernelDied)
	assert.ErrorIs(t, f.sup.Shutdown(ctx, "missing"), ErrKernelNotFound)
}

func TestRestart_SameIDFreshState(t *testing.T) {
	f := newFixture(t, nil)
	info := f.start(t)

	_, err := f.run(t, info.ID, "x = 41")
	require.NoError(t, err)
	res, err := f.run(t, info.ID, "x + 1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExecutionCount)
	assert.Equal(t, "42", res.Outputs[0].Text())

	restarted, err := f.sup.Restart(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, restarted.ID)
	assert.Equal(t, models.KernelStatusIdle, restarted.Status)
	assert.Equal(t, 0, restarted.ExecutionCount)

	res, err = f.run(t, info.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExecutionCount)
	assert.Empty(t, res.Outputs)
}

func TestRestart_RevivesDeadKernel(t *testing.T) {
	f := newFixture(t, nil)
	info := f.start(t)
	require.NoError(t, f.sup.Shutdown(context.Background(), info.ID))

	_, err := f.sup.Restart(context.Background(), info.ID)
	require.NoError(t, err)

	res, err := f.run(t, info.ID, "1")
	require.NoError(t, err)
	assert.Equal(t, "1", res.Outputs[0].Text())
}

func TestStart_UnknownKernelSpec(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.sup.Start(context.Background(), "cobol")

	var le *LaunchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "cobol", le.Name)
	assert.ErrorIs(t, err, ErrLaunch)
	assert.ErrorIs(t, err, ErrNoSuchKernelSpec)
}

func TestStart_SilentKernelTimesOut(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StartupTimeout = 100 * time.Millisecond })

	_, err := f.sup.Start(context.Background(), "mute")
	require.ErrorIs(t, err, ErrLaunch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.silent.mu.Lock()
	assert.Equal(t, 1, f.silent.killed)
	f.silent.mu.Unlock()
	assert.Empty(t, f.sup.List())
}

func TestCrash_FailsQueuedWork(t *testing.T) {
	f := newFixture(t, nil)
	info := f.start(t)

	var dead sync.WaitGroup
	dead.Add(1)
	var once sync.Once
	unsub, err := f.sup.Subscribe(info.ID, func(msg *protocol.Message) {
		var st protocol.Status
		if msg.MsgType() == protocol.MsgStatus && protocol.DecodeContent(msg, &st) == nil && st.ExecutionState == protocol.StateDead {
			once.Do(dead.Done)
		}
	})
	require.NoError(t, err)
	defer unsub()

	busy, err := f.sup.Submit(info.ID, models.ExecutionRequest{Code: "while true do end"})
	require.NoError(t, err)
	queued, err := f.sup.Submit(info.ID, models.ExecutionRequest{Code: "1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, _ := f.sup.Status(info.ID)
		return s == models.KernelStatusBusy
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.launcher.last().Kill())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, fut := range []*execqueue.Future{busy, queued} {
		_, err := fut.Wait(ctx)
		assert.ErrorIs(t, err, execqueue.ErrKernelDied)
	}
	dead.Wait()

	status, _ := f.sup.Status(info.ID)
	assert.Equal(t, models.KernelStatusDead, status)
}

func TestHeartbeatTimeout_FailsQueuedWork(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.HeartbeatInterval = 20 * time.Millisecond
		c.HeartbeatTimeout = 100 * time.Millisecond
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := f.sup.Start(ctx, "deaf")
	require.NoError(t, err)

	inflight, err := f.sup.Submit(info.ID, models.ExecutionRequest{Code: "1"})
	require.NoError(t, err)
	queued, err := f.sup.Submit(info.ID, models.ExecutionRequest{Code: "2"})
	require.NoError(t, err)

	for _, fut := range []*execqueue.Future{inflight, queued} {
		_, err := fut.Wait(ctx)
		assert.ErrorIs(t, err, execqueue.ErrKernelDied)
		assert.ErrorIs(t, err, channels.ErrHeartbeatTimeout)
	}

	status, err := f.sup.Status(info.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KernelStatusDead, status)
	f.deaf.mu.Lock()
	assert.Equal(t, 1, f.deaf.killed)
	f.deaf.mu.Unlock()
}

func TestShutdownIdle(t *testing.T) {
	f := newFixture(t, nil)
	info := f.start(t)
	always := func(models.KernelInfo) bool { return true }

	busy, err := f.sup.Submit(info.ID, models.ExecutionRequest{Code: "while true do end"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _ := f.sup.Get(info.ID)
		return got.Pending == 1
	}, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped, err := f.sup.ShutdownIdle(ctx, info.ID, always)
	require.NoError(t, err)
	assert.False(t, stopped, "a kernel with work in flight is not idle")

	stopped, err = f.sup.ShutdownIdle(ctx, info.ID, func(k models.KernelInfo) bool { return k.Pending == 0 })
	require.NoError(t, err)
	assert.False(t, stopped)

	busy.Cancel()
	_, err = busy.Wait(ctx)
	require.ErrorIs(t, err, execqueue.ErrCancelled)
	require.Eventually(t, func() bool {
		got, _ := f.sup.Get(info.ID)
		return got.Pending == 0 && got.Status == models.KernelStatusIdle
	}, 3*time.Second, 10*time.Millisecond)

	stopped, err = f.sup.ShutdownIdle(ctx, info.ID, func(models.KernelInfo) bool { return false })
	require.NoError(t, err)
	assert.False(t, stopped)

	stopped, err = f.sup.ShutdownIdle(ctx, info.ID, always)
	require.NoError(t, err)
	assert.True(t, stopped)
	status, _ := f.sup.Status(info.ID)
	assert.Equal(t, models.KernelStatusDead, status)

	late, err := f.sup.Submit(info.ID, models.ExecutionRequest{Code: "1"})
	require.NoError(t, err)
	_, err = late.Wait(ctx)
	assert.ErrorIs(t, err, execqueue.ErrKernelDied)

	_, err = f.sup.ShutdownIdle(ctx, "missing", always)
	assert.ErrorIs(t, err, ErrKernelNotFound)
}

func TestInterrupt_StopsRunningCode(t *testing.T) {
	f := newFixture(t, nil)
	info := f.start(t)

	fut, err := f.sup.Submit(info.ID, models.ExecutionRequest{Code: "while true do end"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := f.sup.Status(info.ID)
		return s == models.KernelStatusBusy
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.sup.Interrupt(context.Background(), info.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, res.Status)

	res, err = f.run(t, info.ID, "2*3")
	require.NoError(t, err)
	assert.Equal(t, "6", res.Outputs[0].Text())
}

func TestMaxKernels(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxKernels = 1 })
	info := f.start(t)

	_, err := f.sup.Start(context.Background(), "lua-inproc")
	assert.ErrorIs(t, err, ErrTooManyKernels)

	require.NoError(t, f.sup.Shutdown(context.Background(), info.ID))
	f.start(t)
}

func TestConnectAndPrune(t *testing.T) {
	f := newFixture(t, nil)
	info := f.start(t)

	require.NoError(t, f.sup.Connect(info.ID))
	require.NoError(t, f.sup.Connect(info.ID))
	f.sup.Disconnect(info.ID)
	got, _ := f.sup.Get(info.ID)
	assert.Equal(t, 1, got.Connections)

	assert.Error(t, f.sup.Remove(info.ID))
	assert.Empty(t, f.sup.Prune(0))

	require.NoError(t, f.sup.Shutdown(context.Background(), info.ID))
	assert.Equal(t, []string{info.ID}, f.sup.Prune(-time.Second))

	_, err := f.sup.Get(info.ID)
	assert.True(t, errors.Is(err, ErrKernelNotFound))
}

func TestClose_RejectsStart(t *testing.T) {
	f := newFixture(t, nil)
	a := f.start(t)
	b := f.start(t)
	require.Len(t, f.sup.List(), 2)

	require.NoError(t, f.sup.Close(context.Background()))
	for _, id := range []string{a.ID, b.ID} {
		s, _ := f.sup.Status(id)
		assert.Equal(t, models.KernelStatusDead, s)
	}
	_, err := f.sup.Start(context.Background(), "lua-inproc")
	assert.ErrorIs(t, err, ErrClosed)
}
