// Package supervisor owns the lifecycle of kernel processes.
//
// Each kernel has a stable id. A kernel id outlives its incarnations: a
// restart launches a fresh process, multiplexer and execution queue under the
// same id. Subscribers registered through the Supervisor survive restarts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/devtomas22/note/internal/channels"
	"github.com/devtomas22/note/internal/connectors"
	"github.com/devtomas22/note/internal/execqueue"
	"github.com/devtomas22/note/internal/kernelspec"
	"github.com/devtomas22/note/internal/metrics"
	"github.com/devtomas22/note/internal/models"
	"github.com/devtomas22/note/internal/protocol"
)

const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultShutdownGrace  = 5 * time.Second
)

// Config tunes the supervisor.
type Config struct {
	// MaxKernels caps live kernels. Zero means unlimited.
	MaxKernels        int
	StartupTimeout    time.Duration
	ShutdownGrace     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// ExecutionTimeout fails long-running executions. Zero disables it.
	ExecutionTimeout time.Duration
	CancelGrace      time.Duration
	// OnExecution is called once per finished execution. It must not block.
	OnExecution func(kernelID string, ev execqueue.Event)
	Logger      *slog.Logger
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	hb := channels.DefaultConfig()
	return Config{
		StartupTimeout:    DefaultStartupTimeout,
		ShutdownGrace:     DefaultShutdownGrace,
		HeartbeatInterval: hb.HeartbeatInterval,
		HeartbeatTimeout:  hb.HeartbeatTimeout,
		CancelGrace:       execqueue.DefaultCancelGrace,
	}
}

type subscriber struct {
	id uint64
	h  channels.Handler
}

type instance struct {
	id   string
	spec models.KernelSpec

	// op serializes start, restart and shutdown.
	op sync.Mutex

	mu      sync.Mutex
	info    models.KernelInfo
	inc     *incarnation
	diedAt  time.Time
	subs    []subscriber
	nextSub uint64
}

func (i *instance) snapshot() models.KernelInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	info := i.info
	if i.inc != nil && info.Status != models.KernelStatusDead {
		info.Pending = i.inc.queue.Len()
	}
	return info
}

type incarnation struct {
	proc  connectors.Process
	mux   *channels.Mux
	queue *execqueue.Queue
	unsub func()

	// running is guarded by instance.mu.
	running bool

	stopping   atomic.Bool
	restarting atomic.Bool
	dying      atomic.Bool
	exited     chan struct{}
	dead       chan struct{}
}

// Supervisor starts, tracks and stops kernels.
type Supervisor struct {
	specs     *kernelspec.Registry
	launchers map[string]connectors.Launcher
	cfg       Config
	log       *slog.Logger

	mu      sync.RWMutex
	kernels map[string]*instance
	closed  bool
}

// New creates a supervisor. Launchers are looked up by Name().
func New(specs *kernelspec.Registry, launchers []connectors.Launcher, cfg Config) *Supervisor {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		specs:     specs,
		launchers: make(map[string]connectors.Launcher, len(launchers)),
		cfg:       cfg,
		log:       log,
		kernels:   make(map[string]*instance),
	}
	for _, l := range launchers {
		s.launchers[l.Name()] = l
	}
	return s
}

// Start launches a kernel from the named kernelspec and waits for its
// kernel_info_reply. An empty name selects the registry default.
func (s *Supervisor) Start(ctx context.Context, name string) (models.KernelInfo, error) {
	if name == "" {
		name = s.specs.Default()
	}
	spec, ok := s.specs.Get(name)
	if !ok {
		return models.KernelInfo{}, &LaunchError{Name: name, Err: ErrNoSuchKernelSpec}
	}

	now := time.Now()
	inst := &instance{
		id:   uuid.New().String(),
		spec: *spec,
	}
	inst.info = models.KernelInfo{
		ID:           inst.id,
		Name:         spec.Name,
		Language:     spec.Language,
		Status:       models.KernelStatusStarting,
		StartedAt:    now,
		LastActivity: now,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.KernelInfo{}, ErrClosed
	}
	if s.cfg.MaxKernels > 0 && s.liveLocked() >= s.cfg.MaxKernels {
		s.mu.Unlock()
		return models.KernelInfo{}, fmt.Errorf("start %q: %w (limit %d)", name, ErrTooManyKernels, s.cfg.MaxKernels)
	}
	s.kernels[inst.id] = inst
	s.mu.Unlock()

	inst.op.Lock()
	defer inst.op.Unlock()

	if err := s.launch(ctx, inst); err != nil {
		s.mu.Lock()
		delete(s.kernels, inst.id)
		s.mu.Unlock()
		s.log.Warn("kernel failed to start", "kernelspec", name, "error", err)
		return models.KernelInfo{}, &LaunchError{Name: name, Err: err}
	}

	metrics.KernelsStarted.WithLabelValues(name).Inc()
	s.log.Info("kernel started", "kernel_id", inst.id, "kernelspec", name)
	return inst.snapshot(), nil
}

func (s *Supervisor) liveLocked() int {
	n := 0
	for _, inst := range s.kernels {
		inst.mu.Lock()
		if inst.info.Status != models.KernelStatusDead {
			n++
		}
		inst.mu.Unlock()
	}
	return n
}

// launch brings up one incarnation of inst. On error the process, if any,
// has been killed.
func (s *Supervisor) launch(ctx context.Context, inst *instance) error {
	launcher, ok := s.launchers[inst.spec.Launcher]
	if !ok {
		return fmt.Errorf("unknown launcher %q", inst.spec.Launcher)
	}
	if !launcher.IsAllowed(inst.spec) {
		return fmt.Errorf("launcher %s does not allow %q", launcher.Name(), inst.spec.Argv[0])
	}
	proc, err := launcher.Launch(ctx, inst.spec, inst.id)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	log := s.log.With("kernel_id", inst.id)
	inc := &incarnation{
		proc:   proc,
		exited: make(chan struct{}),
		dead:   make(chan struct{}),
	}
	inc.mux = channels.New(inst.id, proc.Stdout(), proc.Stdin(), channels.Config{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		HeartbeatTimeout:  s.cfg.HeartbeatTimeout,
		Logger:            log,
	})
	inc.queue = execqueue.New(inc.mux, execqueue.Options{
		KernelID:    inst.id,
		Session:     inc.mux.Session(),
		Timeout:     s.cfg.ExecutionTimeout,
		CancelGrace: s.cfg.CancelGrace,
		Interrupt: func(ctx context.Context) error {
			return s.interrupt(ctx, inst, inc)
		},
		Observer: func(ev execqueue.Event) { s.observe(inst, ev) },
		Logger:   log,
	})
	inc.unsub = inc.mux.Subscribe(func(msg *protocol.Message) { s.relay(inst, inc, msg) })

	inst.mu.Lock()
	inst.inc = inc
	inst.mu.Unlock()

	inc.mux.Start(func(err error) { s.die(inst, inc, err) })
	go func() {
		err := proc.Wait()
		close(inc.exited)
		if err == nil {
			err = errors.New("process exited")
		} else {
			err = fmt.Errorf("process exited: %w", err)
		}
		s.die(inst, inc, err)
	}()

	hctx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()
	req, err := protocol.NewMessage(protocol.ChannelShell, protocol.MsgKernelInfoRequest, inc.mux.Session(), nil)
	if err != nil {
		s.die(inst, inc, err)
		return err
	}
	reply, err := inc.mux.Call(hctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("no kernel_info_reply within %s: %w", s.cfg.StartupTimeout, err)
		}
		s.die(inst, inc, err)
		<-inc.dead
		return err
	}

	var ki protocol.KernelInfoReply
	if err := protocol.DecodeContent(reply, &ki); err != nil {
		log.Debug("unreadable kernel_info_reply", "error", err)
	}

	inst.mu.Lock()
	if inst.inc != inc || inst.info.Status == models.KernelStatusDead {
		inst.mu.Unlock()
		<-inc.dead
		return fmt.Errorf("kernel died during startup: %w", inc.mux.Err())
	}
	if ki.LanguageInfo.Name != "" {
		inst.info.Language = ki.LanguageInfo.Name
	}
	if inst.info.Status == models.KernelStatusStarting {
		inst.info.Status = models.KernelStatusIdle
	}
	inc.running = true
	inst.mu.Unlock()

	metrics.KernelsRunning.Inc()
	return nil
}

// die tears an incarnation down. Only the first call for an incarnation has
// an effect; later callers return immediately, so wait on inc.dead when the
// teardown must be complete.
func (s *Supervisor) die(inst *instance, inc *incarnation, cause error) {
	if !inc.dying.CompareAndSwap(false, true) {
		return
	}
	reason := deathReason(inc, cause)
	if inc.stopping.Load() {
		cause = ErrShutdown
	}

	now := time.Now()
	inst.mu.Lock()
	current := inst.inc == inc
	if current {
		inst.info.Status = models.KernelStatusDead
		inst.info.LastActivity = now
		inst.diedAt = now
	}
	wasRunning := inc.running
	inc.running = false
	inst.mu.Unlock()

	inc.queue.Fail(cause)
	inc.mux.Close(cause)
	inc.unsub()
	if err := inc.proc.Kill(); err != nil {
		s.log.Debug("kill kernel process", "kernel_id", inst.id, "error", err)
	}

	if wasRunning {
		metrics.KernelsRunning.Dec()
		metrics.KernelsDied.WithLabelValues(reason).Inc()
	}
	if inc.stopping.Load() {
		s.log.Info("kernel stopped", "kernel_id", inst.id)
	} else {
		s.log.Warn("kernel died", "kernel_id", inst.id, "reason", reason, "error", cause)
	}
	if current && !inc.restarting.Load() {
		s.publishStatus(inst, protocol.StateDead)
	}
	close(inc.dead)
}

func deathReason(inc *incarnation, cause error) string {
	if inc.stopping.Load() {
		return "shutdown"
	}
	if errors.Is(cause, channels.ErrHeartbeatTimeout) {
		return "heartbeat"
	}
	select {
	case <-inc.exited:
		return "exit"
	default:
	}
	if errors.Is(cause, channels.ErrClosed) {
		return "exit"
	}
	return "transport"
}

// relay tracks busy/idle from iopub status and fans every message out to
// the kernel's subscribers.
func (s *Supervisor) relay(inst *instance, inc *incarnation, msg *protocol.Message) {
	var state string
	if msg.Channel == protocol.ChannelIOPub && msg.MsgType() == protocol.MsgStatus {
		var st protocol.Status
		if err := protocol.DecodeContent(msg, &st); err == nil {
			state = st.ExecutionState
		}
	}

	inst.mu.Lock()
	inst.info.LastActivity = time.Now()
	if inst.inc == inc && inst.info.Status != models.KernelStatusDead {
		switch state {
		case protocol.StateBusy:
			inst.info.Status = models.KernelStatusBusy
		case protocol.StateIdle:
			inst.info.Status = models.KernelStatusIdle
		}
	}
	subs := append([]subscriber(nil), inst.subs...)
	inst.mu.Unlock()

	for _, sub := range subs {
		sub.h(msg)
	}
}

// publishStatus sends a status message on the kernel's behalf to its
// subscribers.
func (s *Supervisor) publishStatus(inst *instance, state string) {
	msg, err := protocol.NewMessage(protocol.ChannelIOPub, protocol.MsgStatus, inst.id, protocol.Status{ExecutionState: state})
	if err != nil {
		return
	}
	inst.mu.Lock()
	subs := append([]subscriber(nil), inst.subs...)
	inst.mu.Unlock()
	for _, sub := range subs {
		sub.h(msg)
	}
}

func (s *Supervisor) observe(inst *instance, ev execqueue.Event) {
	inst.mu.Lock()
	inst.info.LastActivity = time.Now()
	if ev.Kind == execqueue.EventDispatched {
		inst.info.ExecutionCount = ev.ExecutionCount
	}
	inst.mu.Unlock()

	if ev.Kind != execqueue.EventFinished {
		return
	}
	metrics.Executions.WithLabelValues(executionLabel(ev)).Inc()
	if ev.Result != nil {
		metrics.ExecutionLatency.Observe(ev.Result.ExecutionTime.Seconds())
	}
	if s.cfg.OnExecution != nil {
		s.cfg.OnExecution(inst.id, ev)
	}
}

func executionLabel(ev execqueue.Event) string {
	switch {
	case ev.Err == nil && ev.Result != nil:
		return string(ev.Result.Status)
	case errors.Is(ev.Err, execqueue.ErrKernelDied):
		return "kernel_died"
	case errors.Is(ev.Err, execqueue.ErrExecutionTimeout):
		return "timeout"
	case errors.Is(ev.Err, execqueue.ErrCancelled):
		return "cancelled"
	default:
		return "failed"
	}
}

func (s *Supervisor) lookup(id string) (*instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.kernels[id]
	if !ok {
		return nil, fmt.Errorf("kernel %s: %w", id, ErrKernelNotFound)
	}
	return inst, nil
}

// live returns the current incarnation, or an error wrapping
// execqueue.ErrKernelDied when the kernel is dead or not yet launched.
func (s *Supervisor) live(id string) (*instance, *incarnation, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.inc == nil || inst.info.Status == models.KernelStatusDead {
		return inst, nil, fmt.Errorf("kernel %s: %w", id, execqueue.ErrKernelDied)
	}
	return inst, inst.inc, nil
}

// Get returns a snapshot of a kernel.
func (s *Supervisor) Get(id string) (models.KernelInfo, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return models.KernelInfo{}, err
	}
	return inst.snapshot(), nil
}

// Status returns a kernel's lifecycle state.
func (s *Supervisor) Status(id string) (models.KernelStatus, error) {
	info, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return info.Status, nil
}

// List returns every known kernel, dead ones included, oldest first.
func (s *Supervisor) List() []models.KernelInfo {
	s.mu.RLock()
	insts := make([]*instance, 0, len(s.kernels))
	for _, inst := range s.kernels {
		insts = append(insts, inst)
	}
	s.mu.RUnlock()

	out := make([]models.KernelInfo, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown stops a kernel: shutdown_request on control, up to ShutdownGrace
// for the process to exit, then kill. Shutting down a dead kernel does
// nothing.
func (s *Supervisor) Shutdown(ctx context.Context, id string) error {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	inst.op.Lock()
	defer inst.op.Unlock()

	inst.mu.Lock()
	inc := inst.inc
	dead := inst.info.Status == models.KernelStatusDead
	inst.mu.Unlock()
	if inc == nil || dead {
		return nil
	}
	s.stop(ctx, inst, inc, false)
	return nil
}

// ShutdownIdle shuts a kernel down if idle reports true for its current
// state. The check and the closing of the execution queue happen together,
// so a request submitted after the check fails with
// execqueue.ErrKernelDied instead of being lost. It reports whether the
// kernel was stopped.
func (s *Supervisor) ShutdownIdle(ctx context.Context, id string, idle func(models.KernelInfo) bool) (bool, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	inst.op.Lock()
	defer inst.op.Unlock()

	info := inst.snapshot()
	inst.mu.Lock()
	inc := inst.inc
	inst.mu.Unlock()
	if inc == nil || info.Status == models.KernelStatusDead || !idle(info) {
		return false, nil
	}
	if !inc.queue.FailIfIdle(ErrShutdown) {
		return false, nil
	}
	s.stop(ctx, inst, inc, false)
	return true, nil
}

func (s *Supervisor) stop(ctx context.Context, inst *instance, inc *incarnation, restart bool) {
	inc.stopping.Store(true)
	if restart {
		inc.restarting.Store(true)
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	req, err := protocol.NewMessage(protocol.ChannelControl, protocol.MsgShutdownRequest, inc.mux.Session(),
		protocol.ShutdownRequest{Restart: restart})
	if err == nil {
		if _, err := inc.mux.Call(gctx, req); err != nil {
			s.log.Debug("shutdown_request unanswered", "kernel_id", inst.id, "error", err)
		}
	}
	select {
	case <-inc.exited:
	case <-gctx.Done():
	}
	s.die(inst, inc, ErrShutdown)
	<-inc.dead
}

// Restart replaces the kernel's process under the same id. Work queued on
// the old incarnation fails with execqueue.ErrKernelDied and the execution
// counter starts over. A dead kernel can be restarted.
func (s *Supervisor) Restart(ctx context.Context, id string) (models.KernelInfo, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return models.KernelInfo{}, err
	}
	inst.op.Lock()
	defer inst.op.Unlock()

	inst.mu.Lock()
	old := inst.inc
	dead := inst.info.Status == models.KernelStatusDead
	inst.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.KernelInfo{}, ErrClosed
	}
	if dead && s.cfg.MaxKernels > 0 && s.liveLocked() >= s.cfg.MaxKernels {
		s.mu.Unlock()
		return models.KernelInfo{}, fmt.Errorf("restart %s: %w (limit %d)", id, ErrTooManyKernels, s.cfg.MaxKernels)
	}
	s.mu.Unlock()

	s.publishStatus(inst, protocol.StateRestarting)
	if old != nil && !dead {
		s.stop(ctx, inst, old, true)
	}

	now := time.Now()
	inst.mu.Lock()
	inst.info.Status = models.KernelStatusStarting
	inst.info.ExecutionCount = 0
	inst.info.StartedAt = now
	inst.info.LastActivity = now
	inst.diedAt = time.Time{}
	inst.mu.Unlock()

	if err := s.launch(ctx, inst); err != nil {
		inst.mu.Lock()
		inst.info.Status = models.KernelStatusDead
		inst.diedAt = time.Now()
		spawned := inst.inc != old
		inst.mu.Unlock()
		if !spawned {
			s.publishStatus(inst, protocol.StateDead)
		}
		s.log.Warn("kernel failed to restart", "kernel_id", id, "error", err)
		return models.KernelInfo{}, &LaunchError{Name: inst.spec.Name, Err: err}
	}

	metrics.KernelsStarted.WithLabelValues(inst.spec.Name).Inc()
	s.log.Info("kernel restarted", "kernel_id", id)
	return inst.snapshot(), nil
}

// Interrupt interrupts the kernel's current execution.
func (s *Supervisor) Interrupt(ctx context.Context, id string) error {
	inst, inc, err := s.live(id)
	if err != nil {
		return err
	}
	return s.interrupt(ctx, inst, inc)
}

// interrupt signals the process when the kernelspec asks for signals and
// falls back to interrupt_request on control.
func (s *Supervisor) interrupt(ctx context.Context, inst *instance, inc *incarnation) error {
	if inst.spec.InterruptMode != models.InterruptMessage {
		err := inc.proc.Interrupt()
		if err == nil {
			return nil
		}
		s.log.Debug("signal interrupt failed, sending interrupt_request", "kernel_id", inst.id, "error", err)
	}
	req, err := protocol.NewMessage(protocol.ChannelControl, protocol.MsgInterruptRequest, inc.mux.Session(), nil)
	if err != nil {
		return err
	}
	if _, err := inc.mux.Call(ctx, req); err != nil {
		return fmt.Errorf("interrupt kernel %s: %w", inst.id, err)
	}
	return nil
}

func (s *Supervisor) current(id string) (*instance, *incarnation, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.info.LastActivity = time.Now()
	return inst, inst.inc, nil
}

// Submit queues code for execution. Submitting to a dead kernel yields a
// future already failed with execqueue.ErrKernelDied; nothing is launched.
func (s *Supervisor) Submit(id string, req models.ExecutionRequest) (*execqueue.Future, error) {
	_, inc, err := s.current(id)
	if err != nil {
		return nil, err
	}
	req.KernelID = id
	if inc == nil {
		return execqueue.Failed(req, starting(id, req.MsgID)), nil
	}
	return inc.queue.Submit(req), nil
}

// SubmitMessage queues a client-built execute_request, keeping its msg_id
// and session.
func (s *Supervisor) SubmitMessage(id string, msg *protocol.Message) (*execqueue.Future, error) {
	_, inc, err := s.current(id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		req := models.ExecutionRequest{MsgID: msg.MsgID(), KernelID: id, SessionID: msg.SessionID()}
		return execqueue.Failed(req, starting(id, msg.MsgID())), nil
	}
	return inc.queue.SubmitMessage(msg), nil
}

func starting(kernelID, msgID string) error {
	return &execqueue.ExecError{
		KernelID: kernelID,
		MsgID:    msgID,
		Err:      execqueue.ErrKernelDied,
		Cause:    errors.New("kernel has no running process"),
	}
}

// Subscribe registers h for every iopub and stdin message of the kernel,
// across restarts, plus the status messages the supervisor publishes on the
// kernel's behalf.
func (s *Supervisor) Subscribe(id string, h channels.Handler) (func(), error) {
	inst, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	inst.nextSub++
	subID := inst.nextSub
	inst.subs = append(inst.subs, subscriber{id: subID, h: h})
	inst.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			inst.mu.Lock()
			defer inst.mu.Unlock()
			for i, sub := range inst.subs {
				if sub.id == subID {
					inst.subs = append(inst.subs[:i], inst.subs[i+1:]...)
					return
				}
			}
		})
	}, nil
}

// Call sends a shell or control request and waits for its reply.
func (s *Supervisor) Call(ctx context.Context, id string, msg *protocol.Message) (*protocol.Message, error) {
	_, inc, err := s.live(id)
	if err != nil {
		return nil, err
	}
	return inc.mux.Call(ctx, msg)
}

// Send forwards msg to the kernel without waiting for a reply.
func (s *Supervisor) Send(id string, msg *protocol.Message) error {
	_, inc, err := s.live(id)
	if err != nil {
		return err
	}
	return inc.mux.Send(msg)
}

// Connect counts a client connection to the kernel.
func (s *Supervisor) Connect(id string) error {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	inst.info.Connections++
	inst.info.LastActivity = time.Now()
	inst.mu.Unlock()
	return nil
}

// Disconnect reverses Connect.
func (s *Supervisor) Disconnect(id string) {
	inst, err := s.lookup(id)
	if err != nil {
		return
	}
	inst.mu.Lock()
	if inst.info.Connections > 0 {
		inst.info.Connections--
	}
	inst.info.LastActivity = time.Now()
	inst.mu.Unlock()
}

// Remove forgets a dead kernel.
func (s *Supervisor) Remove(id string) error {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	if inst.snapshot().Status != models.KernelStatusDead {
		return fmt.Errorf("kernel %s is still running", id)
	}
	s.mu.Lock()
	delete(s.kernels, id)
	s.mu.Unlock()
	return nil
}

// Prune forgets kernels that have been dead for longer than retention and
// returns their ids.
func (s *Supervisor) Prune(retention time.Duration) []string {
	cutoff := time.Now().Add(-retention)
	var pruned []string

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, inst := range s.kernels {
		inst.mu.Lock()
		expired := inst.info.Status == models.KernelStatusDead && !inst.diedAt.IsZero() && inst.diedAt.Before(cutoff)
		inst.mu.Unlock()
		if expired {
			delete(s.kernels, id)
			pruned = append(pruned, id)
		}
	}
	sort.Strings(pruned)
	return pruned
}

// Close shuts down every live kernel concurrently and rejects later starts.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.kernels))
	for id := range s.kernels {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return s.Shutdown(gctx, id)
		})
	}
	return g.Wait()
}
