// Package inproc launches kernels as goroutines inside the gateway process.
//
// The kernel host and the gateway talk over in-memory pipes using exactly
// the frame stream a subprocess would use, so every other layer is unaware
// of the difference.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/devtomas22/note/internal/connectors"
	"github.com/devtomas22/note/internal/kernel"
	"github.com/devtomas22/note/internal/models"
)

// Factory creates a fresh interpreter for one kernel incarnation.
type Factory func() kernel.Interpreter

// InProc implements connectors.Launcher. A kernelspec's argv[0] names the
// runtime factory.
type InProc struct {
	mu        sync.RWMutex
	factories map[string]Factory
	log       *slog.Logger
}

// New creates a launcher with the given runtimes.
func New(factories map[string]Factory, logger *slog.Logger) *InProc {
	if logger == nil {
		logger = slog.Default()
	}
	l := &InProc{factories: make(map[string]Factory), log: logger}
	for name, f := range factories {
		l.factories[name] = f
	}
	return l
}

// Register adds or replaces a runtime.
func (l *InProc) Register(name string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = f
}

// Runtimes lists registered runtime names.
func (l *InProc) Runtimes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.factories))
	for name := range l.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name returns the launcher identifier.
func (l *InProc) Name() string {
	return "inproc"
}

// IsAllowed reports whether spec names a registered runtime.
func (l *InProc) IsAllowed(spec models.KernelSpec) bool {
	_, ok := l.factory(spec)
	return ok
}

func (l *InProc) factory(spec models.KernelSpec) (Factory, bool) {
	if len(spec.Argv) == 0 {
		return nil, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, ok := l.factories[spec.Argv[0]]
	return f, ok
}

// Launch starts the runtime on a goroutine.
func (l *InProc) Launch(ctx context.Context, spec models.KernelSpec, kernelID string) (connectors.Process, error) {
	f, ok := l.factory(spec)
	if !ok {
		return nil, fmt.Errorf("unknown in-process runtime %q", firstArg(spec.Argv))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	interp := f()

	runCtx, cancel := context.WithCancel(context.Background())
	p := &process{
		stdin:  inW,
		stdout: outR,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.host = kernel.NewHost(inR, outW, interp, l.log.With("kernel_id", kernelID))

	go func() {
		err := p.host.Serve(runCtx)
		outW.Close()
		inR.Close()
		if c, ok := interp.(interface{ Close() }); ok {
			c.Close()
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		p.err = err
		close(p.done)
	}()
	return p, nil
}

type process struct {
	host   *kernel.Host
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	cancel context.CancelFunc

	killed atomic.Bool
	done   chan struct{}
	err    error
}

func (p *process) Stdin() io.Writer  { return p.stdin }
func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Pid() int          { return 0 }

func (p *process) Interrupt() error {
	p.host.Interrupt()
	return nil
}

func (p *process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.killed.Store(true)
	p.cancel()
	p.stdin.CloseWithError(connectors.ErrKilled)
	p.stdout.CloseWithError(connectors.ErrKilled)
	return nil
}

func (p *process) Wait() error {
	<-p.done
	if p.killed.Load() {
		return connectors.ErrKilled
	}
	return p.err
}

func firstArg(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return argv[0]
}
