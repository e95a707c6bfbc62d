// Package localexec launches kernels as local subprocesses.
package localexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/devtomas22/note/internal/connectors"
	"github.com/devtomas22/note/internal/models"
)

// LocalExec implements connectors.Launcher for subprocess kernels.
type LocalExec struct {
	workDir string
	allowed map[string]bool
	log     *slog.Logger
}

// New creates a launcher. When allowed is non-empty only those programs
// (matched by base name or full path) may be started.
func New(workDir string, allowed []string, logger *slog.Logger) *LocalExec {
	if logger == nil {
		logger = slog.Default()
	}
	l := &LocalExec{workDir: workDir, log: logger}
	if len(allowed) > 0 {
		l.allowed = make(map[string]bool, len(allowed))
		for _, p := range allowed {
			l.allowed[p] = true
		}
	}
	return l
}

// Name returns the launcher identifier.
func (l *LocalExec) Name() string {
	return "exec"
}

// IsAllowed checks argv[0] against the allowlist.
func (l *LocalExec) IsAllowed(spec models.KernelSpec) bool {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return false
	}
	if l.allowed == nil {
		return true
	}
	prog := spec.Argv[0]
	return l.allowed[prog] || l.allowed[filepath.Base(prog)]
}

// Launch starts the kernel process. The process is not bound to ctx: it
// lives until Kill or until it exits on its own.
func (l *LocalExec) Launch(ctx context.Context, spec models.KernelSpec, kernelID string) (connectors.Process, error) {
	if !l.IsAllowed(spec) {
		return nil, fmt.Errorf("program not allowed: %s", strings.Join(spec.Argv, " "))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	if l.workDir != "" {
		cmd.Dir = l.workDir
	}
	cmd.Env = append(os.Environ(), "NOTE_KERNEL_ID="+kernelID)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	configureProc(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// A plain pipe lets the reader see EOF when the child exits without
	// racing cmd.Wait.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = &lineLogger{log: l.log.With("kernel_id", kernelID)}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}
	stdoutW.Close()

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		done:   make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File

	killOnce sync.Once
	killed   atomic.Bool
	done     chan struct{}
	err      error
}

func (p *process) Stdin() io.Writer  { return p.stdin }
func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Pid() int          { return p.cmd.Process.Pid }

func (p *process) Interrupt() error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return interruptProc(p.cmd)
}

func (p *process) Kill() error {
	var err error
	p.killOnce.Do(func() {
		select {
		case <-p.done:
		default:
			p.killed.Store(true)
			err = killProc(p.cmd)
		}
		p.stdin.Close()
		p.stdout.Close()
	})
	return err
}

func (p *process) Wait() error {
	<-p.done
	if p.killed.Load() {
		return connectors.ErrKilled
	}
	return p.err
}

// maxStderrLine bounds the bytes held for a stderr line still waiting for
// its newline.
const maxStderrLine = 64 << 10

// lineLogger forwards kernel stderr to the log, one record per line. Lines
// longer than maxStderrLine are logged in pieces.
type lineLogger struct {
	log *slog.Logger
	mu  sync.Mutex
	buf []byte
}

func (w *lineLogger) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i], false)
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxStderrLine {
		w.emit(w.buf[:maxStderrLine], true)
		w.buf = w.buf[maxStderrLine:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	} else if cap(w.buf) > 2*maxStderrLine {
		w.buf = append([]byte(nil), w.buf...)
	}
	return len(b), nil
}

func (w *lineLogger) emit(b []byte, partial bool) {
	line := strings.TrimRight(string(b), "\r")
	if line == "" {
		return
	}
	if partial {
		w.log.Debug("kernel stderr", "line", line, "partial", true)
		return
	}
	w.log.Debug("kernel stderr", "line", line)
}
