// Package process launches and tears down external encoder processes. It is
// shared by the broadcast supervisor and the relay manager so both follow the
// same start probe and two-step termination.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"multicam-live/internal/models"
	"multicam-live/internal/observability/metrics"
)

const (
	// DefaultGrace bounds how long a process may take to exit after SIGTERM
	// before it is killed.
	DefaultGrace = 5 * time.Second
	// DefaultStartupProbe is how long a fresh process must survive before its
	// launch is considered successful.
	DefaultStartupProbe = 500 * time.Millisecond

	defaultTailLines = 40
)

// Spec describes a single encoder invocation.
type Spec struct {
	Role   string
	Owner  string
	Binary string
	Args   []string
}

// Process is a running (or exited) encoder.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	Alive() bool
	// Err returns the exit error once Done is closed.
	Err() error
	Signal(sig os.Signal) error
	Kill() error
	// Diagnostics returns the most recent stderr lines.
	Diagnostics() string
}

// Launcher starts processes.
type Launcher interface {
	Launch(spec Spec) (Process, error)
}

// ExecLauncher runs specs as OS processes.
type ExecLauncher struct {
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	TailLines int
}

// NewExecLauncher returns a launcher backed by os/exec.
func NewExecLauncher(logger *slog.Logger, recorder *metrics.Recorder) *ExecLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecLauncher{Logger: logger, Metrics: recorder, TailLines: defaultTailLines}
}

// Launch starts the process and returns immediately. Exit is observed by a
// background wait so Alive and Done never block.
func (l *ExecLauncher) Launch(spec Spec) (Process, error) {
	if spec.Binary == "" {
		return nil, errors.New("process binary is required")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("owner", spec.Owner, "role", spec.Role)

	tailLines := l.TailLines
	if tailLines <= 0 {
		tailLines = defaultTailLines
	}
	tail := newTailBuffer(tailLines)

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Stderr = &logWriter{logger: logger, tail: tail}
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Role, err)
	}

	proc := &execProcess{cmd: cmd, done: make(chan struct{}), tail: tail}
	logger.Info("encoder started", "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.err = err
		proc.mu.Unlock()
		close(proc.done)
		if err != nil {
			logger.Info("encoder exited", "pid", cmd.Process.Pid, "error", err)
		} else {
			logger.Info("encoder exited", "pid", cmd.Process.Pid)
		}
		l.Metrics.ProcessExited(spec.Role)
	}()
	return proc, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	tail *tailBuffer

	mu  sync.Mutex
	err error
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Signal(sig os.Signal) error {
	if !p.Alive() {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if !p.Alive() {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Diagnostics() string {
	return p.tail.String()
}

// Start launches the described process and waits out the startup probe. A process that
// cannot be started or exits inside the probe window is reported as a launch
// failure carrying its stderr tail. It is not retried.
func Start(ctx context.Context, launcher Launcher, spec Spec, probe time.Duration, recorder *metrics.Recorder) (Process, error) {
	proc, err := launcher.Launch(spec)
	if err != nil {
		recorder.ProcessLaunched(spec.Role, "error")
		return nil, models.LaunchFailed(spec.Role, err, "")
	}
	if probe <= 0 {
		recorder.ProcessLaunched(spec.Role, "ok")
		return proc, nil
	}

	timer := time.NewTimer(probe)
	defer timer.Stop()
	select {
	case <-proc.Done():
		recorder.ProcessLaunched(spec.Role, "exited")
		cause := proc.Err()
		if cause == nil {
			cause = errors.New("exited during startup")
		}
		return nil, models.LaunchFailed(spec.Role, cause, proc.Diagnostics())
	case <-ctx.Done():
		Terminate(proc, DefaultGrace)
		recorder.ProcessLaunched(spec.Role, "cancelled")
		return nil, ctx.Err()
	case <-timer.C:
	}
	recorder.ProcessLaunched(spec.Role, "ok")
	return proc, nil
}

// Terminate asks the process to exit, waits up to grace, then kills it. It
// reports whether the kill was needed. Terminate always returns within
// roughly twice the grace period.
func Terminate(proc Process, grace time.Duration) (forced bool) {
	if proc == nil || !proc.Alive() {
		return false
	}
	if grace <= 0 {
		grace = DefaultGrace
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = proc.Kill()
		forced = true
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return forced
	case <-timer.C:
	}

	_ = proc.Kill()
	timer.Reset(grace)
	select {
	case <-proc.Done():
	case <-timer.C:
	}
	return true
}

// Reap waits for a short-lived process in the background so it never lingers
// as a zombie.
func Reap(proc Process, limit time.Duration, logger *slog.Logger) {
	if proc == nil {
		return
	}
	go func() {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		select {
		case <-proc.Done():
		case <-timer.C:
			if logger != nil {
				logger.Warn("short-lived encoder overran, killing", "pid", proc.Pid())
			}
			_ = proc.Kill()
		}
	}()
}
