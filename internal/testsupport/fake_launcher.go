package testsupport

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"multicam-live/internal/process"
)

var nextPid atomic.Int64

// FakeProcess is an in-memory process.Process. It exits when signalled with
// SIGTERM unless IgnoreTerm is set, and always exits on Kill.
type FakeProcess struct {
	Spec       process.Spec
	IgnoreTerm bool
	Output     string

	pid    int
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	killed bool
	termed bool
}

// NewFakeProcess returns a running fake for spec.
func NewFakeProcess(spec process.Spec) *FakeProcess {
	return &FakeProcess{Spec: spec, pid: int(nextPid.Add(1)), done: make(chan struct{})}
}

func (p *FakeProcess) Pid() int { return p.pid }

func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Diagnostics() string { return p.Output }

func (p *FakeProcess) Alive() bool { return !p.exited() }

func (p *FakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *FakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Exit simulates the process ending on its own, for example a crash.
func (p *FakeProcess) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *FakeProcess) Signal(sig os.Signal) error {
	if p.exited() {
		return os.ErrProcessDone
	}
	p.mu.Lock()
	p.termed = true
	p.mu.Unlock()
	if sig == syscall.SIGTERM && !p.IgnoreTerm {
		p.Exit(errors.New("signal: terminated"))
	}
	return nil
}

func (p *FakeProcess) Kill() error {
	if p.exited() {
		return os.ErrProcessDone
	}
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(errors.New("signal: killed"))
	return nil
}

// Terminated reports whether SIGTERM was delivered.
func (p *FakeProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termed
}

// Killed reports whether the process was force killed.
func (p *FakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// FakeLauncher records every launch and hands out FakeProcess values.
type FakeLauncher struct {
	mu        sync.Mutex
	launched  []*FakeProcess
	failRoles map[string]error
	failOnce  map[string]error
	exitRoles map[string]string
	ignore    map[string]bool
}

// NewFakeLauncher returns a launcher where every launch succeeds.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{
		failRoles: make(map[string]error),
		failOnce:  make(map[string]error),
		exitRoles: make(map[string]string),
		ignore:    make(map[string]bool),
	}
}

// FailRole makes launches of role return err.
func (l *FakeLauncher) FailRole(role string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failRoles[role] = err
}

// FailOnce makes only the next launch of role return err.
func (l *FakeLauncher) FailOnce(role string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failOnce[role] = err
}

// ExitRole makes processes of role exit immediately with the given stderr.
func (l *FakeLauncher) ExitRole(role, output string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exitRoles[role] = output
}

// IgnoreTerm makes processes of role ignore SIGTERM.
func (l *FakeLauncher) IgnoreTerm(role string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ignore[role] = true
}

// Reset clears all configured failures.
func (l *FakeLauncher) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failRoles = make(map[string]error)
	l.failOnce = make(map[string]error)
	l.exitRoles = make(map[string]string)
	l.ignore = make(map[string]bool)
}

func (l *FakeLauncher) Launch(spec process.Spec) (process.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.failOnce[spec.Role]; ok {
		delete(l.failOnce, spec.Role)
		return nil, err
	}
	if err, ok := l.failRoles[spec.Role]; ok {
		return nil, err
	}
	proc := NewFakeProcess(spec)
	proc.IgnoreTerm = l.ignore[spec.Role]
	l.launched = append(l.launched, proc)
	if output, ok := l.exitRoles[spec.Role]; ok {
		proc.Output = output
		proc.Exit(errors.New("exit status 1"))
	}
	return proc, nil
}

// Launched returns every process launched for role, oldest first. An empty
// role returns all launches.
func (l *FakeLauncher) Launched(role string) []*FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*FakeProcess
	for _, proc := range l.launched {
		if role == "" || proc.Spec.Role == role {
			out = append(out, proc)
		}
	}
	return out
}

// Count returns the number of launches for role.
func (l *FakeLauncher) Count(role string) int {
	return len(l.Launched(role))
}

// Last returns the most recent launch for role or nil.
func (l *FakeLauncher) Last(role string) *FakeProcess {
	launched := l.Launched(role)
	if len(launched) == 0 {
		return nil
	}
	return launched[len(launched)-1]
}
