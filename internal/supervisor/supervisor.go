// Package supervisor owns the feeder and master encoder processes of every
// owner. Handles live only in memory; after a restart the reconciliation
// sweeper repairs durable state instead.
package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"multicam-live/internal/layout"
	"multicam-live/internal/observability/metrics"
	"multicam-live/internal/process"
)

const defaultFlushTimeout = 10 * time.Second

// Config controls encoder invocation and teardown timing.
type Config struct {
	FFmpegPath   string
	Layout       layout.Layout
	Grace        time.Duration
	StartupProbe time.Duration
	FlushTimeout time.Duration
}

type ownerProcesses struct {
	feeder process.Process
	master process.Process
}

// Supervisor is the only holder of encoder handles. Callers must serialize
// operations for the same owner; the broadcast controller does so with its
// per-owner lock.
type Supervisor struct {
	cfg      Config
	launcher process.Launcher
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu     sync.Mutex
	owners map[string]*ownerProcesses
}

// New creates a supervisor.
func New(cfg Config, launcher process.Launcher, logger *slog.Logger, recorder *metrics.Recorder) *Supervisor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Grace <= 0 {
		cfg.Grace = process.DefaultGrace
	}
	if cfg.StartupProbe < 0 {
		cfg.StartupProbe = 0
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
		metrics:  recorder,
		owners:   make(map[string]*ownerProcesses),
	}
}

func (s *Supervisor) entry(ownerID string) ownerProcesses {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.owners[ownerID]; ok {
		return *entry
	}
	return ownerProcesses{}
}

func (s *Supervisor) update(ownerID string, fn func(*ownerProcesses)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.owners[ownerID]
	if !ok {
		entry = &ownerProcesses{}
		s.owners[ownerID] = entry
	}
	fn(entry)
	if entry.feeder == nil && entry.master == nil {
		delete(s.owners, ownerID)
	}
}

func (s *Supervisor) spec(role, ownerID string, args []string) process.Spec {
	return process.Spec{Role: role, Owner: ownerID, Binary: s.cfg.FFmpegPath, Args: args}
}

func (s *Supervisor) terminate(ownerID, role string, proc process.Process) {
	if proc == nil {
		return
	}
	if process.Terminate(proc, s.cfg.Grace) {
		s.metrics.ProcessKilled(role)
		s.logger.Warn("encoder ignored SIGTERM, killed", "owner", ownerID, "role", role, "pid", proc.Pid())
	}
}

// StartMaster launches the owner's program encoder unless a live one already
// exists. Liveness is polled from the handle, so a crashed master is
// replaced.
func (s *Supervisor) StartMaster(ctx context.Context, ownerID string) error {
	current := s.entry(ownerID).master
	if current != nil && current.Alive() {
		return nil
	}

	if err := s.cfg.Layout.EnsureProgramDir(); err != nil {
		s.logger.Warn("create program directory failed", "owner", ownerID, "error", err)
	}
	if err := s.cfg.Layout.CleanProgram(ownerID); err != nil {
		s.logger.Warn("clean previous program output failed", "owner", ownerID, "error", err)
	}

	proc, err := process.Start(ctx, s.launcher, s.spec(RoleMaster, ownerID, MasterArgs(s.cfg.Layout, ownerID)), s.cfg.StartupProbe, s.metrics)
	if err != nil {
		s.logger.Error("master launch failed", "owner", ownerID, "error", err)
		return err
	}
	s.update(ownerID, func(entry *ownerProcesses) { entry.master = proc })
	s.logger.Info("master started", "owner", ownerID, "pid", proc.Pid())
	return nil
}

// SwitchFeeder replaces the owner's feeder with one reading streamKey. The
// previous feeder is fully gone before the new one starts so two feeders
// never write to the relay point at once.
func (s *Supervisor) SwitchFeeder(ctx context.Context, ownerID, streamKey string) error {
	previous := s.entry(ownerID).feeder
	s.terminate(ownerID, RoleFeeder, previous)
	s.update(ownerID, func(entry *ownerProcesses) { entry.feeder = nil })

	proc, err := process.Start(ctx, s.launcher, s.spec(RoleFeeder, ownerID, FeederArgs(s.cfg.Layout, ownerID, streamKey)), s.cfg.StartupProbe, s.metrics)
	if err != nil {
		s.logger.Error("feeder launch failed", "owner", ownerID, "stream_key", streamKey, "error", err)
		return err
	}
	s.update(ownerID, func(entry *ownerProcesses) { entry.feeder = proc })
	s.logger.Info("feeder switched", "owner", ownerID, "stream_key", streamKey, "pid", proc.Pid())
	return nil
}

// StopAll terminates the feeder then the master, flushes the relay point and
// forgets both handles. It reports whether any handle existed.
func (s *Supervisor) StopAll(ctx context.Context, ownerID string) bool {
	current := s.entry(ownerID)
	if current.feeder == nil && current.master == nil {
		return false
	}

	s.terminate(ownerID, RoleFeeder, current.feeder)
	s.terminate(ownerID, RoleMaster, current.master)
	s.flush(ownerID)

	s.update(ownerID, func(entry *ownerProcesses) {
		entry.feeder = nil
		entry.master = nil
	})
	s.logger.Info("encoders stopped", "owner", ownerID)
	return true
}

func (s *Supervisor) flush(ownerID string) {
	proc, err := s.launcher.Launch(s.spec(RoleFlush, ownerID, FlushArgs(s.cfg.Layout, ownerID)))
	if err != nil {
		s.metrics.ProcessLaunched(RoleFlush, "error")
		s.logger.Warn("relay flush failed", "owner", ownerID, "error", err)
		return
	}
	s.metrics.ProcessLaunched(RoleFlush, "ok")
	process.Reap(proc, s.cfg.FlushTimeout, s.logger)
}

// IsMasterRunning is a side-effect free liveness probe.
func (s *Supervisor) IsMasterRunning(ownerID string) bool {
	master := s.entry(ownerID).master
	return master != nil && master.Alive()
}

// HasProcesses reports whether any handle, live or exited, is still tracked
// for the owner.
func (s *Supervisor) HasProcesses(ownerID string) bool {
	current := s.entry(ownerID)
	return current.feeder != nil || current.master != nil
}

// Owners lists owners with tracked handles.
func (s *Supervisor) Owners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	owners := make([]string, 0, len(s.owners))
	for ownerID := range s.owners {
		owners = append(owners, ownerID)
	}
	sort.Strings(owners)
	return owners
}

// Shutdown terminates every tracked encoder in parallel without flushing.
// Durable state is left as is; the sweeper corrects it on the next start.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	snapshot := make(map[string]ownerProcesses, len(s.owners))
	for ownerID, entry := range s.owners {
		snapshot[ownerID] = *entry
	}
	s.owners = make(map[string]*ownerProcesses)
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for ownerID, entry := range snapshot {
		g.Go(func() error {
			s.terminate(ownerID, RoleFeeder, entry.feeder)
			s.terminate(ownerID, RoleMaster, entry.master)
			return nil
		})
	}
	return g.Wait()
}
