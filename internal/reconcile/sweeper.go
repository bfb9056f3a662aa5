// Package reconcile repairs drift between durable camera and channel state,
// encoder liveness and the program output on disk. Every correction runs
// inside the broadcast controller's per-owner critical section.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"multicam-live/internal/broadcast"
	"multicam-live/internal/models"
	"multicam-live/internal/observability/metrics"
	"multicam-live/internal/registry"
)

const (
	defaultInterval       = 30 * time.Second
	defaultStaleTimeout   = 2 * time.Minute
	defaultArtifactMaxAge = 20 * time.Second
)

// Controller is the broadcast entry point the sweeper repairs through.
// StopLocked must only be called from inside Exclusive for the same owner.
type Controller interface {
	Exclusive(ctx context.Context, ownerID string, fn func(ctx context.Context) error) error
	StopLocked(ctx context.Context, ownerID string) error
}

// Supervisor is the read-only process view the sweeper needs.
type Supervisor interface {
	IsMasterRunning(ownerID string) bool
	Owners() []string
}

// Artifacts probes the program output on disk.
type Artifacts interface {
	ProgramArtifactAge(ownerID string, now time.Time) (age time.Duration, ok bool, err error)
}

// Config wires a Sweeper.
type Config struct {
	Controller     Controller
	Registry       *registry.ConnectionRegistry
	Channels       *registry.ChannelState
	Supervisor     Supervisor
	Artifacts      Artifacts
	Notifier       broadcast.Notifier
	OutputURL      func(ownerID string) string
	Interval       time.Duration
	StaleTimeout   time.Duration
	ArtifactMaxAge time.Duration
	Clock          clockwork.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Sweeper periodically reaps stale connections and reconciles channels.
type Sweeper struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger
}

// New validates cfg and returns a sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Controller == nil || cfg.Registry == nil || cfg.Channels == nil || cfg.Supervisor == nil {
		return nil, errors.New("reconcile: controller, registry, channels and supervisor are required")
	}
	if cfg.Artifacts == nil || cfg.OutputURL == nil {
		return nil, errors.New("reconcile: artifacts probe and output url builder are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = defaultStaleTimeout
	}
	if cfg.ArtifactMaxAge <= 0 {
		cfg.ArtifactMaxAge = defaultArtifactMaxAge
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{cfg: cfg, clock: clock, logger: logger}, nil
}

func (s *Sweeper) notifier() broadcast.Notifier {
	return s.cfg.Notifier
}

// ReapStaleConnections removes pending and ready connections whose last
// contact predates now minus timeout. An empty ownerID covers every owner.
// On-air connections are never removed. A row that fails is logged and
// skipped.
func (s *Sweeper) ReapStaleConnections(ctx context.Context, timeout time.Duration, ownerID string) (int, error) {
	if timeout <= 0 {
		timeout = s.cfg.StaleTimeout
	}
	cutoff := s.clock.Now().UTC().Add(-timeout)
	candidates, err := s.cfg.Registry.Stale(ctx, ownerID, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, candidate := range candidates {
		removed, err := s.reapOne(ctx, candidate, cutoff)
		if err != nil {
			s.logger.Warn("reap stale camera failed", "owner", candidate.OwnerID, "camera", candidate.CameraIndex, "error", err)
			continue
		}
		if removed {
			reaped++
		}
	}
	if reaped > 0 {
		s.cfg.Metrics.ConnectionsReaped(reaped)
	}
	return reaped, nil
}

// reapOne re-checks the row inside the owner's critical section since a
// keep-alive or promotion may have landed after the listing.
func (s *Sweeper) reapOne(ctx context.Context, candidate models.CameraConnection, cutoff time.Time) (bool, error) {
	removed := false
	err := s.cfg.Controller.Exclusive(ctx, candidate.OwnerID, func(ctx context.Context) error {
		current, ok, err := s.cfg.Registry.Get(ctx, candidate.OwnerID, candidate.CameraIndex)
		if err != nil || !ok || !current.Stale(cutoff) {
			return err
		}
		if _, _, err := s.cfg.Registry.Close(ctx, candidate.OwnerID, candidate.CameraIndex); err != nil {
			if registry.IsNotFound(err) {
				return nil
			}
			return err
		}
		removed = true
		s.logger.Info("stale camera reaped", "owner", candidate.OwnerID, "camera", candidate.CameraIndex, "last_contact", current.LastContact)
		if n := s.notifier(); n != nil {
			n.CameraRemoved(candidate.OwnerID, candidate.CameraIndex)
		}
		return nil
	})
	return removed, err
}

// ReconcileChannel compares the channel against ground truth: an on-air
// camera exists and either the master runs in this process or the program
// playlist was written within the artifact max age. A live channel without
// ground truth is flipped offline and its orphaned on-air camera demoted; an
// offline channel with ground truth is flipped live. It reports whether a
// correction was made.
func (s *Sweeper) ReconcileChannel(ctx context.Context, ownerID string) (bool, error) {
	corrected := false
	err := s.cfg.Controller.Exclusive(ctx, ownerID, func(ctx context.Context) error {
		_, onAir, err := s.cfg.Registry.OnAir(ctx, ownerID)
		if err != nil {
			return err
		}
		channel, err := s.cfg.Channels.Get(ctx, ownerID)
		if err != nil {
			return err
		}

		live := false
		if onAir {
			live, err = s.producing(ownerID)
			if err != nil {
				return err
			}
		}

		switch {
		case live && !channel.Live:
			updated, _, err := s.cfg.Channels.MarkLive(ctx, ownerID, s.cfg.OutputURL(ownerID))
			if err != nil {
				return err
			}
			corrected = true
			s.cfg.Metrics.ReconcileCorrection("to_live")
			s.logger.Warn("channel was offline with output running, marked live", "owner", ownerID)
			if n := s.notifier(); n != nil {
				n.ChannelChanged(updated)
			}
		case !live && (channel.Live || onAir):
			if err := s.markDown(ctx, ownerID, channel.Live); err != nil {
				return err
			}
			corrected = true
			s.cfg.Metrics.ReconcileCorrection("to_offline")
		}
		return nil
	})
	return corrected, err
}

func (s *Sweeper) producing(ownerID string) (bool, error) {
	if s.cfg.Supervisor.IsMasterRunning(ownerID) {
		return true, nil
	}
	age, ok, err := s.cfg.Artifacts.ProgramArtifactAge(ownerID, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("probe program output: %w", err)
	}
	return ok && age <= s.cfg.ArtifactMaxAge, nil
}

// markDown tears the owner's broadcast down through the controller, so
// encoders, relays and notifications follow the operator stop path.
func (s *Sweeper) markDown(ctx context.Context, ownerID string, wasLive bool) error {
	if err := s.cfg.Controller.StopLocked(ctx, ownerID); err != nil {
		return err
	}
	if wasLive {
		s.logger.Warn("channel was live without output, marked offline", "owner", ownerID)
	} else {
		s.logger.Warn("orphaned on-air camera demoted", "owner", ownerID)
	}
	return nil
}

// Sweep reaps stale connections across all owners, then reconciles every
// owner that has connections, a channel record or tracked encoders.
func (s *Sweeper) Sweep(ctx context.Context) {
	if _, err := s.ReapStaleConnections(ctx, s.cfg.StaleTimeout, ""); err != nil {
		s.logger.Error("stale camera sweep failed", "error", err)
	}

	owners, err := s.owners(ctx)
	if err != nil {
		s.logger.Error("list owners for reconciliation failed", "error", err)
		return
	}
	for _, ownerID := range owners {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.ReconcileChannel(ctx, ownerID); err != nil {
			s.logger.Warn("reconcile channel failed", "owner", ownerID, "error", err)
		}
	}

	if count, err := s.cfg.Channels.CountLive(ctx); err == nil {
		s.cfg.Metrics.SetLiveChannels(count)
	}
}

func (s *Sweeper) owners(ctx context.Context) ([]string, error) {
	stored, err := s.cfg.Registry.Owners(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(stored))
	owners := make([]string, 0, len(stored))
	for _, ownerID := range append(stored, s.cfg.Supervisor.Owners()...) {
		if _, ok := seen[ownerID]; ok {
			continue
		}
		seen[ownerID] = struct{}{}
		owners = append(owners, ownerID)
	}
	sort.Strings(owners)
	return owners, nil
}

// Run sweeps once immediately, so state is repaired after a restart, and
// then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.Sweep(ctx)
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.Sweep(ctx)
		}
	}
}
