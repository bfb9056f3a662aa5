package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"multicam-live/internal/layout"
	"multicam-live/internal/models"
	"multicam-live/internal/observability/metrics"
	"multicam-live/internal/process"
)

const roleRelay = "relay"

// ChannelReader reports whether an owner's program is live.
type ChannelReader interface {
	Get(ctx context.Context, ownerID string) (models.BroadcastChannel, error)
}

// AccountSource resolves an owner's account on a platform.
type AccountSource interface {
	GetRelayAccount(ctx context.Context, ownerID, platform string) (models.RelayAccount, bool, error)
}

// Config wires a Manager.
type Config struct {
	Launcher     process.Launcher
	Layout       layout.Layout
	Channels     ChannelReader
	Accounts     AccountSource
	FFmpegPath   string
	Grace        time.Duration
	StartupProbe time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Status describes an owner's relay.
type Status struct {
	Platform    string    `json:"platform"`
	Destination string    `json:"destination"`
	Running     bool      `json:"running"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"startedAt"`
}

type activeRelay struct {
	platform    string
	destination string
	proc        process.Process
	startedAt   time.Time
}

// Manager runs at most one relay per owner.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	relays map[string]*activeRelay
}

// NewManager validates cfg and returns a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Launcher == nil || cfg.Channels == nil || cfg.Accounts == nil {
		return nil, errors.New("relay: launcher, channels and accounts are required")
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Grace <= 0 {
		cfg.Grace = process.DefaultGrace
	}
	if cfg.StartupProbe < 0 {
		cfg.StartupProbe = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger, relays: make(map[string]*activeRelay)}, nil
}

// Start pushes the owner's program to platform. The channel must be live and
// the account active. A running relay is replaced only when force is set.
func (m *Manager) Start(ctx context.Context, ownerID, platform string, force bool) (Status, error) {
	destination, err := Lookup(platform)
	if err != nil {
		return Status{}, err
	}
	channel, err := m.cfg.Channels.Get(ctx, ownerID)
	if err != nil {
		return Status{}, err
	}
	if !channel.Live {
		return Status{}, models.Wrapf(models.ErrChannelOffline, nil, "broadcast for %s is not live", ownerID)
	}
	account, ok, err := m.cfg.Accounts.GetRelayAccount(ctx, ownerID, destination.Name())
	if err != nil {
		return Status{}, err
	}
	if !ok || !account.Active {
		return Status{}, models.Wrapf(models.ErrRelayAccountMissing, nil, "no active %s account for %s", destination.Name(), ownerID)
	}
	target, err := destination.DestinationURL(account)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.relays[ownerID]; ok {
		if current.proc.Alive() && !force {
			return Status{}, models.Wrapf(models.ErrRelayActive, nil, "a %s relay is already running", current.platform)
		}
		m.terminate(ownerID, current)
		delete(m.relays, ownerID)
	}

	spec := process.Spec{
		Role:   roleRelay,
		Owner:  ownerID,
		Binary: m.cfg.FFmpegPath,
		Args:   destination.OutboundArgs(m.cfg.Layout.RelayURL(ownerID), target),
	}
	proc, err := process.Start(ctx, m.cfg.Launcher, spec, m.cfg.StartupProbe, m.cfg.Metrics)
	if err != nil {
		m.logger.Error("relay launch failed", "owner", ownerID, "platform", destination.Name(), "error", err)
		m.cfg.Metrics.SetActiveRelays(len(m.relays))
		return Status{}, err
	}
	active := &activeRelay{
		platform:    destination.Name(),
		destination: redact(target, account.StreamKey),
		proc:        proc,
		startedAt:   time.Now().UTC(),
	}
	m.relays[ownerID] = active
	m.cfg.Metrics.SetActiveRelays(len(m.relays))
	m.logger.Info("relay started", "owner", ownerID, "platform", active.platform, "pid", proc.Pid())
	return active.status(), nil
}

// Stop terminates the owner's relay to platform. An empty platform matches
// any. It reports whether a relay was stopped.
func (m *Manager) Stop(_ context.Context, ownerID, platform string) (bool, error) {
	if platform != "" {
		if _, err := Lookup(platform); err != nil {
			return false, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.relays[ownerID]
	if !ok || (platform != "" && current.platform != strings.ToLower(strings.TrimSpace(platform))) {
		return false, nil
	}
	m.terminate(ownerID, current)
	delete(m.relays, ownerID)
	m.cfg.Metrics.SetActiveRelays(len(m.relays))
	m.logger.Info("relay stopped", "owner", ownerID, "platform", current.platform)
	return true, nil
}

// StopOwner terminates whatever relay the owner has. It runs when the owner's
// broadcast stops.
func (m *Manager) StopOwner(ctx context.Context, ownerID string) {
	if _, err := m.Stop(ctx, ownerID, ""); err != nil {
		m.logger.Warn("stop relay failed", "owner", ownerID, "error", err)
	}
}

// Status lists the owner's relays.
func (m *Manager) Status(ownerID string) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.relays[ownerID]
	if !ok {
		return []Status{}
	}
	return []Status{current.status()}
}

// PruneExited forgets relays whose encoder has exited and returns how many
// were removed.
func (m *Manager) PruneExited() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners := make([]string, 0, len(m.relays))
	for ownerID, current := range m.relays {
		if !current.proc.Alive() {
			owners = append(owners, ownerID)
		}
	}
	sort.Strings(owners)
	for _, ownerID := range owners {
		current := m.relays[ownerID]
		m.cfg.Metrics.ProcessExited(roleRelay)
		m.logger.Warn("relay exited", "owner", ownerID, "platform", current.platform, "error", current.proc.Err(), "stderr", current.proc.Diagnostics())
		delete(m.relays, ownerID)
	}
	m.cfg.Metrics.SetActiveRelays(len(m.relays))
	return len(owners)
}

// Shutdown terminates every relay.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ownerID, current := range m.relays {
		m.terminate(ownerID, current)
	}
	m.relays = make(map[string]*activeRelay)
	m.cfg.Metrics.SetActiveRelays(0)
}

func (m *Manager) terminate(ownerID string, current *activeRelay) {
	if process.Terminate(current.proc, m.cfg.Grace) {
		m.cfg.Metrics.ProcessKilled(roleRelay)
		m.logger.Warn("relay ignored SIGTERM, killed", "owner", ownerID, "platform", current.platform)
	}
}

func (r *activeRelay) status() Status {
	return Status{
		Platform:    r.platform,
		Destination: r.destination,
		Running:     r.proc.Alive(),
		PID:         r.proc.Pid(),
		StartedAt:   r.startedAt,
	}
}

// redact hides the platform stream key in anything returned to callers.
func redact(target, key string) string {
	key = strings.TrimSpace(key)
	if key == "" || !strings.HasSuffix(target, key) {
		return target
	}
	return strings.TrimSuffix(target, key) + "****"
}
