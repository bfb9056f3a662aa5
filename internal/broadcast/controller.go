// Package broadcast is the orchestrator of the control plane. Every
// invariant-sensitive mutation of camera and channel state happens inside a
// per-owner critical section here, so concurrent operations for one owner
// never interleave while different owners proceed in parallel.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/moby/locker"

	"multicam-live/internal/models"
	"multicam-live/internal/observability/metrics"
	"multicam-live/internal/registry"
)

// Supervisor is the process control the controller drives.
type Supervisor interface {
	StartMaster(ctx context.Context, ownerID string) error
	SwitchFeeder(ctx context.Context, ownerID, streamKey string) error
	StopAll(ctx context.Context, ownerID string) bool
	IsMasterRunning(ownerID string) bool
	HasProcesses(ownerID string) bool
}

// Notifier receives state deltas. Calls must not block beyond enqueuing.
type Notifier interface {
	CameraChanged(conn models.CameraConnection)
	CameraRemoved(ownerID string, cameraIndex int)
	ChannelChanged(channel models.BroadcastChannel)
}

// StopHook runs inside the owner's critical section after a broadcast
// stops, before notifications go out.
type StopHook func(ctx context.Context, ownerID string)

// Config wires a Controller.
type Config struct {
	Registry   *registry.ConnectionRegistry
	Channels   *registry.ChannelState
	Supervisor Supervisor
	Notifier   Notifier
	// OutputURL returns the public program location of an owner.
	OutputURL func(ownerID string) string
	OnStop    StopHook
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Controller coordinates registry, channel state, encoders and
// notifications.
type Controller struct {
	registry   *registry.ConnectionRegistry
	channels   *registry.ChannelState
	supervisor Supervisor
	notifier   Notifier
	outputURL  func(string) string
	onStop     StopHook
	logger     *slog.Logger
	metrics    *metrics.Recorder
	// locks holds one mutex per owner, dropped once nobody holds or
	// waits for it.
	locks *locker.Locker
}

// NewController builds a controller. Registry, Channels, Supervisor and
// OutputURL are required.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Registry == nil || cfg.Channels == nil {
		return nil, errors.New("broadcast: registry and channel state are required")
	}
	if cfg.Supervisor == nil {
		return nil, errors.New("broadcast: supervisor is required")
	}
	if cfg.OutputURL == nil {
		return nil, errors.New("broadcast: output url builder is required")
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = discardNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		registry:   cfg.Registry,
		channels:   cfg.Channels,
		supervisor: cfg.Supervisor,
		notifier:   notifier,
		outputURL:  cfg.OutputURL,
		onStop:     cfg.OnStop,
		logger:     logger,
		metrics:    cfg.Metrics,
		locks:      locker.New(),
	}, nil
}

// SetStopHook installs the hook run after each stop. It must be called
// before the controller serves requests.
func (c *Controller) SetStopHook(hook StopHook) {
	c.onStop = hook
}

// Exclusive runs fn inside the owner's critical section. The sweeper uses
// it to avoid racing operator actions.
func (c *Controller) Exclusive(ctx context.Context, ownerID string, fn func(ctx context.Context) error) error {
	c.locks.Lock(ownerID)
	defer func() { _ = c.locks.Unlock(ownerID) }()
	return fn(ctx)
}

// RegisterIngest records a publish from the ingest server. If the camera was
// on air, the re-publish leaves the owner without an on-air camera and the
// broadcast is stopped in the same critical section.
func (c *Controller) RegisterIngest(ctx context.Context, ownerID string, cameraIndex int, streamKey string) (models.CameraConnection, error) {
	var conn models.CameraConnection
	err := c.Exclusive(ctx, ownerID, func(ctx context.Context) error {
		registered, previous, err := c.registry.RegisterIngest(ctx, ownerID, cameraIndex, streamKey)
		if err != nil {
			return err
		}
		conn = registered
		c.metrics.CameraTransition(string(models.CameraPending))
		c.logger.Info("camera connected", "owner", ownerID, "camera", cameraIndex, "stream_key", streamKey)
		c.notifier.CameraChanged(conn)

		if previous != nil && previous.Status == models.CameraOnAir {
			c.logger.Warn("on-air camera republished, stopping broadcast", "owner", ownerID, "camera", cameraIndex)
			return c.stopLocked(ctx, ownerID)
		}
		return nil
	})
	return conn, err
}

// Authorize checks the PIN and moves a pending camera to ready.
func (c *Controller) Authorize(ctx context.Context, ownerID string, cameraIndex int, pin string) (models.CameraConnection, error) {
	var conn models.CameraConnection
	err := c.Exclusive(ctx, ownerID, func(ctx context.Context) error {
		authorized, err := c.registry.Authorize(ctx, ownerID, cameraIndex, pin)
		if err != nil {
			return err
		}
		conn = authorized
		c.metrics.CameraTransition(string(models.CameraReady))
		c.logger.Info("camera authorized", "owner", ownerID, "camera", cameraIndex)
		c.notifier.CameraChanged(conn)
		return nil
	})
	return conn, err
}

// Reject drops a camera that is still waiting for authorization.
func (c *Controller) Reject(ctx context.Context, ownerID string, cameraIndex int) error {
	return c.Exclusive(ctx, ownerID, func(ctx context.Context) error {
		if _, err := c.registry.Reject(ctx, ownerID, cameraIndex); err != nil {
			return err
		}
		c.metrics.CameraTransition("closed")
		c.logger.Info("camera rejected", "owner", ownerID, "camera", cameraIndex)
		c.notifier.CameraRemoved(ownerID, cameraIndex)
		return nil
	})
}

// Touch refreshes a camera's keep-alive timestamp.
func (c *Controller) Touch(ctx context.Context, ownerID string, cameraIndex int) error {
	return c.Exclusive(ctx, ownerID, func(ctx context.Context) error {
		return c.registry.Touch(ctx, ownerID, cameraIndex)
	})
}

// CloseCamera removes a connection and reports whether it was on air. It
// never stops the broadcast; callers decide that with StopIfIdle.
func (c *Controller) CloseCamera(ctx context.Context, ownerID string, cameraIndex int) (wasOnAir bool, err error) {
	err = c.Exclusive(ctx, ownerID, func(ctx context.Context) error {
		_, onAir, err := c.registry.Close(ctx, ownerID, cameraIndex)
		if err != nil {
			return err
		}
		wasOnAir = onAir
		c.metrics.CameraTransition("closed")
		c.logger.Info("camera closed", "owner", ownerID, "camera", cameraIndex, "was_on_air", onAir)
		c.notifier.CameraRemoved(ownerID, cameraIndex)
		return nil
	})
	return wasOnAir, err
}

// StopIfIdle stops the broadcast when no camera is on air but the channel
// is live or encoders are still tracked. The check and the stop share one
// critical section.
func (c *Controller) StopIfIdle(ctx context.Context, ownerID string) (stopped bool, err error) {
	err = c.Exclusive(ctx, ownerID, func(ctx context.Context) error {
		if _, onAir, err := c.registry.OnAir(ctx, ownerID); err != nil || onAir {
			return err
		}
		channel, err := c.channels.Get(ctx, ownerID)
		if err != nil {
			return err
		}
		if !channel.Live && !c.supervisor.HasProcesses(ownerID) {
			return nil
		}
		stopped = true
		return c.stopLocked(ctx, ownerID)
	})
	return stopped, err
}

// GoLive puts a ready camera on air. The feeder is repointed first, the
// master is started only if it is not already running, and the registry is
// committed only after both encoder actions succeeded. On failure encoders
// are rolled back to the previous on-air camera, or stopped if there was
// none, and durable state is left untouched.
func (c *Controller) GoLive(ctx context.Context, ownerID string, cameraIndex int) (models.BroadcastChannel, error) {
	var channel models.BroadcastChannel
	err := c.Exclusive(ctx, ownerID, func(ctx context.Context) error {
		target, err := c.registry.CheckPromotable(ctx, ownerID, cameraIndex)
		if err != nil {
			return err
		}
		previous, hadPrevious, err := c.registry.OnAir(ctx, ownerID)
		if err != nil {
			return err
		}

		if err := c.supervisor.SwitchFeeder(ctx, ownerID, target.StreamKey); err != nil {
			c.rollback(ctx, ownerID, previous, hadPrevious)
			return err
		}
		if !c.supervisor.IsMasterRunning(ownerID) {
			if err := c.supervisor.StartMaster(ctx, ownerID); err != nil {
				c.rollback(ctx, ownerID, previous, hadPrevious)
				return err
			}
		}

		promoted, demoted, err := c.registry.Promote(ctx, ownerID, cameraIndex)
		if err != nil {
			c.rollback(ctx, ownerID, previous, hadPrevious)
			return err
		}
		for _, conn := range demoted {
			c.metrics.CameraTransition(string(models.CameraReady))
			c.logger.Info("camera demoted", "owner", ownerID, "camera", conn.CameraIndex)
			c.notifier.CameraChanged(conn)
		}
		c.metrics.CameraTransition(string(models.CameraOnAir))
		c.logger.Info("camera on air", "owner", ownerID, "camera", cameraIndex, "stream_key", promoted.StreamKey)
		c.notifier.CameraChanged(promoted)

		live, changed, err := c.channels.MarkLive(ctx, ownerID, c.outputURL(ownerID))
		if err != nil {
			return fmt.Errorf("camera %d is on air but channel update failed: %w", cameraIndex, err)
		}
		if changed {
			c.logger.Info("channel live", "owner", ownerID, "output_url", live.OutputURL)
		}
		channel = live
		c.notifier.ChannelChanged(live)
		return nil
	})
	return channel, err
}

func (c *Controller) rollback(ctx context.Context, ownerID string, previous models.CameraConnection, hadPrevious bool) {
	if hadPrevious {
		if err := c.supervisor.SwitchFeeder(ctx, ownerID, previous.StreamKey); err != nil {
			c.logger.Error("restore previous feeder failed", "owner", ownerID, "camera", previous.CameraIndex, "error", err)
		}
		return
	}
	c.supervisor.StopAll(ctx, ownerID)
}

// Stop ends the owner's broadcast. It is the only path that stops the
// master. Calling it with nothing on air and no encoders is a no-op.
func (c *Controller) Stop(ctx context.Context, ownerID string) error {
	return c.Exclusive(ctx, ownerID, func(ctx context.Context) error {
		return c.stopLocked(ctx, ownerID)
	})
}

// StopLocked is Stop for callers already inside Exclusive for ownerID. The
// sweeper uses it so self-healing runs the same teardown, stop hook
// included, as an operator stop.
func (c *Controller) StopLocked(ctx context.Context, ownerID string) error {
	return c.stopLocked(ctx, ownerID)
}

func (c *Controller) stopLocked(ctx context.Context, ownerID string) error {
	demoted, err := c.registry.DemoteAll(ctx, ownerID)
	if err != nil {
		return err
	}
	channel, err := c.channels.Get(ctx, ownerID)
	if err != nil {
		return err
	}
	hadProcesses := c.supervisor.HasProcesses(ownerID)
	if len(demoted) == 0 && !channel.Live && !hadProcesses {
		return nil
	}

	if hadProcesses {
		c.supervisor.StopAll(ctx, ownerID)
	}
	offline, changed, err := c.channels.MarkOffline(ctx, ownerID)
	if c.onStop != nil {
		c.onStop(ctx, ownerID)
	}
	for _, conn := range demoted {
		c.metrics.CameraTransition(string(models.CameraReady))
		c.notifier.CameraChanged(conn)
	}
	if err != nil {
		return fmt.Errorf("encoders stopped but channel update failed: %w", err)
	}
	c.logger.Info("broadcast stopped", "owner", ownerID, "demoted", len(demoted))
	if changed {
		c.notifier.ChannelChanged(offline)
	}
	return nil
}

// Cameras lists the owner's camera connections.
func (c *Controller) Cameras(ctx context.Context, ownerID string) ([]models.CameraConnection, error) {
	return c.registry.List(ctx, ownerID)
}

// Channel returns the owner's broadcast channel.
func (c *Controller) Channel(ctx context.Context, ownerID string) (models.BroadcastChannel, error) {
	return c.channels.Get(ctx, ownerID)
}

type discardNotifier struct{}

func (discardNotifier) CameraChanged(models.CameraConnection) {}

func (discardNotifier) CameraRemoved(string, int) {}

func (discardNotifier) ChannelChanged(models.BroadcastChannel) {}
