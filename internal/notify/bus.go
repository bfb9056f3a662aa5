package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"multicam-live/internal/models"
	"multicam-live/internal/observability/metrics"
)

// CameraSource lists an owner's camera connections.
type CameraSource interface {
	List(ctx context.Context, ownerID string) ([]models.CameraConnection, error)
}

// ChannelSource returns an owner's broadcast channel.
type ChannelSource interface {
	Get(ctx context.Context, ownerID string) (models.BroadcastChannel, error)
}

// Config wires a Bus.
type Config struct {
	Hub        *Hub
	Transport  Transport
	Cameras    CameraSource
	Channels   ChannelSource
	PreviewURL PreviewURLFunc
	// QueueSize bounds the outbound queue drained by Run.
	QueueSize int
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Bus is the publishing side of notifications. Publish calls only enqueue;
// a single Run worker hands events to the transport in enqueue order.
type Bus struct {
	hub        *Hub
	transport  Transport
	cameras    CameraSource
	channels   ChannelSource
	previewURL PreviewURLFunc
	queue      chan Event
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

// NewBus builds a bus. A nil transport delivers locally into the hub.
func NewBus(cfg Config) *Bus {
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(0, cfg.Metrics)
	}
	transport := cfg.Transport
	if transport == nil {
		transport = NewLocalTransport(hub)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		hub:        hub,
		transport:  transport,
		cameras:    cfg.Cameras,
		channels:   cfg.Channels,
		previewURL: cfg.PreviewURL,
		queue:      make(chan Event, size),
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// Hub returns the local subscriber hub.
func (b *Bus) Hub() *Hub {
	return b.hub
}

func (b *Bus) enqueue(event Event) {
	select {
	case b.queue <- event:
	default:
		b.metrics.NotificationDropped(string(event.Type))
		b.logger.Warn("notification queue full, dropping event", "owner", event.OwnerID, "type", event.Type)
	}
}

// CameraChanged publishes conn's current state.
func (b *Bus) CameraChanged(conn models.CameraConnection) {
	b.enqueue(CameraChangedEvent(conn, b.previewURL))
}

// CameraRemoved publishes the removal of a camera.
func (b *Bus) CameraRemoved(ownerID string, cameraIndex int) {
	b.enqueue(CameraRemovedEvent(ownerID, cameraIndex))
}

// ChannelChanged publishes the channel's current state.
func (b *Bus) ChannelChanged(channel models.BroadcastChannel) {
	b.enqueue(ChannelChangedEvent(channel))
}

// Snapshot reads the owner's full current state.
func (b *Bus) Snapshot(ctx context.Context, ownerID string) (Event, error) {
	if b.cameras == nil || b.channels == nil {
		return Event{}, fmt.Errorf("snapshot sources not configured")
	}
	conns, err := b.cameras.List(ctx, ownerID)
	if err != nil {
		return Event{}, fmt.Errorf("snapshot cameras: %w", err)
	}
	channel, err := b.channels.Get(ctx, ownerID)
	if err != nil {
		return Event{}, fmt.Errorf("snapshot channel: %w", err)
	}
	return SnapshotEvent(ownerID, conns, channel, b.previewURL), nil
}

// Subscribe registers a local subscriber for ownerID.
func (b *Bus) Subscribe(ownerID string) *Subscription {
	return b.hub.Subscribe(ownerID)
}

// Run drains the outbound queue until ctx is done, and runs the
// transport's receive side alongside.
func (b *Bus) Run(ctx context.Context) error {
	receiveErr := make(chan error, 1)
	go func() { receiveErr <- b.transport.Run(ctx, b.hub) }()

	for {
		select {
		case <-ctx.Done():
			return <-receiveErr
		case err := <-receiveErr:
			if ctx.Err() != nil {
				return err
			}
			if err == nil {
				err = errors.New("receiver stopped")
			}
			return fmt.Errorf("notification transport: %w", err)
		case event := <-b.queue:
			if err := b.transport.Publish(ctx, event); err != nil {
				b.metrics.NotificationDropped(string(event.Type))
				b.logger.Warn("publish notification failed", "owner", event.OwnerID, "type", event.Type, "error", err)
				continue
			}
			b.metrics.NotificationPublished(string(event.Type))
		}
	}
}
