package registry

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"multicam-live/internal/models"
	"multicam-live/internal/storage"
)

// ChannelState is the durable per-owner broadcast record.
type ChannelState struct {
	repo  storage.Repository
	clock clockwork.Clock
}

// NewChannelState builds channel state over repo.
func NewChannelState(repo storage.Repository, clock clockwork.Clock) *ChannelState {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ChannelState{repo: repo, clock: clock}
}

// Get returns the owner's channel. An owner that never broadcast gets an
// offline channel that is not persisted until the first transition.
func (c *ChannelState) Get(ctx context.Context, ownerID string) (models.BroadcastChannel, error) {
	channel, ok, err := c.repo.GetChannel(ctx, ownerID)
	if err != nil {
		return models.BroadcastChannel{}, fmt.Errorf("load channel %s: %w", ownerID, err)
	}
	if !ok {
		return models.BroadcastChannel{OwnerID: ownerID}, nil
	}
	return channel, nil
}

// MarkLive flips the channel live and publishes outputURL. StartedAt is set
// only when the channel was offline. changed reports whether anything
// observable moved.
func (c *ChannelState) MarkLive(ctx context.Context, ownerID, outputURL string) (channel models.BroadcastChannel, changed bool, err error) {
	channel, err = c.Get(ctx, ownerID)
	if err != nil {
		return models.BroadcastChannel{}, false, err
	}
	if channel.Live && channel.OutputURL == outputURL {
		return channel, false, nil
	}
	now := c.clock.Now().UTC()
	if !channel.Live || channel.StartedAt == nil {
		channel.StartedAt = &now
	}
	channel.Live = true
	channel.OutputURL = outputURL
	channel.UpdatedAt = now
	if err := c.repo.SaveChannel(ctx, channel); err != nil {
		return models.BroadcastChannel{}, false, fmt.Errorf("mark channel %s live: %w", ownerID, err)
	}
	return channel, true, nil
}

// MarkOffline flips the channel offline and clears its output location.
func (c *ChannelState) MarkOffline(ctx context.Context, ownerID string) (channel models.BroadcastChannel, changed bool, err error) {
	channel, err = c.Get(ctx, ownerID)
	if err != nil {
		return models.BroadcastChannel{}, false, err
	}
	if !channel.Live && channel.OutputURL == "" && channel.StartedAt == nil {
		return channel, false, nil
	}
	channel.Live = false
	channel.OutputURL = ""
	channel.StartedAt = nil
	channel.UpdatedAt = c.clock.Now().UTC()
	if err := c.repo.SaveChannel(ctx, channel); err != nil {
		return models.BroadcastChannel{}, false, fmt.Errorf("mark channel %s offline: %w", ownerID, err)
	}
	return channel, true, nil
}

// CountLive returns the number of live channels across owners.
func (c *ChannelState) CountLive(ctx context.Context) (int, error) {
	return c.repo.CountLiveChannels(ctx)
}
