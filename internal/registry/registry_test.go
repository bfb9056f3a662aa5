package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multicam-live/internal/models"
	"multicam-live/internal/storage"
)

type pinTable map[string]string

func (p pinTable) VerifyPIN(_ context.Context, ownerID, pin string) error {
	if expected, ok := p[ownerID]; ok && expected == pin {
		return nil
	}
	return models.ErrInvalidCredential
}

func newRegistry(t *testing.T) (*ConnectionRegistry, *ChannelState, *clockwork.FakeClock) {
	t.Helper()
	repo, err := storage.NewJSONRepository("")
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	return NewConnectionRegistry(repo, pinTable{"alice": "1234"}, WithClock(clock)), NewChannelState(repo, clock), clock
}

func TestRegisterIngestCreatesPendingRow(t *testing.T) {
	ctx := context.Background()
	reg, _, clock := newRegistry(t)

	conn, previous, err := reg.RegisterIngest(ctx, "alice", 1, "alice-cam1")
	require.NoError(t, err)
	assert.Nil(t, previous)
	assert.Equal(t, models.CameraPending, conn.Status)
	assert.False(t, conn.Authorized)
	assert.True(t, conn.ConnectedAt.Equal(clock.Now()))
}

func TestRegisterIngestResetsOnRepublish(t *testing.T) {
	ctx := context.Background()
	reg, _, clock := newRegistry(t)

	_, _, err := reg.RegisterIngest(ctx, "alice", 1, "alice-cam1")
	require.NoError(t, err)
	_, err = reg.Authorize(ctx, "alice", 1, "1234")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	conn, previous, err := reg.RegisterIngest(ctx, "alice", 1, "alice-cam1")
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Equal(t, models.CameraReady, previous.Status)
	assert.Equal(t, models.CameraPending, conn.Status)
	assert.False(t, conn.Authorized)

	conns, err := reg.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, conns, 1)
}

func TestRegisterIngestValidatesInput(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newRegistry(t)

	_, _, err := reg.RegisterIngest(ctx, "", 1, "x")
	assert.ErrorIs(t, err, models.ErrUnknownOwner)
	_, _, err = reg.RegisterIngest(ctx, "alice", 0, "alice-cam0")
	require.Error(t, err)
	_, _, err = reg.RegisterIngest(ctx, "alice", 1, " ")
	assert.ErrorIs(t, err, models.ErrMalformedStreamKey)
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newRegistry(t)
	_, _, err := reg.RegisterIngest(ctx, "alice", 1, "alice-cam1")
	require.NoError(t, err)

	_, err = reg.Authorize(ctx, "alice", 1, "9999")
	assert.ErrorIs(t, err, models.ErrInvalidCredential)
	conn, _, err := reg.Get(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, models.CameraPending, conn.Status, "a wrong PIN must not change state")

	conn, err = reg.Authorize(ctx, "alice", 1, "1234")
	require.NoError(t, err)
	assert.Equal(t, models.CameraReady, conn.Status)
	assert.True(t, conn.Authorized)

	_, err = reg.Authorize(ctx, "alice", 1, "1234")
	assert.ErrorIs(t, err, models.ErrNotPending)
	_, err = reg.Authorize(ctx, "alice", 5, "1234")
	assert.ErrorIs(t, err, models.ErrNotPending)
}

func TestRejectOnlyPending(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newRegistry(t)
	_, _, err := reg.RegisterIngest(ctx, "alice", 1, "alice-cam1")
	require.NoError(t, err)
	_, _, err = reg.RegisterIngest(ctx, "alice", 2, "alice-cam2")
	require.NoError(t, err)
	_, err = reg.Authorize(ctx, "alice", 2, "1234")
	require.NoError(t, err)

	_, err = reg.Reject(ctx, "alice", 2)
	assert.ErrorIs(t, err, models.ErrNotPending)

	removed, err := reg.Reject(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed.CameraIndex)
	_, ok, err := reg.Get(ctx, "alice", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromoteDemotesPreviousOnAir(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newRegistry(t)
	for _, idx := range []int{1, 2} {
		_, _, err := reg.RegisterIngest(ctx, "alice", idx, "alice-cam"+string(rune('0'+idx)))
		require.NoError(t, err)
		_, err = reg.Authorize(ctx, "alice", idx, "1234")
		require.NoError(t, err)
	}

	promoted, demoted, err := reg.Promote(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, models.CameraOnAir, promoted.Status)
	assert.Empty(t, demoted)

	promoted, demoted, err = reg.Promote(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, promoted.CameraIndex)
	require.Len(t, demoted, 1)
	assert.Equal(t, 1, demoted[0].CameraIndex)
	assert.Equal(t, models.CameraReady, demoted[0].Status)

	onAir, ok, err := reg.OnAir(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, onAir.CameraIndex)

	_, _, err = reg.Promote(ctx, "alice", 2)
	assert.ErrorIs(t, err, models.ErrCameraNotReady)
	_, _, err = reg.Promote(ctx, "alice", 9)
	assert.ErrorIs(t, err, models.ErrConnectionNotFound)
}

func TestPromoteRequiresAuthorization(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newRegistry(t)
	_, _, err := reg.RegisterIngest(ctx, "alice", 1, "alice-cam1")
	require.NoError(t, err)

	_, _, err = reg.Promote(ctx, "alice", 1)
	assert.ErrorIs(t, err, models.ErrCameraNotReady)
}

func TestCloseReportsOnAir(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newRegistry(t)
	_, _, err := reg.RegisterIngest(ctx, "alice", 1, "alice-cam1")
	require.NoError(t, err)
	_, err = reg.Authorize(ctx, "alice", 1, "1234")
	require.NoError(t, err)
	_, _, err = reg.Promote(ctx, "alice", 1)
	require.NoError(t, err)

	removed, wasOnAir, err := reg.Close(ctx, "alice", 1)
	require.NoError(t, err)
	assert.True(t, wasOnAir)
	assert.Equal(t, "alice-cam1", removed.StreamKey)

	_, _, err = reg.Close(ctx, "alice", 1)
	assert.True(t, IsNotFound(err))
}

func TestDemoteAll(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newRegistry(t)
	demoted, err := reg.DemoteAll(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, demoted)

	_, _, err = reg.RegisterIngest(ctx, "alice", 3, "alice-cam3")
	require.NoError(t, err)
	_, err = reg.Authorize(ctx, "alice", 3, "1234")
	require.NoError(t, err)
	_, _, err = reg.Promote(ctx, "alice", 3)
	require.NoError(t, err)

	demoted, err = reg.DemoteAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, demoted, 1)
	assert.Equal(t, models.CameraReady, demoted[0].Status)
}

func TestTouchAndStale(t *testing.T) {
	ctx := context.Background()
	reg, _, clock := newRegistry(t)
	_, _, err := reg.RegisterIngest(ctx, "alice", 1, "alice-cam1")
	require.NoError(t, err)
	_, _, err = reg.RegisterIngest(ctx, "alice", 2, "alice-cam2")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	require.NoError(t, reg.Touch(ctx, "alice", 2))
	err = reg.Touch(ctx, "alice", 7)
	assert.True(t, errors.Is(err, models.ErrConnectionNotFound))

	stale, err := reg.Stale(ctx, "", clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, 1, stale[0].CameraIndex)
}

func TestChannelStateTransitions(t *testing.T) {
	ctx := context.Background()
	_, channels, clock := newRegistry(t)

	channel, err := channels.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, channel.Live)
	assert.Equal(t, "alice", channel.OwnerID)

	channel, changed, err := channels.MarkLive(ctx, "alice", "http://media/hls/program/alice.m3u8")
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, channel.StartedAt)
	started := *channel.StartedAt

	clock.Advance(time.Minute)
	channel, changed, err = channels.MarkLive(ctx, "alice", "http://media/hls/program/alice.m3u8")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, channel.StartedAt.Equal(started), "started_at only moves on an offline to live transition")

	live, err := channels.CountLive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, live)

	channel, changed, err = channels.MarkOffline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, channel.Live)
	assert.Empty(t, channel.OutputURL)

	_, changed, err = channels.MarkOffline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, changed)
}
