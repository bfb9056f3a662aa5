package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multicam-live/internal/models"
)

// RepositoryFactory opens an empty repository for cross-backend scenarios.
type RepositoryFactory func(t *testing.T) Repository

var scenarioEpoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func camera(owner string, index int, status models.CameraStatus, lastContact time.Time) models.CameraConnection {
	return models.CameraConnection{
		OwnerID:     owner,
		CameraIndex: index,
		StreamKey:   owner + "-cam" + string(rune('0'+index)),
		Status:      status,
		Authorized:  status != models.CameraPending,
		ConnectedAt: scenarioEpoch,
		LastContact: lastContact,
	}
}

// RunRepositoryConnectionLifecycle covers upsert, list ordering, touch and
// delete.
func RunRepositoryConnectionLifecycle(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := factory(t)

	require.NoError(t, repo.UpsertConnection(ctx, camera("alice", 2, models.CameraPending, scenarioEpoch)))
	require.NoError(t, repo.UpsertConnection(ctx, camera("alice", 1, models.CameraReady, scenarioEpoch)))
	require.NoError(t, repo.UpsertConnection(ctx, camera("bob", 1, models.CameraPending, scenarioEpoch)))

	conns, err := repo.ListConnections(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, 1, conns[0].CameraIndex)
	assert.Equal(t, 2, conns[1].CameraIndex)

	touched, err := repo.TouchConnection(ctx, "alice", 2, scenarioEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, touched)
	got, ok, err := repo.GetConnection(ctx, "alice", 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.LastContact.Equal(scenarioEpoch.Add(time.Minute)))

	touched, err = repo.TouchConnection(ctx, "alice", 9, scenarioEpoch)
	require.NoError(t, err)
	assert.False(t, touched)

	removed, ok, err := repo.DeleteConnection(ctx, "alice", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.CameraReady, removed.Status)

	_, ok, err = repo.DeleteConnection(ctx, "alice", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	owners, err := repo.ListOwners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, owners)
}

// RunRepositorySwitchOnAir checks that a demotion and a promotion saved
// together never leave two on-air rows.
func RunRepositorySwitchOnAir(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := factory(t)

	require.NoError(t, repo.UpsertConnection(ctx, camera("alice", 1, models.CameraOnAir, scenarioEpoch)))
	require.NoError(t, repo.UpsertConnection(ctx, camera("alice", 2, models.CameraReady, scenarioEpoch)))

	promote := camera("alice", 2, models.CameraOnAir, scenarioEpoch)
	demote := camera("alice", 1, models.CameraReady, scenarioEpoch)
	require.NoError(t, repo.SaveConnections(ctx, promote, demote))

	conns, err := repo.ListConnections(ctx, "alice")
	require.NoError(t, err)
	onAir := 0
	for _, conn := range conns {
		if conn.Status == models.CameraOnAir {
			onAir++
			assert.Equal(t, 2, conn.CameraIndex)
		}
	}
	assert.Equal(t, 1, onAir)

	err = repo.SaveConnections(ctx, camera("alice", 1, models.CameraOnAir, scenarioEpoch))
	require.Error(t, err, "a second on-air row must be rejected")

	require.NoError(t, repo.SaveConnections(ctx, camera("alice", 7, models.CameraReady, scenarioEpoch)), "missing rows are skipped")
	_, ok, err := repo.GetConnection(ctx, "alice", 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

// RunRepositoryStaleConnections checks that on-air rows are never returned
// as stale.
func RunRepositoryStaleConnections(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := factory(t)
	old := scenarioEpoch.Add(-24 * time.Hour)

	require.NoError(t, repo.UpsertConnection(ctx, camera("alice", 1, models.CameraOnAir, old)))
	require.NoError(t, repo.UpsertConnection(ctx, camera("alice", 2, models.CameraReady, old)))
	require.NoError(t, repo.UpsertConnection(ctx, camera("alice", 3, models.CameraPending, scenarioEpoch)))
	require.NoError(t, repo.UpsertConnection(ctx, camera("bob", 1, models.CameraPending, old)))

	stale, err := repo.ListStaleConnections(ctx, "", scenarioEpoch.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, models.ConnectionKey{OwnerID: "alice", CameraIndex: 2}, stale[0].Key())
	assert.Equal(t, models.ConnectionKey{OwnerID: "bob", CameraIndex: 1}, stale[1].Key())

	stale, err = repo.ListStaleConnections(ctx, "bob", scenarioEpoch.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
}

// RunRepositoryChannelAndAccounts covers channel, owner and relay records.
func RunRepositoryChannelAndAccounts(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := factory(t)

	_, ok, err := repo.GetChannel(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	started := scenarioEpoch
	require.NoError(t, repo.SaveChannel(ctx, models.BroadcastChannel{OwnerID: "alice", Live: true, OutputURL: "http://x/hls/program/alice.m3u8", StartedAt: &started, UpdatedAt: started}))
	require.NoError(t, repo.SaveChannel(ctx, models.BroadcastChannel{OwnerID: "bob", UpdatedAt: started}))

	channel, ok, err := repo.GetChannel(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, channel.Live)
	require.NotNil(t, channel.StartedAt)
	assert.True(t, channel.StartedAt.Equal(started))

	bob, ok, err := repo.GetChannel(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, bob.StartedAt)

	count, err := repo.CountLiveChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, repo.SaveOwner(ctx, models.Owner{ID: "alice", Active: true, PINHash: "pbkdf2$x"}))
	owner, ok, err := repo.GetOwner(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, owner.Active)
	assert.Equal(t, "pbkdf2$x", owner.PINHash)

	require.NoError(t, repo.SaveRelayAccount(ctx, models.RelayAccount{OwnerID: "alice", Platform: "YouTube", IngestURL: "rtmp://a.rtmp.youtube.com/live2", StreamKey: "abcd", Active: true}))
	account, ok, err := repo.GetRelayAccount(ctx, "alice", "youtube")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abcd", account.StreamKey)
}
