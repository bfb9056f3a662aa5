package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multicam-live/internal/layout"
	"multicam-live/internal/models"
	"multicam-live/internal/storage"
	"multicam-live/internal/testsupport"
)

type channelTable map[string]bool

func (c channelTable) Get(_ context.Context, ownerID string) (models.BroadcastChannel, error) {
	return models.BroadcastChannel{OwnerID: ownerID, Live: c[ownerID]}, nil
}

func newManager(t *testing.T, channels channelTable) (*Manager, *testsupport.FakeLauncher) {
	t.Helper()
	repo, err := storage.NewJSONRepository("")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, repo.SaveRelayAccount(ctx, models.RelayAccount{OwnerID: "alice", Platform: PlatformYouTube, StreamKey: "yt-secret", Active: true}))
	require.NoError(t, repo.SaveRelayAccount(ctx, models.RelayAccount{OwnerID: "alice", Platform: PlatformFacebook, IngestURL: "rtmps://fb.test/rtmp/", StreamKey: "fb-secret", Active: true}))
	require.NoError(t, repo.SaveRelayAccount(ctx, models.RelayAccount{OwnerID: "bob", Platform: PlatformYouTube, StreamKey: "bob-key", Active: false}))

	launcher := testsupport.NewFakeLauncher()
	manager, err := NewManager(Config{
		Launcher:     launcher,
		Layout:       layout.New(t.TempDir(), "http://media.test", "127.0.0.1", 1935),
		Channels:     channels,
		Accounts:     repo,
		Grace:        50 * time.Millisecond,
		StartupProbe: 5 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return manager, launcher
}

func TestDestinationURLs(t *testing.T) {
	url, err := YouTube{}.DestinationURL(models.RelayAccount{Platform: PlatformYouTube, StreamKey: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2/abc", url)

	url, err = Facebook{}.DestinationURL(models.RelayAccount{Platform: PlatformFacebook, IngestURL: "rtmps://custom/rtmp/", StreamKey: "xyz"})
	require.NoError(t, err)
	assert.Equal(t, "rtmps://custom/rtmp/xyz", url)

	_, err = Facebook{}.DestinationURL(models.RelayAccount{Platform: PlatformFacebook})
	require.ErrorIs(t, err, models.ErrRelayAccountMissing)
}

func TestOutboundArgsCopyStreams(t *testing.T) {
	args := YouTube{}.OutboundArgs("rtmp://127.0.0.1:1935/program_switch/alice", "rtmp://dest/key")
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "warning",
		"-i", "rtmp://127.0.0.1:1935/program_switch/alice",
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "flv",
		"rtmp://dest/key",
	}, args)
}

func TestLookupUnknownDestination(t *testing.T) {
	_, err := Lookup("twitch")
	require.ErrorIs(t, err, models.ErrUnknownDestination)

	dest, err := Lookup(" YouTube ")
	require.NoError(t, err)
	assert.Equal(t, PlatformYouTube, dest.Name())
}

func TestStartRequiresLiveChannel(t *testing.T) {
	manager, launcher := newManager(t, channelTable{})
	_, err := manager.Start(context.Background(), "alice", PlatformYouTube, false)
	require.ErrorIs(t, err, models.ErrChannelOffline)
	assert.Zero(t, launcher.Count(roleRelay))
}

func TestStartRequiresActiveAccount(t *testing.T) {
	manager, _ := newManager(t, channelTable{"alice": true, "bob": true})
	_, err := manager.Start(context.Background(), "bob", PlatformYouTube, false)
	require.ErrorIs(t, err, models.ErrRelayAccountMissing)

	_, err = manager.Start(context.Background(), "bob", PlatformFacebook, false)
	require.ErrorIs(t, err, models.ErrRelayAccountMissing)
}

func TestStartAndStopRelay(t *testing.T) {
	ctx := context.Background()
	manager, launcher := newManager(t, channelTable{"alice": true})

	status, err := manager.Start(ctx, "alice", PlatformYouTube, false)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, PlatformYouTube, status.Platform)
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2/****", status.Destination)

	launched := launcher.Launched(roleRelay)
	require.Len(t, launched, 1)
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2/yt-secret", launched[0].Spec.Args[len(launched[0].Spec.Args)-1])
	assert.Contains(t, launched[0].Spec.Args, "rtmp://127.0.0.1:1935/program_switch/alice")
	assert.Len(t, manager.Status("alice"), 1)

	stopped, err := manager.Stop(ctx, "alice", PlatformFacebook)
	require.NoError(t, err)
	assert.False(t, stopped)

	stopped, err = manager.Stop(ctx, "alice", PlatformYouTube)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.True(t, launched[0].Terminated())
	assert.Empty(t, manager.Status("alice"))
}

func TestSecondRelayNeedsForce(t *testing.T) {
	ctx := context.Background()
	manager, launcher := newManager(t, channelTable{"alice": true})

	_, err := manager.Start(ctx, "alice", PlatformYouTube, false)
	require.NoError(t, err)

	_, err = manager.Start(ctx, "alice", PlatformFacebook, false)
	require.ErrorIs(t, err, models.ErrRelayActive)

	status, err := manager.Start(ctx, "alice", PlatformFacebook, true)
	require.NoError(t, err)
	assert.Equal(t, PlatformFacebook, status.Platform)
	assert.Equal(t, "rtmps://fb.test/rtmp/****", status.Destination)

	first := launcher.Launched(roleRelay)[0]
	assert.True(t, first.Terminated())
	assert.Len(t, manager.Status("alice"), 1)
}

func TestStartReportsLaunchFailure(t *testing.T) {
	manager, launcher := newManager(t, channelTable{"alice": true})
	launcher.ExitRole(roleRelay, "Connection to tcp://a.rtmp.youtube.com:1935 failed")

	_, err := manager.Start(context.Background(), "alice", PlatformYouTube, false)
	require.ErrorIs(t, err, models.ErrProcessLaunchFailed)
	var domainErr *models.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Contains(t, domainErr.Diagnostics, "Connection to tcp")
	assert.Empty(t, manager.Status("alice"))
}

func TestStopOwnerAndPruneExited(t *testing.T) {
	ctx := context.Background()
	manager, launcher := newManager(t, channelTable{"alice": true})

	_, err := manager.Start(ctx, "alice", PlatformYouTube, false)
	require.NoError(t, err)
	manager.StopOwner(ctx, "alice")
	assert.Empty(t, manager.Status("alice"))

	_, err = manager.Start(ctx, "alice", PlatformYouTube, false)
	require.NoError(t, err)
	launched := launcher.Launched(roleRelay)
	launched[len(launched)-1].Exit(errors.New("exit status 1"))

	assert.Equal(t, 1, manager.PruneExited())
	assert.Empty(t, manager.Status("alice"))
	assert.Zero(t, manager.PruneExited())
}

func TestLoadAccounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relays.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"ownerId":"alice","platform":" YouTube ","streamKey":"k","active":true}]`), 0o600))

	accounts, err := LoadAccounts(path)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, PlatformYouTube, accounts[0].Platform)

	require.NoError(t, os.WriteFile(path, []byte(`[{"ownerId":"alice","platform":"myspace"}]`), 0o600))
	_, err = LoadAccounts(path)
	require.ErrorIs(t, err, models.ErrUnknownDestination)
}
