package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multicam-live/internal/broadcast"
	"multicam-live/internal/layout"
	"multicam-live/internal/models"
	"multicam-live/internal/registry"
	"multicam-live/internal/storage"
	"multicam-live/internal/supervisor"
	"multicam-live/internal/testsupport"
)

const testPIN = "1357"

type pinTable map[string]string

func (p pinTable) VerifyPIN(_ context.Context, ownerID, pin string) error {
	if expected, ok := p[ownerID]; ok && expected == pin {
		return nil
	}
	return models.ErrInvalidCredential
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) CameraChanged(conn models.CameraConnection) {
	l.add("camera_changed %d %s", conn.CameraIndex, conn.Status)
}

func (l *eventLog) CameraRemoved(_ string, cameraIndex int) {
	l.add("camera_removed %d", cameraIndex)
}

func (l *eventLog) ChannelChanged(channel models.BroadcastChannel) {
	l.add("channel_changed live=%t", channel.Live)
}

func (l *eventLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.events
	l.events = nil
	return events
}

type stopLog struct {
	mu     sync.Mutex
	owners []string
}

func (l *stopLog) record(_ context.Context, ownerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners = append(l.owners, ownerID)
}

func (l *stopLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.owners...)
}

type fixture struct {
	stops    *stopLog
	clock    *clockwork.FakeClock
	ctrl     *broadcast.Controller
	sup      *supervisor.Supervisor
	launcher *testsupport.FakeLauncher
	registry *registry.ConnectionRegistry
	channels *registry.ChannelState
	layout   layout.Layout
	events   *eventLog
	sweeper  *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := storage.NewJSONRepository("")
	require.NoError(t, err)

	f := &fixture{
		clock:    clockwork.NewFakeClockAt(time.Date(2024, 6, 3, 18, 0, 0, 0, time.UTC)),
		launcher: testsupport.NewFakeLauncher(),
		layout:   layout.New(t.TempDir(), "http://media.test", "127.0.0.1", 1935),
		events:   &eventLog{},
		stops:    &stopLog{},
	}
	require.NoError(t, f.layout.EnsureProgramDir())
	f.sup = supervisor.New(supervisor.Config{
		Layout:       f.layout,
		Grace:        50 * time.Millisecond,
		StartupProbe: 5 * time.Millisecond,
	}, f.launcher, logger, nil)
	f.registry = registry.NewConnectionRegistry(repo, pinTable{"alice": testPIN}, registry.WithClock(f.clock))
	f.channels = registry.NewChannelState(repo, f.clock)

	f.ctrl, err = broadcast.NewController(broadcast.Config{
		Registry:   f.registry,
		Channels:   f.channels,
		Supervisor: f.sup,
		Notifier:   f.events,
		OutputURL:  f.layout.ProgramURL,
		OnStop:     f.stops.record,
		Logger:     logger,
	})
	require.NoError(t, err)

	f.sweeper, err = New(Config{
		Controller:     f.ctrl,
		Registry:       f.registry,
		Channels:       f.channels,
		Supervisor:     f.sup,
		Artifacts:      f.layout,
		Notifier:       f.events,
		OutputURL:      f.layout.ProgramURL,
		Interval:       30 * time.Second,
		StaleTimeout:   2 * time.Minute,
		ArtifactMaxAge: 20 * time.Second,
		Clock:          f.clock,
		Logger:         logger,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) camera(t *testing.T, index int, authorize bool) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ctrl.RegisterIngest(ctx, "alice", index, fmt.Sprintf("alice-cam%d", index))
	require.NoError(t, err)
	if authorize {
		_, err = f.ctrl.Authorize(ctx, "alice", index, testPIN)
		require.NoError(t, err)
	}
}

func (f *fixture) goLive(t *testing.T, index int) {
	t.Helper()
	_, err := f.ctrl.GoLive(context.Background(), "alice", index)
	require.NoError(t, err)
	require.True(t, f.sup.IsMasterRunning("alice"))
	f.events.take()
}

func (f *fixture) crashMaster(t *testing.T) {
	t.Helper()
	masters := f.launcher.Launched(supervisor.RoleMaster)
	require.NotEmpty(t, masters)
	masters[len(masters)-1].Exit(errors.New("exit status 1"))
	require.False(t, f.sup.IsMasterRunning("alice"))
}

func (f *fixture) writePlaylist(t *testing.T, age time.Duration) {
	t.Helper()
	path := f.layout.ProgramPlaylistPath("alice")
	require.NoError(t, os.WriteFile(path, []byte("#EXTM3U\n"), 0o644))
	modified := f.clock.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, modified, modified))
}

func (f *fixture) status(t *testing.T, index int) (models.CameraStatus, bool) {
	t.Helper()
	conn, ok, err := f.registry.Get(context.Background(), "alice", index)
	require.NoError(t, err)
	return conn.Status, ok
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestReapStaleConnectionsKeepsOnAirCamera(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.camera(t, 1, true)
	f.camera(t, 2, false)
	f.camera(t, 3, true)
	f.goLive(t, 3)

	f.clock.Advance(3 * time.Minute)
	reaped, err := f.sweeper.ReapStaleConnections(ctx, 2*time.Minute, "")
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)

	_, ok := f.status(t, 1)
	assert.False(t, ok)
	_, ok = f.status(t, 2)
	assert.False(t, ok)
	status, ok := f.status(t, 3)
	require.True(t, ok)
	assert.Equal(t, models.CameraOnAir, status)
	assert.ElementsMatch(t, []string{"camera_removed 1", "camera_removed 2"}, f.events.take())

	channel, err := f.channels.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, channel.Live)
}

func TestReapStaleConnectionsHonoursKeepAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.camera(t, 1, true)
	f.camera(t, 2, true)

	f.clock.Advance(90 * time.Second)
	require.NoError(t, f.ctrl.Touch(ctx, "alice", 1))
	f.clock.Advance(90 * time.Second)

	reaped, err := f.sweeper.ReapStaleConnections(ctx, 2*time.Minute, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	_, ok := f.status(t, 1)
	assert.True(t, ok)
	_, ok = f.status(t, 2)
	assert.False(t, ok)
}

func TestReapStaleConnectionsScopedToOwner(t *testing.T) {
	f := newFixture(t)
	f.camera(t, 1, false)
	f.clock.Advance(5 * time.Minute)

	reaped, err := f.sweeper.ReapStaleConnections(context.Background(), 2*time.Minute, "bob")
	require.NoError(t, err)
	assert.Zero(t, reaped)
	_, ok := f.status(t, 1)
	assert.True(t, ok)
}

func TestReconcileChannelMarksOfflineWhenOutputDied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.camera(t, 1, true)
	f.goLive(t, 1)
	f.crashMaster(t)

	corrected, err := f.sweeper.ReconcileChannel(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, corrected)

	channel, err := f.channels.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, channel.Live)
	assert.Empty(t, channel.OutputURL)
	status, _ := f.status(t, 1)
	assert.Equal(t, models.CameraReady, status)
	assert.False(t, f.sup.HasProcesses("alice"))
	assert.Equal(t, []string{"camera_changed 1 ready", "channel_changed live=false"}, f.events.take())
	assert.Equal(t, []string{"alice"}, f.stops.list(), "self-heal must run the controller's stop hook")

	// The demoted camera can be taken live again.
	_, err = f.ctrl.GoLive(ctx, "alice", 1)
	require.NoError(t, err)
}

func TestReconcileChannelTrustsFreshPlaylist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.camera(t, 1, true)
	f.goLive(t, 1)
	f.crashMaster(t)
	f.writePlaylist(t, 5*time.Second)

	corrected, err := f.sweeper.ReconcileChannel(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, corrected)
	assert.Empty(t, f.events.take())

	f.clock.Advance(time.Minute)
	corrected, err = f.sweeper.ReconcileChannel(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, corrected)
	channel, err := f.channels.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, channel.Live)
}

func TestReconcileChannelMarksLiveWhenOutputRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.camera(t, 1, true)
	f.goLive(t, 1)
	_, _, err := f.channels.MarkOffline(ctx, "alice")
	require.NoError(t, err)

	corrected, err := f.sweeper.ReconcileChannel(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, corrected)

	channel, err := f.channels.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, channel.Live)
	assert.Equal(t, f.layout.ProgramURL("alice"), channel.OutputURL)
	assert.Equal(t, []string{"channel_changed live=true"}, f.events.take())
}

func TestReconcileChannelLeavesConsistentStateAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.camera(t, 1, true)

	corrected, err := f.sweeper.ReconcileChannel(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, corrected)

	f.goLive(t, 1)
	corrected, err = f.sweeper.ReconcileChannel(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, corrected)
	assert.Empty(t, f.events.take())
}

func TestReconcileChannelDemotesOrphanedOnAirCamera(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.camera(t, 1, true)
	_, _, err := f.registry.Promote(ctx, "alice", 1)
	require.NoError(t, err)
	f.events.take()

	corrected, err := f.sweeper.ReconcileChannel(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, corrected)
	status, _ := f.status(t, 1)
	assert.Equal(t, models.CameraReady, status)
	assert.Equal(t, []string{"camera_changed 1 ready"}, f.events.take())
	assert.Equal(t, []string{"alice"}, f.stops.list())
}

func TestReconcileChannelStopsRelaysOnCrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.camera(t, 1, true)
	f.goLive(t, 1)
	require.Empty(t, f.stops.list())
	f.crashMaster(t)

	for i := 0; i < 2; i++ {
		_, err := f.sweeper.ReconcileChannel(ctx, "alice")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"alice"}, f.stops.list(), "hook fires once per teardown")
	assert.Equal(t, 1, f.launcher.Count(supervisor.RoleMaster))
}

func TestRunSweepsAtStartupAndOnInterval(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.camera(t, 1, true)
	f.goLive(t, 1)
	f.crashMaster(t)

	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()

	require.Eventually(t, func() bool {
		channel, err := f.channels.Get(context.Background(), "alice")
		return err == nil && !channel.Live
	}, time.Second, 5*time.Millisecond)

	f.camera(t, 2, false)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(3 * time.Minute)

	require.Eventually(t, func() bool {
		conns, err := f.registry.List(context.Background(), "alice")
		return err == nil && len(conns) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
