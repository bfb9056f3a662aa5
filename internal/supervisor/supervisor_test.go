package supervisor

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
	"multicam-live/internal/testsupport"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *testsupport.FakeLauncher, layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir(), "http://media.test", "127.0.0.1", 1935)
	launcher := testsupport.NewFakeLauncher()
	sup := New(Config{
		FFmpegPath:   "ffmpeg",
		Layout:       l,
		Grace:        50 * time.Millisecond,
		StartupProbe: 10 * time.Millisecond,
	}, launcher, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	return sup, launcher, l
}

func TestStartMasterIsNoopWhileAlive(t *testing.T) {
	sup, launcher, _ := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.StartMaster(ctx, "alice"))
	require.NoError(t, sup.StartMaster(ctx, "alice"))

	assert.Equal(t, 1, launcher.Count(RoleMaster))
	assert.True(t, sup.IsMasterRunning("alice"))
	assert.False(t, sup.IsMasterRunning("bob"))
}

func TestStartMasterReplacesCrashedMaster(t *testing.T) {
	sup, launcher, _ := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.StartMaster(ctx, "alice"))
	launcher.Last(RoleMaster).Exit(errors.New("segfault"))
	assert.False(t, sup.IsMasterRunning("alice"))

	require.NoError(t, sup.StartMaster(ctx, "alice"))
	assert.Equal(t, 2, launcher.Count(RoleMaster))
	assert.True(t, sup.IsMasterRunning("alice"))
}

func TestStartMasterCleansPreviousOutput(t *testing.T) {
	sup, _, l := newTestSupervisor(t)
	require.NoError(t, l.EnsureProgramDir())
	stale := filepath.Join(l.ProgramDir(), "alice_00042.ts")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(l.ProgramPlaylistPath("alice"), []byte("#EXTM3U"), 0o644))

	require.NoError(t, sup.StartMaster(context.Background(), "alice"))

	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, l.ProgramPlaylistPath("alice"))
}

func TestStartMasterReportsImmediateExit(t *testing.T) {
	sup, launcher, _ := newTestSupervisor(t)
	launcher.ExitRole(RoleMaster, "Unknown encoder 'libx264'")

	err := sup.StartMaster(context.Background(), "alice")
	require.ErrorIs(t, err, models.ErrProcessLaunchFailed)

	var domainErr *models.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Contains(t, domainErr.Diagnostics, "libx264")
	assert.False(t, sup.IsMasterRunning("alice"))
	assert.False(t, sup.HasProcesses("alice"))
}

func TestSwitchFeederTerminatesPreviousFirst(t *testing.T) {
	sup, launcher, _ := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.SwitchFeeder(ctx, "alice", "alice-cam1"))
	first := launcher.Last(RoleFeeder)
	require.NoError(t, sup.SwitchFeeder(ctx, "alice", "alice-cam2"))
	second := launcher.Last(RoleFeeder)

	assert.True(t, first.Terminated())
	assert.False(t, first.Alive())
	assert.True(t, second.Alive())
	assert.Contains(t, second.Spec.Args, "rtmp://127.0.0.1:1935/live/alice-cam2")
	assert.Contains(t, second.Spec.Args, "rtmp://127.0.0.1:1935/program_switch/alice")
	assert.Contains(t, second.Spec.Args, "expr:gte(t,0)")
}

func TestSwitchFeederEscalatesToKill(t *testing.T) {
	sup, launcher, _ := newTestSupervisor(t)
	ctx := context.Background()
	launcher.IgnoreTerm(RoleFeeder)

	require.NoError(t, sup.SwitchFeeder(ctx, "alice", "alice-cam1"))
	stubborn := launcher.Last(RoleFeeder)
	require.NoError(t, sup.SwitchFeeder(ctx, "alice", "alice-cam2"))

	assert.True(t, stubborn.Killed())
	assert.False(t, stubborn.Alive())
}

func TestSwitchFeederLaunchFailureLeavesNoFeeder(t *testing.T) {
	sup, launcher, _ := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.SwitchFeeder(ctx, "alice", "alice-cam1"))
	launcher.FailRole(RoleFeeder, errors.New("exec: ffmpeg not found"))

	err := sup.SwitchFeeder(ctx, "alice", "alice-cam2")
	require.ErrorIs(t, err, models.ErrProcessLaunchFailed)
	assert.False(t, sup.HasProcesses("alice"))
}

func TestStopAllTearsDownAndFlushes(t *testing.T) {
	sup, launcher, _ := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.SwitchFeeder(ctx, "alice", "alice-cam1"))
	require.NoError(t, sup.StartMaster(ctx, "alice"))
	feeder, master := launcher.Last(RoleFeeder), launcher.Last(RoleMaster)

	assert.True(t, sup.StopAll(ctx, "alice"))

	assert.False(t, feeder.Alive())
	assert.False(t, master.Alive())
	assert.Equal(t, 1, launcher.Count(RoleFlush))
	assert.Contains(t, launcher.Last(RoleFlush).Spec.Args, "anullsrc")
	assert.False(t, sup.HasProcesses("alice"))
	assert.Empty(t, sup.Owners())
}

func TestStopAllWithoutProcessesDoesNothing(t *testing.T) {
	sup, launcher, _ := newTestSupervisor(t)

	assert.False(t, sup.StopAll(context.Background(), "alice"))
	assert.Empty(t, launcher.Launched(""))
}

func TestShutdownTerminatesEveryOwner(t *testing.T) {
	sup, launcher, _ := newTestSupervisor(t)
	ctx := context.Background()
	require.NoError(t, sup.StartMaster(ctx, "alice"))
	require.NoError(t, sup.StartMaster(ctx, "bob"))
	require.NoError(t, sup.SwitchFeeder(ctx, "bob", "bob-cam3"))

	require.NoError(t, sup.Shutdown(ctx))

	for _, proc := range launcher.Launched("") {
		assert.False(t, proc.Alive(), "%s for %s", proc.Spec.Role, proc.Spec.Owner)
	}
	assert.Zero(t, launcher.Count(RoleFlush))
	assert.Empty(t, sup.Owners())
}

func TestMasterArgs(t *testing.T) {
	l := layout.New("/srv/hls", "", "10.0.0.5", 1935)
	args := MasterArgs(l, "alice")

	assert.Equal(t, filepath.Join("/srv/hls", "program", "alice.m3u8"), args[len(args)-1])
	assert.Subset(t, args, []string{
		"rtmp://10.0.0.5:1935/program_switch/alice",
		"delete_segments+program_date_time",
		"veryfast",
		"-sc_threshold",
	})
}
