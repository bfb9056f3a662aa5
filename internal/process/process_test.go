package process

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multicam-live/internal/models"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func testLauncher() *ExecLauncher {
	return NewExecLauncher(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func shellSpec(script string) Spec {
	return Spec{Role: "feeder", Owner: "alice", Binary: "/bin/sh", Args: []string{"-c", script}}
}

func TestStartSurvivesProbe(t *testing.T) {
	requireShell(t)

	proc, err := Start(context.Background(), testLauncher(), shellSpec("exec sleep 30"), 50*time.Millisecond, nil)
	require.NoError(t, err)
	require.True(t, proc.Alive())
	assert.NotZero(t, proc.Pid())

	forced := Terminate(proc, time.Second)
	assert.False(t, forced)
	assert.False(t, proc.Alive())
}

func TestStartReportsImmediateExitWithDiagnostics(t *testing.T) {
	requireShell(t)

	_, err := Start(context.Background(), testLauncher(), shellSpec("echo 'rtmp://x: Connection refused' >&2; exit 1"), 2*time.Second, nil)
	require.ErrorIs(t, err, models.ErrProcessLaunchFailed)

	var domainErr *models.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Contains(t, domainErr.Diagnostics, "Connection refused")
}

func TestStartReportsMissingBinary(t *testing.T) {
	_, err := Start(context.Background(), testLauncher(), Spec{Role: "master", Binary: "/nonexistent/ffmpeg"}, 0, nil)
	require.ErrorIs(t, err, models.ErrProcessLaunchFailed)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	requireShell(t)

	proc, err := testLauncher().Launch(shellSpec("trap '' TERM; exec sleep 30"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	forced := Terminate(proc, 200*time.Millisecond)
	assert.True(t, forced)
	assert.False(t, proc.Alive())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTerminateExitedProcessIsNoop(t *testing.T) {
	requireShell(t)

	proc, err := testLauncher().Launch(shellSpec("exit 0"))
	require.NoError(t, err)
	<-proc.Done()

	assert.False(t, Terminate(proc, time.Second))
	assert.False(t, Terminate(nil, time.Second))
}

func TestTailBufferKeepsMostRecentLines(t *testing.T) {
	w := &logWriter{tail: newTailBuffer(2)}
	_, err := w.Write([]byte("one\ntwo\r\nthree\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", w.tail.String())
}
