package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesSentinelByReason(t *testing.T) {
	err := Wrapf(ErrCameraNotReady, nil, "camera %d is %s", 2, CameraPending)
	wrapped := fmt.Errorf("go live: %w", err)

	assert.True(t, errors.Is(wrapped, ErrCameraNotReady))
	assert.False(t, errors.Is(wrapped, ErrNotPending))
	assert.Equal(t, KindInvalidState, KindOf(wrapped))
	assert.Equal(t, "go live: camera 2 is pending", wrapped.Error())
}

func TestLaunchFailedCarriesDiagnostics(t *testing.T) {
	cause := errors.New("exit status 1")
	err := LaunchFailed("master", cause, "Connection refused")

	require.ErrorIs(t, err, ErrProcessLaunchFailed)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindProcessLaunch, err.Kind)
	assert.Equal(t, "Connection refused", err.Diagnostics)
	assert.Contains(t, err.Error(), "master encoder failed to start")
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("boom")))
}

func TestCameraConnectionStale(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-time.Minute)

	cam := CameraConnection{Status: CameraReady, LastContact: now.Add(-2 * time.Minute)}
	assert.True(t, cam.Stale(cutoff))

	cam.Status = CameraOnAir
	assert.False(t, cam.Stale(cutoff), "on-air connections are never stale")

	cam.Status = CameraPending
	cam.LastContact = now
	assert.False(t, cam.Stale(cutoff))
}

func TestParseCameraStatus(t *testing.T) {
	status, ok := ParseCameraStatus(" ON_AIR ")
	require.True(t, ok)
	assert.Equal(t, CameraOnAir, status)

	_, ok = ParseCameraStatus("closed")
	assert.False(t, ok)
}
