package models

import (
	"strings"
	"time"
)

// CameraStatus is the lifecycle state of a camera connection. A closed
// connection has no status because its row no longer exists.
type CameraStatus string

const (
	CameraPending CameraStatus = "pending"
	CameraReady   CameraStatus = "ready"
	CameraOnAir   CameraStatus = "on_air"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s CameraStatus) Valid() bool {
	switch s {
	case CameraPending, CameraReady, CameraOnAir:
		return true
	default:
		return false
	}
}

// ParseCameraStatus normalises a stored status value.
func ParseCameraStatus(raw string) (CameraStatus, bool) {
	status := CameraStatus(strings.ToLower(strings.TrimSpace(raw)))
	return status, status.Valid()
}

// CameraConnection is one contributor feed for an owner, keyed by
// (OwnerID, CameraIndex).
type CameraConnection struct {
	OwnerID     string       `json:"ownerId"`
	CameraIndex int          `json:"cameraIndex"`
	StreamKey   string       `json:"streamKey"`
	Status      CameraStatus `json:"status"`
	Authorized  bool         `json:"authorized"`
	ConnectedAt time.Time    `json:"connectedAt"`
	LastContact time.Time    `json:"lastContact"`
}

// Live reports whether the connection is the owner's on-air source.
func (c CameraConnection) Live() bool {
	return c.Status == CameraOnAir
}

// Playable reports whether the camera's preview output should be exposed to
// operators. Pending feeds stay hidden until authorized.
func (c CameraConnection) Playable() bool {
	return c.Status == CameraReady || c.Status == CameraOnAir
}

// Stale reports whether the connection stopped sending keep-alives before the
// cutoff. On-air connections are never stale.
func (c CameraConnection) Stale(cutoff time.Time) bool {
	if c.Status == CameraOnAir {
		return false
	}
	return c.LastContact.Before(cutoff)
}

// ConnectionKey identifies a camera connection.
type ConnectionKey struct {
	OwnerID     string
	CameraIndex int
}

// Key returns the connection's identity.
func (c CameraConnection) Key() ConnectionKey {
	return ConnectionKey{OwnerID: c.OwnerID, CameraIndex: c.CameraIndex}
}
