// Package notify fans out camera and channel state deltas to the operator
// sessions of each owner. Delivery is best-effort and at most once; a
// reconnecting session is resynchronized with a snapshot.
package notify

import (
	"encoding/json"
	"fmt"

	"multicam-live/internal/models"
)

// EventType discriminates wire events.
type EventType string

const (
	EventSnapshot       EventType = "snapshot"
	EventCameraChanged  EventType = "camera_changed"
	EventCameraRemoved  EventType = "camera_removed"
	EventChannelChanged EventType = "channel_changed"
)

// CameraView is the operator-visible state of one camera. PlaybackURL is
// null unless the camera is ready or on air.
type CameraView struct {
	Status      models.CameraStatus `json:"status"`
	Authorized  bool                `json:"authorized"`
	PlaybackURL *string             `json:"playback_url"`
}

// ChannelView is the operator-visible state of the broadcast channel.
type ChannelView struct {
	Live      bool    `json:"live"`
	OutputURL *string `json:"output_url"`
}

// Event is one delta or snapshot for an owner. OwnerID routes the event and
// is not part of the session wire format.
type Event struct {
	Type        EventType
	OwnerID     string
	CameraIndex int
	Camera      CameraView
	Channel     ChannelView
	Cameras     map[int]CameraView
}

type wireEvent struct {
	Type        EventType           `json:"type"`
	CameraIndex *int                `json:"camera_index,omitempty"`
	Status      models.CameraStatus `json:"status,omitempty"`
	Authorized  *bool               `json:"authorized,omitempty"`
	PlaybackURL *string             `json:"playback_url,omitempty"`
	Live        *bool               `json:"live,omitempty"`
	OutputURL   *string             `json:"output_url,omitempty"`
	Cameras     map[int]CameraView  `json:"cameras,omitempty"`
	Channel     *ChannelView        `json:"channel,omitempty"`
}

// MarshalJSON writes the flat per-type wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventCameraChanged:
		return json.Marshal(map[string]any{
			"type":         e.Type,
			"camera_index": e.CameraIndex,
			"status":       e.Camera.Status,
			"authorized":   e.Camera.Authorized,
			"playback_url": e.Camera.PlaybackURL,
		})
	case EventCameraRemoved:
		return json.Marshal(map[string]any{
			"type":         e.Type,
			"camera_index": e.CameraIndex,
		})
	case EventChannelChanged:
		return json.Marshal(map[string]any{
			"type":       e.Type,
			"live":       e.Channel.Live,
			"output_url": e.Channel.OutputURL,
		})
	case EventSnapshot:
		cameras := e.Cameras
		if cameras == nil {
			cameras = map[int]CameraView{}
		}
		return json.Marshal(map[string]any{
			"type":    e.Type,
			"cameras": cameras,
			"channel": e.Channel,
		})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// UnmarshalJSON reads the wire shape written by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	decoded := Event{Type: wire.Type, OwnerID: e.OwnerID}
	if wire.CameraIndex != nil {
		decoded.CameraIndex = *wire.CameraIndex
	}
	switch wire.Type {
	case EventCameraChanged:
		decoded.Camera = CameraView{Status: wire.Status, PlaybackURL: wire.PlaybackURL}
		if wire.Authorized != nil {
			decoded.Camera.Authorized = *wire.Authorized
		}
	case EventCameraRemoved:
	case EventChannelChanged:
		decoded.Channel = ChannelView{OutputURL: wire.OutputURL}
		if wire.Live != nil {
			decoded.Channel.Live = *wire.Live
		}
	case EventSnapshot:
		decoded.Cameras = wire.Cameras
		if wire.Channel != nil {
			decoded.Channel = *wire.Channel
		}
	default:
		return fmt.Errorf("unknown event type %q", wire.Type)
	}
	*e = decoded
	return nil
}

// PreviewURLFunc maps a stream key to its preview playlist.
type PreviewURLFunc func(streamKey string) string

func cameraView(conn models.CameraConnection, previewURL PreviewURLFunc) CameraView {
	view := CameraView{Status: conn.Status, Authorized: conn.Authorized}
	if conn.Playable() && previewURL != nil {
		url := previewURL(conn.StreamKey)
		view.PlaybackURL = &url
	}
	return view
}

func channelView(channel models.BroadcastChannel) ChannelView {
	view := ChannelView{Live: channel.Live}
	if channel.Live && channel.OutputURL != "" {
		url := channel.OutputURL
		view.OutputURL = &url
	}
	return view
}

// CameraChangedEvent describes conn's current state.
func CameraChangedEvent(conn models.CameraConnection, previewURL PreviewURLFunc) Event {
	return Event{
		Type:        EventCameraChanged,
		OwnerID:     conn.OwnerID,
		CameraIndex: conn.CameraIndex,
		Camera:      cameraView(conn, previewURL),
	}
}

// CameraRemovedEvent announces that a camera connection is gone.
func CameraRemovedEvent(ownerID string, cameraIndex int) Event {
	return Event{Type: EventCameraRemoved, OwnerID: ownerID, CameraIndex: cameraIndex}
}

// ChannelChangedEvent describes the channel's current state.
func ChannelChangedEvent(channel models.BroadcastChannel) Event {
	return Event{Type: EventChannelChanged, OwnerID: channel.OwnerID, Channel: channelView(channel)}
}

// SnapshotEvent captures every camera plus the channel.
func SnapshotEvent(ownerID string, conns []models.CameraConnection, channel models.BroadcastChannel, previewURL PreviewURLFunc) Event {
	cameras := make(map[int]CameraView, len(conns))
	for _, conn := range conns {
		cameras[conn.CameraIndex] = cameraView(conn, previewURL)
	}
	return Event{Type: EventSnapshot, OwnerID: ownerID, Cameras: cameras, Channel: channelView(channel)}
}
