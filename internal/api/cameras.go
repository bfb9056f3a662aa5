package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"multicam-live/internal/models"
)

type cameraResponse struct {
	CameraIndex int                 `json:"cameraIndex"`
	StreamKey   string              `json:"streamKey"`
	Status      models.CameraStatus `json:"status"`
	Authorized  bool                `json:"authorized"`
	ConnectedAt time.Time           `json:"connectedAt"`
	LastContact time.Time           `json:"lastContact"`
	PlaybackURL *string             `json:"playbackUrl"`
}

type channelResponse struct {
	Live      bool       `json:"live"`
	OutputURL *string    `json:"outputUrl"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type authorizeRequest struct {
	PIN string `json:"pin"`
}

func (h *Handler) newCameraResponse(conn models.CameraConnection) cameraResponse {
	resp := cameraResponse{
		CameraIndex: conn.CameraIndex,
		StreamKey:   conn.StreamKey,
		Status:      conn.Status,
		Authorized:  conn.Authorized,
		ConnectedAt: conn.ConnectedAt,
		LastContact: conn.LastContact,
	}
	if conn.Playable() {
		if url := h.previewURL(conn.StreamKey); url != "" {
			resp.PlaybackURL = &url
		}
	}
	return resp
}

func newChannelResponse(channel models.BroadcastChannel) channelResponse {
	resp := channelResponse{Live: channel.Live, StartedAt: channel.StartedAt, UpdatedAt: channel.UpdatedAt}
	if channel.Live && channel.OutputURL != "" {
		url := channel.OutputURL
		resp.OutputURL = &url
	}
	return resp
}

func cameraIndexParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.Atoi(raw)
	if err != nil || index <= 0 {
		return 0, errors.New("camera index must be a positive integer")
	}
	return index, nil
}

// ListCameras returns the caller's camera connections.
func (h *Handler) ListCameras(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerFromContext(r.Context())
	conns, err := h.broadcaster.Cameras(r.Context(), ownerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cameras := make([]cameraResponse, 0, len(conns))
	for _, conn := range conns {
		cameras = append(cameras, h.newCameraResponse(conn))
	}
	writeOK(w, map[string]interface{}{"cameras": cameras})
}

// AuthorizeCamera checks the owner's PIN and marks a pending camera ready.
func (h *Handler) AuthorizeCamera(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerFromContext(r.Context())
	index, err := cameraIndexParam(r)
	if err != nil {
		writeRequestError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeRequestError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	conn, err := h.broadcaster.Authorize(r.Context(), ownerID, index, strings.TrimSpace(req.PIN))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, map[string]interface{}{"camera": h.newCameraResponse(conn)})
}

// RejectCamera drops a pending camera.
func (h *Handler) RejectCamera(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerFromContext(r.Context())
	index, err := cameraIndexParam(r)
	if err != nil {
		writeRequestError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.broadcaster.Reject(r.Context(), ownerID, index); err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, nil)
}

// CloseCamera removes a camera. Closing the on-air camera ends the broadcast
// when nothing else is on air.
func (h *Handler) CloseCamera(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerFromContext(r.Context())
	index, err := cameraIndexParam(r)
	if err != nil {
		writeRequestError(w, http.StatusBadRequest, err.Error())
		return
	}
	wasOnAir, err := h.broadcaster.CloseCamera(r.Context(), ownerID, index)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	stopped := false
	if wasOnAir {
		if stopped, err = h.broadcaster.StopIfIdle(r.Context(), ownerID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	writeOK(w, map[string]interface{}{"wasOnAir": wasOnAir, "broadcastStopped": stopped})
}

// GoLive switches the program to a ready camera, starting the broadcast if
// needed.
func (h *Handler) GoLive(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerFromContext(r.Context())
	index, err := cameraIndexParam(r)
	if err != nil {
		writeRequestError(w, http.StatusBadRequest, err.Error())
		return
	}
	channel, err := h.broadcaster.GoLive(r.Context(), ownerID, index)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, map[string]interface{}{"channel": newChannelResponse(channel)})
}

// StopBroadcast ends the caller's broadcast.
func (h *Handler) StopBroadcast(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerFromContext(r.Context())
	if err := h.broadcaster.Stop(r.Context(), ownerID); err != nil {
		h.fail(w, r, err)
		return
	}
	channel, err := h.broadcaster.Channel(r.Context(), ownerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, map[string]interface{}{"channel": newChannelResponse(channel)})
}

// GetChannel returns the caller's broadcast channel.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerFromContext(r.Context())
	channel, err := h.broadcaster.Channel(r.Context(), ownerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, map[string]interface{}{"channel": newChannelResponse(channel)})
}

// Session upgrades to the real-time notification stream.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerFromContext(r.Context())
	if h.sessions == nil {
		WriteError(w, http.StatusNotFound, "not_found", "real-time sessions are disabled")
		return
	}
	h.sessions.Serve(w, r, ownerID)
}
