package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type startRelayRequest struct {
	Force bool `json:"force"`
}

// ListRelays reports the caller's relays.
func (h *Handler) ListRelays(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerFromContext(r.Context())
	writeOK(w, map[string]interface{}{"relays": h.relays.Status(ownerID)})
}

// StartRelay pushes the caller's program to a platform.
func (h *Handler) StartRelay(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerFromContext(r.Context())
	var req startRelayRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeRequestError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	status, err := h.relays.Start(r.Context(), ownerID, chi.URLParam(r, "platform"), req.Force)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, map[string]interface{}{"relay": status})
}

// StopRelay stops the caller's relay to a platform.
func (h *Handler) StopRelay(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerFromContext(r.Context())
	stopped, err := h.relays.Stop(r.Context(), ownerID, chi.URLParam(r, "platform"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, map[string]interface{}{"stopped": stopped})
}
