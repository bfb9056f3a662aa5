package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"multicam-live/internal/models"
)

// errorResponse is the body of every failed API call.
type errorResponse struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	Message     string `json:"message"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOK(w http.ResponseWriter, fields map[string]interface{}) {
	body := map[string]interface{}{"ok": true}
	for key, value := range fields {
		body[key] = value
	}
	writeJSON(w, http.StatusOK, body)
}

// statusFor maps a domain error kind onto an HTTP status. A wrong PIN is a
// refusal rather than a malformed request.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidCredential):
		return http.StatusForbidden
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindInvalidState:
		return http.StatusConflict
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindProcessLaunch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorResponse{Error: "internal_error", Message: "internal error"}
	var domainErr *models.Error
	if errors.As(err, &domainErr) && domainErr != nil {
		body.Error = domainErr.Reason
		body.Message = domainErr.Message
		if body.Message == "" {
			body.Message = domainErr.Reason
		}
		body.Diagnostics = domainErr.Diagnostics
	} else if status == http.StatusServiceUnavailable {
		body.Error = "unavailable"
		body.Message = err.Error()
	}
	writeJSON(w, status, body)
}

func writeRequestError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: "invalid_request", Message: message})
}

// WriteError is an exported helper for middleware that must answer in the
// API error shape.
func WriteError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, errorResponse{Error: reason, Message: message})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}
