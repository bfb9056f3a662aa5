package server

import (
	"net/http"

	"multicam-live/internal/api"
)

// writeMiddlewareError answers in the API's JSON error shape.
func writeMiddlewareError(w http.ResponseWriter, status int, reason, message string) {
	api.WriteError(w, status, reason, message)
}
