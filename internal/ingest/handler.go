package ingest

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"multicam-live/internal/models"
)

// NewHandler serves the origin callbacks under /publish, /publish_done and
// /update. Every request must carry token. An empty token rejects every
// callback.
func NewHandler(hooks *Hooks, token string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &hookHandler{hooks: hooks, token: strings.TrimSpace(token), logger: logger}

	r := chi.NewRouter()
	r.Use(h.authorize)
	r.Post("/publish", h.publish)
	r.Post("/publish_done", h.publishDone)
	r.Post("/update", h.update)
	return r
}

type hookHandler struct {
	hooks  *Hooks
	token  string
	logger *slog.Logger
}

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func (h *hookHandler) authorized(r *http.Request) bool {
	if h.token == "" || r == nil {
		return false
	}

	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(h.token, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}

	if queryToken := strings.TrimSpace(r.URL.Query().Get("token")); queryToken != "" {
		if constantTimeEqual(h.token, queryToken) {
			return true
		}
	}

	return false
}

func (h *hookHandler) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authorized(r) {
			h.logger.Warn("ingest callback with bad token", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// nginx-rtmp posts the name as a form field; SRS-style callers may put it in
// the query string. FormValue covers both.
func streamName(r *http.Request) string {
	return strings.TrimSpace(r.FormValue("name"))
}

func (h *hookHandler) publish(w http.ResponseWriter, r *http.Request) {
	if _, err := h.hooks.OnPublish(r.Context(), streamName(r)); err != nil {
		if models.KindOf(err) == models.KindValidation {
			http.Error(w, reason(err), http.StatusForbidden)
			return
		}
		h.fail(w, r, err)
		return
	}
	ok(w)
}

func (h *hookHandler) publishDone(w http.ResponseWriter, r *http.Request) {
	if err := h.hooks.OnUnpublish(r.Context(), streamName(r)); err != nil {
		if models.KindOf(err) == models.KindValidation {
			http.Error(w, reason(err), http.StatusBadRequest)
			return
		}
		h.fail(w, r, err)
		return
	}
	ok(w)
}

func (h *hookHandler) update(w http.ResponseWriter, r *http.Request) {
	if err := h.hooks.OnUpdate(r.Context(), streamName(r)); err != nil {
		switch {
		case errors.Is(err, models.ErrConnectionNotFound):
			http.Error(w, reason(err), http.StatusNotFound)
		case models.KindOf(err) == models.KindValidation:
			http.Error(w, reason(err), http.StatusBadRequest)
		default:
			h.fail(w, r, err)
		}
		return
	}
	ok(w)
}

func (h *hookHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("ingest callback failed", "path", r.URL.Path, "stream_key", streamName(r), "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func ok(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func reason(err error) string {
	var domainErr *models.Error
	if errors.As(err, &domainErr) && domainErr != nil {
		return domainErr.Reason
	}
	return err.Error()
}
