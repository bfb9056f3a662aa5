package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"multicam-live/internal/observability/metrics"
)

// RouterOptions are the handlers mounted next to the operator API.
type RouterOptions struct {
	// Hooks serves the RTMP origin callbacks under /hooks/rtmp.
	Hooks http.Handler
	// Metrics serves /metrics.
	Metrics http.Handler
	// Recorder labels request metrics by route pattern.
	Recorder *metrics.Recorder
}

// NewRouter assembles every route of the service.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if opts.Recorder != nil {
		r.Use(metrics.Middleware(opts.Recorder))
	}

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Hooks != nil {
		r.Mount("/hooks/rtmp", opts.Hooks)
	}

	r.Route("/api", func(r chi.Router) {
		r.With(h.requireOwner(sessionToken)).Get("/ws", h.Session)

		r.Group(func(r chi.Router) {
			r.Use(h.requireOwner(ExtractToken))

			r.Get("/cameras", h.ListCameras)
			r.Post("/cameras/{index}/authorize", h.AuthorizeCamera)
			r.Post("/cameras/{index}/reject", h.RejectCamera)
			r.Post("/cameras/{index}/close", h.CloseCamera)
			r.Post("/cameras/{index}/live", h.GoLive)
			r.Post("/broadcast/stop", h.StopBroadcast)
			r.Get("/channel", h.GetChannel)

			if h.relays != nil {
				r.Get("/relays", h.ListRelays)
				r.Post("/relays/{platform}/start", h.StartRelay)
				r.Post("/relays/{platform}/stop", h.StopRelay)
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}
