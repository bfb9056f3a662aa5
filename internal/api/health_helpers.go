package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// probeComponents pings every configured dependency concurrently. Results
// keep the configured order.
func (h *Handler) probeComponents(ctx context.Context) ([]componentStatus, bool) {
	checks := make([]HealthCheck, 0, len(h.health))
	for _, check := range h.health {
		if check.Ping != nil {
			checks = append(checks, check)
		}
	}

	results := make([]componentStatus, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = componentStatus{Component: check.Name, Status: "ok"}
			if err := check.Ping(ctx); err != nil {
				results[i].Status = "degraded"
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, res := range results {
		if res.Status != "ok" {
			healthy = false
		}
	}
	return results, healthy
}

// Health reports 200 when every dependency answers and 503 otherwise.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	components, healthy := h.probeComponents(ctx)
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ok":         healthy,
		"status":     status,
		"components": components,
	})
}
