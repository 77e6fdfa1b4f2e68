package handler

import (
	"context"
	"net/http"
	"time"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	required map[string]Check
	optional map[string]Check
}

// NewHealthHandler creates a new health handler. A failing required check
// makes the service not ready; optional checks are only reported.
func NewHealthHandler(required, optional map[string]Check) *HealthHandler {
	return &HealthHandler{
		required: required,
		optional: optional,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	run := func(set map[string]Check, required bool) {
		for name, check := range set {
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				if required {
					ready = false
				}
				continue
			}
			checks[name] = "ok"
		}
	}
	run(h.required, true)
	run(h.optional, false)

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"checks": checks,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": checks,
	})
}
