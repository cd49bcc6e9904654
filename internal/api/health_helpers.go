package api

import (
	"net/http"

	"vodforge/internal/ingest"
)

func (h *Handler) componentHealth(r *http.Request) ([]ingest.HealthStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	components := h.Intake.HealthChecks(r.Context())
	for _, c := range components {
		if c.Status == "error" {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}
	return components, overallStatus, statusCode
}

// Health reports the state of every registered dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, overall, code := h.componentHealth(r)
	writeJSON(w, code, map[string]any{
		"status":     overall,
		"components": components,
	})
}
