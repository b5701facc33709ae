package handler

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker reports dependency liveness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	storage HealthChecker
	redis   HealthChecker
}

// NewHealthHandler creates a HealthHandler. Nil checkers are reported
// as not configured instead of failing readiness.
func NewHealthHandler(storage, redis HealthChecker) *HealthHandler {
	return &HealthHandler{storage: storage, redis: redis}
}

// HealthResponse is the probe payload.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz is the liveness probe: 200 whenever the process serves HTTP.
//
// GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Readyz is the readiness probe: 200 only when every configured
// dependency answers a ping.
//
// GET /readyz
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if h.storage != nil {
		if err := h.storage.Ping(ctx); err != nil {
			checks["storage"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not configured"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			checks["redis"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	} else {
		checks["redis"] = "not configured"
	}

	status := "ok"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, HealthResponse{Status: status, Checks: checks})
}
