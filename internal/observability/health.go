package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker serves /healthz (liveness) and /readyz (readiness).
// Readiness stays false until recovery has finished and both Postgres and
// NATS are connected, and is set false again when shutdown begins so load
// balancers drain before the query server closes.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

type healthStatus struct {
	Status   string `json:"status"`
	UptimeUs int64  `json:"uptime_us,omitempty"`
}

// LivenessHandler returns HTTP 200 whenever the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, healthStatus{
		Status:   "alive",
		UptimeUs: time.Since(h.startTime).Microseconds(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready.Load() {
		writeHealth(w, http.StatusOK, healthStatus{Status: "ready"})
		return
	}
	writeHealth(w, http.StatusServiceUnavailable, healthStatus{Status: "not_ready"})
}

func writeHealth(w http.ResponseWriter, code int, body healthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
