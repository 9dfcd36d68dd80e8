// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// pingTimeout bounds a readiness probe's dependency check.
const pingTimeout = 2 * time.Second

// Handler answers /healthz and /readyz for Kubernetes, load balancers, and CI.
type Handler struct {
	pinger Pinger
}

// NewHandler returns a Handler. If pinger is nil, readiness skips the database ping.
func NewHandler(pinger Pinger) *Handler {
	return &Handler{pinger: pinger}
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Live reports that the process is serving.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	write(w, http.StatusOK, statusResponse{Status: "ok"})
}

// Ready reports whether the database answers a ping.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := h.pinger.PingContext(ctx); err != nil {
			write(w, http.StatusServiceUnavailable, statusResponse{Status: "unavailable", Error: "database unreachable"})
			return
		}
	}
	write(w, http.StatusOK, statusResponse{Status: "ok"})
}

func write(w http.ResponseWriter, status int, body statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
