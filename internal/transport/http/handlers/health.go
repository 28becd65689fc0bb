package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/driftmark/gamecore/internal/transport/http/response"
)

const readyProbeTimeout = 2 * time.Second

// Probe checks one dependency. A nil return means ready.
type Probe func(ctx context.Context) error

type HealthHandler struct {
	probes map[string]Probe
}

func NewHealthHandler(probes map[string]Probe) *HealthHandler {
	return &HealthHandler{probes: probes}
}

// Healthz is liveness: the process is up and serving.
func (h *HealthHandler) Healthz(w http.ResponseWriter, _ *http.Request) {
	response.Data(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz runs every probe and reports per-dependency results. Any failure
// turns the whole answer into a 503 so load balancers drain the instance.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.probes))
	for name, probe := range h.probes {
		if err := probe(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	response.JSON(w, status, map[string]any{
		"status": statusWord(status),
		"checks": checks,
	})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "ready"
	}
	return "degraded"
}
