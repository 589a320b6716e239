package health

import (
	"context"
	"net/http"
	"time"

	"github.com/microfarm/microfarm/internal/infrastructure/json"
)

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Handler struct {
	checks map[string]Check
}

func NewHandler(checks map[string]Check) *Handler {
	return &Handler{checks: checks}
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	data := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			if data.Failures == nil {
				data.Failures = map[string]string{}
			}
			data.Failures[name] = err.Error()
			data.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	json.Write(w, status, data)
}

func (h *Handler) GetLive(w http.ResponseWriter, r *http.Request) {
	json.Write(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now().UTC()})
}
