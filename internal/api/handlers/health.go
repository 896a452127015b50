package handlers

import (
	"context"
	"net/http"
)

// Pinger is satisfied by the store and the redis cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db    Pinger
	redis Pinger
}

// NewHealthHandler accepts a nil redis when caching is disabled.
func NewHealthHandler(db Pinger, redis Pinger) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}

	if h.db != nil {
		checks["database"] = ping(r.Context(), h.db)
	}
	if h.redis != nil {
		checks["redis"] = ping(r.Context(), h.redis)
	}

	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, status, map[string]any{"status": statusStr(status), "checks": checks})
}

func ping(ctx context.Context, p Pinger) string {
	if err := p.Ping(ctx); err != nil {
		return "unhealthy: " + err.Error()
	}
	return "ok"
}

func statusStr(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "unhealthy"
}
