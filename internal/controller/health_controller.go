package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// DBPinger is satisfied by *pgxpool.Pool.
type DBPinger interface {
	Ping(ctx context.Context) error
}

const readinessTimeout = 2 * time.Second

// HealthController serves liveness and readiness. Readiness needs the
// order store; Redis backs the L2 cache, the creation lock and the
// notification lanes, so it is required too.
type HealthController struct {
	db    DBPinger
	redis redis.UniversalClient
}

func NewHealthController(db DBPinger, redis redis.UniversalClient) *HealthController {
	return &HealthController{db: db, redis: redis}
}

type readinessResponse struct {
	Status string            `json:"status"`
	Reason string            `json:"reason,omitempty"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthController) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *HealthController) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"database", h.db.Ping},
		{"redis", func(ctx context.Context) error { return h.redis.Ping(ctx).Err() }},
	}

	resp := readinessResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
	for _, c := range checks {
		if err := c.ping(ctx); err != nil {
			resp.Checks[c.name] = "down"
			if resp.Reason == "" {
				resp.Status = "not ready"
				resp.Reason = c.name + " unavailable"
			}
			continue
		}
		resp.Checks[c.name] = "up"
	}

	status := http.StatusOK
	if resp.Reason != "" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
