package httpx

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/keepsake-labs/keepsake/internal/core"
)

// healthCheckTimeout bounds each component probe so a hung dependency cannot
// stall the endpoint past a load balancer's own timeout.
const healthCheckTimeout = 2 * time.Second

// HealthDeps holds the components the health endpoint probes.
type HealthDeps struct {
	DB      *sql.DB
	Cache   core.CacheRepository
	Store   core.ObjectStore
	Version string
}

// HealthHandlers serves the liveness/readiness endpoint.
type HealthHandlers struct {
	Deps HealthDeps
}

// healthResponse is the wire shape of GET /healthz.
type healthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Health handles GET/HEAD /healthz. Every configured component is probed;
// any failure degrades the response to 503 but still reports the others, so
// an operator sees which dependency is down from one call.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	components := map[string]string{}
	healthy := true

	record := func(name string, err error) {
		if err != nil {
			components[name] = err.Error()
			healthy = false
			return
		}
		components[name] = "ok"
	}

	if h.Deps.DB != nil {
		record("database", h.Deps.DB.PingContext(ctx))
	}
	if h.Deps.Cache != nil {
		record("cache", h.Deps.Cache.Health(ctx))
	}
	if h.Deps.Store != nil {
		record("store", h.Deps.Store.Health(ctx))
	}

	resp := healthResponse{
		Status:     "ok",
		Version:    h.Deps.Version,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	WriteJSON(w, code, resp)
}
