package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/compliflow/claimrelay/internal/breaker"
	"github.com/compliflow/claimrelay/internal/store"
	"github.com/compliflow/claimrelay/internal/version"
	"github.com/compliflow/claimrelay/internal/worker"
)

// heartbeatWindow is how recent a worker heartbeat must be to count the
// pool as live.
const heartbeatWindow = 30 * time.Second

// HealthHandler aggregates store reachability, worker liveness, and the
// breaker snapshot into one readiness verdict.
type HealthHandler struct {
	store    *store.StatusStore
	pools    []*worker.Pool
	breakers *breaker.Registry
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(st *store.StatusStore, breakers *breaker.Registry, pools ...*worker.Pool) *HealthHandler {
	return &HealthHandler{store: st, breakers: breakers, pools: pools}
}

// HealthOutput is the aggregate health response.
type HealthOutput struct {
	Status int
	Body   struct {
		Status  string `json:"status" enum:"healthy,degraded,unhealthy"`
		Version string `json:"version"`
		Checks  struct {
			Store        string   `json:"store"`
			Workers      string   `json:"workers"`
			OpenBreakers []string `json:"open_breakers"`
		} `json:"checks"`
	}
}

// Health handles GET /health. Store or worker failure is unhealthy; open
// breakers alone degrade, since the service still accepts and retries work.
func (h *HealthHandler) Health(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Version = version.Get().Version

	storeOK := h.store.Ping(ctx) == nil
	out.Body.Checks.Store = checkWord(storeOK)

	workersOK := len(h.pools) > 0
	for _, p := range h.pools {
		if !p.Alive(heartbeatWindow) {
			workersOK = false
			break
		}
	}
	out.Body.Checks.Workers = checkWord(workersOK)

	open := h.breakers.OpenHosts()
	if open == nil {
		open = []string{}
	}
	out.Body.Checks.OpenBreakers = open

	switch {
	case !storeOK || !workersOK:
		out.Body.Status = "unhealthy"
		out.Status = http.StatusServiceUnavailable
	case len(open) > 0:
		out.Body.Status = "degraded"
		out.Status = http.StatusOK
	default:
		out.Body.Status = "healthy"
		out.Status = http.StatusOK
	}
	return out, nil
}

func checkWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "failing"
}
