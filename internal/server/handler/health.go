package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// ClusterView reports this node's role in the cluster.
type ClusterView interface {
	Status(ready bool) domain.ClusterStatus
}

// Readiness reports whether the engine has finished recovery.
type Readiness interface {
	Ready() bool
}

// HealthHandler serves liveness, readiness and cluster status.
type HealthHandler struct {
	cluster ClusterView
	engine  Readiness
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler with the provided logger.
func NewHealthHandler(cluster ClusterView, engine Readiness, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{cluster: cluster, engine: engine, logger: logger}
}

// HealthCheck responds with a simple JSON status indicating the server is alive.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready is 200 once the node can serve: a leader with a recovered engine,
// or a follower that knows who leads.
// GET /api/ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	st := h.cluster.Status(h.engine.Ready())
	ok := st.Ready
	if st.Role == domain.RoleFollower {
		ok = st.Leader != nil
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready": ok,
		"role":  st.Role,
	})
}

// Status reports role, leader and readiness.
// GET /api/cluster/status
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cluster.Status(h.engine.Ready()))
}
