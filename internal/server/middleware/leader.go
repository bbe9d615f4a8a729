package middleware

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// WriteGate reports whether this node accepts writes.
type WriteGate interface {
	Writable() bool
}

// LeaderInfo names the current lease holder.
type LeaderInfo interface {
	Leader() (domain.LeaderRecord, bool)
}

// Forwarder relays a write to the leader. *cluster.Proxy satisfies it.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, clientIP string) error
}

// Leader passes writes through on the writer. Elsewhere the request is
// proxied when fwd is set, or refused with a retryable NOT_LEADER naming
// the known leader.
func Leader(gate WriteGate, info LeaderInfo, fwd Forwarder, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gate.Writable() {
				next.ServeHTTP(w, r)
				return
			}
			if fwd != nil {
				err := fwd.Forward(w, r, ClientIPFrom(r.Context()))
				if err == nil {
					return
				}
				logger.DebugContext(r.Context(), "write not forwarded", slog.String("error", err.Error()))
			}
			body := ErrorBody{Message: "this node is not the leader", ErrorCode: "NOT_LEADER", Retryable: true}
			if rec, ok := info.Leader(); ok {
				body.Leader = &rec
			}
			WriteError(w, http.StatusServiceUnavailable, body)
		})
	}
}
