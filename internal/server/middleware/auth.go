package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/ratelimit"
)

// PrincipalFrom returns the identity resolved by Auth.
func PrincipalFrom(ctx context.Context) domain.Principal {
	p, _ := ctx.Value(principalKey).(domain.Principal)
	return p
}

// Auth resolves the request credential. Unknown or invalid credentials are
// served as anonymous.
func Auth(resolver ratelimit.Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p domain.Principal
			if cred := ratelimit.Credential(r); cred != "" && resolver != nil {
				resolved, err := resolver.Resolve(r.Context(), cred)
				if err != nil {
					logger.DebugContext(r.Context(), "credential rejected, serving as anonymous",
						slog.String("error", err.Error()),
					)
				} else {
					p = resolved
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
		})
	}
}

// RequireTier refuses callers below tier.
func RequireTier(tier domain.Tier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r.Context())
		if p.Top().Rank() >= tier.Rank() {
			next.ServeHTTP(w, r)
			return
		}
		if p.Top() == domain.TierAnonymous {
			WriteError(w, http.StatusUnauthorized, ErrorBody{Message: "authentication required", ErrorCode: "UNAUTHORIZED"})
			return
		}
		WriteError(w, http.StatusForbidden, ErrorBody{Message: string(tier) + " tier required", ErrorCode: "FORBIDDEN"})
	})
}
