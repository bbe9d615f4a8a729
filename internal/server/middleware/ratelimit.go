package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/foresight/internal/ratelimit"
)

// RateLimit applies the tiered endpoint-group limits. It runs after Auth and
// ClientIP.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			group := ratelimit.GroupFor(r.URL.Path)
			d, ok := limiter.Check(r.Context(), group, PrincipalFrom(r.Context()), ClientIPFrom(r.Context()))
			if ok {
				h := w.Header()
				h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
				h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			}
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				WriteError(w, http.StatusTooManyRequests, ErrorBody{
					Message:   "rate limit exceeded for " + group,
					ErrorCode: "RATE_LIMITED",
					Retryable: true,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
