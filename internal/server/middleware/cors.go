package middleware

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/alanyoungcy/foresight/internal/idempotency"
)

// CORS allows the configured browser origins. An empty list allows any.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type", "Authorization", "X-API-Key",
			idempotency.HeaderKey, idempotency.HeaderRequestID,
		},
		ExposedHeaders: []string{
			"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
			idempotency.HeaderReplay,
		},
		MaxAge: 86400,
	})
	return c.Handler
}
