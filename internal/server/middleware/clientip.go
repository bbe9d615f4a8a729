package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/alanyoungcy/foresight/internal/crypto"
)

type ctxKey int

const (
	clientIPKey ctxKey = iota
	principalKey
)

// ClientIPFrom returns the client address resolved by ClientIP.
func ClientIPFrom(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// ClientIP resolves the caller address. A request forwarded by a follower
// is attributed to the original client only when its signed headers verify;
// bad signatures are refused. Proxy headers are honored only when
// trustProxy is set.
func ClientIP(auth *crypto.ForwardAuth, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, forwarded, err := auth.Verify(r.Header, r.Method, r.URL.Path)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, ErrorBody{Message: "invalid forwarded headers", ErrorCode: "UNAUTHORIZED"})
				return
			}
			if !forwarded {
				ip = remoteIP(r, trustProxy)
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey, ip)))
		})
	}
}

func remoteIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
