package idempotency

import (
	"bytes"
	"net/http"
	"sync"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// Request and response headers.
const (
	HeaderKey       = "X-Idempotency-Key"
	HeaderRequestID = "X-Request-Id"
	HeaderReplay    = "Idempotent-Replay"
)

// Scope builds the cache key of a request, or "" when the request carries
// no idempotency key.
func Scope(r *http.Request) string {
	key := r.Header.Get(HeaderKey)
	if key == "" {
		key = r.Header.Get(HeaderRequestID)
	}
	if key == "" {
		return ""
	}
	return r.Method + ":" + r.URL.Path + ":" + key
}

type call struct {
	done chan struct{}
	rec  domain.IdempotencyRecord
}

// Middleware replays the first response for repeated write requests.
// Concurrent duplicates of one scope wait for the first to finish.
type Middleware struct {
	cache *Cache

	mu       sync.Mutex
	inflight map[string]*call
}

// NewMiddleware creates a Middleware over cache.
func NewMiddleware(cache *Cache) *Middleware {
	return &Middleware{cache: cache, inflight: make(map[string]*call)}
}

// Wrap applies the middleware to non-GET requests of next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := ""
		if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodOptions {
			scope = Scope(r)
		}
		if scope == "" {
			next.ServeHTTP(w, r)
			return
		}

		var c *call
		for c == nil {
			m.mu.Lock()
			prev, ok := m.inflight[scope]
			if !ok {
				c = &call{done: make(chan struct{})}
				m.inflight[scope] = c
				m.mu.Unlock()
				break
			}
			m.mu.Unlock()
			select {
			case <-prev.done:
			case <-r.Context().Done():
				http.Error(w, "request canceled", http.StatusServiceUnavailable)
				return
			}
			// A failed first attempt is not a stored response; run again.
			if replayable(prev.rec) {
				replay(w, prev.rec)
				return
			}
		}

		defer func() {
			m.mu.Lock()
			delete(m.inflight, scope)
			m.mu.Unlock()
			close(c.done)
		}()

		if rec, ok := m.cache.Get(r.Context(), scope); ok {
			c.rec = rec
			replay(w, rec)
			return
		}

		rw := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		c.rec = domain.IdempotencyRecord{
			Status:      rw.status,
			ContentType: rw.Header().Get("Content-Type"),
			Body:        rw.body.Bytes(),
		}
		m.cache.Put(r.Context(), scope, c.rec)
	})
}

func replayable(rec domain.IdempotencyRecord) bool {
	return rec.Status != 0 && rec.Status < 500
}

func replay(w http.ResponseWriter, rec domain.IdempotencyRecord) {
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set(HeaderReplay, "true")
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}

// recorder tees the response into a buffer.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
