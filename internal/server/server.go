package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/foresight/internal/crypto"
	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/idempotency"
	"github.com/alanyoungcy/foresight/internal/ratelimit"
	"github.com/alanyoungcy/foresight/internal/server/handler"
	"github.com/alanyoungcy/foresight/internal/server/middleware"
	"github.com/alanyoungcy/foresight/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr            string
	AllowedOrigins  []string
	TrustProxy      bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Gasless and Settlement are optional.
type Handlers struct {
	Health     *handler.HealthHandler
	Markets    *handler.MarketHandler
	Orders     *handler.OrderHandler
	Gasless    *handler.GaslessHandler
	Settlement *handler.SettlementHandler
}

// Deps are the cross-cutting collaborators of the middleware chain.
type Deps struct {
	Gate        middleware.WriteGate
	Leader      middleware.LeaderInfo
	Forwarder   middleware.Forwarder // nil disables write forwarding
	ForwardAuth *crypto.ForwardAuth
	Resolver    ratelimit.Resolver
	Limiter     *ratelimit.Limiter
	Idempotency *idempotency.Middleware
	Hub         *ws.Hub
}

// Server is the edge HTTP + WebSocket API of one node.
type Server struct {
	cfg        Config
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
func NewServer(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	fwdAuth := deps.ForwardAuth
	if fwdAuth == nil {
		fwdAuth = crypto.NewForwardAuth("", 0)
	}

	// Writes replay idempotent responses first, then go to the leader.
	leader := middleware.Leader(deps.Gate, deps.Leader, deps.Forwarder, logger)
	write := func(h http.HandlerFunc) http.Handler {
		var next http.Handler = leader(h)
		if deps.Idempotency != nil {
			next = deps.Idempotency.Wrap(next)
		}
		return next
	}
	admin := func(h http.Handler) http.Handler {
		return middleware.RequireTier(domain.TierAdmin, h)
	}

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/ready", handlers.Health.Ready)
	mux.HandleFunc("GET /api/cluster/status", handlers.Health.Status)

	mux.Handle("POST /api/orders", write(handlers.Orders.Submit))
	mux.Handle("POST /api/orders/cancel", write(handlers.Orders.Cancel))
	// Live order state exists only on the leader.
	mux.Handle("GET /api/orders/{id}", leader(http.HandlerFunc(handlers.Orders.Get)))
	mux.Handle("GET /api/orders", leader(http.HandlerFunc(handlers.Orders.List)))

	mux.HandleFunc("GET /api/markets", handlers.Markets.List)
	mux.Handle("POST /api/markets/{market}/close", admin(write(handlers.Markets.Close)))
	mux.HandleFunc("GET /api/depth", handlers.Markets.Depth)
	mux.HandleFunc("GET /api/stats", handlers.Markets.Stats)

	if handlers.Gasless != nil {
		mux.Handle("POST /api/gasless/intents", write(handlers.Gasless.Submit))
		mux.HandleFunc("GET /api/gasless/intents/{id}", handlers.Gasless.Get)
	}
	if handlers.Settlement != nil {
		mux.Handle("POST /api/settlement/ingest", admin(write(handlers.Settlement.Ingest)))
	}
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	// Outermost first: CORS, client IP, identity, access log, rate limit.
	var h http.Handler = mux
	h = middleware.RateLimit(deps.Limiter)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.Auth(deps.Resolver, logger)(h)
	h = middleware.ClientIP(fwdAuth, cfg.TrustProxy)(h)
	h = middleware.CORS(cfg.AllowedOrigins)(h)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       orDefault(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      orDefault(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       orDefault(cfg.IdleTimeout, 60*time.Second),
	}

	return &Server{
		cfg:        cfg,
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Handler returns the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.InfoContext(ctx, "listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), orDefault(s.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
