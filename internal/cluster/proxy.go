package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/alanyoungcy/foresight/internal/crypto"
	"github.com/alanyoungcy/foresight/internal/domain"
)

// LeaderSource names the current lease holder.
type LeaderSource interface {
	NodeID() string
	Leader() (domain.LeaderRecord, bool)
}

// Proxy forwards follower writes to the leader's advertised URL.
type Proxy struct {
	src       LeaderSource
	auth      *crypto.ForwardAuth
	transport http.RoundTripper
	timeout   time.Duration
	logger    *slog.Logger
}

// NewProxy creates a Proxy. auth may be nil, in which case the leader sees
// the follower as the client.
func NewProxy(src LeaderSource, auth *crypto.ForwardAuth, timeout time.Duration, logger *slog.Logger) *Proxy {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Proxy{
		src:       src,
		auth:      auth,
		transport: http.DefaultTransport,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "cluster-proxy")),
	}
}

// Forward relays r to the leader. It returns an error wrapping
// domain.ErrNotLeader without writing to w when the leader is unknown,
// is this node, or cannot be reached.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, clientIP string) error {
	if r.Header.Get(crypto.HeaderForwardedSig) != "" {
		return fmt.Errorf("cluster: request already forwarded: %w", domain.ErrNotLeader)
	}
	leader, ok := p.src.Leader()
	if !ok || leader.AdvertiseURL == "" || leader.NodeID == p.src.NodeID() {
		return fmt.Errorf("cluster: no leader to forward to: %w", domain.ErrNotLeader)
	}
	target, err := url.Parse(leader.AdvertiseURL)
	if err != nil {
		return fmt.Errorf("cluster: leader url %q: %w", leader.AdvertiseURL, domain.ErrNotLeader)
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	var upstreamErr error
	rp := &httputil.ReverseProxy{
		Transport: p.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			if p.auth.Enabled() {
				p.auth.Sign(pr.Out.Header, pr.In.Method, pr.In.URL.Path, clientIP, p.src.NodeID())
			}
		},
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			upstreamErr = err
		},
	}
	rp.ServeHTTP(w, r.WithContext(ctx))
	if upstreamErr != nil {
		p.logger.WarnContext(r.Context(), "forward to leader failed",
			slog.String("leader", leader.NodeID),
			slog.String("error", upstreamErr.Error()),
		)
		return fmt.Errorf("cluster: forward to %s: %v: %w", leader.NodeID, upstreamErr, domain.ErrNotLeader)
	}
	return nil
}
