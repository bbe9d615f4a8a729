package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/foresight/internal/cluster"
	"github.com/alanyoungcy/foresight/internal/config"
	"github.com/alanyoungcy/foresight/internal/crypto"
	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/idempotency"
	"github.com/alanyoungcy/foresight/internal/matching"
	"github.com/alanyoungcy/foresight/internal/ratelimit"
	"github.com/alanyoungcy/foresight/internal/recovery"
	"github.com/alanyoungcy/foresight/internal/server"
	"github.com/alanyoungcy/foresight/internal/server/handler"
	"github.com/alanyoungcy/foresight/internal/server/ws"
	"github.com/alanyoungcy/foresight/internal/settlement"
	"github.com/alanyoungcy/foresight/internal/sink"
	"github.com/alanyoungcy/foresight/internal/snapshot"
)

// Node is one assembled foresight process. Optional parts are nil when
// their feature is disabled.
type Node struct {
	Engine       *matching.Engine
	Fanout       *matching.Fanout
	Coordinator  *cluster.Coordinator
	Recovery     *recovery.Recovery
	Checkpointer *recovery.Checkpointer
	Replicator   *snapshot.Replicator
	Hub          *ws.Hub
	Server       *server.Server
	Ingestor     *settlement.Ingestor
	Bridge       *settlement.Bridge

	expirySweep time.Duration
	closers     []func()
	logger      *slog.Logger
}

// EngineConfig translates the engine, risk and chain sections into matching
// limits.
func EngineConfig(cfg *config.Config) (matching.Config, error) {
	minAmt, err := domain.ParseAmount(cfg.Engine.MinOrderAmount)
	if err != nil {
		return matching.Config{}, fmt.Errorf("engine: min_order_amount: %w", err)
	}
	maxAmt, err := domain.ParseAmount(cfg.Engine.MaxOrderAmount)
	if err != nil {
		return matching.Config{}, fmt.Errorf("engine: max_order_amount: %w", err)
	}
	contracts := cfg.Engine.VerifyingContracts
	if len(contracts) == 0 {
		contracts = cfg.Settlement.Contracts
	}
	return matching.Config{
		ChainID:            cfg.Chain.ChainID,
		VerifyingContracts: contracts,
		MaxOutcomes:        cfg.Engine.MaxOutcomes,
		MinPrice:           cfg.Engine.MinPrice,
		MaxPrice:           cfg.Engine.MaxPrice,
		TickSize:           cfg.Engine.TickSize,
		MinOrderAmount:     minAmt,
		MaxOrderAmount:     maxAmt,
		MakerFeeBps:        cfg.Engine.MakerFeeBps,
		TakerFeeBps:        cfg.Engine.TakerFeeBps,
		MaxOrdersPerBook:   cfg.Engine.MaxOrdersPerMarket,
		MaxOrdersPerUser:   cfg.Engine.MaxOrdersPerUser,
		GTDMaxExpiry:       time.Duration(cfg.Engine.GTDMaxExpiryDays) * 24 * time.Hour,
		DepthLevels:        cfg.Engine.DepthLevels,
		MaxLongExposure:    cfg.Risk.MaxLongExposureUSDC,
		MaxShortExposure:   cfg.Risk.MaxShortExposureUSDC,
	}, nil
}

// RateRules overlays the configured budgets on the built-in ones.
func RateRules(cfg config.RateLimitConfig) ratelimit.Rules {
	rules := ratelimit.DefaultRules()
	for group, tiers := range cfg.Rules {
		if rules[group] == nil {
			rules[group] = make(map[domain.Tier]ratelimit.Rule, len(tiers))
		}
		for tier, rc := range tiers {
			rules[group][domain.Tier(tier)] = ratelimit.Rule{Limit: rc.Limit, Window: rc.Window.Duration}
		}
	}
	return rules
}

// APIKeys converts the configured static credentials.
func APIKeys(cfg config.AuthConfig) []ratelimit.APIKey {
	keys := make([]ratelimit.APIKey, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		tiers := make([]domain.Tier, 0, len(k.Tiers))
		for _, t := range k.Tiers {
			tiers = append(tiers, domain.Tier(t))
		}
		keys = append(keys, ratelimit.APIKey{ID: k.ID, Key: k.Key, Tiers: tiers})
	}
	return keys
}

// BuildNode assembles every component of a node on top of deps. A replica
// observes the lease and never campaigns, checkpoints or settles.
func BuildNode(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Node, error) {
	replica := cfg.Mode == config.ModeReplica
	n := &Node{expirySweep: cfg.Engine.ExpirySweep.Duration, logger: logger.With(slog.String("component", "node"))}

	// --- Settlement clients first, the bridge is also an event sink ---
	var chain interface {
		settlement.Chain
		Close()
	}
	if !replica && (cfg.Settlement.Ingest || cfg.Settlement.Gasless) {
		c, err := settlement.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return nil, err
		}
		chain = c
		n.closers = append(n.closers, c.Close)
	}

	// --- Engine and event fanout ---
	mcfg, err := EngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	sinks := []matching.Sink{sink.NewBus(deps.Bus)}
	if deps.Kafka != nil {
		sinks = append(sinks, deps.Kafka)
	}
	n.Fanout = matching.NewFanout(cfg.Engine.EventBuffer, logger, sinks...)

	opts := []matching.Option{matching.WithObserver(n.Fanout)}
	verifier := crypto.NewVerifier()
	if cfg.Engine.VerifySignatures {
		opts = append(opts, matching.WithVerifier(verifier))
	} else {
		n.logger.Warn("order signature verification is disabled")
	}
	n.Engine = matching.New(mcfg, deps.EventLog, logger, opts...)
	writable := n.Engine.Writable

	if chain != nil && cfg.Settlement.Gasless {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Chain.OperatorKey,
			EncryptedKeyPath: cfg.Chain.EncryptedKeyPath,
			KeyPassword:      cfg.Chain.KeyPassword,
		})
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("settlement: operator key: %w", err)
		}
		s := cfg.Settlement
		n.Bridge = settlement.NewBridge(settlement.Config{
			ChainID: cfg.Chain.ChainID,
			Token: crypto.TokenDomain{
				Name:    s.TokenName,
				Version: s.TokenVersion,
				ChainID: cfg.Chain.ChainID,
				Address: s.TokenAddress,
			},
			DailyQuotaUSDC: s.DailyQuotaUSDC,
			MaxAttempts:    s.MaxAttempts,
			ReceiptTimeout: s.ReceiptTimeout.Duration,
			PollInterval:   s.PollInterval.Duration,
			GasLimit:       s.GasLimit,
			PermitGasLimit: s.PermitGasLimit,
			DenyAddresses:  s.DenyAddresses,
			DenyIPs:        s.DenyIPs,
		}, settlement.Deps{
			Chain:    chain,
			Signer:   crypto.NewSigner(key, cfg.Chain.ChainID),
			Verifier: verifier,
			Intents:  deps.Intents,
			Quota:    deps.Quota,
			Deny:     deps.Deny,
			Audit:    deps.Audit,
			Alerter:  deps.Notifier,
			Leader:   writable,
		}, logger)
		n.Fanout.Add(n.Bridge)
	}
	if chain != nil && cfg.Settlement.Ingest {
		s := cfg.Settlement
		n.Ingestor = settlement.NewIngestor(settlement.IngestConfig{
			ChainID:       cfg.Chain.ChainID,
			Contracts:     s.Contracts,
			Confirmations: s.Confirmations,
			BlockWindow:   s.BlockWindow,
			StartBlock:    s.StartBlock,
			PollInterval:  s.PollInterval.Duration,
		}, chain, n.Engine, deps.Cursors, deps.Intents, writable, logger)
	}

	// --- Recovery and leadership ---
	n.Recovery = recovery.New(n.Engine, deps.EventLog, deps.Checkpoints, deps.Archive, logger)
	onPromote := func(ctx context.Context) error {
		res, err := n.Recovery.Run(ctx)
		if err != nil {
			return err
		}
		n.logger.InfoContext(ctx, "recovery complete",
			slog.Int("markets", res.Markets),
			slog.Int("checkpoints", res.Checkpoints),
			slog.Int("replayed", res.Replayed),
			slog.String("source", res.Source),
			slog.Duration("duration", res.Duration),
		)
		return nil
	}
	n.Coordinator = cluster.New(cluster.Config{
		NodeID:                cfg.Cluster.NodeID,
		AdvertiseURL:          cfg.Cluster.AdvertiseURL,
		TTL:                   cfg.Cluster.LeaseTTL.Duration,
		RenewInterval:         cfg.Cluster.RenewInterval.Duration,
		RetryInterval:         cfg.Cluster.RetryInterval.Duration,
		StopOnRecoveryFailure: cfg.Cluster.StopOnRecoveryFailure,
		Observe:               replica,
	}, deps.Leases, n.Engine, onPromote, deps.Notifier, logger)

	if !replica {
		n.Checkpointer = recovery.NewCheckpointer(recovery.CheckpointerConfig{
			Interval:     cfg.Checkpoint.Interval.Duration,
			LockTTL:      cfg.Checkpoint.LockTTL.Duration,
			ArchiveEvery: cfg.Checkpoint.ArchiveEvery,
		}, n.Engine, deps.Checkpoints, deps.Locks, deps.Archive, writable, logger)
		n.Replicator = snapshot.NewReplicator(snapshot.Config{
			Interval: cfg.Snapshot.Interval.Duration,
			TTL:      cfg.Snapshot.TTL.Duration,
		}, n.Engine, deps.Snapshots, writable, logger)
	}

	// --- Edge ---
	fwdAuth := crypto.NewForwardAuth(cfg.Cluster.ForwardSecret, cfg.Cluster.ForwardMaxAge.Duration)
	sdeps := server.Deps{
		Gate:        n.Engine,
		Leader:      n.Coordinator,
		ForwardAuth: fwdAuth,
		Resolver:    ratelimit.NewResolver(APIKeys(cfg.Auth), cfg.Auth.JWTSecret),
	}
	if cfg.Cluster.Proxy {
		sdeps.Forwarder = cluster.NewProxy(n.Coordinator, fwdAuth, cfg.Cluster.ProxyTimeout.Duration, logger)
	}
	if cfg.RateLimit.Enabled {
		sdeps.Limiter = ratelimit.New(deps.RateBackend, RateRules(cfg.RateLimit), logger)
	}
	var sharedIdem domain.IdempotencyStore
	if deps.Shared {
		sharedIdem = deps.Idempotency
	}
	sdeps.Idempotency = idempotency.NewMiddleware(idempotency.NewCache(idempotency.Config{
		TTL:     cfg.Idempotency.TTL.Duration,
		MaxKeys: cfg.Idempotency.MaxKeys,
	}, sharedIdem, logger))
	n.Hub = ws.NewHub(deps.Bus, ws.Config{AllowedOrigins: cfg.Server.CORSOrigins}, logger)
	sdeps.Hub = n.Hub

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(n.Coordinator, n.Engine, logger),
		Markets: handler.NewMarketHandler(n.Engine, snapshot.NewReader(deps.Snapshots, cfg.Snapshot.Levels, logger), logger),
		Orders:  handler.NewOrderHandler(n.Engine, logger),
	}
	if n.Bridge != nil {
		handlers.Gasless = handler.NewGaslessHandler(n.Bridge, logger)
	}
	if n.Ingestor != nil {
		handlers.Settlement = handler.NewSettlementHandler(n.Ingestor, logger)
	}
	n.Server = server.NewServer(server.Config{
		Addr:            cfg.Server.Addr,
		AllowedOrigins:  cfg.Server.CORSOrigins,
		TrustProxy:      cfg.Server.TrustProxy,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration,
		WriteTimeout:    cfg.Server.WriteTimeout.Duration,
		IdleTimeout:     cfg.Server.IdleTimeout.Duration,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
	}, handlers, sdeps, logger)

	return n, nil
}

// Run starts every component and blocks until ctx is done or one of them
// fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.Fanout.Run(ctx) })
	g.Go(func() error { return n.Coordinator.Run(ctx) })
	g.Go(func() error { return n.Hub.Run(ctx) })
	g.Go(func() error { return n.Server.Run(ctx) })
	g.Go(func() error { return n.sweepExpired(ctx) })
	if n.Checkpointer != nil {
		g.Go(func() error { return n.Checkpointer.Run(ctx) })
	}
	if n.Replicator != nil {
		g.Go(func() error { return n.Replicator.Run(ctx) })
	}
	if n.Ingestor != nil {
		g.Go(func() error { return n.Ingestor.Run(ctx) })
	}
	if n.Bridge != nil {
		g.Go(func() error { return n.Bridge.Run(ctx) })
	}

	n.logger.InfoContext(ctx, "node started", slog.String("node_id", n.Coordinator.NodeID()))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sweepExpired cancels GTD orders past their expiry while this node writes.
func (n *Node) sweepExpired(ctx context.Context) error {
	interval := n.expirySweep
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !n.Engine.Writable() {
				continue
			}
			expired, err := n.Engine.ExpireOrders(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				n.logger.WarnContext(ctx, "expiry sweep failed", slog.String("error", err.Error()))
				continue
			}
			if expired > 0 {
				n.logger.InfoContext(ctx, "expired orders", slog.Int("count", expired))
			}
		}
	}
}

// Close releases node-owned clients. It is safe to call more than once.
func (n *Node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}
