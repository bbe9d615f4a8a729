// Package ratelimit applies tiered sliding-window limits per endpoint group.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// Endpoint groups.
const (
	GroupOrders  = "orders"
	GroupTrades  = "trades"
	GroupGasless = "gasless"
	GroupDefault = "default"
)

// Rule is one budget: Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Rules maps group, then tier, to a budget. A group without an entry for a
// tier falls back to the default group's rule for that tier.
type Rules map[string]map[domain.Tier]Rule

// DefaultRules returns the stock budgets.
func DefaultRules() Rules {
	minute := time.Minute
	return Rules{
		GroupOrders: {
			domain.TierAnonymous: {Limit: 30, Window: minute},
			domain.TierTrader:    {Limit: 600, Window: minute},
			domain.TierAdmin:     {Limit: 6000, Window: minute},
		},
		GroupTrades: {
			domain.TierAnonymous: {Limit: 120, Window: minute},
			domain.TierTrader:    {Limit: 1200, Window: minute},
			domain.TierAdmin:     {Limit: 12000, Window: minute},
		},
		GroupGasless: {
			domain.TierAnonymous: {Limit: 10, Window: minute},
			domain.TierTrader:    {Limit: 60, Window: minute},
			domain.TierAdmin:     {Limit: 600, Window: minute},
		},
		GroupDefault: {
			domain.TierAnonymous: {Limit: 300, Window: minute},
			domain.TierTrader:    {Limit: 3000, Window: minute},
			domain.TierAdmin:     {Limit: 30000, Window: minute},
		},
	}
}

func (r Rules) lookup(group string, tier domain.Tier) (Rule, bool) {
	if rule, ok := r[group][tier]; ok && rule.Limit > 0 {
		return rule, true
	}
	rule, ok := r[GroupDefault][tier]
	return rule, ok && rule.Limit > 0
}

// GroupFor classifies a request path.
func GroupFor(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/orders"):
		return GroupOrders
	case strings.HasPrefix(path, "/api/depth"), strings.HasPrefix(path, "/api/stats"), strings.HasPrefix(path, "/api/trades"):
		return GroupTrades
	case strings.HasPrefix(path, "/api/gasless"):
		return GroupGasless
	}
	return GroupDefault
}

// Key builds the limiter key ratelimit:{group}:{tier}:{identity}.
func Key(group string, tier domain.Tier, identity string) string {
	return "ratelimit:" + group + ":" + string(tier) + ":" + identity
}

// Limiter applies Rules over a sliding-window backend.
type Limiter struct {
	backend domain.RateLimiter
	rules   Rules
	logger  *slog.Logger
}

// New creates a Limiter. A nil rules uses DefaultRules.
func New(backend domain.RateLimiter, rules Rules, logger *slog.Logger) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{
		backend: backend,
		rules:   rules,
		logger:  logger.With(slog.String("component", "ratelimit")),
	}
}

// Check counts one request of p, identified by its principal id or else
// clientIP. ok is false when no rule applies. Backend errors fail open.
func (l *Limiter) Check(ctx context.Context, group string, p domain.Principal, clientIP string) (d domain.RateDecision, ok bool) {
	tier := p.Top()
	rule, ok := l.rules.lookup(group, tier)
	if !ok {
		return domain.RateDecision{Allowed: true}, false
	}
	identity := p.ID
	if identity == "" || tier == domain.TierAnonymous {
		identity = clientIP
	}
	d, err := l.backend.Allow(ctx, Key(group, tier, identity), rule.Limit, rule.Window)
	if err != nil {
		l.logger.WarnContext(ctx, "rate limiter unavailable, allowing request",
			slog.String("group", group),
			slog.String("error", err.Error()),
		)
		return domain.RateDecision{Allowed: true}, false
	}
	return d, true
}
