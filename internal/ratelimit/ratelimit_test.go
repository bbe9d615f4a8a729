package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/store/memory"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLimitPlusOneIsDenied(t *testing.T) {
	rules := Rules{GroupOrders: {domain.TierAnonymous: {Limit: 5, Window: time.Minute}}}
	l := New(memory.NewRateLimiter(), rules, discard())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d, ok := l.Check(ctx, GroupOrders, domain.Principal{}, "203.0.113.1")
		if !ok || !d.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
		if d.Remaining != 4-i {
			t.Fatalf("request %d remaining %d", i+1, d.Remaining)
		}
	}
	d, ok := l.Check(ctx, GroupOrders, domain.Principal{}, "203.0.113.1")
	if !ok || d.Allowed {
		t.Fatal("request limit+1 allowed")
	}
	if d.RetryAfter <= 0 || d.Remaining != 0 || d.Limit != 5 {
		t.Fatalf("denial %+v", d)
	}
	if d, _ := l.Check(ctx, GroupOrders, domain.Principal{}, "203.0.113.2"); !d.Allowed {
		t.Fatal("other client shares the budget")
	}
}

func TestTierAndGroupSelection(t *testing.T) {
	rules := Rules{
		GroupOrders:  {domain.TierAnonymous: {Limit: 1, Window: time.Minute}, domain.TierTrader: {Limit: 3, Window: time.Minute}},
		GroupDefault: {domain.TierAnonymous: {Limit: 2, Window: time.Minute}},
	}
	l := New(memory.NewRateLimiter(), rules, discard())
	ctx := context.Background()
	trader := domain.Principal{ID: "desk-1", Tiers: []domain.Tier{domain.TierTrader}}
	for i := 0; i < 3; i++ {
		if d, _ := l.Check(ctx, GroupOrders, trader, "10.0.0.1"); !d.Allowed {
			t.Fatalf("trader request %d denied", i+1)
		}
	}
	if d, _ := l.Check(ctx, GroupOrders, trader, "10.0.0.2"); d.Allowed {
		t.Fatal("trader budget is per ip instead of per credential")
	}
	// Gasless has no rule of its own and inherits the default group.
	for i := 0; i < 2; i++ {
		if d, _ := l.Check(ctx, GroupGasless, domain.Principal{}, "10.0.0.3"); !d.Allowed {
			t.Fatalf("gasless request %d denied", i+1)
		}
	}
	if d, _ := l.Check(ctx, GroupGasless, domain.Principal{}, "10.0.0.3"); d.Allowed {
		t.Fatal("default rule not applied to gasless")
	}
	if _, ok := l.Check(ctx, GroupGasless, domain.Principal{Tiers: []domain.Tier{domain.TierAdmin}}, "x"); ok {
		t.Fatal("admin matched a rule that does not exist")
	}
}

type brokenBackend struct{}

func (brokenBackend) Allow(context.Context, string, int, time.Duration) (domain.RateDecision, error) {
	return domain.RateDecision{}, errors.New("connection refused")
}

func TestBackendErrorsFailOpen(t *testing.T) {
	l := New(brokenBackend{}, nil, discard())
	if d, enforced := l.Check(context.Background(), GroupOrders, domain.Principal{}, "x"); !d.Allowed || enforced {
		t.Fatalf("limiter error blocked traffic: %+v", d)
	}
}

func TestGroupFor(t *testing.T) {
	cases := map[string]string{
		"/api/orders":              GroupOrders,
		"/api/orders/cancel":       GroupOrders,
		"/api/depth":               GroupTrades,
		"/api/gasless/intents":     GroupGasless,
		"/api/cluster/status":      GroupDefault,
		"/api/markets/137:x/close": GroupDefault,
	}
	for path, want := range cases {
		if got := GroupFor(path); got != want {
			t.Errorf("GroupFor(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	r := NewResolver([]APIKey{{ID: "ops", Key: "k-admin", Tiers: []domain.Tier{domain.TierAdmin}}}, "jwt-secret")

	p, err := r.Resolve(ctx, "")
	if err != nil || p.Top() != domain.TierAnonymous {
		t.Fatalf("empty credential: %+v %v", p, err)
	}
	p, err = r.Resolve(ctx, "k-admin")
	if err != nil || p.ID != "ops" || p.Top() != domain.TierAdmin {
		t.Fatalf("api key: %+v %v", p, err)
	}

	tok, err := SignToken("jwt-secret", "0xabc", domain.TierTrader, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	if err != nil {
		t.Fatal(err)
	}
	p, err = r.Resolve(ctx, tok)
	if err != nil || p.ID != "0xabc" || p.Top() != domain.TierTrader {
		t.Fatalf("jwt: %+v %v", p, err)
	}

	forged, _ := SignToken("other-secret", "0xabc", domain.TierAdmin, jwt.RegisteredClaims{})
	if _, err := r.Resolve(ctx, forged); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("forged jwt: %v", err)
	}
	expired, _ := SignToken("jwt-secret", "0xabc", domain.TierTrader, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	if _, err := r.Resolve(ctx, expired); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expired jwt: %v", err)
	}
	if _, err := r.Resolve(ctx, "garbage"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("unknown credential: %v", err)
	}
}

func TestCredential(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer  tok ")
	if got := Credential(req); got != "tok" {
		t.Fatalf("bearer = %q", got)
	}
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", "key")
	if got := Credential(req); got != "key" {
		t.Fatalf("api key = %q", got)
	}
}
