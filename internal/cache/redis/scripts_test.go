package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/alanyoungcy/foresight/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestLeaseScripts(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	s := NewLeaseStore(c)
	const key = "foresight:leader:test"
	ttl := 5 * time.Second
	t0 := time.Unix(1_800_000_000, 0).UTC()
	a := domain.LeaderRecord{NodeID: "a", AdvertiseURL: "http://a:8080", AcquiredAt: t0, LastRenewedAt: t0}
	b := domain.LeaderRecord{NodeID: "b", AdvertiseURL: "http://b:8080", AcquiredAt: t0, LastRenewedAt: t0}

	if ok, err := s.Acquire(ctx, key, a, ttl); !ok || err != nil {
		t.Fatalf("acquire free lease: %v %v", ok, err)
	}
	if ok, err := s.Acquire(ctx, key, b, ttl); ok || err != nil {
		t.Fatalf("second holder acquired: %v %v", ok, err)
	}

	if ok, err := s.Renew(ctx, key, b, ttl); ok || err != nil {
		t.Fatalf("non-holder renewed: %v %v", ok, err)
	}
	mr.FastForward(3 * time.Second)
	a.LastRenewedAt = t0.Add(3 * time.Second)
	if ok, err := s.Renew(ctx, key, a, ttl); !ok || err != nil {
		t.Fatalf("holder renew: %v %v", ok, err)
	}
	if got := mr.TTL(key); got != ttl {
		t.Fatalf("renew left ttl %v", got)
	}
	rec, err := s.Get(ctx, key)
	if err != nil || rec.NodeID != "a" || !rec.LastRenewedAt.Equal(a.LastRenewedAt) {
		t.Fatalf("renewed record %+v err=%v", rec, err)
	}

	if err := s.Release(ctx, key, "b"); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(key) {
		t.Fatal("non-holder released the lease")
	}
	if err := s.Release(ctx, key, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("released lease still readable: %v", err)
	}

	if ok, _ := s.Acquire(ctx, key, a, ttl); !ok {
		t.Fatal("reacquire after release")
	}
	mr.FastForward(ttl + time.Millisecond)
	if ok, err := s.Renew(ctx, key, a, ttl); ok || err != nil {
		t.Fatalf("expired lease renewed: %v %v", ok, err)
	}

	if err := mr.Set(key, "not json"); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Renew(ctx, key, a, ttl); ok || err != nil {
		t.Fatalf("renew over an unreadable record: %v %v", ok, err)
	}
	if err := s.Release(ctx, key, "a"); err != nil || !mr.Exists(key) {
		t.Fatalf("release over an unreadable record: %v", err)
	}
}

func TestSlidingWindowScript(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	t0 := time.UnixMicro(1_800_000_000_000_000)
	now := t0
	rl.now = func() time.Time { return now }
	const key = "ratelimit:ip:10.0.0.1"
	window := time.Second

	for i := 0; i < 3; i++ {
		now = t0.Add(time.Duration(i) * 100 * time.Millisecond)
		d, err := rl.Allow(ctx, key, 3, window)
		if err != nil || !d.Allowed || d.Remaining != 2-i {
			t.Fatalf("request %d: %+v err=%v", i, d, err)
		}
	}
	now = t0.Add(300 * time.Millisecond)
	d, err := rl.Allow(ctx, key, 3, window)
	if err != nil || d.Allowed || d.Remaining != 0 {
		t.Fatalf("request over the limit: %+v err=%v", d, err)
	}
	if d.RetryAfter != 700*time.Millisecond || !d.ResetAt.Equal(t0.Add(window)) {
		t.Fatalf("retry after %v reset %v", d.RetryAfter, d.ResetAt)
	}

	// Only the oldest request has left the window.
	now = t0.Add(window + time.Microsecond)
	if d, err := rl.Allow(ctx, key, 3, window); err != nil || !d.Allowed || d.Remaining != 0 {
		t.Fatalf("request after the window slid: %+v err=%v", d, err)
	}
	if d, _ := rl.Allow(ctx, key, 3, window); d.Allowed {
		t.Fatal("window admitted more than the limit")
	}
}

func TestQuotaScripts(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	q := NewQuotaStore(c)
	const user = "0xAbC0000000000000000000000000000000000001"

	for _, step := range []struct {
		cost   int64
		used   int64
		admits bool
	}{
		{2, 2, true},
		{3, 5, true},
		{1, 5, false},
	} {
		used, ok, err := q.Reserve(ctx, user, step.cost, 5)
		if err != nil || ok != step.admits || used != step.used {
			t.Fatalf("reserve %d: used=%d ok=%v err=%v", step.cost, used, ok, err)
		}
	}
	if ttl := mr.TTL(quotaKey(user)); ttl <= 0 || ttl > 24*time.Hour {
		t.Fatalf("quota ttl %v", ttl)
	}

	if err := q.Refund(ctx, user, 3); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Used(ctx, user); n != 2 {
		t.Fatalf("used after refund = %d", n)
	}
	if mr.TTL(quotaKey(user)) <= 0 {
		t.Fatal("refund cleared the day expiry")
	}
	if err := q.Refund(ctx, user, 10); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Used(ctx, user); n != 0 {
		t.Fatalf("refund went below zero: %d", n)
	}

	if used, ok, err := q.Reserve(ctx, user, 100, 0); !ok || used != 100 || err != nil {
		t.Fatalf("unlimited reserve: used=%d ok=%v err=%v", used, ok, err)
	}
	if n, _ := q.Used(ctx, "0xunknown"); n != 0 {
		t.Fatalf("untouched user used = %d", n)
	}
}
