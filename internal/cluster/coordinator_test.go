package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/store/memory"
)

var errPartitioned = errors.New("store unreachable")

// flakyStore simulates a node cut off from the shared store.
type flakyStore struct {
	domain.LeaseStore
	down atomic.Bool
}

func (s *flakyStore) Acquire(ctx context.Context, key string, rec domain.LeaderRecord, ttl time.Duration) (bool, error) {
	if s.down.Load() {
		return false, errPartitioned
	}
	return s.LeaseStore.Acquire(ctx, key, rec, ttl)
}

func (s *flakyStore) Renew(ctx context.Context, key string, rec domain.LeaderRecord, ttl time.Duration) (bool, error) {
	if s.down.Load() {
		return false, errPartitioned
	}
	return s.LeaseStore.Renew(ctx, key, rec, ttl)
}

func (s *flakyStore) Release(ctx context.Context, key, nodeID string) error {
	if s.down.Load() {
		return errPartitioned
	}
	return s.LeaseStore.Release(ctx, key, nodeID)
}

func (s *flakyStore) Get(ctx context.Context, key string) (domain.LeaderRecord, error) {
	if s.down.Load() {
		return domain.LeaderRecord{}, errPartitioned
	}
	return s.LeaseStore.Get(ctx, key)
}

// journal is a shared, ordered record of gate transitions across nodes.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, fmt.Sprintf(format, args...))
}

func (j *journal) index(ev string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Index(j.events, ev)
}

type fakeGate struct {
	name     string
	j        *journal
	writable atomic.Bool
	degraded atomic.Bool
}

func (g *fakeGate) SetWritable(v bool) {
	if g.writable.Swap(v) != v && g.j != nil {
		g.j.add("%s:writable=%v", g.name, v)
	}
}

func (g *fakeGate) Degraded() bool { return g.degraded.Load() }

type node struct {
	c         *Coordinator
	gate      *fakeGate
	store     *flakyStore
	recovered atomic.Int32
	attempts  atomic.Int32
	failNext  atomic.Bool
	corrupt   atomic.Bool
	slow      atomic.Int64 // recovery duration override, in nanoseconds
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastConfig(id string) Config {
	return Config{
		NodeID:        id,
		AdvertiseURL:  "http://" + id + ":8080",
		TTL:           120 * time.Millisecond,
		RenewInterval: 30 * time.Millisecond,
		RetryInterval: 15 * time.Millisecond,
	}
}

func newNode(cfg Config, shared domain.LeaseStore, j *journal) *node {
	n := &node{gate: &fakeGate{name: cfg.NodeID, j: j}, store: &flakyStore{LeaseStore: shared}}
	onPromote := func(ctx context.Context) error {
		if n.gate.writable.Load() {
			return errors.New("recovery ran with writes open")
		}
		n.attempts.Add(1)
		d := 30 * time.Millisecond
		if v := n.slow.Load(); v > 0 {
			d = time.Duration(v)
		}
		time.Sleep(d)
		if n.corrupt.Load() {
			return fmt.Errorf("replay market m1: %w", domain.ErrCorruptLog)
		}
		if n.failNext.Swap(false) {
			return errors.New("checkpoint store unreadable")
		}
		n.gate.degraded.Store(false)
		n.recovered.Add(1)
		if j != nil {
			j.add("%s:recovered", cfg.NodeID)
		}
		return nil
	}
	n.c = New(cfg, n.store, n.gate, onPromote, nil, discard())
	return n
}

func start(t *testing.T, nodes ...*node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			_ = n.c.Run(ctx)
		}(n)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPromotionOpensWritesAfterRecovery(t *testing.T) {
	shared := memory.NewLeaseStore()
	n := newNode(fastConfig("a"), shared, nil)
	start(t, n)

	waitFor(t, time.Second, "writable leader", n.gate.writable.Load)
	if n.recovered.Load() != 1 {
		t.Fatalf("recovered %d times before opening writes", n.recovered.Load())
	}
	st := n.c.Status(true)
	if st.Role != domain.RoleLeader || !st.Ready || st.Promotions != 1 || st.Leader == nil || st.Leader.NodeID != "a" {
		t.Fatalf("unexpected status %+v", st)
	}
	rec, err := shared.Get(context.Background(), LeaseKey)
	if err != nil || rec.AdvertiseURL != "http://a:8080" {
		t.Fatalf("lease record %+v err=%v", rec, err)
	}
}

func TestAtMostOneWritableLeader(t *testing.T) {
	shared := memory.NewLeaseStore()
	var nodes []*node
	for i := 0; i < 5; i++ {
		nodes = append(nodes, newNode(fastConfig(fmt.Sprintf("n%d", i)), shared, nil))
	}
	start(t, nodes...)

	stop := time.Now().Add(1500 * time.Millisecond)
	i := 0
	for time.Now().Before(stop) {
		writers := 0
		for _, n := range nodes {
			if n.gate.writable.Load() {
				writers++
			}
		}
		if writers > 1 {
			t.Fatalf("%d nodes writable at once", writers)
		}
		// Periodically cut the current leader off so leadership moves.
		if i%100 == 50 {
			for _, n := range nodes {
				if n.c.IsLeader() {
					n.store.down.Store(true)
				} else {
					n.store.down.Store(false)
				}
			}
		}
		i++
		time.Sleep(time.Millisecond)
	}
	promotions := 0
	for _, n := range nodes {
		promotions += n.c.Status(false).Promotions
	}
	if promotions < 2 {
		t.Fatalf("leadership never moved: %d promotions", promotions)
	}
}

func TestLeaseLossHandsOverAfterRecovery(t *testing.T) {
	shared := memory.NewLeaseStore()
	j := &journal{}
	a := newNode(fastConfig("a"), shared, j)
	start(t, a)
	waitFor(t, time.Second, "a writable", a.gate.writable.Load)

	b := newNode(fastConfig("b"), shared, j)
	start(t, b)
	time.Sleep(60 * time.Millisecond)
	if b.c.IsLeader() {
		t.Fatal("b took a held lease")
	}
	if l, ok := b.c.Leader(); !ok || l.NodeID != "a" {
		t.Fatalf("b does not know the leader: %+v", l)
	}

	a.store.down.Store(true)
	waitFor(t, time.Second, "b writable", b.gate.writable.Load)
	if a.gate.writable.Load() || a.c.IsLeader() {
		t.Fatal("a still leads after losing the store")
	}

	aClosed := j.index("a:writable=false")
	bRecovered := j.index("b:recovered")
	bOpen := j.index("b:writable=true")
	if aClosed < 0 || bRecovered < 0 || bOpen < 0 {
		t.Fatalf("missing transitions: %v", j.events)
	}
	if !(aClosed < bOpen && bRecovered < bOpen) {
		t.Fatalf("unsafe handover order: %v", j.events)
	}
}

func TestRecoveryFailureReleasesLease(t *testing.T) {
	shared := memory.NewLeaseStore()
	cfg := fastConfig("a")
	cfg.StopOnRecoveryFailure = true
	a := newNode(cfg, shared, nil)
	a.failNext.Store(true)
	start(t, a)

	waitFor(t, time.Second, "failed promotion", func() bool {
		return a.c.Status(false).LastError != "" && !a.c.IsLeader()
	})
	if a.gate.writable.Load() {
		t.Fatal("node with failed recovery is writable")
	}
	waitFor(t, time.Second, "lease released", func() bool {
		_, err := shared.Get(context.Background(), LeaseKey)
		return errors.Is(err, domain.ErrNotFound)
	})

	b := newNode(fastConfig("b"), shared, nil)
	start(t, b)
	waitFor(t, time.Second, "b writable", b.gate.writable.Load)
	time.Sleep(150 * time.Millisecond)
	if a.c.IsLeader() {
		t.Fatal("a resumed campaigning after a stop-on-failure recovery error")
	}
}

func TestCorruptLogStopsCampaigning(t *testing.T) {
	shared := memory.NewLeaseStore()
	a := newNode(fastConfig("a"), shared, nil)
	a.corrupt.Store(true)
	start(t, a)

	waitFor(t, time.Second, "lease released", func() bool {
		_, err := shared.Get(context.Background(), LeaseKey)
		return a.attempts.Load() == 1 && errors.Is(err, domain.ErrNotFound)
	})
	time.Sleep(200 * time.Millisecond)
	if n := a.attempts.Load(); n != 1 {
		t.Fatalf("recovery attempted %d times on a corrupt log", n)
	}
	if a.c.IsLeader() || a.gate.writable.Load() {
		t.Fatal("node with a corrupt log leads")
	}
}

func TestTransientRecoveryFailureIsRetried(t *testing.T) {
	shared := memory.NewLeaseStore()
	a := newNode(fastConfig("a"), shared, nil)
	a.failNext.Store(true)
	start(t, a)

	waitFor(t, 2*time.Second, "a writable", a.gate.writable.Load)
	if a.attempts.Load() < 2 || a.recovered.Load() != 1 {
		t.Fatalf("attempts=%d recovered=%d", a.attempts.Load(), a.recovered.Load())
	}
	if st := a.c.Status(false); st.LastError != "" {
		t.Fatalf("last error kept after a successful retry: %q", st.LastError)
	}
}

func TestDegradedEngineIsRecovered(t *testing.T) {
	shared := memory.NewLeaseStore()
	a := newNode(fastConfig("a"), shared, nil)
	start(t, a)
	waitFor(t, time.Second, "a writable", a.gate.writable.Load)

	a.gate.degraded.Store(true)
	waitFor(t, time.Second, "re-recovery", func() bool { return a.recovered.Load() >= 2 })
	waitFor(t, time.Second, "writes reopened", func() bool { return a.gate.writable.Load() && !a.gate.Degraded() })
	if !a.c.IsLeader() {
		t.Fatal("re-recovery lost the lease")
	}
}

func TestShutdownReleasesLease(t *testing.T) {
	shared := memory.NewLeaseStore()
	a := newNode(fastConfig("a"), shared, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.c.Run(ctx)
		close(done)
	}()
	waitFor(t, time.Second, "a writable", a.gate.writable.Load)
	cancel()
	<-done
	if a.gate.writable.Load() {
		t.Fatal("writes open after shutdown")
	}
	if _, err := shared.Get(context.Background(), LeaseKey); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("lease still held after shutdown: %v", err)
	}
}

func TestObserverNeverCampaigns(t *testing.T) {
	shared := memory.NewLeaseStore()
	cfg := fastConfig("replica")
	cfg.Observe = true
	r := newNode(cfg, shared, nil)
	start(t, r)
	time.Sleep(100 * time.Millisecond)
	if r.c.IsLeader() || r.gate.writable.Load() {
		t.Fatal("observer took the free lease")
	}

	a := newNode(fastConfig("a"), shared, nil)
	start(t, a)
	waitFor(t, time.Second, "a writable", a.gate.writable.Load)
	waitFor(t, time.Second, "observer sees leader", func() bool {
		l, ok := r.c.Leader()
		return ok && l.NodeID == "a"
	})
}

func TestSlowDegradedRecoveryKeepsLease(t *testing.T) {
	shared := memory.NewLeaseStore()
	cfg := fastConfig("a")
	a := newNode(cfg, shared, nil)
	start(t, a)
	waitFor(t, time.Second, "a writable", a.gate.writable.Load)

	a.slow.Store(int64(3 * cfg.TTL))
	a.gate.degraded.Store(true)
	waitFor(t, 2*time.Second, "re-recovery", func() bool { return a.recovered.Load() >= 2 })
	waitFor(t, time.Second, "writes reopened", func() bool { return a.gate.writable.Load() && !a.gate.Degraded() })
	if st := a.c.Status(false); st.Promotions != 1 {
		t.Fatalf("lease lost during a long re-recovery: %d promotions", st.Promotions)
	}
	if a.recovered.Load() != 2 {
		t.Fatalf("recovered %d times", a.recovered.Load())
	}
}
