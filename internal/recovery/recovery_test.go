package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/matching"
	"github.com/alanyoungcy/foresight/internal/store/memory"
)

const (
	market   = "137:rain-tomorrow"
	contract = "0x000000000000000000000000000000000000beef"
	alice    = "0x1111111111111111111111111111111111111111"
	bob      = "0x2222222222222222222222222222222222222222"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func engineConfig() matching.Config {
	cfg := matching.DefaultConfig()
	cfg.ChainID = 137
	return cfg
}

func newEngine(log domain.EventLog, now func() time.Time) *matching.Engine {
	return matching.New(engineConfig(), log, discard(), matching.WithClock(now))
}

func testOrder(maker string, salt int, side domain.OrderSide, price int64, units uint64) domain.Order {
	return domain.Order{
		Market:            market,
		Side:              side,
		Price:             price,
		Amount:            domain.Units(units),
		Maker:             maker,
		Salt:              strconv.Itoa(salt),
		Signature:         "0x01",
		ChainID:           137,
		VerifyingContract: contract,
	}
}

// populate drives a leader engine through a mix of commands and returns it.
func populate(t *testing.T, log domain.EventLog, clock *time.Time) *matching.Engine {
	t.Helper()
	e := newEngine(log, func() time.Time { return *clock })
	e.SetReady(true)
	e.SetWritable(true)
	ctx := context.Background()
	for i := 1; i <= 40; i++ {
		*clock = clock.Add(750 * time.Millisecond)
		side := domain.OrderSideBuy
		maker := alice
		if i%2 == 0 {
			side, maker = domain.OrderSideSell, bob
		}
		o := testOrder(maker, i, side, int64(400_000+(i%7)*10_000), uint64(1+i%5))
		if i%6 == 0 {
			o.TimeInForce = domain.TimeInForceGTD
			o.Expiry = clock.Add(5 * time.Second).Unix()
		}
		if _, err := e.SubmitOrder(ctx, o); err != nil {
			if _, ok := domain.AsRejection(err); !ok {
				t.Fatalf("submit %d: %v", i, err)
			}
		}
	}
	if _, err := e.ExpireOrders(ctx); err != nil {
		t.Fatalf("expire: %v", err)
	}
	return e
}

func books(t *testing.T, e *matching.Engine) string {
	t.Helper()
	cp, err := e.Checkpoint(context.Background(), market)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	raw, err := json.Marshal(struct {
		Seq      uint64
		Books    []domain.BookState
		OrderIDs []string
	}{cp.Seq, cp.Books, cp.OrderIDs})
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestRunReplaysFromEmptyCheckpointStore(t *testing.T) {
	log := memory.NewEventLog()
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	leader := populate(t, log, &clock)
	want := books(t, leader)

	fresh := newEngine(log, time.Now)
	r := New(fresh, log, memory.NewCheckpointStore(), nil, discard())
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !fresh.Ready() {
		t.Fatal("engine not ready after recovery")
	}
	if res.Replayed != log.Len(market) {
		t.Errorf("replayed %d entries, log holds %d", res.Replayed, log.Len(market))
	}
	if got := books(t, fresh); got != want {
		t.Fatalf("state differs after replay:\nwant %s\n got %s", want, got)
	}
}

func TestRunIsDeterministicFromCheckpoint(t *testing.T) {
	log := memory.NewEventLog()
	cps := memory.NewCheckpointStore()
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	leader := populate(t, log, &clock)

	cp, err := leader.Checkpoint(context.Background(), market)
	if err != nil {
		t.Fatal(err)
	}
	if err := cps.Save(context.Background(), cp); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(time.Second)
	ctx := context.Background()
	if _, err := leader.SubmitOrder(ctx, testOrder(alice, 1000, domain.OrderSideBuy, 460_000, 4)); err != nil {
		t.Fatal(err)
	}
	want := books(t, leader)

	var results []string
	for i := 0; i < 2; i++ {
		e := newEngine(log, time.Now)
		r := New(e, log, cps, nil, discard())
		res, err := r.Run(ctx)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if res.Replayed != 1 {
			t.Errorf("run %d replayed %d entries, want only the tail", i, res.Replayed)
		}
		results = append(results, books(t, e))
	}
	if results[0] != results[1] {
		t.Fatal("two recoveries from the same checkpoint differ")
	}
	if results[0] != want {
		t.Fatalf("recovered state differs from leader:\nwant %s\n got %s", want, results[0])
	}
}

type staticArchive struct {
	cps []domain.Checkpoint
	err error
}

func (a *staticArchive) Archive(context.Context, []domain.Checkpoint) (string, error) {
	return "archive/latest.json", nil
}

func (a *staticArchive) Latest(context.Context) ([]domain.Checkpoint, error) {
	return a.cps, a.err
}

func TestRunFallsBackToArchive(t *testing.T) {
	log := memory.NewEventLog()
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	leader := populate(t, log, &clock)
	cp, err := leader.Checkpoint(context.Background(), market)
	if err != nil {
		t.Fatal(err)
	}
	want := books(t, leader)

	e := newEngine(log, time.Now)
	r := New(e, log, memory.NewCheckpointStore(), &staticArchive{cps: []domain.Checkpoint{cp}}, discard())
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != "archive" || res.Replayed != 0 {
		t.Errorf("source=%s replayed=%d", res.Source, res.Replayed)
	}
	if got := books(t, e); got != want {
		t.Fatalf("archived restore differs:\nwant %s\n got %s", want, got)
	}

	e = newEngine(log, time.Now)
	r = New(e, log, memory.NewCheckpointStore(), &staticArchive{err: domain.ErrNotFound}, discard())
	if res, err = r.Run(context.Background()); err != nil || res.Source != "none" {
		t.Fatalf("empty archive: source=%s err=%v", res.Source, err)
	}
}

func TestRunFailsOnGap(t *testing.T) {
	log := memory.NewEventLog()
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	populate(t, log, &clock)

	entries, _ := log.Read(context.Background(), market, 0, 0)
	holey := memory.NewEventLog()
	for _, en := range entries {
		if en.Seq == 5 {
			continue
		}
		if err := holey.Append(context.Background(), en); err != nil {
			t.Fatal(err)
		}
	}
	e := newEngine(holey, time.Now)
	_, err := New(e, holey, memory.NewCheckpointStore(), nil, discard()).Run(context.Background())
	if !errors.Is(err, domain.ErrCorruptLog) {
		t.Fatalf("expected ErrCorruptLog, got %v", err)
	}
	if e.Ready() {
		t.Fatal("engine must stay not ready after a failed recovery")
	}
}

type fakeLocks struct{ held bool }

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	l.held = true
	return func() { l.held = false }, nil
}

func TestCheckpointerWritesAdvancedMarketsOnly(t *testing.T) {
	log := memory.NewEventLog()
	store := memory.NewCheckpointStore()
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	e := populate(t, log, &clock)
	locks := &fakeLocks{}
	archive := &staticArchive{}
	leader := true
	c := NewCheckpointer(CheckpointerConfig{Interval: time.Second, ArchiveEvery: 1}, e, store, locks, archive, func() bool { return leader }, discard())

	ctx := context.Background()
	n, err := c.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("first run: n=%d err=%v", n, err)
	}
	if locks.held {
		t.Fatal("lock not released")
	}
	if n, _ = c.RunOnce(ctx); n != 0 {
		t.Fatalf("unchanged market rewritten: %d", n)
	}

	if _, err := e.SubmitOrder(ctx, testOrder(alice, 500, domain.OrderSideBuy, 100_000, 1)); err != nil {
		t.Fatal(err)
	}
	locks.held = true
	if n, _ = c.RunOnce(ctx); n != 0 {
		t.Fatalf("wrote while the lock was held elsewhere: %d", n)
	}
	locks.held = false
	leader = false
	if n, _ = c.RunOnce(ctx); n != 0 {
		t.Fatalf("follower wrote checkpoints: %d", n)
	}
	leader = true
	if n, _ = c.RunOnce(ctx); n != 1 {
		t.Fatalf("advanced market not written: %d", n)
	}
	all, _ := store.LoadAll(ctx)
	if len(all) != 1 || all[0].Seq != e.LastSeq(market) {
		t.Fatalf("stored checkpoints %+v", all)
	}
}
