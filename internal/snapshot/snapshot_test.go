package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/matching"
	"github.com/alanyoungcy/foresight/internal/store/memory"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type staticSource []matching.BookView

func (s staticSource) Views() []matching.BookView { return s }

func bookState() domain.BookState {
	return domain.BookState{
		Market:  "137:btc",
		Outcome: 1,
		Orders: []domain.Order{
			{ID: "a-1", Side: domain.OrderSideBuy, Price: 400_000, Remaining: domain.Units(3), Seq: 1},
			{ID: "a-2", Side: domain.OrderSideBuy, Price: 400_000, Remaining: domain.Units(2), Seq: 2},
			{ID: "b-1", Side: domain.OrderSideSell, Price: 450_000, Remaining: domain.Units(4), Seq: 3},
		},
		NextSeq:        4,
		LastTradePrice: 420_000,
	}
}

func TestReplicatorPublishesOnlyAsLeader(t *testing.T) {
	cache := memory.NewSnapshotCache()
	st := bookState()
	src := staticSource{{State: st, Public: matching.PublicFromState(st, 20, time.Now())}}
	var leader atomic.Bool
	r := NewReplicator(Config{Interval: time.Second}, src, cache, leader.Load, discard())

	if n, err := r.RunOnce(context.Background()); n != 0 || err != nil {
		t.Fatalf("follower published %d books, err=%v", n, err)
	}
	leader.Store(true)
	if n, err := r.RunOnce(context.Background()); n != 1 || err != nil {
		t.Fatalf("leader published %d books, err=%v", n, err)
	}
	books, _ := cache.Books(context.Background())
	if len(books) != 1 || books[0] != (domain.BookKey{Market: "137:btc", Outcome: 1}) {
		t.Fatalf("books = %v", books)
	}
}

func TestReaderFallsBack(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewSnapshotCache()
	st := bookState()
	key := domain.BookKey{Market: st.Market, Outcome: st.Outcome}
	pub := matching.PublicFromState(st, 20, time.Now())
	if err := cache.PutBook(ctx, st, pub, time.Minute); err != nil {
		t.Fatal(err)
	}
	r := NewReader(cache, 20, discard())

	got := r.Public(ctx, key)
	if got.Stats.BestBid != 400_000 || got.Stats.BestAsk != 450_000 || got.Stats.Spread != 50_000 {
		t.Fatalf("public stats %+v", got.Stats)
	}

	cache.DropPublic(key)
	got = r.Public(ctx, key)
	if len(got.Depth.Bids) != 1 || got.Depth.Bids[0].Count != 2 || !got.Depth.Bids[0].Amount.Eq(domain.Units(5)) {
		t.Fatalf("derived bids %+v", got.Depth.Bids)
	}
	if got.Stats.LastTradePrice != 420_000 {
		t.Fatalf("derived last trade %d", got.Stats.LastTradePrice)
	}

	empty := r.Public(ctx, domain.BookKey{Market: "137:eth", Outcome: 0})
	if empty.Depth.Market != "137:eth" || len(empty.Depth.Bids) != 0 || empty.Stats.BestBid != 0 {
		t.Fatalf("unknown book view %+v", empty)
	}
}

// slowCache counts public reads and holds each one until released.
type slowCache struct {
	*memory.SnapshotCache
	reads   atomic.Int32
	release chan struct{}
}

func (c *slowCache) GetPublic(ctx context.Context, key domain.BookKey) (domain.PublicView, error) {
	c.reads.Add(1)
	select {
	case <-c.release:
	case <-ctx.Done():
		return domain.PublicView{}, ctx.Err()
	}
	return c.SnapshotCache.GetPublic(ctx, key)
}

func (c *slowCache) GetFull(ctx context.Context, key domain.BookKey) (domain.BookState, error) {
	if err := ctx.Err(); err != nil {
		return domain.BookState{}, err
	}
	return c.SnapshotCache.GetFull(ctx, key)
}

func TestReaderCollapsesConcurrentReads(t *testing.T) {
	cache := &slowCache{SnapshotCache: memory.NewSnapshotCache(), release: make(chan struct{})}
	r := NewReader(cache, 20, discard())
	key := domain.BookKey{Market: "137:btc", Outcome: 0}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Public(context.Background(), key)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(cache.release)
	wg.Wait()
	if n := cache.reads.Load(); n != 1 {
		t.Fatalf("%d cache reads for 16 concurrent callers", n)
	}
}

func TestReaderSharedReadOutlivesFirstCaller(t *testing.T) {
	cache := &slowCache{SnapshotCache: memory.NewSnapshotCache(), release: make(chan struct{})}
	st := bookState()
	key := domain.BookKey{Market: st.Market, Outcome: st.Outcome}
	if err := cache.PutBook(context.Background(), st, matching.PublicFromState(st, 20, time.Now()), time.Minute); err != nil {
		t.Fatal(err)
	}
	r := NewReader(cache, 20, discard())

	ctx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		r.Public(ctx, key)
	}()
	for cache.reads.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	got := make(chan domain.PublicView, 1)
	go func() { got <- r.Public(context.Background(), key) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(cache.release)
	<-firstDone

	v := <-got
	if v.Stats.BestBid != 400_000 || v.Stats.BestAsk != 450_000 {
		t.Fatalf("waiter got the cancelled caller's empty view: %+v", v.Stats)
	}
}

type failingCache struct{ *memory.SnapshotCache }

func (failingCache) PutBook(context.Context, domain.BookState, domain.PublicView, time.Duration) error {
	return domain.ErrStoreUnavailable
}

func TestReplicatorReportsCacheErrors(t *testing.T) {
	st := bookState()
	r := NewReplicator(Config{}, staticSource{{State: st}}, failingCache{memory.NewSnapshotCache()}, nil, discard())
	if _, err := r.RunOnce(context.Background()); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected store error, got %v", err)
	}
}
