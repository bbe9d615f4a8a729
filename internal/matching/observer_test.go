package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
)

type slowSink struct {
	mu   sync.Mutex
	seqs []uint64
}

func (s *slowSink) Name() string { return "slow" }

func (s *slowSink) Deliver(_ context.Context, ev domain.Event) error {
	time.Sleep(200 * time.Microsecond)
	s.mu.Lock()
	s.seqs = append(s.seqs, ev.Seq)
	s.mu.Unlock()
	return nil
}

func (s *slowSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqs)
}

func TestFanoutFullQueueBlocksInsteadOfDropping(t *testing.T) {
	sink := &slowSink{}
	f := NewFanout(4, discardLogger(), sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	const n = 500
	for i := 1; i <= n; i++ {
		f.Publish(domain.Event{Type: domain.EventTrade, Market: testMarket, Seq: uint64(i)})
	}
	deadline := time.Now().Add(5 * time.Second)
	for sink.len() < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if f.Dropped() != 0 {
		t.Fatalf("dropped %d events", f.Dropped())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.seqs) != n {
		t.Fatalf("delivered %d of %d events", len(sink.seqs), n)
	}
	for i, seq := range sink.seqs {
		if seq != uint64(i+1) {
			t.Fatalf("event %d delivered as seq %d", i, seq)
		}
	}
}

func TestFanoutStopsBlockingAfterRun(t *testing.T) {
	f := NewFanout(1, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Run(ctx); err == nil {
		t.Fatal("run returned nil on a cancelled context")
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			f.Publish(domain.Event{Type: domain.EventTrade, Seq: uint64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked after the fanout stopped")
	}
	// The first event may still fit the queue.
	if d := f.Dropped(); d < 2 {
		t.Fatalf("dropped %d events", d)
	}
}
