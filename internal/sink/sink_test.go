package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/matching"
	"github.com/alanyoungcy/foresight/internal/store/memory"
)

var (
	_ matching.Sink = (*Bus)(nil)
	_ matching.Sink = (*Kafka)(nil)
	_ MessageWriter = (*kafka.Writer)(nil)
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestBusPublishesOnBookChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := memory.NewSignalBus()
	ch, _ := bus.Subscribe(ctx, EventsPattern)

	ev := domain.Event{Type: domain.EventDepthUpdate, Market: "137:btc-100k", Outcome: 1, Seq: 7}
	if err := NewBus(bus).Deliver(ctx, ev); err != nil {
		t.Fatal(err)
	}
	select {
	case raw := <-ch:
		var got domain.Event
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatal(err)
		}
		if got.Seq != 7 || got.Channel() != "depth:137:btc-100k:1" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no message on the bus")
	}
	if BusChannel("137:btc-100k", 1) != "foresight:events:137:btc-100k:1" {
		t.Fatal(BusChannel("137:btc-100k", 1))
	}
}

func TestKafkaWritesTradesKeyedByMarket(t *testing.T) {
	w := &fakeWriter{}
	k := NewKafka(w)
	ctx := context.Background()
	for _, ty := range []domain.EventType{domain.EventTrade, domain.EventDepthUpdate, domain.EventMarketClosed, domain.EventOrderPlaced} {
		if err := k.Deliver(ctx, domain.Event{Type: ty, Market: "137:eth"}); err != nil {
			t.Fatal(err)
		}
	}
	if len(w.msgs) != 2 {
		t.Fatalf("wrote %d messages, want trade and market_closed", len(w.msgs))
	}
	m := w.msgs[1]
	if string(m.Key) != "137:eth" || string(m.Headers[0].Value) != "market_closed" {
		t.Fatalf("message %+v", m)
	}

	w.err = errors.New("leader not available")
	if err := k.Deliver(ctx, domain.Event{Type: domain.EventTrade, Market: "137:eth"}); err == nil {
		t.Fatal("write error swallowed")
	}
}
