// Package sink delivers committed engine events to outbound transports.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// EventsPrefix prefixes every signal-bus channel the engine publishes on.
const EventsPrefix = "foresight:events:"

// EventsPattern subscribes to every book.
const EventsPattern = EventsPrefix + "*"

// BusChannel returns the signal-bus channel of a book.
func BusChannel(market string, outcome int) string {
	return EventsPrefix + market + ":" + strconv.Itoa(outcome)
}

// Bus publishes every event as JSON on the signal bus so that the
// broadcasters of all nodes see the writer's deltas.
type Bus struct {
	bus domain.SignalBus
}

// NewBus creates a Bus sink.
func NewBus(bus domain.SignalBus) *Bus { return &Bus{bus: bus} }

func (b *Bus) Name() string { return "signal-bus" }

// Deliver publishes ev on its book channel.
func (b *Bus) Deliver(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sink: marshal %s: %w", ev.Type, err)
	}
	return b.bus.Publish(ctx, BusChannel(ev.Market, ev.Outcome), payload)
}
