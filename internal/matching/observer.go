package matching

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// Sink consumes engine events delivered by a Fanout.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev domain.Event) error
}

// Fanout is an Observer that queues events and delivers them to every sink
// from one goroutine, in publish order. A full queue blocks Publish until
// the sinks catch up; events are only discarded once Run has returned.
type Fanout struct {
	ch      chan domain.Event
	done    chan struct{}
	once    sync.Once
	sinks   []Sink
	logger  *slog.Logger
	stall   time.Duration
	dropped atomic.Int64
}

// NewFanout creates a Fanout with the given queue capacity.
func NewFanout(buffer int, logger *slog.Logger, sinks ...Sink) *Fanout {
	if buffer <= 0 {
		buffer = 4096
	}
	return &Fanout{
		ch:     make(chan domain.Event, buffer),
		done:   make(chan struct{}),
		sinks:  sinks,
		logger: logger.With(slog.String("component", "fanout")),
		stall:  time.Second,
	}
}

// Add registers another sink. Call before Run.
func (f *Fanout) Add(s Sink) {
	f.sinks = append(f.sinks, s)
}

// Publish enqueues ev, blocking while the queue is full.
func (f *Fanout) Publish(ev domain.Event) {
	select {
	case f.ch <- ev:
		return
	case <-f.done:
		f.drop(ev)
		return
	default:
	}
	t := time.NewTicker(f.stall)
	defer t.Stop()
	for {
		select {
		case f.ch <- ev:
			return
		case <-f.done:
			f.drop(ev)
			return
		case <-t.C:
			f.logger.Warn("event queue full, publisher waiting on sinks",
				slog.String("type", string(ev.Type)),
				slog.String("market", ev.Market),
				slog.Uint64("seq", ev.Seq),
			)
		}
	}
}

func (f *Fanout) drop(ev domain.Event) {
	n := f.dropped.Add(1)
	f.logger.Warn("fanout stopped, dropping event",
		slog.String("type", string(ev.Type)),
		slog.String("market", ev.Market),
		slog.Int64("dropped_total", n),
	)
}

// Dropped returns how many events were published after Run returned.
func (f *Fanout) Dropped() int64 { return f.dropped.Load() }

// Run delivers events until ctx is done. Publish stops blocking once it
// returns.
func (f *Fanout) Run(ctx context.Context) error {
	defer f.once.Do(func() { close(f.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-f.ch:
			for _, s := range f.sinks {
				if err := s.Deliver(ctx, ev); err != nil {
					f.logger.WarnContext(ctx, "sink delivery failed",
						slog.String("sink", s.Name()),
						slog.String("type", string(ev.Type)),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}
