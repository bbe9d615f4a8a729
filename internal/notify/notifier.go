// Package notify fans operator alerts out to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every sender. Events outside the allow-list
// are dropped, and a repeat of the same event and title inside the cooldown
// is suppressed so a failing loop cannot flood the channel.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewNotifier creates a Notifier. An empty events list allows every event;
// a zero cooldown disables suppression.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.senders) > 0 }

// Notify sends an alert for event unless it is filtered or suppressed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.suppressed(event + "\x00" + title) {
		n.logger.DebugContext(ctx, "duplicate alert suppressed", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) suppressed(key string) bool {
	if n.cooldown <= 0 {
		return false
	}
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.last[key]; ok && now.Sub(t) < n.cooldown {
		return true
	}
	for k, t := range n.last {
		if now.Sub(t) >= n.cooldown {
			delete(n.last, k)
		}
	}
	n.last[key] = now
	return false
}

// dispatch delivers to every sender; one failing sender does not stop the
// rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
