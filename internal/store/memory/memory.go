// Package memory provides process-local implementations of the durable
// stores, for single-node development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// EventLog is an in-memory domain.EventLog.
type EventLog struct {
	mu      sync.Mutex
	entries map[string][]domain.LogEntry
	// FailAppend, when set, is returned by Append instead of storing.
	FailAppend error
}

// NewEventLog creates an empty log.
func NewEventLog() *EventLog {
	return &EventLog{entries: make(map[string][]domain.LogEntry)}
}

func (l *EventLog) Append(_ context.Context, entry domain.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailAppend != nil {
		return l.FailAppend
	}
	list := l.entries[entry.Market]
	if n := len(list); n > 0 && list[n-1].Seq >= entry.Seq {
		return fmt.Errorf("memory: append %s/%d: %w", entry.Market, entry.Seq, domain.ErrAlreadyExists)
	}
	entry.Payload = append([]byte(nil), entry.Payload...)
	l.entries[entry.Market] = append(list, entry)
	return nil
}

func (l *EventLog) Read(_ context.Context, market string, afterSeq uint64, limit int) ([]domain.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.entries[market]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq > afterSeq })
	end := len(list)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	out := make([]domain.LogEntry, end-i)
	copy(out, list[i:end])
	return out, nil
}

func (l *EventLog) Markets(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.entries))
	for k := range l.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (l *EventLog) LastSeq(_ context.Context, market string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.entries[market]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].Seq, nil
}

// Len returns the number of entries stored for market.
func (l *EventLog) Len(market string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries[market])
}

// Truncate drops entries of market above seq.
func (l *EventLog) Truncate(market string, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.entries[market]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq > seq })
	l.entries[market] = list[:i]
}

var _ domain.EventLog = (*EventLog)(nil)

// CheckpointStore keeps the latest checkpoint per market.
type CheckpointStore struct {
	mu  sync.Mutex
	cps map[string]domain.Checkpoint
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{cps: make(map[string]domain.Checkpoint)}
}

// Save keeps cp unless a newer checkpoint of the market is already stored.
func (s *CheckpointStore) Save(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cps[cp.Market.Key]; ok && cur.Seq > cp.Seq {
		return nil
	}
	s.cps[cp.Market.Key] = cp
	return nil
}

func (s *CheckpointStore) LoadAll(_ context.Context) ([]domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Checkpoint, 0, len(s.cps))
	for _, cp := range s.cps {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market.Key < out[j].Market.Key })
	return out, nil
}

var _ domain.CheckpointStore = (*CheckpointStore)(nil)

// IntentStore is an in-memory domain.IntentStore.
type IntentStore struct {
	mu      sync.Mutex
	intents map[string]domain.SettlementIntent
}

func NewIntentStore() *IntentStore {
	return &IntentStore{intents: make(map[string]domain.SettlementIntent)}
}

func (s *IntentStore) Create(_ context.Context, in domain.SettlementIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[in.ID]; ok {
		return fmt.Errorf("memory: intent %s: %w", in.ID, domain.ErrAlreadyExists)
	}
	s.intents[in.ID] = in
	return nil
}

func (s *IntentStore) Update(_ context.Context, in domain.SettlementIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[in.ID]; !ok {
		return fmt.Errorf("memory: intent %s: %w", in.ID, domain.ErrNotFound)
	}
	s.intents[in.ID] = in
	return nil
}

func (s *IntentStore) Get(_ context.Context, id string) (domain.SettlementIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return domain.SettlementIntent{}, fmt.Errorf("memory: intent %s: %w", id, domain.ErrNotFound)
	}
	return in, nil
}

func (s *IntentStore) ListByStatus(_ context.Context, status domain.IntentStatus, limit int) ([]domain.SettlementIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SettlementIntent
	for _, in := range s.intents {
		if in.Status == status {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ domain.IntentStore = (*IntentStore)(nil)

// AuditStore records audit events in memory.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func NewAuditStore() *AuditStore { return &AuditStore{} }

func (s *AuditStore) Log(_ context.Context, event, actor string, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Actor:     actor,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// Entries returns a copy of everything logged.
func (s *AuditStore) Entries() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.entries...)
}

var _ domain.AuditStore = (*AuditStore)(nil)
