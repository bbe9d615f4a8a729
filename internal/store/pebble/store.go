// Package pebble implements the durable stores on an embedded Pebble LSM,
// for single-node deployments.
//
// Key schema:
//
//	log/{market}/{seq:020d}   - JSON domain.LogEntry
//	mkt/{market}              - marker for markets with log entries
//	ckpt/{market}             - JSON domain.Checkpoint
//	intent/{id}               - JSON domain.SettlementIntent
//	audit/{unixnano:020d}     - JSON domain.AuditEntry
package pebble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// Store is a Pebble-backed EventLog, CheckpointStore, IntentStore and
// AuditStore sharing one database.
type Store struct {
	db *pebble.DB

	mu      sync.Mutex
	lastSeq map[string]uint64
	auditID int64
}

// Open opens or creates the database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", dir, err)
	}
	return &Store{db: db, lastSeq: make(map[string]uint64)}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

func logPrefix(market string) []byte { return []byte("log/" + market + "/") }

func logKey(market string, seq uint64) []byte {
	return []byte(fmt.Sprintf("log/%s/%020d", market, seq))
}

func marketKey(market string) []byte     { return []byte("mkt/" + market) }
func checkpointKey(market string) []byte { return []byte("ckpt/" + market) }
func intentKey(id string) []byte         { return []byte("intent/" + id) }

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) scan(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

func (s *Store) getJSON(key []byte, dst any) error {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, dst)
}

func (s *Store) setJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(key, raw, pebble.Sync)
}

// lastSeqLocked returns the highest stored seq of market. Caller holds s.mu.
func (s *Store) lastSeqLocked(market string) (uint64, error) {
	if seq, ok := s.lastSeq[market]; ok {
		return seq, nil
	}
	prefix := logPrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	var seq uint64
	if iter.Last() {
		var e domain.LogEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return 0, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		seq = e.Seq
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	s.lastSeq[market] = seq
	return seq, nil
}

func (s *Store) Append(_ context.Context, e domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, err := s.lastSeqLocked(e.Market)
	if err != nil {
		return fmt.Errorf("pebble: append %s/%d: %w", e.Market, e.Seq, err)
	}
	if e.Seq <= last {
		return fmt.Errorf("pebble: append %s/%d: %w", e.Market, e.Seq, domain.ErrAlreadyExists)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("pebble: encode %s/%d: %w", e.Market, e.Seq, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(logKey(e.Market, e.Seq), raw, nil); err != nil {
		return err
	}
	if err := b.Set(marketKey(e.Market), nil, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble: append %s/%d: %w", e.Market, e.Seq, err)
	}
	s.lastSeq[e.Market] = e.Seq
	return nil
}

func (s *Store) Read(_ context.Context, market string, afterSeq uint64, limit int) ([]domain.LogEntry, error) {
	prefix := logPrefix(market)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: logKey(market, afterSeq+1),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble: read %s: %w", market, err)
	}
	defer iter.Close()

	var out []domain.LogEntry
	for iter.First(); iter.Valid(); iter.Next() {
		var e domain.LogEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("pebble: decode %s: %w", iter.Key(), err)
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble: read %s: %w", market, err)
	}
	return out, nil
}

func (s *Store) Markets(_ context.Context) ([]string, error) {
	var out []string
	err := s.scan([]byte("mkt/"), func(key, _ []byte) (bool, error) {
		out = append(out, string(key[len("mkt/"):]))
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebble: list markets: %w", err)
	}
	return out, nil
}

func (s *Store) LastSeq(_ context.Context, market string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.lastSeqLocked(market)
	if err != nil {
		return 0, fmt.Errorf("pebble: last seq %s: %w", market, err)
	}
	return seq, nil
}

// Save stores cp unless a newer checkpoint of the market exists.
func (s *Store) Save(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur domain.Checkpoint
	err := s.getJSON(checkpointKey(cp.Market.Key), &cur)
	switch {
	case err == nil && cur.Seq > cp.Seq:
		return nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("pebble: save checkpoint %s: %w", cp.Market.Key, err)
	}
	if err := s.setJSON(checkpointKey(cp.Market.Key), cp); err != nil {
		return fmt.Errorf("pebble: save checkpoint %s: %w", cp.Market.Key, err)
	}
	return nil
}

func (s *Store) LoadAll(_ context.Context) ([]domain.Checkpoint, error) {
	var out []domain.Checkpoint
	err := s.scan([]byte("ckpt/"), func(key, value []byte) (bool, error) {
		var cp domain.Checkpoint
		if err := json.Unmarshal(value, &cp); err != nil {
			return false, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, cp)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebble: load checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) Create(_ context.Context, in domain.SettlementIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur domain.SettlementIntent
	if err := s.getJSON(intentKey(in.ID), &cur); err == nil {
		return fmt.Errorf("pebble: create intent %s: %w", in.ID, domain.ErrAlreadyExists)
	}
	if err := s.setJSON(intentKey(in.ID), in); err != nil {
		return fmt.Errorf("pebble: create intent %s: %w", in.ID, err)
	}
	return nil
}

func (s *Store) Update(_ context.Context, in domain.SettlementIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur domain.SettlementIntent
	if err := s.getJSON(intentKey(in.ID), &cur); err != nil {
		return fmt.Errorf("pebble: update intent %s: %w", in.ID, err)
	}
	if err := s.setJSON(intentKey(in.ID), in); err != nil {
		return fmt.Errorf("pebble: update intent %s: %w", in.ID, err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (domain.SettlementIntent, error) {
	var in domain.SettlementIntent
	if err := s.getJSON(intentKey(id), &in); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SettlementIntent{}, err
		}
		return domain.SettlementIntent{}, fmt.Errorf("pebble: get intent %s: %w", id, err)
	}
	return in, nil
}

func (s *Store) ListByStatus(_ context.Context, status domain.IntentStatus, limit int) ([]domain.SettlementIntent, error) {
	var out []domain.SettlementIntent
	err := s.scan([]byte("intent/"), func(key, value []byte) (bool, error) {
		var in domain.SettlementIntent
		if err := json.Unmarshal(value, &in); err != nil {
			return false, fmt.Errorf("decode %s: %w", key, err)
		}
		if in.Status == status {
			out = append(out, in)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pebble: list intents: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Log(_ context.Context, event, actor string, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	id := now.UnixNano()
	if id <= s.auditID {
		id = s.auditID + 1
	}
	s.auditID = id
	entry := domain.AuditEntry{ID: id, Event: event, Actor: actor, Details: details, CreatedAt: now}
	if err := s.setJSON([]byte(fmt.Sprintf("audit/%020d", id)), entry); err != nil {
		return fmt.Errorf("pebble: log audit event %s: %w", event, err)
	}
	return nil
}

var (
	_ domain.EventLog        = (*Store)(nil)
	_ domain.CheckpointStore = (*Store)(nil)
	_ domain.IntentStore     = (*Store)(nil)
	_ domain.AuditStore      = (*Store)(nil)
)
