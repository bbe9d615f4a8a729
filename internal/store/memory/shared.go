package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// LeaseStore is a process-local domain.LeaseStore. Expired leases are
// treated as absent.
type LeaseStore struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	rec     domain.LeaderRecord
	expires time.Time
}

// NewLeaseStore creates an empty LeaseStore.
func NewLeaseStore() *LeaseStore {
	return &LeaseStore{leases: make(map[string]lease), now: time.Now}
}

func (s *LeaseStore) live(key string) (lease, bool) {
	l, ok := s.leases[key]
	if !ok || !s.now().Before(l.expires) {
		delete(s.leases, key)
		return lease{}, false
	}
	return l, true
}

func (s *LeaseStore) Acquire(ctx context.Context, key string, rec domain.LeaderRecord, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.live(key); held {
		return false, nil
	}
	s.leases[key] = lease{rec: rec, expires: s.now().Add(ttl)}
	return true, nil
}

func (s *LeaseStore) Renew(ctx context.Context, key string, rec domain.LeaderRecord, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, held := s.live(key)
	if !held || l.rec.NodeID != rec.NodeID {
		return false, nil
	}
	s.leases[key] = lease{rec: rec, expires: s.now().Add(ttl)}
	return true, nil
}

func (s *LeaseStore) Release(_ context.Context, key, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, held := s.live(key); held && l.rec.NodeID == nodeID {
		delete(s.leases, key)
	}
	return nil
}

func (s *LeaseStore) Get(_ context.Context, key string) (domain.LeaderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, held := s.live(key)
	if !held {
		return domain.LeaderRecord{}, domain.ErrNotFound
	}
	return l.rec, nil
}

var _ domain.LeaseStore = (*LeaseStore)(nil)

// Locks is a process-local domain.LockManager.
type Locks struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewLocks creates a lock manager.
func NewLocks() *Locks { return &Locks{held: make(map[string]time.Time)} }

func (l *Locks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, domain.ErrLockHeld
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] == exp {
			delete(l.held, key)
		}
	}, nil
}

var _ domain.LockManager = (*Locks)(nil)

// QuotaStore is a process-local domain.QuotaStore keyed by UTC day.
type QuotaStore struct {
	mu   sync.Mutex
	used map[string]int64
	now  func() time.Time
}

// NewQuotaStore creates an empty QuotaStore.
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{used: make(map[string]int64), now: time.Now}
}

func (q *QuotaStore) key(user string) string {
	return q.now().UTC().Format("2006-01-02") + ":" + strings.ToLower(user)
}

func (q *QuotaStore) Used(_ context.Context, user string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[q.key(user)], nil
}

func (q *QuotaStore) Reserve(_ context.Context, user string, cost, limit int64) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := q.key(user)
	if limit > 0 && q.used[k]+cost > limit {
		return q.used[k], false, nil
	}
	q.used[k] += cost
	return q.used[k], true, nil
}

func (q *QuotaStore) Refund(_ context.Context, user string, cost int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := q.key(user)
	q.used[k] -= cost
	if q.used[k] < 0 {
		q.used[k] = 0
	}
	return nil
}

var _ domain.QuotaStore = (*QuotaStore)(nil)

// DenyList is a process-local domain.DenyList.
type DenyList struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewDenyList creates an empty DenyList.
func NewDenyList() *DenyList { return &DenyList{entries: make(map[string]time.Time)} }

func denyKey(kind domain.DenyKind, value string) string {
	return string(kind) + ":" + strings.ToLower(value)
}

func (d *DenyList) Denied(_ context.Context, kind domain.DenyKind, value string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.entries[denyKey(kind, value)]
	return ok && (exp.IsZero() || time.Now().Before(exp)), nil
}

func (d *DenyList) Add(_ context.Context, kind domain.DenyKind, value string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	d.entries[denyKey(kind, value)] = exp
	return nil
}

func (d *DenyList) Remove(_ context.Context, kind domain.DenyKind, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, denyKey(kind, value))
	return nil
}

var _ domain.DenyList = (*DenyList)(nil)

// Cursors is a process-local domain.CursorStore.
type Cursors struct {
	mu sync.Mutex
	m  map[string]uint64
}

// NewCursors creates an empty cursor store.
func NewCursors() *Cursors { return &Cursors{m: make(map[string]uint64)} }

func (c *Cursors) GetCursor(_ context.Context, name string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[name]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return v, nil
}

func (c *Cursors) SetCursor(_ context.Context, name string, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[name] = value
	return nil
}

var _ domain.CursorStore = (*Cursors)(nil)

// SignalBus is an in-process domain.SignalBus. A channel ending in "*"
// subscribes by prefix.
type SignalBus struct {
	mu   sync.RWMutex
	subs map[string][]chan []byte
}

// NewSignalBus creates a SignalBus.
func NewSignalBus() *SignalBus { return &SignalBus{subs: make(map[string][]chan []byte)} }

func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for pattern, subs := range b.subs {
		if !matchChannel(pattern, channel) {
			continue
		}
		for _, ch := range subs {
			select {
			case ch <- payload:
			default:
			}
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 256)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func matchChannel(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

var _ domain.SignalBus = (*SignalBus)(nil)

// SnapshotCache is a process-local domain.SnapshotCache.
type SnapshotCache struct {
	mu     sync.RWMutex
	full   map[domain.BookKey]domain.BookState
	public map[domain.BookKey]domain.PublicView
}

// NewSnapshotCache creates an empty SnapshotCache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{
		full:   make(map[domain.BookKey]domain.BookState),
		public: make(map[domain.BookKey]domain.PublicView),
	}
}

func (c *SnapshotCache) PutBook(_ context.Context, state domain.BookState, view domain.PublicView, _ time.Duration) error {
	key := domain.BookKey{Market: state.Market, Outcome: state.Outcome}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full[key] = state
	c.public[key] = view
	return nil
}

func (c *SnapshotCache) GetPublic(_ context.Context, key domain.BookKey) (domain.PublicView, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.public[key]
	if !ok {
		return domain.PublicView{}, domain.ErrNotFound
	}
	return v, nil
}

func (c *SnapshotCache) GetFull(_ context.Context, key domain.BookKey) (domain.BookState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.full[key]
	if !ok {
		return domain.BookState{}, domain.ErrNotFound
	}
	return v, nil
}

func (c *SnapshotCache) Books(_ context.Context) ([]domain.BookKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.BookKey, 0, len(c.full))
	for k := range c.full {
		out = append(out, k)
	}
	return out, nil
}

// DropPublic removes a public view, leaving the full snapshot.
func (c *SnapshotCache) DropPublic(key domain.BookKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.public, key)
}

var _ domain.SnapshotCache = (*SnapshotCache)(nil)

// IdempotencyStore is a process-local domain.IdempotencyStore.
type IdempotencyStore struct {
	mu   sync.Mutex
	recs map[string]domain.IdempotencyRecord
}

// NewIdempotencyStore creates an empty IdempotencyStore.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{recs: make(map[string]domain.IdempotencyRecord)}
}

func (s *IdempotencyStore) Get(_ context.Context, scope string) (domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[scope]
	if !ok || (!rec.ExpiresAt.IsZero() && !time.Now().Before(rec.ExpiresAt)) {
		delete(s.recs, scope)
		return domain.IdempotencyRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

// Put keeps the first record stored for scope.
func (s *IdempotencyStore) Put(_ context.Context, scope string, rec domain.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[scope]; !ok {
		s.recs[scope] = rec
	}
	return nil
}

var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)

// RateLimiter is a process-local sliding-window domain.RateLimiter.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

func (l *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (domain.RateDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-window)
	hits := l.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	d := domain.RateDecision{Limit: limit}
	if len(hits) < limit {
		hits = append(hits, now)
		d.Allowed = true
	}
	d.Remaining = max(limit-len(hits), 0)
	oldest := now
	if len(hits) > 0 {
		oldest = hits[0]
	}
	d.ResetAt = oldest.Add(window)
	if !d.Allowed {
		d.RetryAfter = max(d.ResetAt.Sub(now), time.Millisecond)
	}
	if len(hits) == 0 {
		delete(l.hits, key)
	} else {
		l.hits[key] = hits
	}
	return d, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
