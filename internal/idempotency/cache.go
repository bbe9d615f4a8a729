// Package idempotency replays stored responses for retried write requests.
package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// sweepPerPut bounds how many expired entries one Put removes.
const sweepPerPut = 16

// Config controls the local tier.
type Config struct {
	TTL     time.Duration
	MaxKeys int
}

type entry struct {
	rec domain.IdempotencyRecord
	gen uint64
}

type slot struct {
	scope string
	gen   uint64
}

// Cache is a two-tier response cache: a bounded in-process map in front of
// an optional shared store. It is safe for concurrent use.
type Cache struct {
	cfg    Config
	shared domain.IdempotencyStore
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	order   []slot // insertion order, oldest first
	gen     uint64
}

// NewCache creates a Cache. shared may be nil for a single node.
func NewCache(cfg Config, shared domain.IdempotencyStore, logger *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 100_000
	}
	return &Cache{
		cfg:     cfg,
		shared:  shared,
		logger:  logger.With(slog.String("component", "idempotency")),
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Get returns the stored response for scope, consulting the shared tier on
// a local miss.
func (c *Cache) Get(ctx context.Context, scope string) (domain.IdempotencyRecord, bool) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[scope]
	if ok && now.Before(e.rec.ExpiresAt) {
		c.mu.Unlock()
		return e.rec, true
	}
	if ok {
		delete(c.entries, scope)
	}
	c.mu.Unlock()

	if c.shared == nil {
		return domain.IdempotencyRecord{}, false
	}
	rec, err := c.shared.Get(ctx, scope)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.WarnContext(ctx, "shared idempotency read failed",
				slog.String("scope", scope),
				slog.String("error", err.Error()),
			)
		}
		return domain.IdempotencyRecord{}, false
	}
	if !now.Before(rec.ExpiresAt) {
		return domain.IdempotencyRecord{}, false
	}
	c.putLocal(scope, rec)
	return rec, true
}

// Put stores a terminal response. Responses with status >= 500 are not
// stored so the client can retry.
func (c *Cache) Put(ctx context.Context, scope string, rec domain.IdempotencyRecord) {
	if rec.Status >= 500 {
		return
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = c.now().Add(c.cfg.TTL)
	}
	c.putLocal(scope, rec)
	if c.shared == nil {
		return
	}
	if err := c.shared.Put(ctx, scope, rec); err != nil {
		c.logger.WarnContext(ctx, "shared idempotency write failed",
			slog.String("scope", scope),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Cache) putLocal(scope string, rec domain.IdempotencyRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries[scope] = entry{rec: rec, gen: c.gen}
	c.order = append(c.order, slot{scope: scope, gen: c.gen})
	c.sweepLocked()
}

// sweepLocked drops a few expired entries from the front of the queue, then
// evicts oldest entries until the map fits MaxKeys.
func (c *Cache) sweepLocked() {
	now := c.now()
	c.dropStaleLocked()
	for n := 0; n < sweepPerPut && len(c.order) > 0; n++ {
		e := c.entries[c.order[0].scope]
		if now.Before(e.rec.ExpiresAt) {
			break
		}
		delete(c.entries, c.order[0].scope)
		c.order = c.order[1:]
		c.dropStaleLocked()
	}
	for len(c.entries) > c.cfg.MaxKeys && len(c.order) > 0 {
		delete(c.entries, c.order[0].scope)
		c.order = c.order[1:]
		c.dropStaleLocked()
	}
}

// dropStaleLocked pops queue slots superseded by a newer write or removal.
func (c *Cache) dropStaleLocked() {
	for len(c.order) > 0 {
		s := c.order[0]
		if e, ok := c.entries[s.scope]; ok && e.gen == s.gen {
			return
		}
		c.order = c.order[1:]
	}
}

// Len returns the number of locally held entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
