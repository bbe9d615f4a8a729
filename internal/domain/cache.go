package domain

import (
	"context"
	"time"
)

// LeaseStore holds the mutually-exclusive, TTL-bound leader lease.
type LeaseStore interface {
	// Acquire takes the lease if nobody holds it.
	Acquire(ctx context.Context, key string, rec LeaderRecord, ttl time.Duration) (bool, error)
	// Renew extends the lease only if rec.NodeID still holds it.
	Renew(ctx context.Context, key string, rec LeaderRecord, ttl time.Duration) (bool, error)
	// Release drops the lease only if nodeID holds it.
	Release(ctx context.Context, key string, nodeID string) error
	// Get returns the current holder or ErrNotFound.
	Get(ctx context.Context, key string) (LeaderRecord, error)
}

// SnapshotCache stores replicated book snapshots for follower reads.
type SnapshotCache interface {
	PutBook(ctx context.Context, state BookState, view PublicView, ttl time.Duration) error
	GetPublic(ctx context.Context, key BookKey) (PublicView, error)
	GetFull(ctx context.Context, key BookKey) (BookState, error)
	Books(ctx context.Context) ([]BookKey, error)
}

// IdempotencyRecord is a stored terminal response.
type IdempotencyRecord struct {
	Status      int       `json:"status"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IdempotencyStore is the shared tier of the idempotency cache.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	Put(ctx context.Context, key string, rec IdempotencyRecord) error
}

// RateDecision is the outcome of one rate-limit check.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter provides sliding-window admission control.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// QuotaStore tracks per-user gasless spend for the current UTC day, in USDC micro units.
type QuotaStore interface {
	Used(ctx context.Context, user string) (int64, error)
	// Reserve debits cost if used+cost <= limit and reports the new total.
	Reserve(ctx context.Context, user string, cost, limit int64) (used int64, ok bool, err error)
	Refund(ctx context.Context, user string, cost int64) error
}

// DenyKind selects which deny-list is consulted.
type DenyKind string

const (
	DenyAddress DenyKind = "address"
	DenyIP      DenyKind = "ip"
)

// DenyList holds addresses and IPs refused by the gasless path.
type DenyList interface {
	Denied(ctx context.Context, kind DenyKind, value string) (bool, error)
	Add(ctx context.Context, kind DenyKind, value string, ttl time.Duration) error
	Remove(ctx context.Context, kind DenyKind, value string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// CursorStore persists a scan position such as the last ingested block.
type CursorStore interface {
	GetCursor(ctx context.Context, name string) (uint64, error)
	SetCursor(ctx context.Context, name string, value uint64) error
}

// SignalBus provides cross-node pub/sub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
