package domain

import (
	"context"
)

// EventLog is the durable, append-only per-market mutation log.
type EventLog interface {
	// Append stores entry; a duplicate (market, seq) returns ErrAlreadyExists.
	Append(ctx context.Context, entry LogEntry) error
	// Read returns up to limit entries of market with Seq > afterSeq, ascending.
	Read(ctx context.Context, market string, afterSeq uint64, limit int) ([]LogEntry, error)
	// Markets lists every market with at least one entry.
	Markets(ctx context.Context) ([]string, error)
	LastSeq(ctx context.Context, market string) (uint64, error)
}

// CheckpointStore persists the latest full state of each market.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	LoadAll(ctx context.Context) ([]Checkpoint, error)
}

// IntentStore persists settlement intents.
type IntentStore interface {
	Create(ctx context.Context, intent SettlementIntent) error
	Update(ctx context.Context, intent SettlementIntent) error
	Get(ctx context.Context, id string) (SettlementIntent, error)
	ListByStatus(ctx context.Context, status IntentStatus, limit int) ([]SettlementIntent, error)
}

// AuditStore records operator-visible actions.
type AuditStore interface {
	Log(ctx context.Context, event string, actor string, details map[string]any) error
}
