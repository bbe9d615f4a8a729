// Package snapshot copies leader book state into the shared cache and
// serves follower reads from it.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/matching"
)

// Source yields copies of every book. *matching.Engine satisfies it.
type Source interface {
	Views() []matching.BookView
}

// Config controls replication cadence.
type Config struct {
	Interval time.Duration
	TTL      time.Duration
}

// Replicator periodically writes each book's full and public snapshot.
type Replicator struct {
	cfg    Config
	src    Source
	cache  domain.SnapshotCache
	leader func() bool
	logger *slog.Logger
}

// NewReplicator creates a Replicator. leader gates each pass; only the
// writable leader publishes.
func NewReplicator(cfg Config, src Source, cache domain.SnapshotCache, leader func() bool, logger *slog.Logger) *Replicator {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * cfg.Interval
	}
	return &Replicator{
		cfg:    cfg,
		src:    src,
		cache:  cache,
		leader: leader,
		logger: logger.With(slog.String("component", "snapshot-replicator")),
	}
}

// Run replicates every Interval until ctx is done.
func (r *Replicator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.WarnContext(ctx, "snapshot pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce publishes one pass and returns the number of books written.
// Views are copied under book locks by the source; cache I/O happens after.
func (r *Replicator) RunOnce(ctx context.Context) (int, error) {
	if r.leader != nil && !r.leader() {
		return 0, nil
	}
	views := r.src.Views()
	written := 0
	var firstErr error
	for _, v := range views {
		if err := r.cache.PutBook(ctx, v.State, v.Public, r.cfg.TTL); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("snapshot: put %s:%d: %w", v.State.Market, v.State.Outcome, err)
			}
			continue
		}
		written++
	}
	if written > 0 {
		r.logger.DebugContext(ctx, "snapshots published", slog.Int("books", written))
	}
	return written, firstErr
}
