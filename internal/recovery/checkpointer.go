package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/matching"
)

// CheckpointLockKey serializes checkpoint writers across the cluster.
const CheckpointLockKey = "foresight:lock:checkpoint"

// CheckpointerConfig controls checkpoint cadence.
type CheckpointerConfig struct {
	Interval time.Duration
	LockTTL  time.Duration
	// ArchiveEvery uploads a bundle every N runs; zero disables archiving.
	ArchiveEvery int
}

// Checkpointer writes per-market checkpoints while the node leads.
type Checkpointer struct {
	cfg     CheckpointerConfig
	engine  *matching.Engine
	store   domain.CheckpointStore
	locks   domain.LockManager
	archive domain.CheckpointArchive
	leader  func() bool
	logger  *slog.Logger

	saved map[string]uint64
	runs  int
}

// NewCheckpointer creates a Checkpointer. locks and archive may be nil;
// leader reports whether this node currently holds the lease.
func NewCheckpointer(cfg CheckpointerConfig, engine *matching.Engine, store domain.CheckpointStore, locks domain.LockManager, archive domain.CheckpointArchive, leader func() bool, logger *slog.Logger) *Checkpointer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Checkpointer{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		locks:   locks,
		archive: archive,
		leader:  leader,
		logger:  logger.With(slog.String("component", "checkpointer")),
		saved:   make(map[string]uint64),
	}
}

// Run checkpoints on every tick until ctx is done.
func (c *Checkpointer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.WarnContext(ctx, "checkpoint failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce writes a checkpoint for every market whose sequence advanced and
// returns how many were written.
func (c *Checkpointer) RunOnce(ctx context.Context) (int, error) {
	if c.leader != nil && !c.leader() {
		return 0, nil
	}
	if !c.engine.Ready() {
		return 0, nil
	}
	if c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, CheckpointLockKey, c.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			c.logger.DebugContext(ctx, "checkpoint lock held elsewhere")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("checkpoint: lock: %w", err)
		}
		defer unlock()
	}

	cps, err := c.engine.Checkpoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: capture: %w", err)
	}
	written := 0
	for _, cp := range cps {
		if cp.Seq == 0 || c.saved[cp.Market.Key] >= cp.Seq {
			continue
		}
		if err := c.store.Save(ctx, cp); err != nil {
			return written, fmt.Errorf("checkpoint: save %s: %w", cp.Market.Key, err)
		}
		c.saved[cp.Market.Key] = cp.Seq
		written++
	}
	c.runs++

	if c.archive != nil && c.cfg.ArchiveEvery > 0 && c.runs%c.cfg.ArchiveEvery == 0 && len(cps) > 0 {
		path, err := c.archive.Archive(ctx, cps)
		if err != nil {
			c.logger.WarnContext(ctx, "checkpoint archive failed", slog.String("error", err.Error()))
		} else {
			c.logger.InfoContext(ctx, "checkpoints archived", slog.String("path", path), slog.Int("markets", len(cps)))
		}
	}
	if written > 0 {
		c.logger.DebugContext(ctx, "checkpoints written", slog.Int("count", written))
	}
	return written, nil
}
