// Package recovery rebuilds the matching engine from checkpoints and the
// event log, and periodically writes new checkpoints.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/matching"
)

const defaultBatch = 1000

// Recovery restores engine state. It is not safe for concurrent use; the
// cluster coordinator serializes calls.
type Recovery struct {
	engine  *matching.Engine
	log     domain.EventLog
	cps     domain.CheckpointStore
	archive domain.CheckpointArchive
	batch   int
	logger  *slog.Logger
}

// Result summarizes one recovery run.
type Result struct {
	Markets     int
	Checkpoints int
	Replayed    int
	Source      string
	Duration    time.Duration
}

// New creates a Recovery. archive may be nil.
func New(engine *matching.Engine, log domain.EventLog, cps domain.CheckpointStore, archive domain.CheckpointArchive, logger *slog.Logger) *Recovery {
	return &Recovery{
		engine:  engine,
		log:     log,
		cps:     cps,
		archive: archive,
		batch:   defaultBatch,
		logger:  logger.With(slog.String("component", "recovery")),
	}
}

// Run resets the engine, restores the newest checkpoints, replays the log
// tail of every market, and only then marks the engine ready.
func (r *Recovery) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	r.engine.SetReady(false)

	cps, source, err := r.loadCheckpoints(ctx)
	if err != nil {
		return Result{}, err
	}
	r.engine.Reset()
	if err := r.engine.Restore(cps); err != nil {
		return Result{}, fmt.Errorf("recovery: restore: %w: %w", domain.ErrCorruptLog, err)
	}

	markets, err := r.log.Markets(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("recovery: list markets: %w", err)
	}
	markets = union(markets, cps)

	res := Result{Markets: len(markets), Checkpoints: len(cps), Source: source}
	for _, market := range markets {
		n, err := r.replayMarket(ctx, market)
		res.Replayed += n
		if err != nil {
			return res, err
		}
	}

	r.engine.SetReady(true)
	res.Duration = time.Since(start)
	r.logger.InfoContext(ctx, "recovery complete",
		slog.Int("markets", res.Markets),
		slog.Int("checkpoints", res.Checkpoints),
		slog.Int("replayed", res.Replayed),
		slog.String("source", res.Source),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

func (r *Recovery) loadCheckpoints(ctx context.Context) ([]domain.Checkpoint, string, error) {
	cps, err := r.cps.LoadAll(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("recovery: load checkpoints: %w", err)
	}
	if len(cps) > 0 || r.archive == nil {
		return cps, "store", nil
	}
	archived, err := r.archive.Latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, "none", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("recovery: load archived checkpoints: %w", err)
	}
	r.logger.WarnContext(ctx, "checkpoint store empty, using archive", slog.Int("checkpoints", len(archived)))
	return archived, "archive", nil
}

func (r *Recovery) replayMarket(ctx context.Context, market string) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		after := r.engine.LastSeq(market)
		entries, err := r.log.Read(ctx, market, after, r.batch)
		if err != nil {
			return n, fmt.Errorf("recovery: read %s after %d: %w", market, after, err)
		}
		if len(entries) == 0 {
			return n, nil
		}
		for _, entry := range entries {
			applied, err := r.engine.Replay(entry)
			if err != nil {
				return n, fmt.Errorf("recovery: %w", err)
			}
			if applied {
				n++
			}
		}
		if len(entries) < r.batch {
			return n, nil
		}
	}
}

func union(markets []string, cps []domain.Checkpoint) []string {
	set := make(map[string]struct{}, len(markets)+len(cps))
	for _, m := range markets {
		set[m] = struct{}{}
	}
	for _, cp := range cps {
		set[cp.Market.Key] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
