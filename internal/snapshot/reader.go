package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/matching"
)

// loadTimeout bounds one shared cache round trip.
const loadTimeout = 5 * time.Second

// Reader serves public book views from the snapshot cache. Concurrent reads
// of one book share a single cache round trip.
type Reader struct {
	cache  domain.SnapshotCache
	levels int
	group  singleflight.Group
	now    func() time.Time
	logger *slog.Logger
}

// NewReader creates a Reader. levels bounds depth derived from full snapshots.
func NewReader(cache domain.SnapshotCache, levels int, logger *slog.Logger) *Reader {
	if levels <= 0 {
		levels = 20
	}
	return &Reader{
		cache:  cache,
		levels: levels,
		now:    time.Now,
		logger: logger.With(slog.String("component", "snapshot-reader")),
	}
}

// Public returns the view of key. A missing public view is derived from the
// full snapshot; a book with neither yields an empty view, never an error.
func (r *Reader) Public(ctx context.Context, key domain.BookKey) domain.PublicView {
	v, _, _ := r.group.Do(key.String(), func() (any, error) {
		// Shared by every waiter, so one caller's cancellation must not end it.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return r.load(lctx, key), nil
	})
	return v.(domain.PublicView)
}

func (r *Reader) load(ctx context.Context, key domain.BookKey) domain.PublicView {
	view, err := r.cache.GetPublic(ctx, key)
	if err == nil {
		return view
	}
	if !errors.Is(err, domain.ErrNotFound) {
		r.logger.WarnContext(ctx, "public snapshot read failed",
			slog.String("book", key.String()),
			slog.String("error", err.Error()),
		)
	}
	full, err := r.cache.GetFull(ctx, key)
	if err == nil {
		return matching.PublicFromState(full, r.levels, r.now())
	}
	if !errors.Is(err, domain.ErrNotFound) {
		r.logger.WarnContext(ctx, "full snapshot read failed",
			slog.String("book", key.String()),
			slog.String("error", err.Error()),
		)
	}
	return Empty(key, r.now())
}

// Empty is the view of a book with no orders.
func Empty(key domain.BookKey, now time.Time) domain.PublicView {
	return domain.PublicView{
		Depth: domain.Depth{Market: key.Market, Outcome: key.Outcome, Bids: []domain.PriceLevel{}, Asks: []domain.PriceLevel{}},
		Stats: domain.BookStats{Market: key.Market, Outcome: key.Outcome, UpdatedAt: now},
	}
}
