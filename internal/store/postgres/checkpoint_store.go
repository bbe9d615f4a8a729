package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// CheckpointStore implements domain.CheckpointStore, one row per market.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore creates a CheckpointStore backed by the given pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// Save upserts cp. An older checkpoint never replaces a newer one.
func (s *CheckpointStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	state, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("postgres: encode checkpoint %s: %w", cp.Market.Key, err)
	}
	const query = `
		INSERT INTO checkpoints (market, seq, state, taken_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (market) DO UPDATE
		SET seq = EXCLUDED.seq, state = EXCLUDED.state, taken_at = EXCLUDED.taken_at
		WHERE checkpoints.seq <= EXCLUDED.seq`
	if _, err := s.pool.Exec(ctx, query, cp.Market.Key, int64(cp.Seq), state, cp.TakenAt); err != nil {
		return fmt.Errorf("postgres: save checkpoint %s: %w", cp.Market.Key, err)
	}
	return nil
}

func (s *CheckpointStore) LoadAll(ctx context.Context) ([]domain.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT market, state FROM checkpoints ORDER BY market`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load checkpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		var (
			market string
			state  []byte
		)
		if err := rows.Scan(&market, &state); err != nil {
			return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
		}
		var cp domain.Checkpoint
		if err := json.Unmarshal(state, &cp); err != nil {
			return nil, fmt.Errorf("postgres: decode checkpoint %s: %w", market, err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load checkpoints rows: %w", err)
	}
	return out, nil
}

var _ domain.CheckpointStore = (*CheckpointStore)(nil)
