package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// IntentStore implements domain.IntentStore on settlement_intents.
type IntentStore struct {
	pool *pgxpool.Pool
}

// NewIntentStore creates an IntentStore backed by the given pool.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

const intentColumns = `id, kind, user_address, market, chain_id, order_id,
	fill_amount::text, cost_usdc::text, status, tx_hash, permit_tx, error, attempts, created_at, updated_at`

func (s *IntentStore) Create(ctx context.Context, in domain.SettlementIntent) error {
	const query = `
		INSERT INTO settlement_intents (
			id, kind, user_address, market, chain_id, order_id,
			fill_amount, cost_usdc, status, tx_hash, permit_tx, error, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $13, $14, $15)`
	_, err := s.pool.Exec(ctx, query,
		in.ID, string(in.Kind), in.UserAddress, in.Market, in.ChainID, in.OrderID,
		in.FillAmount.String(), in.CostUSDC.String(), string(in.Status),
		in.TxHash, in.PermitTx, in.Error, in.Attempts, in.CreatedAt, in.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: create intent %s: %w", in.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create intent %s: %w", in.ID, err)
	}
	return nil
}

func (s *IntentStore) Update(ctx context.Context, in domain.SettlementIntent) error {
	const query = `
		UPDATE settlement_intents
		SET status = $2, tx_hash = $3, permit_tx = $4, error = $5, attempts = $6, updated_at = $7
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, in.ID, string(in.Status), in.TxHash, in.PermitTx, in.Error, in.Attempts, in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update intent %s: %w", in.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update intent %s: %w", in.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *IntentStore) Get(ctx context.Context, id string) (domain.SettlementIntent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM settlement_intents WHERE id = $1`, id)
	in, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SettlementIntent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SettlementIntent{}, fmt.Errorf("postgres: get intent %s: %w", id, err)
	}
	return in, nil
}

func (s *IntentStore) ListByStatus(ctx context.Context, status domain.IntentStatus, limit int) ([]domain.SettlementIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM settlement_intents WHERE status = $1 ORDER BY created_at`
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list intents %s: %w", status, err)
	}
	defer rows.Close()

	var out []domain.SettlementIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list intents rows: %w", err)
	}
	return out, nil
}

func scanIntent(row pgx.Row) (domain.SettlementIntent, error) {
	var (
		in           domain.SettlementIntent
		kind, status string
		fill, cost   string
	)
	err := row.Scan(&in.ID, &kind, &in.UserAddress, &in.Market, &in.ChainID, &in.OrderID,
		&fill, &cost, &status, &in.TxHash, &in.PermitTx, &in.Error, &in.Attempts, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return domain.SettlementIntent{}, err
	}
	in.Kind = domain.IntentKind(kind)
	in.Status = domain.IntentStatus(status)
	if in.FillAmount, err = domain.ParseAmount(fill); err != nil {
		return domain.SettlementIntent{}, fmt.Errorf("fill amount %q: %w", fill, err)
	}
	if in.CostUSDC, err = domain.ParseAmount(cost); err != nil {
		return domain.SettlementIntent{}, fmt.Errorf("cost %q: %w", cost, err)
	}
	return in, nil
}

var _ domain.IntentStore = (*IntentStore)(nil)
