package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// EventLog implements domain.EventLog on the event_log table.
type EventLog struct {
	pool *pgxpool.Pool
}

// NewEventLog creates an EventLog backed by the given connection pool.
func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

func (l *EventLog) Append(ctx context.Context, e domain.LogEntry) error {
	const query = `
		INSERT INTO event_log (market, seq, kind, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := l.pool.Exec(ctx, query, e.Market, int64(e.Seq), string(e.Kind), []byte(e.Payload), e.RecordedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: append %s/%d: %w", e.Market, e.Seq, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: append %s/%d: %w", e.Market, e.Seq, err)
	}
	return nil
}

func (l *EventLog) Read(ctx context.Context, market string, afterSeq uint64, limit int) ([]domain.LogEntry, error) {
	query := `
		SELECT market, seq, kind, payload, recorded_at
		FROM event_log
		WHERE market = $1 AND seq > $2
		ORDER BY seq`
	args := []any{market, int64(afterSeq)}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: read log %s: %w", market, err)
	}
	defer rows.Close()

	var out []domain.LogEntry
	for rows.Next() {
		var (
			e       domain.LogEntry
			seq     int64
			kind    string
			payload []byte
		)
		if err := rows.Scan(&e.Market, &seq, &kind, &payload, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan log entry: %w", err)
		}
		e.Seq = uint64(seq)
		e.Kind = domain.LogKind(kind)
		e.Payload = payload
		e.RecordedAt = e.RecordedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read log %s rows: %w", market, err)
	}
	return out, nil
}

func (l *EventLog) Markets(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx, `SELECT DISTINCT market FROM event_log ORDER BY market`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list log markets: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (l *EventLog) LastSeq(ctx context.Context, market string) (uint64, error) {
	var seq int64
	err := l.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM event_log WHERE market = $1`, market).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: last seq %s: %w", market, err)
	}
	return uint64(seq), nil
}

var _ domain.EventLog = (*EventLog)(nil)
