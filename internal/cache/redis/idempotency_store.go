package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// IdempotencyStore implements domain.IdempotencyStore as JSON values under
// idempotency:{scope} that expire with the record.
type IdempotencyStore struct {
	rdb *redis.Client
}

// NewIdempotencyStore creates an IdempotencyStore backed by the given Client.
func NewIdempotencyStore(c *Client) *IdempotencyStore {
	return &IdempotencyStore{rdb: c.Underlying()}
}

func idempotencyKey(scope string) string { return "idempotency:" + scope }

func (s *IdempotencyStore) Get(ctx context.Context, scope string) (domain.IdempotencyRecord, error) {
	raw, err := s.rdb.Get(ctx, idempotencyKey(scope)).Bytes()
	if isNil(err) {
		return domain.IdempotencyRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("redis: get idempotency %s: %w", scope, err)
	}
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("redis: decode idempotency %s: %w", scope, err)
	}
	return rec, nil
}

// Put stores rec unless another node already stored a response for scope.
func (s *IdempotencyStore) Put(ctx context.Context, scope string, rec domain.IdempotencyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode idempotency %s: %w", scope, err)
	}
	if err := s.rdb.SetNX(ctx, idempotencyKey(scope), raw, ttlUntil(rec.ExpiresAt)).Err(); err != nil {
		return fmt.Errorf("redis: put idempotency %s: %w", scope, err)
	}
	return nil
}

var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)
