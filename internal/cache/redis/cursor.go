package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// CursorStore implements domain.CursorStore as plain integer keys.
type CursorStore struct {
	rdb *redis.Client
}

// NewCursorStore creates a CursorStore backed by the given Client.
func NewCursorStore(c *Client) *CursorStore {
	return &CursorStore{rdb: c.Underlying()}
}

func (s *CursorStore) GetCursor(ctx context.Context, name string) (uint64, error) {
	v, err := s.rdb.Get(ctx, name).Uint64()
	if isNil(err) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redis: get cursor %s: %w", name, err)
	}
	return v, nil
}

func (s *CursorStore) SetCursor(ctx context.Context, name string, value uint64) error {
	if err := s.rdb.Set(ctx, name, value, 0).Err(); err != nil {
		return fmt.Errorf("redis: set cursor %s: %w", name, err)
	}
	return nil
}

var _ domain.CursorStore = (*CursorStore)(nil)
