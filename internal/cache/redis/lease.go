package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/foresight/internal/domain"
)

var (
	//go:embed scripts/lease_renew.lua
	leaseRenewLua string
	//go:embed scripts/lease_release.lua
	leaseReleaseLua string
)

// LeaseStore implements domain.LeaseStore with SET NX PX for acquisition and
// holder-checked Lua scripts for renew and release.
type LeaseStore struct {
	rdb     *redis.Client
	renew   *redis.Script
	release *redis.Script
}

// NewLeaseStore creates a LeaseStore backed by the given Client.
func NewLeaseStore(c *Client) *LeaseStore {
	return &LeaseStore{
		rdb:     c.Underlying(),
		renew:   redis.NewScript(leaseRenewLua),
		release: redis.NewScript(leaseReleaseLua),
	}
}

func (s *LeaseStore) Acquire(ctx context.Context, key string, rec domain.LeaderRecord, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("redis: encode lease: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, key, raw, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: acquire lease %s: %w", key, err)
	}
	return ok, nil
}

func (s *LeaseStore) Renew(ctx context.Context, key string, rec domain.LeaderRecord, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("redis: encode lease: %w", err)
	}
	n, err := s.renew.Run(ctx, s.rdb, []string{key}, rec.NodeID, raw, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis: renew lease %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *LeaseStore) Release(ctx context.Context, key, nodeID string) error {
	if err := s.release.Run(ctx, s.rdb, []string{key}, nodeID).Err(); err != nil && !isNil(err) {
		return fmt.Errorf("redis: release lease %s: %w", key, err)
	}
	return nil
}

func (s *LeaseStore) Get(ctx context.Context, key string) (domain.LeaderRecord, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if isNil(err) {
		return domain.LeaderRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LeaderRecord{}, fmt.Errorf("redis: get lease %s: %w", key, err)
	}
	var rec domain.LeaderRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.LeaderRecord{}, fmt.Errorf("redis: decode lease %s: %w", key, err)
	}
	return rec, nil
}

var _ domain.LeaseStore = (*LeaseStore)(nil)
