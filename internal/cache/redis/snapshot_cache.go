package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache.
//
// Key schema:
//
//	snapshot:full:{market}:{outcome}    - JSON domain.BookState
//	snapshot:public:{market}:{outcome}  - JSON domain.PublicView
//	snapshot:markets                     - set of "{market}:{outcome}"
type SnapshotCache struct {
	rdb *redis.Client
}

const snapshotIndexKey = "snapshot:markets"

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying()}
}

func snapshotFullKey(k domain.BookKey) string   { return "snapshot:full:" + k.String() }
func snapshotPublicKey(k domain.BookKey) string { return "snapshot:public:" + k.String() }

func parseBookKey(s string) (domain.BookKey, bool) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return domain.BookKey{}, false
	}
	outcome, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return domain.BookKey{}, false
	}
	return domain.BookKey{Market: s[:i], Outcome: outcome}, true
}

// PutBook writes both snapshots of one book and indexes it.
func (sc *SnapshotCache) PutBook(ctx context.Context, state domain.BookState, view domain.PublicView, ttl time.Duration) error {
	key := domain.BookKey{Market: state.Market, Outcome: state.Outcome}
	full, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: encode snapshot %s: %w", key, err)
	}
	public, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("redis: encode public view %s: %w", key, err)
	}

	pipe := sc.rdb.TxPipeline()
	pipe.Set(ctx, snapshotFullKey(key), full, ttl)
	pipe.Set(ctx, snapshotPublicKey(key), public, ttl)
	pipe.SAdd(ctx, snapshotIndexKey, key.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put snapshot %s: %w", key, err)
	}
	return nil
}

func (sc *SnapshotCache) GetPublic(ctx context.Context, key domain.BookKey) (domain.PublicView, error) {
	var v domain.PublicView
	if err := sc.getJSON(ctx, snapshotPublicKey(key), &v); err != nil {
		return domain.PublicView{}, err
	}
	return v, nil
}

func (sc *SnapshotCache) GetFull(ctx context.Context, key domain.BookKey) (domain.BookState, error) {
	var s domain.BookState
	if err := sc.getJSON(ctx, snapshotFullKey(key), &s); err != nil {
		return domain.BookState{}, err
	}
	return s, nil
}

// Books lists indexed books. The snapshots behind an entry may have expired.
func (sc *SnapshotCache) Books(ctx context.Context) ([]domain.BookKey, error) {
	members, err := sc.rdb.SMembers(ctx, snapshotIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list snapshots: %w", err)
	}
	out := make([]domain.BookKey, 0, len(members))
	for _, m := range members {
		if k, ok := parseBookKey(m); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// Forget drops a book from the index.
func (sc *SnapshotCache) Forget(ctx context.Context, key domain.BookKey) error {
	return sc.rdb.SRem(ctx, snapshotIndexKey, key.String()).Err()
}

func (sc *SnapshotCache) getJSON(ctx context.Context, key string, dst any) error {
	raw, err := sc.rdb.Get(ctx, key).Bytes()
	if isNil(err) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("redis: decode %s: %w", key, err)
	}
	return nil
}

var _ domain.SnapshotCache = (*SnapshotCache)(nil)
