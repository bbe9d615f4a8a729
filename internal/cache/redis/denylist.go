package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// DenyList implements domain.DenyList as one key per entry,
// denylist:{kind}:{value}, so each entry can carry its own TTL.
type DenyList struct {
	rdb *redis.Client
}

// NewDenyList creates a DenyList backed by the given Client.
func NewDenyList(c *Client) *DenyList {
	return &DenyList{rdb: c.Underlying()}
}

func denyKey(kind domain.DenyKind, value string) string {
	return "denylist:" + string(kind) + ":" + strings.ToLower(value)
}

func (d *DenyList) Denied(ctx context.Context, kind domain.DenyKind, value string) (bool, error) {
	n, err := d.rdb.Exists(ctx, denyKey(kind, value)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: deny-list %s: %w", kind, err)
	}
	return n > 0, nil
}

// Add denies value; a zero ttl never expires.
func (d *DenyList) Add(ctx context.Context, kind domain.DenyKind, value string, ttl time.Duration) error {
	if err := d.rdb.Set(ctx, denyKey(kind, value), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("redis: deny %s %s: %w", kind, value, err)
	}
	return nil
}

func (d *DenyList) Remove(ctx context.Context, kind domain.DenyKind, value string) error {
	if err := d.rdb.Del(ctx, denyKey(kind, value)).Err(); err != nil {
		return fmt.Errorf("redis: allow %s %s: %w", kind, value, err)
	}
	return nil
}

var _ domain.DenyList = (*DenyList)(nil)
