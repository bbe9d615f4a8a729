package redis

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/foresight/internal/domain"
)

var (
	//go:embed scripts/quota_reserve.lua
	quotaReserveLua string
	//go:embed scripts/quota_refund.lua
	quotaRefundLua string
)

// QuotaStore implements domain.QuotaStore as one counter per user per UTC
// day, gasless:quota:day:{addr}, expiring at the end of the day.
type QuotaStore struct {
	rdb     *redis.Client
	reserve *redis.Script
	refund  *redis.Script
	now     func() time.Time
}

// NewQuotaStore creates a QuotaStore backed by the given Client.
func NewQuotaStore(c *Client) *QuotaStore {
	return &QuotaStore{
		rdb:     c.Underlying(),
		reserve: redis.NewScript(quotaReserveLua),
		refund:  redis.NewScript(quotaRefundLua),
		now:     time.Now,
	}
}

func quotaKey(user string) string { return "gasless:quota:day:" + strings.ToLower(user) }

func (q *QuotaStore) endOfDay() int64 {
	now := q.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC).Unix()
}

func (q *QuotaStore) Used(ctx context.Context, user string) (int64, error) {
	n, err := q.rdb.Get(ctx, quotaKey(user)).Int64()
	if isNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: quota %s: %w", user, err)
	}
	return n, nil
}

func (q *QuotaStore) Reserve(ctx context.Context, user string, cost, limit int64) (int64, bool, error) {
	res, err := q.reserve.Run(ctx, q.rdb, []string{quotaKey(user)}, cost, limit, q.endOfDay()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis: reserve quota %s: %w", user, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis: reserve quota %s: unexpected result length %d", user, len(res))
	}
	return res[1], res[0] == 1, nil
}

func (q *QuotaStore) Refund(ctx context.Context, user string, cost int64) error {
	if err := q.refund.Run(ctx, q.rdb, []string{quotaKey(user)}, cost).Err(); err != nil {
		return fmt.Errorf("redis: refund quota %s: %w", user, err)
	}
	return nil
}

var _ domain.QuotaStore = (*QuotaStore)(nil)
