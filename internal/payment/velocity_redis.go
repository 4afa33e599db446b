package payment

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/paymentflow/paymentflow/internal/platform/clock"
)

// RedisActivity tracks per-user velocity in hourly buckets so trailing
// windows are answered with one MGET instead of scanning the transaction
// table. Amounts are stored in minor units to keep the counters integral.
type RedisActivity struct {
	rdb   *redis.Client
	clock clock.Clock

	// bucketTTL bounds retention; anything past the largest query window
	// is garbage.
	bucketTTL time.Duration
}

func NewRedisActivity(rdb *redis.Client, clk clock.Clock) *RedisActivity {
	return &RedisActivity{rdb: rdb, clock: clk, bucketTTL: 31 * 24 * time.Hour}
}

func countKey(userID string, bucket int64) string {
	return fmt.Sprintf("velocity:count:%s:%d", userID, bucket)
}

func amountKey(userID string, bucket int64) string {
	return fmt.Sprintf("velocity:amount:%s:%d", userID, bucket)
}

func hourBucket(t time.Time) int64 {
	return t.Truncate(time.Hour).Unix()
}

func (a *RedisActivity) Record(ctx context.Context, userID string, amount decimal.Decimal) error {
	bucket := hourBucket(a.clock.Now())
	minor := amount.Shift(2).IntPart()

	pipe := a.rdb.TxPipeline()
	pipe.Incr(ctx, countKey(userID, bucket))
	pipe.Expire(ctx, countKey(userID, bucket), a.bucketTTL)
	pipe.IncrBy(ctx, amountKey(userID, bucket), minor)
	pipe.Expire(ctx, amountKey(userID, bucket), a.bucketTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("record velocity: %w", err)
	}
	return nil
}

func (a *RedisActivity) Summary(ctx context.Context, userID string, window time.Duration) (ActivitySummary, error) {
	now := a.clock.Now()
	hours := int(window / time.Hour)
	if hours < 1 {
		hours = 1
	}

	countKeys := make([]string, 0, hours+1)
	amountKeys := make([]string, 0, hours+1)
	for i := 0; i <= hours; i++ {
		bucket := hourBucket(now.Add(-time.Duration(i) * time.Hour))
		countKeys = append(countKeys, countKey(userID, bucket))
		amountKeys = append(amountKeys, amountKey(userID, bucket))
	}

	counts, err := a.rdb.MGet(ctx, countKeys...).Result()
	if err != nil {
		return ActivitySummary{}, fmt.Errorf("velocity counts: %w", err)
	}
	amounts, err := a.rdb.MGet(ctx, amountKeys...).Result()
	if err != nil {
		return ActivitySummary{}, fmt.Errorf("velocity amounts: %w", err)
	}

	sum := ActivitySummary{TotalAmount: decimal.Zero}
	for _, v := range counts {
		sum.Count += int(parseBucket(v))
	}
	var minor int64
	for _, v := range amounts {
		minor += parseBucket(v)
	}
	sum.TotalAmount = decimal.New(minor, -2)
	return sum, nil
}

func parseBucket(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

var _ ActivitySource = (*RedisActivity)(nil)
