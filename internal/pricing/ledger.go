package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for committed spend tracking
const (
	keyPrefixMonth  = "spend:month:"
	keyPrefixSource = "spend:source:"
)

// Ledger key TTL: a month window plus buffer for end-of-month reporting
const ledgerKeyTTL = 45 * 24 * time.Hour

// SpendLedger tracks committed generation spend in Redis, keyed by calendar
// month. It is accounting for cost reports and an optional deployment-wide
// monthly cap; the per-job ceiling is enforced inside the engine.
type SpendLedger struct {
	redis      redis.Cmdable
	monthlyCap float64 // 0 = uncapped
}

// NewSpendLedger creates a new spend ledger. monthlyCap of zero disables
// the deployment-wide cap.
func NewSpendLedger(client redis.Cmdable, monthlyCap float64) (*SpendLedger, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if monthlyCap < 0 {
		return nil, fmt.Errorf("monthly cap cannot be negative: %v", monthlyCap)
	}
	return &SpendLedger{redis: client, monthlyCap: monthlyCap}, nil
}

func monthKey(t time.Time) string {
	return keyPrefixMonth + t.UTC().Format("2006-01")
}

func sourceKey(source string, t time.Time) string {
	return keyPrefixSource + source + ":" + t.UTC().Format("2006-01")
}

// TrySpend atomically records cost against the current month if doing so
// stays within the deployment cap. Returns false without recording when the
// cap would be exceeded.
func (l *SpendLedger) TrySpend(ctx context.Context, source string, costUSD float64) (bool, error) {
	if costUSD <= 0 {
		return true, nil
	}

	now := time.Now()
	mKey := monthKey(now)
	sKey := sourceKey(source, now)
	ttlSeconds := int(ledgerKeyTTL.Seconds())

	// Atomic check-and-increment so concurrent jobs cannot jointly
	// overshoot the monthly cap
	script := redis.NewScript(`
		local monthKey = KEYS[1]
		local srcKey = KEYS[2]
		local cost = tonumber(ARGV[1])
		local cap = tonumber(ARGV[2])
		local ttl = tonumber(ARGV[3])

		local used = tonumber(redis.call('GET', monthKey) or '0')
		if cap > 0 and used + cost > cap then
			return {0, tostring(used)}
		end

		redis.call('INCRBYFLOAT', monthKey, cost)
		redis.call('EXPIRE', monthKey, ttl)
		redis.call('INCRBYFLOAT', srcKey, cost)
		redis.call('EXPIRE', srcKey, ttl)

		return {1, tostring(used + cost)}
	`)

	result, err := script.Run(ctx, l.redis, []string{mKey, sKey},
		costUSD, l.monthlyCap, ttlSeconds).Slice()
	if err != nil {
		return false, fmt.Errorf("spend ledger update failed: %w", err)
	}

	allowed, ok := result[0].(int64)
	if !ok {
		return false, fmt.Errorf("unexpected ledger script result: %v", result)
	}

	return allowed == 1, nil
}

// Record adjusts committed spend by costUSD. Negative amounts refund an
// earlier reservation, as when a reserved period fails or the actual cost
// came in under the estimate. Balances never go below zero.
func (l *SpendLedger) Record(ctx context.Context, source string, costUSD float64) error {
	if costUSD == 0 {
		return nil
	}

	now := time.Now()
	script := redis.NewScript(`
		local delta = tonumber(ARGV[1])
		local ttl = tonumber(ARGV[2])
		for i = 1, #KEYS do
			local v = tonumber(redis.call('INCRBYFLOAT', KEYS[i], delta))
			if v < 0 then
				redis.call('SET', KEYS[i], '0')
			end
			redis.call('EXPIRE', KEYS[i], ttl)
		end
		return 1
	`)

	keys := []string{monthKey(now), sourceKey(source, now)}
	if err := script.Run(ctx, l.redis, keys,
		costUSD, int(ledgerKeyTTL.Seconds())).Err(); err != nil {
		return fmt.Errorf("spend ledger record failed: %w", err)
	}
	return nil
}

// MonthToDate returns committed spend for the current calendar month
func (l *SpendLedger) MonthToDate(ctx context.Context) (float64, error) {
	val, err := l.redis.Get(ctx, monthKey(time.Now())).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("spend ledger read failed: %w", err)
	}
	return val, nil
}

// SourceMonthToDate returns committed spend for one source this month
func (l *SpendLedger) SourceMonthToDate(ctx context.Context, source string) (float64, error) {
	val, err := l.redis.Get(ctx, sourceKey(source, time.Now())).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("spend ledger read failed: %w", err)
	}
	return val, nil
}

// MonthlyCap returns the configured deployment-wide cap (0 = uncapped)
func (l *SpendLedger) MonthlyCap() float64 {
	return l.monthlyCap
}
