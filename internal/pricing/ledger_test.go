package pricing

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, cap float64) *SpendLedger {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ledger, err := NewSpendLedger(client, cap)
	require.NoError(t, err)
	return ledger
}

func TestNewSpendLedger(t *testing.T) {
	_, err := NewSpendLedger(nil, 0)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err = NewSpendLedger(client, -5)
	assert.Error(t, err)

	ledger, err := NewSpendLedger(client, 100)
	require.NoError(t, err)
	assert.Equal(t, 100.0, ledger.MonthlyCap())
}

func TestSpendLedger_RecordAccumulates(t *testing.T) {
	ledger := newTestLedger(t, 0)
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, "discord:g1", 0.25))
	require.NoError(t, ledger.Record(ctx, "discord:g1", 0.50))
	require.NoError(t, ledger.Record(ctx, "discord:g2", 1.00))

	total, err := ledger.MonthToDate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.75, total, 1e-9)

	g1, err := ledger.SourceMonthToDate(ctx, "discord:g1")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, g1, 1e-9)
}

func TestSpendLedger_EmptyMonthIsZero(t *testing.T) {
	ledger := newTestLedger(t, 0)

	total, err := ledger.MonthToDate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSpendLedger_TrySpendEnforcesCap(t *testing.T) {
	ledger := newTestLedger(t, 1.0)
	ctx := context.Background()

	ok, err := ledger.TrySpend(ctx, "discord:g1", 0.6)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second spend would cross the cap
	ok, err = ledger.TrySpend(ctx, "discord:g1", 0.6)
	require.NoError(t, err)
	assert.False(t, ok)

	// Denied spend must not be recorded
	total, err := ledger.MonthToDate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, total, 1e-9)

	// A smaller spend still fits
	ok, err = ledger.TrySpend(ctx, "discord:g1", 0.4)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSpendLedger_NegativeRecordRefundsReservation(t *testing.T) {
	ledger := newTestLedger(t, 1.0)
	ctx := context.Background()

	// Reserve the estimate, then refund it when the period fails
	ok, err := ledger.TrySpend(ctx, "discord:g1", 0.002)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, ledger.Record(ctx, "discord:g1", -0.002))

	total, err := ledger.MonthToDate(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	g1, err := ledger.SourceMonthToDate(ctx, "discord:g1")
	require.NoError(t, err)
	assert.Zero(t, g1)
}

func TestSpendLedger_NegativeRecordAdjustsToActual(t *testing.T) {
	ledger := newTestLedger(t, 0)
	ctx := context.Background()

	// Actual cost came in under the estimate
	require.NoError(t, ledger.Record(ctx, "discord:g1", 0.010))
	require.NoError(t, ledger.Record(ctx, "discord:g1", -0.004))

	total, err := ledger.MonthToDate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.006, total, 1e-9)
}

func TestSpendLedger_BalanceNeverGoesNegative(t *testing.T) {
	ledger := newTestLedger(t, 0)
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, "discord:g1", 0.001))
	require.NoError(t, ledger.Record(ctx, "discord:g1", -0.050))

	total, err := ledger.MonthToDate(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSpendLedger_ZeroCostIsNoop(t *testing.T) {
	ledger := newTestLedger(t, 0)
	ctx := context.Background()

	ok, err := ledger.TrySpend(ctx, "discord:g1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ledger.Record(ctx, "discord:g1", 0))

	total, err := ledger.MonthToDate(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}
