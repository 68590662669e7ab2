package pnl

import (
	"context"
	"testing"
	"time"

	"autotrader/internal/core"
	"autotrader/internal/ledger"
	"autotrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccount = "acct1"
	testSymbol  = "ESZ6"
)

func newTestEngine(t *testing.T) (*Engine, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(),
		func(string) decimal.Decimal { return decimal.NewFromInt(50) },
		logging.NewNop())
	e := NewEngine(l,
		func(string) decimal.Decimal { return decimal.NewFromInt(50) },
		logging.NewNop())
	return e, l
}

func tick(price string) core.Tick {
	return core.Tick{
		Symbol:    testSymbol,
		Price:     decimal.RequireFromString(price),
		Timestamp: time.Now(),
	}
}

func buy(qty int64, price string) core.Fill {
	return core.Fill{
		OrderID:   "ord",
		AccountID: testAccount,
		Symbol:    testSymbol,
		Side:      core.OrderSideBuy,
		Quantity:  qty,
		Price:     decimal.RequireFromString(price),
		Timestamp: time.Now(),
	}
}

func sell(qty int64, price string) core.Fill {
	f := buy(qty, price)
	f.Side = core.OrderSideSell
	return f
}

func TestUnrealizedMarksOnTick(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	_, err := l.RecordFill(ctx, buy(2, "5000.00"))
	require.NoError(t, err)

	e.OnTick(tick("5003.00"))

	snap := e.GetSnapshot(testAccount, testSymbol)
	// (5003 - 5000) * 2 * 50
	assert.True(t, snap.Unrealized.Equal(decimal.NewFromInt(300)),
		"expected 300, got %s", snap.Unrealized)
}

func TestUnrealizedShortSide(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	_, err := l.RecordFill(ctx, sell(2, "5000.00"))
	require.NoError(t, err)

	e.OnTick(tick("5004.00"))

	snap := e.GetSnapshot(testAccount, testSymbol)
	// (5004 - 5000) * (-2) * 50
	assert.True(t, snap.Unrealized.Equal(decimal.NewFromInt(-400)),
		"expected -400, got %s", snap.Unrealized)
}

func TestWorstExcursionIsMonotonic(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	_, err := l.RecordFill(ctx, buy(1, "5000.00"))
	require.NoError(t, err)

	e.OnTick(tick("4998.00")) // -100
	e.OnTick(tick("4995.00")) // -250
	e.OnTick(tick("5001.00")) // recovers to +50

	snap := e.GetSnapshot(testAccount, testSymbol)
	assert.True(t, snap.Unrealized.Equal(decimal.NewFromInt(50)))
	assert.True(t, snap.Worst.Equal(decimal.NewFromInt(-250)),
		"worst must not recover, got %s", snap.Worst)
}

func TestWorstResetsOnNewPosition(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	_, err := l.RecordFill(ctx, buy(1, "5000.00"))
	require.NoError(t, err)
	e.OnTick(tick("4990.00")) // worst -500
	_, err = l.RecordFill(ctx, sell(1, "4990.00"))
	require.NoError(t, err)

	_, err = l.RecordFill(ctx, buy(1, "4990.00"))
	require.NoError(t, err)
	e.OnTick(tick("4991.00"))

	snap := e.GetSnapshot(testAccount, testSymbol)
	assert.True(t, snap.Worst.GreaterThanOrEqual(decimal.Zero),
		"old excursion must not leak into the new position, got %s", snap.Worst)
}

func TestRemarkAfterScaleInUsesNewAverage(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	_, err := l.RecordFill(ctx, buy(1, "5000.00"))
	require.NoError(t, err)
	e.OnTick(tick("4990.00"))
	_, err = l.RecordFill(ctx, buy(1, "4990.00"))
	require.NoError(t, err)

	snap := e.GetSnapshot(testAccount, testSymbol)
	// avg now 4995, last 4990: (4990 - 4995) * 2 * 50 = -500
	assert.True(t, snap.Unrealized.Equal(decimal.NewFromInt(-500)),
		"expected -500, got %s", snap.Unrealized)
}

func TestSnapshotWithoutPriceFeed(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	_, err := l.RecordFill(ctx, buy(1, "5000.00"))
	require.NoError(t, err)

	snap := e.GetSnapshot(testAccount, testSymbol)
	assert.False(t, snap.HasPrice)
	assert.True(t, snap.Unrealized.IsZero())
}
