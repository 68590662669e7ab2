package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"autotrader/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteFillRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	f := core.Fill{
		OrderID:   "ord-1",
		AccountID: testAccount,
		Symbol:    testSymbol,
		Side:      core.OrderSideSell,
		Quantity:  3,
		Price:     decimal.RequireFromString("5012.25"),
		Timestamp: time.Now().Truncate(time.Microsecond),
		Role:      core.RoleExit,
	}
	require.NoError(t, store.AppendFill(ctx, f))

	fills, err := store.LoadFills(ctx, testAccount, testSymbol)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, f.OrderID, fills[0].OrderID)
	assert.Equal(t, f.Side, fills[0].Side)
	assert.Equal(t, f.Quantity, fills[0].Quantity)
	assert.True(t, f.Price.Equal(fills[0].Price))
	assert.Equal(t, f.Role, fills[0].Role)
	assert.True(t, f.Timestamp.Equal(fills[0].Timestamp))
}

func TestSQLiteFillOrderPreserved(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f := fill(core.OrderSideBuy, 1, "5000.00")
		f.OrderID = string(rune('a' + i))
		require.NoError(t, store.AppendFill(ctx, f))
	}

	fills, err := store.LoadFills(ctx, testAccount, testSymbol)
	require.NoError(t, err)
	require.Len(t, fills, 5)
	for i, f := range fills {
		assert.Equal(t, string(rune('a'+i)), f.OrderID)
	}
}

func TestSQLiteReplaceFills(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendFill(ctx, fill(core.OrderSideBuy, 1, "5000.00")))
	require.NoError(t, store.AppendFill(ctx, fill(core.OrderSideBuy, 1, "4999.00")))

	replacement := []core.Fill{fill(core.OrderSideSell, 2, "5003.00")}
	require.NoError(t, store.ReplaceFills(ctx, testAccount, testSymbol, replacement))

	fills, err := store.LoadFills(ctx, testAccount, testSymbol)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, core.OrderSideSell, fills[0].Side)
}

func TestSQLitePositionRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	pos := &core.Position{
		AccountID:         testAccount,
		Symbol:            testSymbol,
		Side:              core.SideLong,
		Quantity:          4,
		AverageEntryPrice: decimal.RequireFromString("4995.50"),
		RealizedPnL:       decimal.RequireFromString("-125.00"),
		DCAFiredRungs:     map[int]bool{0: true, 2: true},
		TakeProfitOrderID: "tp-9",
		ExitState:         core.ExitWorking,
	}
	require.NoError(t, store.SavePosition(ctx, pos))

	// Upsert replaces rather than duplicating
	pos.Quantity = 5
	require.NoError(t, store.SavePosition(ctx, pos))

	loaded, err := store.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, int64(5), got.Quantity)
	assert.True(t, got.AverageEntryPrice.Equal(pos.AverageEntryPrice))
	assert.Equal(t, map[int]bool{0: true, 2: true}, got.DCAFiredRungs)
	assert.Equal(t, "tp-9", got.TakeProfitOrderID)
	assert.Equal(t, core.ExitWorking, got.ExitState)
}

func TestSQLiteDriftLifecycle(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	rec := &core.DriftRecord{
		AccountID:       testAccount,
		Symbol:          testSymbol,
		VirtualQuantity: 2,
		BrokerQuantity:  3,
		DetectedAt:      time.Now(),
	}
	require.NoError(t, store.SaveDrift(ctx, rec))
	require.NotZero(t, rec.ID)

	rec.Resolution = "adopted broker fill history"
	rec.ResolvedAt = time.Now()
	require.NoError(t, store.SaveDrift(ctx, rec))

	recs, err := store.LoadDrifts(ctx, testAccount, testSymbol)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Resolved())
	assert.Equal(t, int64(3), recs[0].BrokerQuantity)
}
