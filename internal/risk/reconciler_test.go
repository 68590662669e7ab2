package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"autotrader/internal/core"
	"autotrader/internal/ledger"
	"autotrader/internal/mock"
	"autotrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccount = "acct1"
	testSymbol  = "ESZ6"
)

type fixedPrices struct {
	price decimal.Decimal
	ok    bool
}

func (f fixedPrices) LastPrice(string) (decimal.Decimal, bool) {
	return f.price, f.ok
}

func newReconcilerFixture(t *testing.T) (*Reconciler, *ledger.Ledger, *mock.Broker, *HaltLatch) {
	t.Helper()

	broker := mock.NewBroker()
	l := ledger.New(ledger.NewMemoryStore(),
		func(string) decimal.Decimal { return decimal.NewFromInt(50) },
		logging.NewNop())
	halt := NewHaltLatch(logging.NewNop(), nil)

	r := NewReconciler(broker, l, fixedPrices{decimal.NewFromInt(5000), true},
		halt, nil, nil, logging.NewNop(),
		[]Pair{{AccountID: testAccount, Symbol: testSymbol}},
		time.Second)
	return r, l, broker, halt
}

// serialLane is a single-goroutine TaskSubmitter, FIFO like a dispatch lane
type serialLane struct {
	tasks chan func()
	done  chan struct{}
}

func newSerialLane() *serialLane {
	s := &serialLane{tasks: make(chan func(), 16), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for task := range s.tasks {
			task()
		}
	}()
	return s
}

func (s *serialLane) Submit(_ string, task func()) error {
	s.tasks <- task
	return nil
}

func (s *serialLane) stop() {
	close(s.tasks)
	<-s.done
}

// gatedFillsBroker holds QueryFills open until released, exposing the window
// between reading broker history and rewriting the ledger
type gatedFillsBroker struct {
	*mock.Broker
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFillsBroker) QueryFills(ctx context.Context, accountID, symbol string) ([]core.Fill, error) {
	close(g.entered)
	<-g.release
	return g.Broker.QueryFills(ctx, accountID, symbol)
}

func ledgerFill(side core.OrderSide, qty int64, price string) core.Fill {
	return core.Fill{
		OrderID:   "ord",
		AccountID: testAccount,
		Symbol:    testSymbol,
		Side:      side,
		Quantity:  qty,
		Price:     decimal.RequireFromString(price),
		Timestamp: time.Now(),
	}
}

func TestReconcileNoDriftDoesNothing(t *testing.T) {
	r, l, broker, _ := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := l.RecordFill(ctx, ledgerFill(core.OrderSideBuy, 2, "5000.00"))
	require.NoError(t, err)
	broker.SetPosition(testAccount, testSymbol, 2)

	require.NoError(t, r.Reconcile(ctx))

	recs, err := l.DriftRecords(ctx, testAccount, testSymbol)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReconcileAdoptsBrokerFillHistory(t *testing.T) {
	r, l, broker, halt := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := l.RecordFill(ctx, ledgerFill(core.OrderSideBuy, 2, "5000.00"))
	require.NoError(t, err)

	// Broker saw a third contract the engine missed
	broker.SetPosition(testAccount, testSymbol, 3)
	broker.SetFillHistory(testAccount, testSymbol, []core.Fill{
		ledgerFill(core.OrderSideBuy, 2, "5000.00"),
		ledgerFill(core.OrderSideBuy, 1, "4998.00"),
	})

	require.NoError(t, r.Reconcile(ctx))

	pos := l.CurrentPosition(testAccount, testSymbol)
	assert.Equal(t, int64(3), pos.Quantity)

	recs, err := l.DriftRecords(ctx, testAccount, testSymbol)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Resolved())
	assert.Equal(t, int64(2), recs[0].VirtualQuantity)
	assert.Equal(t, int64(3), recs[0].BrokerQuantity)

	halted, _ := halt.IsHalted(testAccount, testSymbol)
	assert.False(t, halted)
}

func TestReconcileFallsBackToForcedQuantity(t *testing.T) {
	r, l, broker, _ := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := l.RecordFill(ctx, ledgerFill(core.OrderSideBuy, 2, "5000.00"))
	require.NoError(t, err)

	broker.SetPosition(testAccount, testSymbol, 1)
	broker.FailQueryFills(errors.New("fill history not supported"))

	require.NoError(t, r.Reconcile(ctx))

	pos := l.CurrentPosition(testAccount, testSymbol)
	assert.Equal(t, int64(1), pos.Quantity)
	// Basis comes from the price source
	assert.True(t, pos.AverageEntryPrice.Equal(decimal.NewFromInt(5000)))

	recs, err := l.DriftRecords(ctx, testAccount, testSymbol)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Resolved())
}

func TestReconcileNeverPlacesOrders(t *testing.T) {
	r, l, broker, _ := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := l.RecordFill(ctx, ledgerFill(core.OrderSideBuy, 2, "5000.00"))
	require.NoError(t, err)
	broker.SetPosition(testAccount, testSymbol, 5)

	require.NoError(t, r.Reconcile(ctx))

	assert.Empty(t, broker.Placed(), "reconciler corrections are accounting only")
}

func TestReconcileCorrectionSerializesWithFills(t *testing.T) {
	gated := &gatedFillsBroker{
		Broker:  mock.NewBroker(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	l := ledger.New(ledger.NewMemoryStore(),
		func(string) decimal.Decimal { return decimal.NewFromInt(50) },
		logging.NewNop())
	halt := NewHaltLatch(logging.NewNop(), nil)
	lane := newSerialLane()
	defer lane.stop()

	r := NewReconciler(gated, l, fixedPrices{decimal.NewFromInt(5000), true},
		halt, nil, lane, logging.NewNop(),
		[]Pair{{AccountID: testAccount, Symbol: testSymbol}},
		time.Second)
	ctx := context.Background()

	_, err := l.RecordFill(ctx, ledgerFill(core.OrderSideBuy, 2, "5000.00"))
	require.NoError(t, err)
	gated.SetPosition(testAccount, testSymbol, 5)
	gated.SetFillHistory(testAccount, testSymbol, []core.Fill{
		ledgerFill(core.OrderSideBuy, 5, "5000.00"),
	})

	recDone := make(chan error, 1)
	go func() { recDone <- r.Reconcile(ctx) }()
	<-gated.entered

	// A fill arriving mid-correction queues on the same lane, behind the
	// correction, instead of landing inside its read-rewrite window
	fillApplied := make(chan struct{})
	require.NoError(t, lane.Submit(core.PositionKey(testAccount, testSymbol), func() {
		_, err := l.RecordFill(ctx, ledgerFill(core.OrderSideBuy, 2, "5000.00"))
		assert.NoError(t, err)
		close(fillApplied)
	}))

	close(gated.release)
	require.NoError(t, <-recDone)
	<-fillApplied

	pos := l.CurrentPosition(testAccount, testSymbol)
	assert.Equal(t, int64(7), pos.Quantity,
		"fill recorded during a correction must survive it")
}

func TestCheckOneFromSnapshotEvent(t *testing.T) {
	r, l, broker, _ := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := l.RecordFill(ctx, ledgerFill(core.OrderSideBuy, 2, "5000.00"))
	require.NoError(t, err)
	broker.SetFillHistory(testAccount, testSymbol, []core.Fill{
		ledgerFill(core.OrderSideBuy, 4, "5000.00"),
	})

	require.NoError(t, r.CheckOne(ctx, testAccount, testSymbol, 4))

	pos := l.CurrentPosition(testAccount, testSymbol)
	assert.Equal(t, int64(4), pos.Quantity)
}
