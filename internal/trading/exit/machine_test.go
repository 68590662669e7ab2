package exit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/ledger"
	"autotrader/internal/mock"
	"autotrader/internal/risk"
	"autotrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccount = "acct1"
	testSymbol  = "ESZ6"
)

type fixture struct {
	machine *Machine
	kill    *KillSwitch
	ledger  *ledger.Ledger
	broker  *mock.Broker
	halt    *risk.HaltLatch
}

func newFixture(t *testing.T, rejectPolicy string) *fixture {
	t.Helper()

	broker := mock.NewBroker()
	l := ledger.New(ledger.NewMemoryStore(),
		func(string) decimal.Decimal { return decimal.NewFromInt(50) },
		logging.NewNop())
	halt := risk.NewHaltLatch(logging.NewNop(), nil)

	cfg := config.ExitConfig{
		ConfirmPollInterval: 10,
		ConfirmTimeout:      200,
		KillSwitchDeadline:  750,
		RejectPolicy:        rejectPolicy,
	}

	kill := NewKillSwitch(broker, l, halt, nil, cfg.KillDeadline(), logging.NewNop())
	m := NewMachine(broker, l, halt, kill, nil, cfg, core.RealClock{}, logging.NewNop())
	return &fixture{machine: m, kill: kill, ledger: l, broker: broker, halt: halt}
}

func (f *fixture) openLong(t *testing.T, qty int64, price string) {
	t.Helper()
	_, err := f.ledger.RecordFill(context.Background(), core.Fill{
		OrderID:   "entry",
		AccountID: testAccount,
		Symbol:    testSymbol,
		Side:      core.OrderSideBuy,
		Quantity:  qty,
		Price:     decimal.RequireFromString(price),
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	f.broker.SetPosition(testAccount, testSymbol, qty)
}

func TestStagedExitHappyPath(t *testing.T) {
	f := newFixture(t, "manual")
	f.openLong(t, 2, "5000.00")
	f.broker.AddRestingOrder(testAccount, testSymbol, "tp-1")
	require.NoError(t, f.ledger.SetTakeProfitOrder(context.Background(), testAccount, testSymbol, "tp-1"))
	f.broker.EnableAutoFill(decimal.RequireFromString("5001.00"))

	require.NoError(t, f.machine.RequestExit(context.Background(), testAccount, testSymbol))

	// Resting protective order cancelled before the flatten
	resting, err := f.broker.QueryOrders(context.Background(), testAccount, testSymbol)
	require.NoError(t, err)
	assert.Empty(t, resting)

	placed := f.broker.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, core.OrderTypeMarket, placed[0].Type)
	assert.Equal(t, core.PurposeExit, placed[0].Purpose)
	assert.Equal(t, core.OrderSideSell, placed[0].Side)
	assert.Equal(t, int64(2), placed[0].Quantity)

	pos := f.ledger.CurrentPosition(testAccount, testSymbol)
	assert.Equal(t, core.ExitIdle, pos.ExitState)
}

func TestExitSizesFromBrokerNotLedger(t *testing.T) {
	f := newFixture(t, "manual")
	f.openLong(t, 2, "5000.00")
	// Broker actually holds 3: a fill the engine missed
	f.broker.SetPosition(testAccount, testSymbol, 3)
	f.broker.EnableAutoFill(decimal.RequireFromString("5000.00"))

	require.NoError(t, f.machine.RequestExit(context.Background(), testAccount, testSymbol))

	placed := f.broker.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, int64(3), placed[0].Quantity, "flatten must cover the broker quantity")
}

func TestExitOnPhantomPositionPlacesNothing(t *testing.T) {
	f := newFixture(t, "manual")
	f.openLong(t, 2, "5000.00")
	// Broker is already flat; the ledger is wrong
	f.broker.SetPosition(testAccount, testSymbol, 0)

	require.NoError(t, f.machine.RequestExit(context.Background(), testAccount, testSymbol))

	assert.Empty(t, f.broker.Placed(), "no order may be placed against a phantom position")
	pos := f.ledger.CurrentPosition(testAccount, testSymbol)
	assert.Equal(t, core.ExitIdle, pos.ExitState)
}

func TestExitRejectManualPolicyHalts(t *testing.T) {
	f := newFixture(t, "manual")
	f.openLong(t, 2, "5000.00")
	f.broker.RejectNext(1, "margin call")

	err := f.machine.RequestExit(context.Background(), testAccount, testSymbol)
	require.Error(t, err)
	assert.True(t, core.IsReject(err))

	halted, reason := f.halt.IsHalted(testAccount, testSymbol)
	assert.True(t, halted)
	assert.Contains(t, reason, "exit order rejected")
}

func TestExitRejectRetryOncePolicy(t *testing.T) {
	f := newFixture(t, "retry_once")
	f.openLong(t, 2, "5000.00")
	f.broker.EnableAutoFill(decimal.RequireFromString("5000.00"))
	f.broker.RejectNext(1, "transient")

	require.NoError(t, f.machine.RequestExit(context.Background(), testAccount, testSymbol))

	assert.Len(t, f.broker.Placed(), 2, "one rejection, one successful retry")
	halted, _ := f.halt.IsHalted(testAccount, testSymbol)
	assert.False(t, halted)
}

func TestExitRejectRetryOnceThenHalts(t *testing.T) {
	f := newFixture(t, "retry_once")
	f.openLong(t, 2, "5000.00")
	f.broker.RejectNext(2, "margin call")

	err := f.machine.RequestExit(context.Background(), testAccount, testSymbol)
	require.Error(t, err)

	assert.Len(t, f.broker.Placed(), 2)
	halted, _ := f.halt.IsHalted(testAccount, testSymbol)
	assert.True(t, halted, "second rejection falls back to the manual policy")
}

func TestExitRejectKillSwitchPolicy(t *testing.T) {
	f := newFixture(t, "killswitch")
	f.openLong(t, 2, "5000.00")
	f.broker.EnableAutoFill(decimal.RequireFromString("5000.00"))
	f.broker.RejectNext(1, "rejected")

	require.NoError(t, f.machine.RequestExit(context.Background(), testAccount, testSymbol))

	// First intent rejected, kill switch flatten succeeded
	placed := f.broker.Placed()
	require.Len(t, placed, 2)
	assert.Equal(t, core.PurposeExit, placed[1].Purpose)

	pos := f.ledger.CurrentPosition(testAccount, testSymbol)
	assert.Equal(t, core.ExitIdle, pos.ExitState)
}

func TestTransportFailureDuringExitEscalates(t *testing.T) {
	f := newFixture(t, "manual")
	f.openLong(t, 2, "5000.00")
	// Every order attempt dies in transport: the staged exit and the kill
	// switch both fail, so the symbol must halt rather than sit mid-exit
	// with its protective orders gone
	f.broker.FailPlace(errors.New("connection reset"))

	err := f.machine.RequestExit(context.Background(), testAccount, testSymbol)
	require.Error(t, err)

	halted, reason := f.halt.IsHalted(testAccount, testSymbol)
	assert.True(t, halted, "an unreachable broker mid-exit must halt the symbol")
	assert.Contains(t, reason, "force-flatten failed")
}

func TestTransportFailureFallsBackToKillSwitch(t *testing.T) {
	f := newFixture(t, "manual")
	f.openLong(t, 2, "5000.00")
	f.broker.EnableAutoFill(decimal.RequireFromString("5000.00"))

	cfg := config.ExitConfig{
		ConfirmPollInterval: 10,
		ConfirmTimeout:      200,
		KillSwitchDeadline:  750,
		RejectPolicy:        "manual",
	}
	flaky := &failOnceGateway{IBrokerGateway: f.broker}
	kill := NewKillSwitch(flaky, f.ledger, f.halt, nil, cfg.KillDeadline(), logging.NewNop())
	m := NewMachine(flaky, f.ledger, f.halt, kill, nil, cfg, core.RealClock{}, logging.NewNop())

	require.NoError(t, m.RequestExit(context.Background(), testAccount, testSymbol))

	// The staged order never reached the broker; the kill-switch flatten did
	placed := f.broker.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, core.PurposeExit, placed[0].Purpose)

	pos := f.ledger.CurrentPosition(testAccount, testSymbol)
	assert.Equal(t, core.ExitIdle, pos.ExitState)
	halted, _ := f.halt.IsHalted(testAccount, testSymbol)
	assert.False(t, halted)
}

func TestRejectManualSkipsHaltWhenBrokerFlat(t *testing.T) {
	f := newFixture(t, "manual")
	f.openLong(t, 2, "5000.00")
	// A last fill closed the position between sizing and submission; the
	// rejection is stale, not an emergency
	f.broker.SetPosition(testAccount, testSymbol, 0)

	intent := core.NewExitIntent(testAccount, testSymbol, 2, "client-1")
	rejectErr := &core.RejectError{
		AccountID: testAccount, Symbol: testSymbol, Reason: "nothing to close",
	}
	require.NoError(t, f.machine.applyRejectPolicy(
		context.Background(), testAccount, testSymbol, intent, rejectErr))

	halted, _ := f.halt.IsHalted(testAccount, testSymbol)
	assert.False(t, halted, "a rejection against a flat broker needs no operator")
}

func TestRejectManualReportsResidualQuantity(t *testing.T) {
	f := newFixture(t, "manual")
	f.openLong(t, 2, "5000.00")
	f.broker.RejectNext(1, "margin call")

	err := f.machine.RequestExit(context.Background(), testAccount, testSymbol)
	require.Error(t, err)

	halted, reason := f.halt.IsHalted(testAccount, testSymbol)
	require.True(t, halted)
	assert.Contains(t, reason, "2 contracts still held")
}

func TestConfirmTimeoutEscalatesToKillSwitch(t *testing.T) {
	f := newFixture(t, "manual")
	f.openLong(t, 2, "5000.00")
	// No auto-fill: the broker keeps reporting the position after the
	// exit order, as if the fill never happens

	err := f.machine.RequestExit(context.Background(), testAccount, testSymbol)
	require.Error(t, err)

	// Staged exit plus the kill-switch flatten both submitted
	placed := f.broker.Placed()
	assert.GreaterOrEqual(t, len(placed), 2)

	halted, reason := f.halt.IsHalted(testAccount, testSymbol)
	assert.True(t, halted, "unconfirmable flat must halt the symbol")
	assert.Contains(t, reason, "not flat")
}

func TestForceFlattenSizesFromLedger(t *testing.T) {
	f := newFixture(t, "manual")
	f.openLong(t, 2, "5000.00")
	require.NoError(t, f.ledger.SetTakeProfitOrder(context.Background(), testAccount, testSymbol, "tp-1"))
	f.broker.AddRestingOrder(testAccount, testSymbol, "tp-1")
	f.broker.EnableAutoFill(decimal.RequireFromString("4999.00"))

	require.NoError(t, f.kill.ForceFlatten(context.Background(), testAccount, testSymbol))

	placed := f.broker.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, int64(2), placed[0].Quantity)
	assert.Equal(t, core.OrderTypeMarket, placed[0].Type)

	resting, err := f.broker.QueryOrders(context.Background(), testAccount, testSymbol)
	require.NoError(t, err)
	assert.Empty(t, resting, "protective order cancelled in parallel")
}

func TestForceFlattenDeadlineBreachHalts(t *testing.T) {
	broker := mock.NewBroker()
	l := ledger.New(ledger.NewMemoryStore(),
		func(string) decimal.Decimal { return decimal.NewFromInt(50) },
		logging.NewNop())
	halt := risk.NewHaltLatch(logging.NewNop(), nil)

	slow := &slowGateway{inner: broker, delay: 200 * time.Millisecond}
	kill := NewKillSwitch(slow, l, halt, nil, 50*time.Millisecond, logging.NewNop())

	_, err := l.RecordFill(context.Background(), core.Fill{
		OrderID: "entry", AccountID: testAccount, Symbol: testSymbol,
		Side: core.OrderSideBuy, Quantity: 2,
		Price: decimal.RequireFromString("5000.00"), Timestamp: time.Now(),
	})
	require.NoError(t, err)

	err = kill.ForceFlatten(context.Background(), testAccount, testSymbol)
	require.Error(t, err)

	halted, _ := halt.IsHalted(testAccount, testSymbol)
	assert.True(t, halted)
}

func TestForceFlattenIdempotentWhileInFlight(t *testing.T) {
	broker := mock.NewBroker()
	l := ledger.New(ledger.NewMemoryStore(),
		func(string) decimal.Decimal { return decimal.NewFromInt(50) },
		logging.NewNop())
	halt := risk.NewHaltLatch(logging.NewNop(), nil)

	release := make(chan struct{})
	blocking := &blockingGateway{inner: broker, release: release, entered: make(chan struct{})}
	kill := NewKillSwitch(blocking, l, halt, nil, 5*time.Second, logging.NewNop())

	_, err := l.RecordFill(context.Background(), core.Fill{
		OrderID: "entry", AccountID: testAccount, Symbol: testSymbol,
		Side: core.OrderSideBuy, Quantity: 2,
		Price: decimal.RequireFromString("5000.00"), Timestamp: time.Now(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = kill.ForceFlatten(context.Background(), testAccount, testSymbol)
	}()

	// Wait for the first activation to be in flight
	<-blocking.entered

	// Second activation returns immediately without a second order
	require.NoError(t, kill.ForceFlatten(context.Background(), testAccount, testSymbol))
	close(release)
	wg.Wait()

	assert.Len(t, broker.Placed(), 1, "in-flight kill switch must not double-submit")
}

func TestRequestExitRepeatAfterFlatPlacesNothing(t *testing.T) {
	f := newFixture(t, "manual")
	f.openLong(t, 2, "5000.00")
	f.broker.EnableAutoFill(decimal.RequireFromString("5000.00"))

	require.NoError(t, f.machine.RequestExit(context.Background(), testAccount, testSymbol))
	// A repeat on an already flat, idle position queries the broker, finds
	// it flat, and places nothing
	require.NoError(t, f.machine.RequestExit(context.Background(), testAccount, testSymbol))
	assert.Len(t, f.broker.Placed(), 1)
}

// slowGateway delays every call past the caller's deadline
type slowGateway struct {
	inner core.IBrokerGateway
	delay time.Duration
}

func (s *slowGateway) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.delay):
	}
	return s.inner.PlaceOrder(ctx, intent)
}

func (s *slowGateway) CancelOrder(ctx context.Context, accountID, orderID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.delay):
	}
	return s.inner.CancelOrder(ctx, accountID, orderID)
}

func (s *slowGateway) QueryPosition(ctx context.Context, accountID, symbol string) (core.BrokerPosition, error) {
	return s.inner.QueryPosition(ctx, accountID, symbol)
}

func (s *slowGateway) QueryOrders(ctx context.Context, accountID, symbol string) ([]string, error) {
	return s.inner.QueryOrders(ctx, accountID, symbol)
}

func (s *slowGateway) QueryFills(ctx context.Context, accountID, symbol string) ([]core.Fill, error) {
	return s.inner.QueryFills(ctx, accountID, symbol)
}

func (s *slowGateway) Events() <-chan core.BrokerEvent {
	return s.inner.Events()
}

// failOnceGateway fails the first PlaceOrder at the transport level and
// passes everything else through
type failOnceGateway struct {
	core.IBrokerGateway

	mu     sync.Mutex
	failed bool
}

func (g *failOnceGateway) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	g.mu.Lock()
	if !g.failed {
		g.failed = true
		g.mu.Unlock()
		return "", errors.New("connection reset")
	}
	g.mu.Unlock()
	return g.IBrokerGateway.PlaceOrder(ctx, intent)
}

// blockingGateway blocks PlaceOrder until released
type blockingGateway struct {
	inner   core.IBrokerGateway
	release chan struct{}
	once    sync.Once
	entered chan struct{}
}

func (b *blockingGateway) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.inner.PlaceOrder(ctx, intent)
}

func (b *blockingGateway) CancelOrder(ctx context.Context, accountID, orderID string) error {
	return b.inner.CancelOrder(ctx, accountID, orderID)
}

func (b *blockingGateway) QueryPosition(ctx context.Context, accountID, symbol string) (core.BrokerPosition, error) {
	return b.inner.QueryPosition(ctx, accountID, symbol)
}

func (b *blockingGateway) QueryOrders(ctx context.Context, accountID, symbol string) ([]string, error) {
	return b.inner.QueryOrders(ctx, accountID, symbol)
}

func (b *blockingGateway) QueryFills(ctx context.Context, accountID, symbol string) ([]core.Fill, error) {
	return b.inner.QueryFills(ctx, accountID, symbol)
}

func (b *blockingGateway) Events() <-chan core.BrokerEvent {
	return b.inner.Events()
}
