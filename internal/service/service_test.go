package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/events"
	"autotrader/internal/ledger"
	"autotrader/internal/mock"
	"autotrader/internal/pnl"
	"autotrader/internal/risk"
	"autotrader/internal/trading/dca"
	"autotrader/internal/trading/exit"
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
	svc    *Service
	broker *mock.Broker
	ledger *ledger.Ledger
	halt   *risk.HaltLatch
	loop   *events.Loop
	disp   *events.Dispatcher
}

// newFixture wires the full stack the way bootstrap does: mock broker,
// in-memory ledger, DCA, exit machine and the event loop, behind the facade
func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := logging.NewNop()
	broker := mock.NewBroker()
	multiplier := func(string) decimal.Decimal { return decimal.NewFromInt(50) }
	l := ledger.New(ledger.NewMemoryStore(), multiplier, logger)
	pnlEngine := pnl.NewEngine(l, multiplier, logger)
	halt := risk.NewHaltLatch(logger, nil)
	monitor := risk.NewMonitor(14, logger)

	params := func(symbol string) (config.SymbolConfig, bool) {
		return config.SymbolConfig{
			TickSize:           0.25,
			ContractMultiplier: 50,
			TakeProfitTicks:    20,
		}, true
	}
	dcaEngine := dca.NewEngine(broker, l, monitor, halt, nil, params, logger)

	exitCfg := config.ExitConfig{
		ConfirmPollInterval: 10,
		ConfirmTimeout:      2000,
		KillSwitchDeadline:  750,
		RejectPolicy:        "manual",
	}
	kill := exit.NewKillSwitch(broker, l, halt, nil, exitCfg.KillDeadline(), logger)
	machine := exit.NewMachine(broker, l, halt, kill, nil, exitCfg, core.RealClock{}, logger)

	disp := events.NewDispatcher(64, logger)
	loop := events.NewLoop(broker, l, disp, nil, nil, logger)
	loop.OnScaleInFill = dcaEngine.OnScaleInFill

	svc := New(l, pnlEngine, halt, disp, logger)
	svc.RegisterAccount(testAccount, &AccountRuntime{
		Gateway: broker,
		DCA:     dcaEngine,
		Exit:    machine,
	})

	require.NoError(t, loop.Start(context.Background()))
	t.Cleanup(func() {
		loop.Stop()
		disp.Stop()
	})

	return &fixture{svc: svc, broker: broker, ledger: l, halt: halt, loop: loop, disp: disp}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestOpenPlacesEntryAndRecordsFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.EnableAutoFill(decimal.NewFromInt(5000))

	orderID, err := f.svc.OpenOrScalePosition(ctx, testAccount, testSymbol,
		core.OrderSideBuy, 2, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)

	waitFor(t, func() bool {
		return f.ledger.CurrentPosition(testAccount, testSymbol).Quantity == 2
	})

	pos := f.ledger.CurrentPosition(testAccount, testSymbol)
	assert.True(t, pos.AverageEntryPrice.Equal(decimal.NewFromInt(5000)))
}

func TestOpenRefusedWhileHalted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.halt.Trip(ctx, testAccount, testSymbol, "drift unexplained")

	_, err := f.svc.OpenOrScalePosition(ctx, testAccount, testSymbol,
		core.OrderSideBuy, 1, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrHalted))
	assert.Empty(t, f.broker.Placed(), "halted entry must never reach the broker")
}

func TestOpenRefusedDuringExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.EnableAutoFill(decimal.NewFromInt(5000))

	_, err := f.svc.OpenOrScalePosition(ctx, testAccount, testSymbol,
		core.OrderSideBuy, 2, nil)
	require.NoError(t, err)
	waitFor(t, func() bool {
		return f.ledger.CurrentPosition(testAccount, testSymbol).Quantity == 2
	})

	require.NoError(t, f.ledger.SetExitState(ctx, testAccount, testSymbol, core.ExitPrepare, ""))

	before := len(f.broker.Placed())
	_, err = f.svc.OpenOrScalePosition(ctx, testAccount, testSymbol,
		core.OrderSideBuy, 1, nil)
	require.Error(t, err)
	assert.True(t, core.IsConflictingIntent(err))
	assert.Len(t, f.broker.Placed(), before, "conflicting entry must be refused locally")
}

func TestUnknownAccountRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.OpenOrScalePosition(context.Background(), "nobody", testSymbol,
		core.OrderSideBuy, 1, nil)
	assert.Error(t, err)
}

// Full lifecycle: open with a rung ladder, adverse tick fires a scale-in,
// the scale-in fill replaces the take-profit, then the staged exit flattens
// and books realized PnL.
func TestLifecycleOpenScaleInExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.EnableAutoFill(decimal.NewFromInt(5000))

	dcaCfg := &core.DCAConfig{
		Mode: core.TriggerTicks,
		Rungs: []core.DCARung{
			{Distance: decimal.NewFromInt(12), Quantity: 1},
		},
		MaxQuantity: 5,
	}
	_, err := f.svc.OpenOrScalePosition(ctx, testAccount, testSymbol,
		core.OrderSideBuy, 2, dcaCfg)
	require.NoError(t, err)
	waitFor(t, func() bool {
		return f.ledger.CurrentPosition(testAccount, testSymbol).Quantity == 2
	})

	// 4997 is 12 ticks adverse of the 5000 average: the rung fires, and the
	// auto-filled add moves the position to 3
	f.broker.EnableAutoFill(decimal.NewFromInt(4997))
	f.svc.RouteTick(ctx, core.Tick{
		Symbol:    testSymbol,
		Price:     decimal.NewFromInt(4997),
		Timestamp: time.Now(),
	})

	waitFor(t, func() bool {
		return f.ledger.CurrentPosition(testAccount, testSymbol).Quantity == 3
	})
	waitFor(t, func() bool {
		return f.ledger.CurrentPosition(testAccount, testSymbol).TakeProfitOrderID != ""
	})

	pos := f.ledger.CurrentPosition(testAccount, testSymbol)
	assert.True(t, pos.DCAFiredRungs[0], "rung must be recorded as fired")

	// Exit at 5002 closes 3 contracts bought at avg (2*5000+4997)/3 = 4999
	f.broker.EnableAutoFill(decimal.NewFromInt(5002))
	require.NoError(t, f.svc.RequestExit(ctx, testAccount, testSymbol, "session close"))

	waitFor(t, func() bool {
		p := f.ledger.CurrentPosition(testAccount, testSymbol)
		return p.IsFlat() && p.ExitState == core.ExitIdle
	})

	status, err := f.svc.GetStatus(ctx, testAccount, testSymbol)
	require.NoError(t, err)
	assert.False(t, status.Halted)
	// (5002 - 4999) * 3 * 50
	assert.True(t, status.RealizedPnL.Equal(decimal.NewFromInt(450)),
		"expected 450, got %s", status.RealizedPnL)
}

func TestGetStatusReportsHaltAndPnL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.EnableAutoFill(decimal.NewFromInt(5000))

	_, err := f.svc.OpenOrScalePosition(ctx, testAccount, testSymbol,
		core.OrderSideBuy, 2, nil)
	require.NoError(t, err)
	waitFor(t, func() bool {
		return f.ledger.CurrentPosition(testAccount, testSymbol).Quantity == 2
	})

	f.svc.RouteTick(ctx, core.Tick{
		Symbol:    testSymbol,
		Price:     decimal.NewFromInt(5003),
		Timestamp: time.Now(),
	})
	f.halt.Trip(ctx, testAccount, testSymbol, "manual stop")

	status, err := f.svc.GetStatus(ctx, testAccount, testSymbol)
	require.NoError(t, err)
	assert.True(t, status.Halted)
	assert.Equal(t, "manual stop", status.HaltReason)
	// (5003 - 5000) * 2 * 50
	assert.True(t, status.UnrealizedPnL.Equal(decimal.NewFromInt(300)),
		"expected 300, got %s", status.UnrealizedPnL)
}

func TestResetHaltAllowsTradingAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.EnableAutoFill(decimal.NewFromInt(5000))

	f.halt.Trip(ctx, testAccount, testSymbol, "drift unexplained")
	_, err := f.svc.OpenOrScalePosition(ctx, testAccount, testSymbol,
		core.OrderSideBuy, 1, nil)
	require.Error(t, err)

	f.svc.ResetHalt(ctx, testAccount, testSymbol)

	_, err = f.svc.OpenOrScalePosition(ctx, testAccount, testSymbol,
		core.OrderSideBuy, 1, nil)
	assert.NoError(t, err)
}
