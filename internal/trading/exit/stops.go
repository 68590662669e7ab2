package exit

import (
	"context"
	"sync"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/ledger"
	"autotrader/internal/risk"

	"github.com/shopspring/decimal"
)

// StopWatcher evaluates the price-driven stop on every tick: when the
// adverse excursion reaches the configured stop-loss distance, the position
// goes through the normal staged exit. The resting take-profit handles the
// favorable side at the broker; the stop is engine-side so it survives
// broker order-type limitations.
type StopWatcher struct {
	ledger  *ledger.Ledger
	machine *Machine
	halt    *risk.HaltLatch
	params  func(symbol string) (config.SymbolConfig, bool)
	logger  core.ILogger

	mu     sync.Mutex
	firing map[string]bool
}

// NewStopWatcher creates a stop watcher over the given exit machine
func NewStopWatcher(
	l *ledger.Ledger,
	machine *Machine,
	halt *risk.HaltLatch,
	params func(symbol string) (config.SymbolConfig, bool),
	logger core.ILogger,
) *StopWatcher {
	return &StopWatcher{
		ledger:  l,
		machine: machine,
		halt:    halt,
		params:  params,
		logger:  logger.WithField("component", "stop_watcher"),
		firing:  make(map[string]bool),
	}
}

// OnTick checks the stop distance for one position. Called from the
// position's dispatch lane; the exit itself runs off-lane because the
// confirmation loop outlives any single tick.
func (w *StopWatcher) OnTick(ctx context.Context, accountID string, tick core.Tick) {
	pos := w.ledger.CurrentPosition(accountID, tick.Symbol)
	if pos.IsFlat() || pos.ExitState != core.ExitIdle {
		return
	}
	if halted, _ := w.halt.IsHalted(accountID, tick.Symbol); halted {
		return
	}

	params, ok := w.params(tick.Symbol)
	if !ok || params.StopLossTicks <= 0 || params.TickSize <= 0 {
		return
	}

	var adverse decimal.Decimal
	if pos.Side == core.SideLong {
		adverse = pos.AverageEntryPrice.Sub(tick.Price)
	} else {
		adverse = tick.Price.Sub(pos.AverageEntryPrice)
	}

	stopDistance := decimal.NewFromFloat(params.TickSize).
		Mul(decimal.NewFromInt(int64(params.StopLossTicks)))
	if adverse.LessThan(stopDistance) {
		return
	}

	key := pos.Key()
	w.mu.Lock()
	if w.firing[key] {
		w.mu.Unlock()
		return
	}
	w.firing[key] = true
	w.mu.Unlock()

	w.logger.Warn("Stop loss hit, requesting exit",
		"key", key,
		"average_entry", pos.AverageEntryPrice.String(),
		"price", tick.Price.String(),
		"stop_distance", stopDistance.String())

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.firing, key)
			w.mu.Unlock()
		}()
		if err := w.machine.RequestExit(ctx, accountID, tick.Symbol); err != nil {
			w.logger.Error("Stop-loss exit failed", "key", key, "error", err)
		}
	}()
}
