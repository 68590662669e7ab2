// Package pnl marks open positions against the live price feed
package pnl

import (
	"context"
	"sync"

	"autotrader/internal/core"
	"autotrader/internal/ledger"
	"autotrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Snapshot is one position's current PnL view
type Snapshot struct {
	Unrealized decimal.Decimal
	Worst      decimal.Decimal // most negative unrealized seen this position
	Realized   decimal.Decimal
	LastPrice  decimal.Decimal
	HasPrice   bool
}

// Engine recomputes unrealized PnL on every tick and tracks the worst
// adverse excursion per open position. Worst only ever worsens; it resets
// when the position is closed or newly opened, never on recovery.
type Engine struct {
	ledger     *ledger.Ledger
	multiplier ledger.MultiplierFunc
	logger     core.ILogger

	mu           sync.RWMutex
	lastPrices   map[string]decimal.Decimal
	worst        map[string]decimal.Decimal
	unrealized   map[string]decimal.Decimal
	lastRealized map[string]decimal.Decimal

	realizedCounter metric.Float64Counter
}

// NewEngine creates a PnL engine and subscribes it to ledger changes
func NewEngine(l *ledger.Ledger, multiplier ledger.MultiplierFunc, logger core.ILogger) *Engine {
	meter := telemetry.GetMeter("pnl")
	realizedCounter, _ := meter.Float64Counter("pnl_realized_delta_total",
		metric.WithDescription("Realized PnL booked by reducing fills"))

	e := &Engine{
		ledger:          l,
		multiplier:      multiplier,
		logger:          logger.WithField("component", "pnl"),
		lastPrices:      make(map[string]decimal.Decimal),
		worst:           make(map[string]decimal.Decimal),
		unrealized:      make(map[string]decimal.Decimal),
		lastRealized:    make(map[string]decimal.Decimal),
		realizedCounter: realizedCounter,
	}
	l.OnPositionChanged(e.onPositionChanged)
	return e
}

// OnTick ingests one price update and re-marks every position on the symbol
func (e *Engine) OnTick(tick core.Tick) {
	e.mu.Lock()
	e.lastPrices[tick.Symbol] = tick.Price
	e.mu.Unlock()

	for _, pos := range e.ledger.Positions() {
		if pos.Symbol != tick.Symbol || pos.IsFlat() {
			continue
		}
		e.remark(pos, tick.Price)
	}
}

// LastPrice returns the most recent price seen for a symbol
func (e *Engine) LastPrice(symbol string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	price, ok := e.lastPrices[symbol]
	return price, ok
}

// GetSnapshot returns the current PnL view for one position
func (e *Engine) GetSnapshot(accountID, symbol string) Snapshot {
	pos := e.ledger.CurrentPosition(accountID, symbol)
	key := core.PositionKey(accountID, symbol)

	e.mu.RLock()
	defer e.mu.RUnlock()

	price, hasPrice := e.lastPrices[symbol]
	return Snapshot{
		Unrealized: e.unrealized[key],
		Worst:      e.worst[key],
		Realized:   pos.RealizedPnL,
		LastPrice:  price,
		HasPrice:   hasPrice,
	}
}

// remark computes unrealized = (last - avgEntry) * signedQty * multiplier.
// The signed quantity makes the same expression correct for both sides.
func (e *Engine) remark(pos *core.Position, last decimal.Decimal) {
	unrealized := last.Sub(pos.AverageEntryPrice).
		Mul(decimal.NewFromInt(pos.Quantity)).
		Mul(e.multiplier(pos.Symbol))

	key := pos.Key()
	e.mu.Lock()
	e.unrealized[key] = unrealized
	worst, ok := e.worst[key]
	if !ok || unrealized.LessThan(worst) {
		worst = unrealized
		e.worst[key] = worst
	}
	e.mu.Unlock()

	e.ledger.UpdateExcursion(pos.AccountID, pos.Symbol, unrealized, worst)
	f, _ := unrealized.Float64()
	telemetry.GetGlobalMetrics().SetUnrealizedPnL(key, f)
}

// onPositionChanged resets marks across position boundaries and books
// realized deltas into telemetry
func (e *Engine) onPositionChanged(pos *core.Position, fill *core.Fill) {
	key := pos.Key()

	e.mu.Lock()
	prevRealized := e.lastRealized[key]
	e.lastRealized[key] = pos.RealizedPnL
	e.mu.Unlock()
	if delta := pos.RealizedPnL.Sub(prevRealized); !delta.IsZero() {
		f, _ := delta.Float64()
		e.realizedCounter.Add(context.Background(), f, metric.WithAttributes(
			attribute.String("symbol", pos.Symbol)))
	}

	if pos.IsFlat() {
		e.mu.Lock()
		delete(e.worst, key)
		delete(e.unrealized, key)
		e.mu.Unlock()
		e.ledger.UpdateExcursion(pos.AccountID, pos.Symbol, decimal.Zero, decimal.Zero)
		telemetry.GetGlobalMetrics().SetUnrealizedPnL(key, 0)
		return
	}

	if fill != nil && fill.SignedQuantity() == pos.Quantity {
		// The fill opened this position from flat: previous excursion
		// history does not belong to it
		e.mu.Lock()
		delete(e.worst, key)
		delete(e.unrealized, key)
		e.mu.Unlock()
	}

	e.mu.RLock()
	last, ok := e.lastPrices[pos.Symbol]
	e.mu.RUnlock()
	if ok {
		e.remark(pos, last)
	}
}
