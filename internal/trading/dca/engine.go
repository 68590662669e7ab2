// Package dca implements rung-based scale-in: adding to a losing position
// at configured adverse-excursion levels
package dca

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/ledger"
	"autotrader/internal/risk"
	"autotrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SymbolParamsFunc resolves per-contract parameters
type SymbolParamsFunc func(symbol string) (config.SymbolConfig, bool)

// Engine evaluates scale-in rungs on every price update. At most one rung
// fires per tick; a fired rung is persisted before its order is submitted
// so a crash between the two never re-fires it, and a broker rejection
// never un-fires it.
type Engine struct {
	gateway core.IBrokerGateway
	ledger  *ledger.Ledger
	monitor core.IRiskMonitor
	halt    *risk.HaltLatch
	alerter core.IAlerter
	logger  core.ILogger

	params SymbolParamsFunc

	mu      sync.RWMutex
	configs map[string]core.DCAConfig // by position key

	rungCounter metric.Int64Counter
}

// NewEngine creates a DCA engine
func NewEngine(
	gateway core.IBrokerGateway,
	l *ledger.Ledger,
	monitor core.IRiskMonitor,
	halt *risk.HaltLatch,
	alerter core.IAlerter,
	params SymbolParamsFunc,
	logger core.ILogger,
) *Engine {
	meter := telemetry.GetMeter("dca")
	rungCounter, _ := meter.Int64Counter("dca_rungs_fired_total",
		metric.WithDescription("Scale-in rungs triggered"))

	return &Engine{
		gateway:     gateway,
		ledger:      l,
		monitor:     monitor,
		halt:        halt,
		alerter:     alerter,
		logger:      logger.WithField("component", "dca"),
		params:      params,
		configs:     make(map[string]core.DCAConfig),
		rungCounter: rungCounter,
	}
}

// Configure sets the rung ladder for one position key. Called at position
// open; the ladder stays fixed for the life of the position.
func (e *Engine) Configure(accountID, symbol string, cfg core.DCAConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs[core.PositionKey(accountID, symbol)] = cfg
}

// OnTick evaluates the ladder for one position against a price update.
// Must be called from the position's serialized dispatch lane.
func (e *Engine) OnTick(ctx context.Context, accountID string, tick core.Tick) {
	pos := e.ledger.CurrentPosition(accountID, tick.Symbol)
	if pos.IsFlat() || pos.ExitState != core.ExitIdle {
		return
	}
	if halted, _ := e.halt.IsHalted(accountID, tick.Symbol); halted {
		return
	}

	e.mu.RLock()
	cfg, ok := e.configs[pos.Key()]
	e.mu.RUnlock()
	if !ok || len(cfg.Rungs) == 0 {
		return
	}

	units, ok := e.excursionUnits(pos, tick.Price, cfg.Mode)
	if !ok {
		return
	}

	idx, rung, ok := nextRung(cfg, pos, units)
	if !ok {
		return
	}

	if cfg.MaxQuantity > 0 && abs(pos.Quantity)+rung.Quantity > cfg.MaxQuantity {
		e.logger.Warn("Rung would exceed max quantity, skipping",
			"key", pos.Key(), "rung", idx,
			"position", pos.Quantity, "rung_quantity", rung.Quantity,
			"max", cfg.MaxQuantity)
		return
	}

	e.fireRung(ctx, pos, idx, rung, tick.Price)
}

// fireRung persists the rung as fired, then submits the order. Order
// matters: the persisted mark is what makes restart and rejection safe.
func (e *Engine) fireRung(ctx context.Context, pos *core.Position, idx int, rung core.DCARung, price decimal.Decimal) {
	if err := e.ledger.MarkRungFired(ctx, pos.AccountID, pos.Symbol, idx); err != nil {
		e.logger.Error("Failed to persist fired rung, not placing order",
			"key", pos.Key(), "rung", idx, "error", err)
		return
	}

	// The resting take-profit is sized and priced for the pre-scale
	// position; pull it before the add so it cannot fill at the old
	// average while the replacement is pending
	if pos.TakeProfitOrderID != "" {
		err := e.gateway.CancelOrder(ctx, pos.AccountID, pos.TakeProfitOrderID)
		switch {
		case err == nil, errors.Is(err, core.ErrOrderNotFound):
			if err := e.ledger.SetTakeProfitOrder(ctx, pos.AccountID, pos.Symbol, ""); err != nil {
				e.logger.Error("Failed to clear take-profit order id",
					"key", pos.Key(), "error", err)
			}
		default:
			e.logger.Error("Failed to cancel stale take-profit before scale-in",
				"key", pos.Key(), "order_id", pos.TakeProfitOrderID, "error", err)
			if e.alerter != nil {
				e.alerter.Alert(ctx, core.AlertError, "Stale take-profit not cancelled",
					err.Error(), map[string]string{
						"account": pos.AccountID,
						"symbol":  pos.Symbol,
					})
			}
		}
	}

	side := core.OrderSideBuy
	if pos.Side == core.SideShort {
		side = core.OrderSideSell
	}

	e.logger.Info("Firing scale-in rung",
		"key", pos.Key(),
		"rung", idx,
		"quantity", rung.Quantity,
		"price", price.String())
	e.rungCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", pos.Symbol)))

	_, err := e.gateway.PlaceOrder(ctx, core.OrderIntent{
		AccountID: pos.AccountID,
		Symbol:    pos.Symbol,
		Side:      side,
		Quantity:  rung.Quantity,
		Type:      core.OrderTypeMarket,
		Purpose:   core.PurposeDCAEntry,
	})
	if err != nil {
		// The rung stays fired: re-firing on the next tick would double
		// the add if the first order actually reached the broker
		e.logger.Error("Scale-in order failed, rung remains consumed",
			"key", pos.Key(), "rung", idx, "error", err)
		if e.alerter != nil {
			e.alerter.Alert(ctx, core.AlertError, "Scale-in order failed",
				err.Error(), map[string]string{
					"account": pos.AccountID,
					"symbol":  pos.Symbol,
					"rung":    fmt.Sprintf("%d", idx),
				})
		}
	}
}

// OnScaleInFill refreshes the protective take-profit after the position's
// average entry moved. Called from the event loop on DCA fills.
func (e *Engine) OnScaleInFill(ctx context.Context, accountID, symbol string) {
	pos := e.ledger.CurrentPosition(accountID, symbol)
	if pos.IsFlat() || pos.ExitState != core.ExitIdle {
		return
	}

	params, ok := e.params(symbol)
	if !ok || params.TakeProfitTicks <= 0 {
		return
	}

	if pos.TakeProfitOrderID != "" {
		if err := e.gateway.CancelOrder(ctx, accountID, pos.TakeProfitOrderID); err != nil {
			e.logger.Error("Failed to cancel stale take-profit",
				"key", pos.Key(), "order_id", pos.TakeProfitOrderID, "error", err)
			return
		}
	}

	tickSize := decimal.NewFromFloat(params.TickSize)
	offset := tickSize.Mul(decimal.NewFromInt(int64(params.TakeProfitTicks)))

	var tpPrice decimal.Decimal
	side := core.OrderSideSell
	if pos.Side == core.SideLong {
		tpPrice = pos.AverageEntryPrice.Add(offset)
	} else {
		side = core.OrderSideBuy
		tpPrice = pos.AverageEntryPrice.Sub(offset)
	}

	orderID, err := e.gateway.PlaceOrder(ctx, core.OrderIntent{
		AccountID: accountID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  abs(pos.Quantity),
		Type:      core.OrderTypeLimit,
		Purpose:   core.PurposeTakeProfit,
		Price:     tpPrice,
	})
	if err != nil {
		e.logger.Error("Failed to place replacement take-profit",
			"key", pos.Key(), "error", err)
		return
	}

	if err := e.ledger.SetTakeProfitOrder(ctx, accountID, symbol, orderID); err != nil {
		e.logger.Error("Failed to record take-profit order id",
			"key", pos.Key(), "order_id", orderID, "error", err)
	}
}

// excursionUnits converts the current adverse excursion into the ladder's
// trigger-mode units. Favorable excursion returns negative units and fires
// nothing.
func (e *Engine) excursionUnits(pos *core.Position, price decimal.Decimal, mode core.DCATriggerMode) (decimal.Decimal, bool) {
	var adverse decimal.Decimal
	if pos.Side == core.SideLong {
		adverse = pos.AverageEntryPrice.Sub(price)
	} else {
		adverse = price.Sub(pos.AverageEntryPrice)
	}

	switch mode {
	case core.TriggerTicks:
		params, ok := e.params(pos.Symbol)
		if !ok || params.TickSize <= 0 {
			return decimal.Zero, false
		}
		return adverse.Div(decimal.NewFromFloat(params.TickSize)), true

	case core.TriggerPercent:
		if pos.AverageEntryPrice.IsZero() {
			return decimal.Zero, false
		}
		return adverse.Div(pos.AverageEntryPrice).Mul(decimal.NewFromInt(100)), true

	case core.TriggerATR:
		atr, ok := e.monitor.GetATR(pos.Symbol)
		if !ok || atr.IsZero() {
			// No volatility estimate yet: never guess, just wait
			return decimal.Zero, false
		}
		return adverse.Div(atr), true

	default:
		return decimal.Zero, false
	}
}

// nextRung picks the lowest-index unfired rung the excursion has reached.
// One per evaluation: deeper rungs wait for the next tick, which keeps a
// gap through three levels from triple-firing in one instant.
func nextRung(cfg core.DCAConfig, pos *core.Position, units decimal.Decimal) (int, core.DCARung, bool) {
	for i, rung := range cfg.Rungs {
		if pos.DCAFiredRungs[i] {
			continue
		}
		if units.GreaterThanOrEqual(rung.Distance) {
			return i, rung, true
		}
	}
	return 0, core.DCARung{}, false
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
