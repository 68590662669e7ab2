// Package ledger maintains the append-only fill log and the virtual
// positions derived from it
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/core"
	"autotrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MultiplierFunc resolves the contract multiplier for a symbol
type MultiplierFunc func(symbol string) decimal.Decimal

// Listener is notified after every position change
type Listener func(pos *core.Position, fill *core.Fill)

// Ledger is the source of truth for what the engine believes it holds.
// Positions are a pure function of the ordered fill sequence; they are a
// derived cache and can always be rebuilt from the log.
type Ledger struct {
	store      core.ILedgerStore
	multiplier MultiplierFunc
	logger     core.ILogger

	mu        sync.RWMutex
	positions map[string]*core.Position

	listenerMu sync.RWMutex
	listeners  []Listener

	fillCounter metric.Int64Counter
}

// New creates a ledger over the given store
func New(store core.ILedgerStore, multiplier MultiplierFunc, logger core.ILogger) *Ledger {
	meter := telemetry.GetMeter("ledger")
	fillCounter, _ := meter.Int64Counter("ledger_fills_recorded_total",
		metric.WithDescription("Total fills recorded"))

	return &Ledger{
		store:       store,
		multiplier:  multiplier,
		logger:      logger.WithField("component", "ledger"),
		positions:   make(map[string]*core.Position),
		fillCounter: fillCounter,
	}
}

// OnPositionChanged registers a listener invoked after each recorded fill
// or correction. Listeners run on the caller's goroutine; the per-symbol
// event loop guarantees they never run concurrently for one position.
func (l *Ledger) OnPositionChanged(fn Listener) {
	l.listenerMu.Lock()
	defer l.listenerMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Ledger) notify(pos *core.Position, fill *core.Fill) {
	l.listenerMu.RLock()
	defer l.listenerMu.RUnlock()
	for _, fn := range l.listeners {
		fn(pos, fill)
	}
}

// Restore replays the persisted fill log on startup. Durable non-derived
// fields (fired DCA rungs, exit state, protective order id) come from the
// saved position rows; derived quantities always come from replay.
func (l *Ledger) Restore(ctx context.Context) error {
	rows, err := l.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load position rows: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, row := range rows {
		fills, err := l.store.LoadFills(ctx, row.AccountID, row.Symbol)
		if err != nil {
			return fmt.Errorf("failed to load fills for %s: %w", row.Key(), err)
		}

		rebuilt := replay(row.AccountID, row.Symbol, fills, l.multiplier(row.Symbol))
		rebuilt.DCAFiredRungs = row.DCAFiredRungs
		rebuilt.ExitState = row.ExitState
		rebuilt.TakeProfitOrderID = row.TakeProfitOrderID
		if rebuilt.DCAFiredRungs == nil {
			rebuilt.DCAFiredRungs = make(map[int]bool)
		}

		if rebuilt.Quantity != row.Quantity {
			l.logger.Warn("Persisted position row disagrees with fill log, replay wins",
				"key", row.Key(),
				"row_quantity", row.Quantity,
				"replayed_quantity", rebuilt.Quantity)
		}

		l.positions[rebuilt.Key()] = rebuilt
		l.logger.Info("Restored position", "key", rebuilt.Key(), "quantity", rebuilt.Quantity)
	}
	return nil
}

// RecordFill appends a fill to the log and returns the recomputed position.
// A fill that would move the quantity further from zero while an exit is in
// flight is rejected locally as a ConflictingIntentError.
func (l *Ledger) RecordFill(ctx context.Context, fill core.Fill) (*core.Position, error) {
	l.mu.Lock()
	pos := l.getOrCreateLocked(fill.AccountID, fill.Symbol)

	newQty := pos.Quantity + fill.SignedQuantity()
	if pos.ExitState != core.ExitIdle && abs(newQty) > abs(pos.Quantity) {
		state := pos.ExitState
		l.mu.Unlock()
		return nil, &core.ConflictingIntentError{
			AccountID: fill.AccountID,
			Symbol:    fill.Symbol,
			State:     state,
		}
	}

	// Persist first. If the append fails the in-memory position is
	// untouched and the caller sees the error.
	if err := l.store.AppendFill(ctx, fill); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("failed to append fill: %w", err)
	}

	applyFill(pos, fill, l.multiplier(fill.Symbol))

	if err := l.store.SavePosition(ctx, pos); err != nil {
		l.logger.Error("Failed to save position row after fill", "key", pos.Key(), "error", err)
	}

	snapshot := pos.Clone()
	l.mu.Unlock()

	l.fillCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", fill.Symbol),
		attribute.String("role", fill.Role.String()),
	))
	telemetry.GetGlobalMetrics().SetPositionSize(snapshot.Key(), snapshot.Quantity)

	l.notify(snapshot, &fill)
	return snapshot, nil
}

// CurrentPosition returns a copy of the tracked position, or an empty flat
// position when none exists yet
func (l *Ledger) CurrentPosition(accountID, symbol string) *core.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if pos, ok := l.positions[core.PositionKey(accountID, symbol)]; ok {
		return pos.Clone()
	}
	return emptyPosition(accountID, symbol)
}

// Positions returns a snapshot copy of every tracked position
func (l *Ledger) Positions() []*core.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*core.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos.Clone())
	}
	return out
}

// Rebuild replays the full fill log for one position and swaps the result
// in. Used by the drift reconciler and on corruption suspicion.
func (l *Ledger) Rebuild(ctx context.Context, accountID, symbol string) (*core.Position, error) {
	fills, err := l.store.LoadFills(ctx, accountID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to load fills: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.getOrCreateLocked(accountID, symbol)
	rebuilt := replay(accountID, symbol, fills, l.multiplier(symbol))
	rebuilt.DCAFiredRungs = prev.DCAFiredRungs
	rebuilt.ExitState = prev.ExitState
	rebuilt.TakeProfitOrderID = prev.TakeProfitOrderID
	rebuilt.WorstUnrealizedPnL = prev.WorstUnrealizedPnL

	l.positions[rebuilt.Key()] = rebuilt
	if err := l.store.SavePosition(ctx, rebuilt); err != nil {
		l.logger.Error("Failed to save rebuilt position", "key", rebuilt.Key(), "error", err)
	}
	return rebuilt.Clone(), nil
}

// AdoptFills replaces the fill history with the broker's authoritative log
// and rebuilds. Reserved for the drift reconciler; accounting only.
func (l *Ledger) AdoptFills(ctx context.Context, accountID, symbol string, fills []core.Fill) (*core.Position, error) {
	if err := l.store.ReplaceFills(ctx, accountID, symbol, fills); err != nil {
		return nil, fmt.Errorf("failed to replace fills: %w", err)
	}
	pos, err := l.Rebuild(ctx, accountID, symbol)
	if err != nil {
		return nil, err
	}
	l.notify(pos, nil)
	return pos, nil
}

// ForceQuantity overwrites the derived quantity to match the broker when no
// broker fill history is available. basisPrice becomes the cost basis for
// the corrected holding. Accounting only, never places orders.
func (l *Ledger) ForceQuantity(ctx context.Context, accountID, symbol string, quantity int64, basisPrice decimal.Decimal) (*core.Position, error) {
	l.mu.Lock()
	pos := l.getOrCreateLocked(accountID, symbol)
	pos.Quantity = quantity
	pos.Side = core.SideForQuantity(quantity)
	if quantity == 0 {
		pos.AverageEntryPrice = decimal.Zero
		pos.ClosedAt = time.Now()
	} else {
		pos.AverageEntryPrice = basisPrice
		if pos.OpenedAt.IsZero() {
			pos.OpenedAt = time.Now()
		}
	}
	if err := l.store.SavePosition(ctx, pos); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("failed to save corrected position: %w", err)
	}
	snapshot := pos.Clone()
	l.mu.Unlock()

	telemetry.GetGlobalMetrics().SetPositionSize(snapshot.Key(), snapshot.Quantity)
	l.notify(snapshot, nil)
	return snapshot, nil
}

// MarkRungFired persists a DCA rung index before the scale-in order is
// submitted, making the trigger idempotent across crash-restart
func (l *Ledger) MarkRungFired(ctx context.Context, accountID, symbol string, index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.getOrCreateLocked(accountID, symbol)
	if pos.DCAFiredRungs[index] {
		return nil
	}
	pos.DCAFiredRungs[index] = true
	return l.store.SavePosition(ctx, pos)
}

// SetExitState records an exit state transition against the position
func (l *Ledger) SetExitState(ctx context.Context, accountID, symbol string, state core.ExitState, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.getOrCreateLocked(accountID, symbol)
	pos.ExitState = state
	pos.LastError = note
	return l.store.SavePosition(ctx, pos)
}

// SetTakeProfitOrder records the resting protective order id
func (l *Ledger) SetTakeProfitOrder(ctx context.Context, accountID, symbol, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.getOrCreateLocked(accountID, symbol)
	pos.TakeProfitOrderID = orderID
	return l.store.SavePosition(ctx, pos)
}

// UpdateExcursion persists PnL marks computed by the PnL engine
func (l *Ledger) UpdateExcursion(accountID, symbol string, unrealized, worst decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.getOrCreateLocked(accountID, symbol)
	pos.UnrealizedPnL = unrealized
	pos.WorstUnrealizedPnL = worst
}

// SaveDrift persists a drift record for audit
func (l *Ledger) SaveDrift(ctx context.Context, rec *core.DriftRecord) error {
	return l.store.SaveDrift(ctx, rec)
}

// DriftRecords returns persisted drift records for one position
func (l *Ledger) DriftRecords(ctx context.Context, accountID, symbol string) ([]core.DriftRecord, error) {
	return l.store.LoadDrifts(ctx, accountID, symbol)
}

func (l *Ledger) getOrCreateLocked(accountID, symbol string) *core.Position {
	key := core.PositionKey(accountID, symbol)
	if pos, ok := l.positions[key]; ok {
		return pos
	}
	pos := emptyPosition(accountID, symbol)
	l.positions[key] = pos
	return pos
}

func emptyPosition(accountID, symbol string) *core.Position {
	return &core.Position{
		AccountID:          accountID,
		Symbol:             symbol,
		Side:               core.SideFlat,
		AverageEntryPrice:  decimal.Zero,
		RealizedPnL:        decimal.Zero,
		UnrealizedPnL:      decimal.Zero,
		WorstUnrealizedPnL: decimal.Zero,
		DCAFiredRungs:      make(map[int]bool),
		ExitState:          core.ExitIdle,
	}
}

// replay folds an ordered fill sequence into a fresh position
func replay(accountID, symbol string, fills []core.Fill, multiplier decimal.Decimal) *core.Position {
	pos := emptyPosition(accountID, symbol)
	for _, f := range fills {
		applyFill(pos, f, multiplier)
	}
	return pos
}

// applyFill mutates pos with one fill. Realized PnL is booked against the
// average entry price that existed at the moment of the reducing fill, not
// the final average.
func applyFill(pos *core.Position, fill core.Fill, multiplier decimal.Decimal) {
	signed := fill.SignedQuantity()
	oldQty := pos.Quantity
	newQty := oldQty + signed

	switch {
	case oldQty == 0:
		// Opening
		pos.AverageEntryPrice = fill.Price
		pos.OpenedAt = fill.Timestamp
		pos.ClosedAt = time.Time{}

	case sameSign(oldQty, signed):
		// Scaling in: volume-weighted average entry
		oldAbs := decimal.NewFromInt(abs(oldQty))
		addAbs := decimal.NewFromInt(abs(signed))
		newAbs := decimal.NewFromInt(abs(newQty))
		pos.AverageEntryPrice = pos.AverageEntryPrice.Mul(oldAbs).
			Add(fill.Price.Mul(addAbs)).
			Div(newAbs)

	default:
		// Reducing (possibly through zero)
		closed := min64(abs(signed), abs(oldQty))
		direction := decimal.NewFromInt(sign(oldQty))
		pnl := fill.Price.Sub(pos.AverageEntryPrice).
			Mul(decimal.NewFromInt(closed)).
			Mul(multiplier).
			Mul(direction)
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)

		if newQty == 0 {
			pos.AverageEntryPrice = decimal.Zero
			pos.ClosedAt = fill.Timestamp
		} else if !sameSign(oldQty, newQty) {
			// Flipped through zero: remainder opens at the fill price
			pos.AverageEntryPrice = fill.Price
			pos.OpenedAt = fill.Timestamp
		}
	}

	pos.Quantity = newQty
	pos.Side = core.SideForQuantity(newQty)
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
