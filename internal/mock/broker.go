// Package mock provides an in-memory broker gateway for tests
package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"autotrader/internal/core"

	"github.com/shopspring/decimal"
)

// Broker implements core.IBrokerGateway in memory. Tests script it by
// setting positions and failure modes and drive the push stream with the
// Emit helpers.
type Broker struct {
	mu sync.RWMutex

	nextOrderID int
	placed      []core.OrderIntent
	resting     map[string][]string // position key -> resting order IDs
	positions   map[string]int64    // position key -> broker quantity
	fillHistory map[string][]core.Fill

	rejectNext    int    // reject the next N placements
	rejectReason  string
	placeErr      error // transport-level failure for PlaceOrder
	cancelErr     error
	queryPosErr   error
	queryFillsErr error

	// AutoFill immediately emits a fill event for every accepted market
	// order at the given price
	autoFill      bool
	autoFillPrice decimal.Decimal

	events chan core.BrokerEvent
}

// NewBroker creates an empty mock broker
func NewBroker() *Broker {
	return &Broker{
		nextOrderID: 1000,
		resting:     make(map[string][]string),
		positions:   make(map[string]int64),
		fillHistory: make(map[string][]core.Fill),
		events:      make(chan core.BrokerEvent, 64),
	}
}

// SetPosition scripts the broker's authoritative quantity
func (b *Broker) SetPosition(accountID, symbol string, qty int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[core.PositionKey(accountID, symbol)] = qty
}

// SetFillHistory scripts the broker's fill log for QueryFills
func (b *Broker) SetFillHistory(accountID, symbol string, fills []core.Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillHistory[core.PositionKey(accountID, symbol)] = fills
}

// AddRestingOrder scripts a resting order visible to QueryOrders
func (b *Broker) AddRestingOrder(accountID, symbol, orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := core.PositionKey(accountID, symbol)
	b.resting[key] = append(b.resting[key], orderID)
}

// RejectNext makes the next n placements fail with a broker rejection
func (b *Broker) RejectNext(n int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectNext = n
	b.rejectReason = reason
}

// FailPlace makes PlaceOrder fail at the transport level
func (b *Broker) FailPlace(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeErr = err
}

// FailCancel makes CancelOrder fail
func (b *Broker) FailCancel(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelErr = err
}

// FailQueryPosition makes QueryPosition fail
func (b *Broker) FailQueryPosition(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queryPosErr = err
}

// FailQueryFills makes QueryFills fail
func (b *Broker) FailQueryFills(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queryFillsErr = err
}

// EnableAutoFill fills every accepted market order instantly at price,
// updating the scripted broker position and emitting a fill event
func (b *Broker) EnableAutoFill(price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoFill = true
	b.autoFillPrice = price
}

// Placed returns a copy of every intent accepted or rejected so far
func (b *Broker) Placed() []core.OrderIntent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.OrderIntent, len(b.placed))
	copy(out, b.placed)
	return out
}

// PlaceOrder implements core.IBrokerGateway
func (b *Broker) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	b.mu.Lock()

	if b.placeErr != nil {
		err := b.placeErr
		b.mu.Unlock()
		return "", err
	}

	b.placed = append(b.placed, intent)

	if b.rejectNext > 0 {
		b.rejectNext--
		reason := b.rejectReason
		b.mu.Unlock()
		return "", &core.RejectError{
			AccountID: intent.AccountID,
			Symbol:    intent.Symbol,
			OrderID:   intent.ClientOrderID,
			Reason:    reason,
		}
	}

	b.nextOrderID++
	orderID := orderIDString(b.nextOrderID)
	key := core.PositionKey(intent.AccountID, intent.Symbol)

	if intent.Type == core.OrderTypeLimit {
		b.resting[key] = append(b.resting[key], orderID)
		b.mu.Unlock()
		return orderID, nil
	}

	var fillEvent *core.BrokerEvent
	if b.autoFill {
		delta := intent.Quantity
		if intent.Side == core.OrderSideSell {
			delta = -delta
		}
		b.positions[key] += delta

		fill := core.Fill{
			OrderID:   orderID,
			AccountID: intent.AccountID,
			Symbol:    intent.Symbol,
			Side:      intent.Side,
			Quantity:  intent.Quantity,
			Price:     b.autoFillPrice,
			Timestamp: time.Now(),
			Role:      roleForPurpose(intent.Purpose),
		}
		b.fillHistory[key] = append(b.fillHistory[key], fill)
		fillEvent = &core.BrokerEvent{
			Type:       core.EventFill,
			AccountID:  intent.AccountID,
			Symbol:     intent.Symbol,
			Fill:       &fill,
			ReceivedAt: time.Now(),
		}
	}
	b.mu.Unlock()

	if fillEvent != nil {
		b.events <- *fillEvent
	}
	return orderID, nil
}

// CancelOrder implements core.IBrokerGateway
func (b *Broker) CancelOrder(ctx context.Context, accountID, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelErr != nil {
		return b.cancelErr
	}

	for key, ids := range b.resting {
		for i, id := range ids {
			if id == orderID {
				b.resting[key] = append(ids[:i], ids[i+1:]...)
				return nil
			}
		}
	}
	return core.ErrOrderNotFound
}

// QueryPosition implements core.IBrokerGateway
func (b *Broker) QueryPosition(ctx context.Context, accountID, symbol string) (core.BrokerPosition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.queryPosErr != nil {
		return core.BrokerPosition{}, b.queryPosErr
	}

	qty := b.positions[core.PositionKey(accountID, symbol)]
	return core.BrokerPosition{
		AccountID: accountID,
		Symbol:    symbol,
		Quantity:  qty,
		Side:      core.SideForQuantity(qty),
	}, nil
}

// QueryOrders implements core.IBrokerGateway
func (b *Broker) QueryOrders(ctx context.Context, accountID, symbol string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	src := b.resting[core.PositionKey(accountID, symbol)]
	out := make([]string, len(src))
	copy(out, src)
	return out, nil
}

// QueryFills implements core.IBrokerGateway
func (b *Broker) QueryFills(ctx context.Context, accountID, symbol string) ([]core.Fill, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.queryFillsErr != nil {
		return nil, b.queryFillsErr
	}

	src := b.fillHistory[core.PositionKey(accountID, symbol)]
	out := make([]core.Fill, len(src))
	copy(out, src)
	return out, nil
}

// Events implements core.IBrokerGateway
func (b *Broker) Events() <-chan core.BrokerEvent {
	return b.events
}

// EmitFill pushes a fill event onto the stream
func (b *Broker) EmitFill(fill core.Fill) {
	b.mu.Lock()
	key := core.PositionKey(fill.AccountID, fill.Symbol)
	b.positions[key] += fill.SignedQuantity()
	b.fillHistory[key] = append(b.fillHistory[key], fill)
	b.mu.Unlock()

	b.events <- core.BrokerEvent{
		Type:       core.EventFill,
		AccountID:  fill.AccountID,
		Symbol:     fill.Symbol,
		Fill:       &fill,
		ReceivedAt: time.Now(),
	}
}

// EmitSnapshot pushes a position snapshot event onto the stream
func (b *Broker) EmitSnapshot(accountID, symbol string, qty int64) {
	b.mu.Lock()
	b.positions[core.PositionKey(accountID, symbol)] = qty
	b.mu.Unlock()

	b.events <- core.BrokerEvent{
		Type:             core.EventPositionSnapshot,
		AccountID:        accountID,
		Symbol:           symbol,
		SnapshotQuantity: qty,
		ReceivedAt:       time.Now(),
	}
}

// EmitRejection pushes an order rejection event onto the stream
func (b *Broker) EmitRejection(accountID, symbol, orderID, reason string) {
	b.events <- core.BrokerEvent{
		Type:         core.EventOrderRejected,
		AccountID:    accountID,
		Symbol:       symbol,
		OrderID:      orderID,
		RejectReason: reason,
		ReceivedAt:   time.Now(),
	}
}

// Close closes the event stream
func (b *Broker) Close() {
	close(b.events)
}

func orderIDString(n int) string {
	return "mock-" + strconv.Itoa(n)
}

func roleForPurpose(p core.OrderPurpose) core.FillRole {
	switch p {
	case core.PurposeExit, core.PurposeTakeProfit, core.PurposeStopLoss:
		return core.RoleExit
	case core.PurposeDCAEntry:
		return core.RoleDCA
	default:
		return core.RoleEntry
	}
}
