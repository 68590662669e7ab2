package events

import (
	"context"
	"sync"

	"autotrader/internal/core"
	"autotrader/internal/ledger"
)

// SnapshotChecker is notified when a broker snapshot disagrees with the
// ledger; implemented by the drift reconciler
type SnapshotChecker interface {
	CheckOne(ctx context.Context, accountID, symbol string, brokerQty int64) error
}

// Loop is the single consumer of the broker push stream. Every event is
// handed to the dispatcher lane for its (account, symbol), so handling for
// one position is strictly ordered. The ledger is updated before any
// engine reacts: fills are facts, reactions are derived.
type Loop struct {
	gateway    core.IBrokerGateway
	ledger     *ledger.Ledger
	dispatcher *Dispatcher
	checker    SnapshotChecker
	alerter    core.IAlerter
	logger     core.ILogger

	// OnScaleInFill runs after a DCA fill is recorded (take-profit
	// replacement). OnFill runs after any fill is recorded.
	OnScaleInFill func(ctx context.Context, accountID, symbol string)
	OnFill        func(ctx context.Context, fill core.Fill, pos *core.Position)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop creates the broker event loop
func NewLoop(
	gateway core.IBrokerGateway,
	l *ledger.Ledger,
	dispatcher *Dispatcher,
	checker SnapshotChecker,
	alerter core.IAlerter,
	logger core.ILogger,
) *Loop {
	return &Loop{
		gateway:    gateway,
		ledger:     l,
		dispatcher: dispatcher,
		checker:    checker,
		alerter:    alerter,
		logger:     logger.WithField("component", "event_loop"),
	}
}

// Start begins consuming the push stream
func (l *Loop) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go l.run(runCtx)
	return nil
}

// Stop stops consuming. The dispatcher drains separately.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	stream := l.gateway.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				l.logger.Info("Broker event stream closed")
				return
			}
			l.route(ctx, event)
		}
	}
}

func (l *Loop) route(ctx context.Context, event core.BrokerEvent) {
	key := core.PositionKey(event.AccountID, event.Symbol)

	err := l.dispatcher.Submit(key, func() {
		switch event.Type {
		case core.EventFill:
			l.handleFill(ctx, event)
		case core.EventPositionSnapshot:
			l.handleSnapshot(ctx, event)
		case core.EventOrderRejected:
			l.handleRejection(ctx, event)
		}
	})
	if err != nil {
		l.logger.Error("Failed to dispatch broker event",
			"key", key, "type", event.Type.String(), "error", err)
	}
}

func (l *Loop) handleFill(ctx context.Context, event core.BrokerEvent) {
	if event.Fill == nil {
		l.logger.Error("Fill event without fill payload",
			"account", event.AccountID, "symbol", event.Symbol)
		return
	}
	fill := *event.Fill

	pos, err := l.ledger.RecordFill(ctx, fill)
	if err != nil {
		if core.IsConflictingIntent(err) {
			// The broker filled a growth order while an exit was in
			// flight. The fill is real; refusing it locally creates
			// drift, so hand it to the reconciler loudly.
			l.logger.Error("Growth fill arrived during exit, deferring to reconciler",
				"key", core.PositionKey(fill.AccountID, fill.Symbol),
				"order_id", fill.OrderID)
			if l.alerter != nil {
				l.alerter.Alert(ctx, core.AlertError, "Conflicting fill during exit",
					err.Error(), map[string]string{
						"account":  fill.AccountID,
						"symbol":   fill.Symbol,
						"order_id": fill.OrderID,
					})
			}
			return
		}
		l.logger.Error("Failed to record fill",
			"order_id", fill.OrderID, "error", err)
		return
	}

	l.logger.Info("Fill recorded",
		"key", pos.Key(),
		"order_id", fill.OrderID,
		"side", fill.Side.String(),
		"quantity", fill.Quantity,
		"price", fill.Price.String(),
		"position", pos.Quantity)

	if l.OnFill != nil {
		l.OnFill(ctx, fill, pos)
	}
	if fill.Role == core.RoleDCA && l.OnScaleInFill != nil {
		l.OnScaleInFill(ctx, fill.AccountID, fill.Symbol)
	}
}

func (l *Loop) handleSnapshot(ctx context.Context, event core.BrokerEvent) {
	virtual := l.ledger.CurrentPosition(event.AccountID, event.Symbol)
	if virtual.Quantity == event.SnapshotQuantity {
		return
	}

	l.logger.Warn("Snapshot disagrees with ledger",
		"key", virtual.Key(),
		"virtual", virtual.Quantity,
		"snapshot", event.SnapshotQuantity)

	if l.checker != nil {
		if err := l.checker.CheckOne(ctx, event.AccountID, event.Symbol, event.SnapshotQuantity); err != nil {
			l.logger.Error("Snapshot-triggered reconciliation failed",
				"key", virtual.Key(), "error", err)
		}
	}
}

func (l *Loop) handleRejection(ctx context.Context, event core.BrokerEvent) {
	l.logger.Warn("Order rejected by broker",
		"key", core.PositionKey(event.AccountID, event.Symbol),
		"order_id", event.OrderID,
		"reason", event.RejectReason)

	if l.alerter != nil {
		l.alerter.Alert(ctx, core.AlertWarning, "Order rejected",
			event.RejectReason, map[string]string{
				"account":  event.AccountID,
				"symbol":   event.Symbol,
				"order_id": event.OrderID,
			})
	}
}
