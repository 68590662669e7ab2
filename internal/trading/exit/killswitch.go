// Package exit drives positions to flat: the staged exit state machine and
// the force-flatten kill switch
package exit

import (
	"context"
	"sync"
	"time"

	"autotrader/internal/core"
	"autotrader/internal/ledger"
	"autotrader/internal/risk"
	"autotrader/pkg/telemetry"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// KillSwitch force-flattens a position inside a hard deadline. The hot path
// makes no read queries: the flatten order is sized from the ledger, and
// the only cancel issued is for the protective order the ledger already
// knows about. A stale ledger is the reconciler's problem afterwards;
// during the deadline, speed wins.
type KillSwitch struct {
	gateway core.IBrokerGateway
	ledger  *ledger.Ledger
	halt    *risk.HaltLatch
	alerter core.IAlerter
	logger  core.ILogger

	deadline time.Duration

	mu       sync.Mutex
	inflight map[string]bool
}

// NewKillSwitch creates a kill switch with the given submission deadline
func NewKillSwitch(
	gateway core.IBrokerGateway,
	l *ledger.Ledger,
	halt *risk.HaltLatch,
	alerter core.IAlerter,
	deadline time.Duration,
	logger core.ILogger,
) *KillSwitch {
	return &KillSwitch{
		gateway:  gateway,
		ledger:   l,
		halt:     halt,
		alerter:  alerter,
		logger:   logger.WithField("component", "kill_switch"),
		deadline: deadline,
		inflight: make(map[string]bool),
	}
}

// ForceFlatten cancels the resting protective order and submits a market
// flatten, in parallel, inside the deadline. Idempotent: a second call
// while one is in flight returns immediately.
func (k *KillSwitch) ForceFlatten(ctx context.Context, accountID, symbol string) error {
	key := core.PositionKey(accountID, symbol)

	k.mu.Lock()
	if k.inflight[key] {
		k.mu.Unlock()
		k.logger.Warn("Force-flatten already in flight", "key", key)
		return nil
	}
	k.inflight[key] = true
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.inflight, key)
		k.mu.Unlock()
	}()

	start := time.Now()
	pos := k.ledger.CurrentPosition(accountID, symbol)

	k.logger.Warn("Force-flatten activated",
		"key", key,
		"quantity", pos.Quantity,
		"deadline", k.deadline)

	dctx, cancel := context.WithTimeout(ctx, k.deadline)
	defer cancel()

	g, gctx := errgroup.WithContext(dctx)

	if orderID := pos.TakeProfitOrderID; orderID != "" {
		g.Go(func() error {
			if err := k.gateway.CancelOrder(gctx, accountID, orderID); err != nil {
				k.logger.Error("Force-flatten cancel failed",
					"key", key, "order_id", orderID, "error", err)
				return err
			}
			return nil
		})
	}

	if pos.Quantity != 0 {
		intent := core.NewExitIntent(accountID, symbol, pos.Quantity, uuid.NewString())
		g.Go(func() error {
			if _, err := k.gateway.PlaceOrder(gctx, intent); err != nil {
				k.logger.Error("Force-flatten order failed", "key", key, "error", err)
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	elapsed := time.Since(start)
	k.recordLatency(ctx, elapsed)

	if err != nil {
		k.halt.Trip(ctx, accountID, symbol,
			"force-flatten failed inside deadline: "+err.Error())
		if k.alerter != nil {
			k.alerter.Alert(ctx, core.AlertCritical, "Force-flatten failed",
				err.Error(), map[string]string{
					"account": accountID,
					"symbol":  symbol,
					"elapsed": elapsed.String(),
				})
		}
		return err
	}

	k.logger.Info("Force-flatten submitted", "key", key, "elapsed", elapsed)
	return nil
}

func (k *KillSwitch) recordLatency(ctx context.Context, elapsed time.Duration) {
	m := telemetry.GetGlobalMetrics()
	if m.FlattenLatency != nil {
		m.FlattenLatency.Record(ctx, float64(elapsed.Milliseconds()))
	}
}
