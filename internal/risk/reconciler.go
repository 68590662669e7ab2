package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/core"
	"autotrader/internal/ledger"
	"autotrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PriceSource supplies the latest traded price for a symbol, used as the
// cost basis when a correction cannot be rebuilt from broker fills
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// TaskSubmitter runs a task on the serialized lane for a position key.
// Satisfied by events.Dispatcher. The periodic pass submits its ledger
// corrections through it so they never interleave with fill handling.
type TaskSubmitter interface {
	Submit(key string, task func()) error
}

// Reconciler periodically compares the ledger's virtual position against
// the broker's authoritative one. Corrections are accounting only: it
// rewrites the ledger, it never places or cancels orders.
type Reconciler struct {
	gateway core.IBrokerGateway
	ledger  *ledger.Ledger
	prices  PriceSource
	halt    *HaltLatch
	alerter core.IAlerter
	lanes   TaskSubmitter
	logger  core.ILogger

	pairs    []Pair
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	driftCounter metric.Int64Counter
}

// Pair names one (account, symbol) under reconciliation
type Pair struct {
	AccountID string
	Symbol    string
}

// NewReconciler creates a reconciler over the given pairs
func NewReconciler(
	gateway core.IBrokerGateway,
	l *ledger.Ledger,
	prices PriceSource,
	halt *HaltLatch,
	alerter core.IAlerter,
	lanes TaskSubmitter,
	logger core.ILogger,
	pairs []Pair,
	interval time.Duration,
) *Reconciler {
	meter := telemetry.GetMeter("reconciler")
	driftCounter, _ := meter.Int64Counter("reconciler_drift_total",
		metric.WithDescription("Position divergences detected"))

	return &Reconciler{
		gateway:      gateway,
		ledger:       l,
		prices:       prices,
		halt:         halt,
		alerter:      alerter,
		lanes:        lanes,
		logger:       logger.WithField("component", "reconciler"),
		pairs:        pairs,
		interval:     interval,
		driftCounter: driftCounter,
	}
}

// Start begins the periodic reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "interval", r.interval, "pairs", len(r.pairs))

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.runLoop(loopCtx)
	return nil
}

// Stop stops the loop and waits for an in-flight pass to finish
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}

func (r *Reconciler) runLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation pass failed", "error", err)
			}
		}
	}
}

// Reconcile performs one full pass over all pairs
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, pair := range r.pairs {
		brokerPos, err := r.gateway.QueryPosition(ctx, pair.AccountID, pair.Symbol)
		if err != nil {
			r.logger.Error("Failed to query broker position",
				"account", pair.AccountID, "symbol", pair.Symbol, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := r.checkOnLane(ctx, pair.AccountID, pair.Symbol, brokerPos.Quantity); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// checkOnLane runs CheckOne on the pair's dispatch lane and waits for it.
// Fills for the pair are handled on the same lane, so a fill recorded while
// the correction is in flight can never be overwritten by it.
func (r *Reconciler) checkOnLane(ctx context.Context, accountID, symbol string, brokerQty int64) error {
	if r.lanes == nil {
		return r.CheckOne(ctx, accountID, symbol, brokerQty)
	}

	done := make(chan error, 1)
	if err := r.lanes.Submit(core.PositionKey(accountID, symbol), func() {
		done <- r.CheckOne(ctx, accountID, symbol, brokerQty)
	}); err != nil {
		return fmt.Errorf("failed to submit correction: %w", err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckOne compares one pair against a known broker quantity. Also called
// by the event loop when a position snapshot disagrees with the ledger.
// Callers must already be on the pair's dispatch lane.
func (r *Reconciler) CheckOne(ctx context.Context, accountID, symbol string, brokerQty int64) error {
	virtual := r.ledger.CurrentPosition(accountID, symbol)
	if virtual.Quantity == brokerQty {
		return nil
	}

	r.logger.Warn("Position drift detected",
		"account", accountID,
		"symbol", symbol,
		"virtual_quantity", virtual.Quantity,
		"broker_quantity", brokerQty)

	r.driftCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol)))

	rec := &core.DriftRecord{
		AccountID:       accountID,
		Symbol:          symbol,
		VirtualQuantity: virtual.Quantity,
		BrokerQuantity:  brokerQty,
		DetectedAt:      time.Now(),
	}
	if err := r.ledger.SaveDrift(ctx, rec); err != nil {
		r.logger.Error("Failed to persist drift record", "error", err)
	}

	resolution, err := r.correct(ctx, accountID, symbol, brokerQty)
	if err != nil {
		r.halt.Trip(ctx, accountID, symbol,
			fmt.Sprintf("unresolved position drift: virtual=%d broker=%d: %v",
				virtual.Quantity, brokerQty, err))
		return fmt.Errorf("drift correction failed: %w", err)
	}

	rec.Resolution = resolution
	rec.ResolvedAt = time.Now()
	if err := r.ledger.SaveDrift(ctx, rec); err != nil {
		r.logger.Error("Failed to persist drift resolution", "error", err)
	}

	if r.alerter != nil {
		r.alerter.Alert(ctx, core.AlertWarning, "Position drift corrected",
			"Ledger adjusted to match the broker", map[string]string{
				"account":    accountID,
				"symbol":     symbol,
				"virtual":    fmt.Sprintf("%d", virtual.Quantity),
				"broker":     fmt.Sprintf("%d", brokerQty),
				"resolution": resolution,
			})
	}
	return nil
}

// correct brings the ledger in line with the broker. Preferred path is
// adopting the broker's fill history so PnL stays exact; the fallback
// overwrite loses cost-basis fidelity and says so in the resolution.
func (r *Reconciler) correct(ctx context.Context, accountID, symbol string, brokerQty int64) (string, error) {
	brokerFills, err := r.gateway.QueryFills(ctx, accountID, symbol)
	if err != nil {
		r.logger.Warn("Broker fill history unavailable, falling back to overwrite",
			"account", accountID, "symbol", symbol, "error", err)
		brokerFills = nil
	}

	if len(brokerFills) > 0 {
		pos, err := r.ledger.AdoptFills(ctx, accountID, symbol, brokerFills)
		if err != nil {
			return "", fmt.Errorf("failed to adopt broker fills: %w", err)
		}
		if pos.Quantity == brokerQty {
			return "adopted broker fill history", nil
		}
		// Fill history itself disagrees with the snapshot; fall through
		r.logger.Warn("Broker fill history does not reproduce broker quantity",
			"account", accountID, "symbol", symbol,
			"replayed", pos.Quantity, "broker", brokerQty)
	}

	basis, ok := r.prices.LastPrice(symbol)
	if !ok {
		virtual := r.ledger.CurrentPosition(accountID, symbol)
		basis = virtual.AverageEntryPrice
	}
	if _, err := r.ledger.ForceQuantity(ctx, accountID, symbol, brokerQty, basis); err != nil {
		return "", fmt.Errorf("failed to force quantity: %w", err)
	}
	return fmt.Sprintf("forced quantity to %d at basis %s", brokerQty, basis), nil
}
