package exit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/ledger"
	"autotrader/internal/risk"
	"autotrader/pkg/telemetry"

	"github.com/google/uuid"
)

// Machine walks a position through the staged exit:
//
//	IDLE -> PREPARE_EXIT -> WORKING_EXIT -> CONFIRM_FLAT -> IDLE
//
// Prepare cancels resting protective orders and takes a fresh broker
// quantity so the flatten order is sized against reality, not the ledger.
// Working submits the market exit. Confirm polls the broker until it
// reports flat; silence past the deadline escalates to the kill switch.
type Machine struct {
	gateway core.IBrokerGateway
	ledger  *ledger.Ledger
	halt    *risk.HaltLatch
	kill    *KillSwitch
	alerter core.IAlerter
	logger  core.ILogger
	clock   core.Clock
	cfg     config.ExitConfig

	mu       sync.Mutex
	inflight map[string]bool
}

// NewMachine creates an exit state machine
func NewMachine(
	gateway core.IBrokerGateway,
	l *ledger.Ledger,
	halt *risk.HaltLatch,
	kill *KillSwitch,
	alerter core.IAlerter,
	cfg config.ExitConfig,
	clock core.Clock,
	logger core.ILogger,
) *Machine {
	return &Machine{
		gateway:  gateway,
		ledger:   l,
		halt:     halt,
		kill:     kill,
		alerter:  alerter,
		logger:   logger.WithField("component", "exit"),
		clock:    clock,
		cfg:      cfg,
		inflight: make(map[string]bool),
	}
}

// RequestExit drives the position to flat. Idempotent: a second request
// while one is in flight is a no-op.
func (m *Machine) RequestExit(ctx context.Context, accountID, symbol string) error {
	key := core.PositionKey(accountID, symbol)

	m.mu.Lock()
	if m.inflight[key] {
		m.mu.Unlock()
		m.logger.Info("Exit already in flight", "key", key)
		return nil
	}
	m.inflight[key] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, key)
		m.mu.Unlock()
	}()

	start := m.clock.Now()
	m.logger.Info("Exit requested", "key", key)

	// A failure anywhere past this point leaves the position mid-exit with
	// its protective orders cancelled, so nothing short of a handled
	// rejection may bail out without escalating.
	if err := m.prepare(ctx, accountID, symbol); err != nil {
		return m.escalate(ctx, accountID, symbol, err)
	}

	brokerQty, err := m.freshQuantity(ctx, accountID, symbol)
	if err != nil {
		return m.escalate(ctx, accountID, symbol, err)
	}

	if brokerQty == 0 {
		// Broker already flat. The ledger may disagree; that is drift for
		// the reconciler, not a reason to trade.
		m.logger.Info("Broker already flat on exit", "key", key)
		return m.finish(ctx, accountID, symbol, start)
	}

	if err := m.work(ctx, accountID, symbol, brokerQty); err != nil {
		if core.IsReject(err) {
			// The reject policy already resolved the position's state
			return err
		}
		return m.escalate(ctx, accountID, symbol, err)
	}

	if err := m.confirmFlat(ctx, accountID, symbol); err != nil {
		return m.escalate(ctx, accountID, symbol, err)
	}

	return m.finish(ctx, accountID, symbol, start)
}

// ForceFlatten triggers the kill switch directly, then confirms
func (m *Machine) ForceFlatten(ctx context.Context, accountID, symbol string) error {
	if err := m.ledger.SetExitState(ctx, accountID, symbol, core.ExitWorking, "force flatten"); err != nil {
		m.logger.Error("Failed to record exit state", "error", err)
	}

	if err := m.kill.ForceFlatten(ctx, accountID, symbol); err != nil {
		return err
	}

	if err := m.ledger.SetExitState(ctx, accountID, symbol, core.ExitConfirmFlat, ""); err != nil {
		m.logger.Error("Failed to record exit state", "error", err)
	}

	if err := m.confirmFlat(ctx, accountID, symbol); err != nil {
		m.halt.Trip(ctx, accountID, symbol,
			"position not flat after force-flatten: "+err.Error())
		return err
	}

	return m.finish(ctx, accountID, symbol, m.clock.Now())
}

// prepare transitions to PREPARE_EXIT and clears resting orders so a fill
// cannot race the flatten
func (m *Machine) prepare(ctx context.Context, accountID, symbol string) error {
	if err := m.ledger.SetExitState(ctx, accountID, symbol, core.ExitPrepare, ""); err != nil {
		return fmt.Errorf("failed to enter PREPARE_EXIT: %w", err)
	}

	orders, err := m.gateway.QueryOrders(ctx, accountID, symbol)
	if err != nil {
		return fmt.Errorf("failed to list resting orders: %w", err)
	}
	for _, orderID := range orders {
		if err := m.gateway.CancelOrder(ctx, accountID, orderID); err != nil {
			return fmt.Errorf("failed to cancel resting order %s: %w", orderID, err)
		}
	}

	if err := m.ledger.SetTakeProfitOrder(ctx, accountID, symbol, ""); err != nil {
		m.logger.Error("Failed to clear take-profit order id", "error", err)
	}
	return nil
}

// freshQuantity asks the broker what actually needs flattening
func (m *Machine) freshQuantity(ctx context.Context, accountID, symbol string) (int64, error) {
	brokerPos, err := m.gateway.QueryPosition(ctx, accountID, symbol)
	if err != nil {
		// Sizing from a stale ledger risks a phantom or partial exit;
		// better to fail the staged path and let the operator kill-switch
		return 0, fmt.Errorf("failed to query broker position for exit sizing: %w", err)
	}

	virtual := m.ledger.CurrentPosition(accountID, symbol)
	if virtual.Quantity != brokerPos.Quantity {
		m.logger.Warn("Ledger and broker disagree at exit, broker wins",
			"key", core.PositionKey(accountID, symbol),
			"virtual", virtual.Quantity,
			"broker", brokerPos.Quantity)
	}
	return brokerPos.Quantity, nil
}

// work transitions to WORKING_EXIT and submits the market exit
func (m *Machine) work(ctx context.Context, accountID, symbol string, quantity int64) error {
	if err := m.ledger.SetExitState(ctx, accountID, symbol, core.ExitWorking, ""); err != nil {
		return fmt.Errorf("failed to enter WORKING_EXIT: %w", err)
	}

	intent := core.NewExitIntent(accountID, symbol, quantity, uuid.NewString())
	_, err := m.gateway.PlaceOrder(ctx, intent)
	if err == nil {
		return nil
	}

	if core.IsReject(err) {
		return m.applyRejectPolicy(ctx, accountID, symbol, intent, err)
	}
	return err
}

// applyRejectPolicy handles a rejected exit while the broker still holds
// the position
func (m *Machine) applyRejectPolicy(ctx context.Context, accountID, symbol string, intent core.OrderIntent, rejectErr error) error {
	m.logger.Error("Exit order rejected",
		"key", core.PositionKey(accountID, symbol),
		"policy", m.cfg.RejectPolicy,
		"error", rejectErr)

	switch m.cfg.RejectPolicy {
	case "retry_once":
		retry := intent
		retry.ClientOrderID = uuid.NewString()
		if _, err := m.gateway.PlaceOrder(ctx, retry); err == nil {
			return nil
		}
		// Second rejection falls through to manual
		fallthrough

	case "manual":
		// Rejections for an already-flat position (closed by a last fill, or
		// never at the broker) need no operator; anything else halts with the
		// residual quantity in the alert
		brokerPos, qerr := m.gateway.QueryPosition(ctx, accountID, symbol)
		if qerr == nil && brokerPos.Quantity == 0 {
			m.logger.Info("Exit rejected but broker is flat, no halt",
				"key", core.PositionKey(accountID, symbol))
			return nil
		}
		residual := "unknown"
		if qerr == nil {
			residual = fmt.Sprintf("%d", brokerPos.Quantity)
		}
		m.halt.Trip(ctx, accountID, symbol,
			fmt.Sprintf("exit order rejected with %s contracts still held: %v", residual, rejectErr))
		if err := m.ledger.SetExitState(ctx, accountID, symbol, core.ExitIdle, rejectErr.Error()); err != nil {
			m.logger.Error("Failed to record exit state", "error", err)
		}
		return rejectErr

	case "killswitch":
		return m.kill.ForceFlatten(ctx, accountID, symbol)

	default:
		m.halt.Trip(ctx, accountID, symbol, "exit order rejected: "+rejectErr.Error())
		return rejectErr
	}
}

// confirmFlat polls the broker until it reports zero or the deadline
// elapses. Only a broker answer of zero counts as flat; a query error or a
// timeout never does.
func (m *Machine) confirmFlat(ctx context.Context, accountID, symbol string) error {
	if err := m.ledger.SetExitState(ctx, accountID, symbol, core.ExitConfirmFlat, ""); err != nil {
		m.logger.Error("Failed to record exit state", "error", err)
	}

	deadline := m.clock.Now().Add(m.cfg.ConfirmDeadline())
	for {
		brokerPos, err := m.gateway.QueryPosition(ctx, accountID, symbol)
		if err == nil && brokerPos.Quantity == 0 {
			return nil
		}
		if err != nil {
			m.logger.Warn("Confirmation poll failed",
				"key", core.PositionKey(accountID, symbol), "error", err)
		}

		if m.clock.Now().After(deadline) {
			return &core.TimeoutError{Op: "flat confirmation", Deadline: m.cfg.ConfirmDeadline()}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.cfg.ConfirmPoll()):
		}
	}
}

// escalate hands a failed staged exit to the kill switch; if the position
// still will not confirm flat, the symbol halts
func (m *Machine) escalate(ctx context.Context, accountID, symbol string, cause error) error {
	m.logger.Error("Staged exit failed, escalating to kill switch",
		"key", core.PositionKey(accountID, symbol), "cause", cause)
	if m.alerter != nil {
		m.alerter.Alert(ctx, core.AlertError, "Exit escalated to kill switch",
			cause.Error(), map[string]string{
				"account": accountID,
				"symbol":  symbol,
			})
	}

	if err := m.kill.ForceFlatten(ctx, accountID, symbol); err != nil {
		m.halt.Trip(ctx, accountID, symbol,
			"force-flatten failed during exit escalation: "+err.Error())
		return err
	}

	if err := m.confirmFlat(ctx, accountID, symbol); err != nil {
		m.halt.Trip(ctx, accountID, symbol,
			"position not flat after kill switch: "+err.Error())
		return err
	}
	return m.finish(ctx, accountID, symbol, m.clock.Now())
}

// finish returns the position to IDLE and records the exit latency
func (m *Machine) finish(ctx context.Context, accountID, symbol string, start time.Time) error {
	if err := m.ledger.SetExitState(ctx, accountID, symbol, core.ExitIdle, ""); err != nil {
		return fmt.Errorf("failed to return to IDLE: %w", err)
	}

	elapsed := m.clock.Now().Sub(start)
	if h := telemetry.GetGlobalMetrics().ExitLatency; h != nil {
		h.Record(ctx, float64(elapsed.Milliseconds()))
	}
	m.logger.Info("Exit complete",
		"key", core.PositionKey(accountID, symbol),
		"elapsed", elapsed)
	return nil
}
