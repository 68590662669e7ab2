// Package service is the facade the ingestion layer calls into. It owns no
// trading logic of its own: it validates intent against the halt latch and
// the exit state, then delegates to the engines.
package service

import (
	"context"
	"fmt"
	"sync"

	"autotrader/internal/core"
	"autotrader/internal/events"
	"autotrader/internal/ledger"
	"autotrader/internal/pnl"
	"autotrader/internal/risk"
	"autotrader/internal/trading/dca"
	"autotrader/internal/trading/exit"

	"github.com/google/uuid"
)

// AccountRuntime bundles the per-account engines. Each brokerage session
// gets its own gateway (and therefore its own rate limiter and stream);
// the ledger, PnL engine and halt latch are shared.
type AccountRuntime struct {
	Gateway core.IBrokerGateway
	DCA     *dca.Engine
	Exit    *exit.Machine
	Stops   *exit.StopWatcher // optional, nil disables the price-driven stop
}

// Service exposes the engine's operations to the ingestion layer
type Service struct {
	ledger     *ledger.Ledger
	pnl        *pnl.Engine
	halt       *risk.HaltLatch
	dispatcher *events.Dispatcher
	logger     core.ILogger

	mu       sync.RWMutex
	accounts map[string]*AccountRuntime
}

// New creates the service facade
func New(
	l *ledger.Ledger,
	pnlEngine *pnl.Engine,
	halt *risk.HaltLatch,
	dispatcher *events.Dispatcher,
	logger core.ILogger,
) *Service {
	return &Service{
		ledger:     l,
		pnl:        pnlEngine,
		halt:       halt,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "service"),
		accounts:   make(map[string]*AccountRuntime),
	}
}

// RegisterAccount attaches the per-account engines. Called once per account
// at bootstrap, before any request arrives.
func (s *Service) RegisterAccount(accountID string, rt *AccountRuntime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountID] = rt
}

func (s *Service) runtime(accountID string) (*AccountRuntime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("unknown account: %s", accountID)
	}
	return rt, nil
}

// OpenOrScalePosition submits a market entry and configures the scale-in
// ladder for the position's lifetime. The protective take-profit is placed
// when the entry fill comes back and the average entry price is known.
// Refused while the symbol is halted or an exit is in flight.
func (s *Service) OpenOrScalePosition(
	ctx context.Context,
	accountID, symbol string,
	side core.OrderSide,
	quantity int64,
	dcaCfg *core.DCAConfig,
) (string, error) {
	rt, err := s.runtime(accountID)
	if err != nil {
		return "", err
	}
	if quantity <= 0 {
		return "", fmt.Errorf("entry quantity must be positive, got %d", quantity)
	}

	if halted, reason := s.halt.IsHalted(accountID, symbol); halted {
		return "", fmt.Errorf("%w: %s", core.ErrHalted, reason)
	}

	pos := s.ledger.CurrentPosition(accountID, symbol)
	signed := quantity
	if side == core.OrderSideSell {
		signed = -quantity
	}
	if pos.ExitState != core.ExitIdle && abs(pos.Quantity+signed) > abs(pos.Quantity) {
		return "", &core.ConflictingIntentError{
			AccountID: accountID,
			Symbol:    symbol,
			State:     pos.ExitState,
		}
	}

	if dcaCfg != nil {
		rt.DCA.Configure(accountID, symbol, *dcaCfg)
	}

	orderID, err := rt.Gateway.PlaceOrder(ctx, core.OrderIntent{
		AccountID:     accountID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      quantity,
		Type:          core.OrderTypeMarket,
		Purpose:       core.PurposeEntry,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("entry order failed: %w", err)
	}

	s.logger.Info("Entry order submitted",
		"key", core.PositionKey(accountID, symbol),
		"side", side.String(),
		"quantity", quantity,
		"order_id", orderID)
	return orderID, nil
}

// RequestExit starts the staged exit for one position
func (s *Service) RequestExit(ctx context.Context, accountID, symbol, reason string) error {
	rt, err := s.runtime(accountID)
	if err != nil {
		return err
	}

	s.logger.Info("Exit requested",
		"key", core.PositionKey(accountID, symbol), "reason", reason)
	return rt.Exit.RequestExit(ctx, accountID, symbol)
}

// RequestForceFlatten skips the staged path and fires the kill switch
func (s *Service) RequestForceFlatten(ctx context.Context, accountID, symbol string) error {
	rt, err := s.runtime(accountID)
	if err != nil {
		return err
	}

	s.logger.Warn("Force flatten requested",
		"key", core.PositionKey(accountID, symbol))
	return rt.Exit.ForceFlatten(ctx, accountID, symbol)
}

// GetStatus returns the full view of one position: ledger state, live PnL,
// halt state and the drift audit trail
func (s *Service) GetStatus(ctx context.Context, accountID, symbol string) (*core.PositionStatus, error) {
	pos := s.ledger.CurrentPosition(accountID, symbol)
	snap := s.pnl.GetSnapshot(accountID, symbol)
	halted, reason := s.halt.IsHalted(accountID, symbol)

	drifts, err := s.ledger.DriftRecords(ctx, accountID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to load drift records: %w", err)
	}

	return &core.PositionStatus{
		Position:      pos,
		ExitState:     pos.ExitState,
		UnrealizedPnL: snap.Unrealized,
		RealizedPnL:   snap.Realized,
		Halted:        halted,
		HaltReason:    reason,
		DriftRecords:  drifts,
	}, nil
}

// ResetHalt clears a tripped halt. Operator-initiated only; nothing in the
// engine calls this.
func (s *Service) ResetHalt(ctx context.Context, accountID, symbol string) {
	s.halt.Reset(ctx, accountID, symbol)
}

// RouteTick fans a price update out: the PnL engine re-marks immediately,
// and each account's DCA evaluation runs on that position's dispatch lane
// so it never races the event loop's fill handling.
func (s *Service) RouteTick(ctx context.Context, tick core.Tick) {
	s.pnl.OnTick(tick)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for accountID, rt := range s.accounts {
		accountID, rt := accountID, rt
		key := core.PositionKey(accountID, tick.Symbol)
		err := s.dispatcher.Submit(key, func() {
			rt.DCA.OnTick(ctx, accountID, tick)
			if rt.Stops != nil {
				rt.Stops.OnTick(ctx, accountID, tick)
			}
		})
		if err != nil {
			s.logger.Error("Failed to dispatch tick", "key", key, "error", err)
		}
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
