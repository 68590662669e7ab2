package risk

import (
	"context"
	"sync"
	"time"

	"autotrader/internal/core"
	"autotrader/pkg/telemetry"
)

// HaltLatch stops automated trading per position key after an unrecoverable
// condition (exit rejection under the manual policy, unexplained drift).
// Once tripped it stays tripped until an operator resets it; the engine
// never clears its own halt.
type HaltLatch struct {
	logger  core.ILogger
	alerter core.IAlerter

	mu    sync.RWMutex
	halts map[string]haltEntry
}

type haltEntry struct {
	reason    string
	trippedAt time.Time
}

// NewHaltLatch creates an empty latch
func NewHaltLatch(logger core.ILogger, alerter core.IAlerter) *HaltLatch {
	return &HaltLatch{
		logger:  logger.WithField("component", "halt_latch"),
		alerter: alerter,
		halts:   make(map[string]haltEntry),
	}
}

// Trip halts automated trading for one position key
func (h *HaltLatch) Trip(ctx context.Context, accountID, symbol, reason string) {
	key := core.PositionKey(accountID, symbol)

	h.mu.Lock()
	if _, already := h.halts[key]; already {
		h.mu.Unlock()
		return
	}
	h.halts[key] = haltEntry{reason: reason, trippedAt: time.Now()}
	h.mu.Unlock()

	h.logger.Error("Automated trading halted", "key", key, "reason", reason)
	telemetry.GetGlobalMetrics().SetHalted(key, true)

	if h.alerter != nil {
		h.alerter.Alert(ctx, core.AlertCritical, "Trading halted",
			"Automated trading halted, operator intervention required",
			map[string]string{
				"account": accountID,
				"symbol":  symbol,
				"reason":  reason,
			})
	}
}

// Reset clears the halt for one position key. Operator-initiated only.
func (h *HaltLatch) Reset(ctx context.Context, accountID, symbol string) {
	key := core.PositionKey(accountID, symbol)

	h.mu.Lock()
	entry, was := h.halts[key]
	delete(h.halts, key)
	h.mu.Unlock()

	if !was {
		return
	}

	h.logger.Info("Halt reset by operator",
		"key", key,
		"reason", entry.reason,
		"halted_for", time.Since(entry.trippedAt).String())
	telemetry.GetGlobalMetrics().SetHalted(key, false)

	if h.alerter != nil {
		h.alerter.Alert(ctx, core.AlertInfo, "Halt reset",
			"Automated trading resumed", map[string]string{
				"account": accountID,
				"symbol":  symbol,
			})
	}
}

// IsHalted reports whether the key is halted and why
func (h *HaltLatch) IsHalted(accountID, symbol string) (bool, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, halted := h.halts[core.PositionKey(accountID, symbol)]
	return halted, entry.reason
}
