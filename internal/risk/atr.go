// Package risk holds volatility measurement, the halt latch and the drift
// reconciler
package risk

import (
	"sync"

	"autotrader/internal/core"

	"github.com/shopspring/decimal"
)

type symbolStats struct {
	mu   sync.Mutex
	bars []core.Bar
	atr  decimal.Decimal
	ok   bool
}

// Monitor maintains a rolling ATR per symbol from closed bars.
// TR = Max(H-L, |H-PrevClose|, |L-PrevClose|); ATR = SMA(TR, window).
type Monitor struct {
	window int
	logger core.ILogger

	mu    sync.RWMutex
	stats map[string]*symbolStats
}

// NewMonitor creates an ATR monitor with the given averaging window
func NewMonitor(window int, logger core.ILogger) *Monitor {
	if window <= 0 {
		window = 14
	}
	return &Monitor{
		window: window,
		logger: logger.WithField("component", "risk_monitor"),
		stats:  make(map[string]*symbolStats),
	}
}

// OnBar ingests one bar. Unclosed bars update in place; a closed bar
// becomes history and triggers a recalculation.
func (m *Monitor) OnBar(bar core.Bar) {
	m.mu.Lock()
	stats, ok := m.stats[bar.Symbol]
	if !ok {
		stats = &symbolStats{}
		m.stats[bar.Symbol] = stats
	}
	m.mu.Unlock()

	stats.mu.Lock()
	defer stats.mu.Unlock()

	if n := len(stats.bars); n > 0 && !stats.bars[n-1].IsClosed {
		stats.bars[n-1] = bar
	} else {
		stats.bars = append(stats.bars, bar)
	}

	if !bar.IsClosed {
		return
	}

	// Keep window+1 bars: each TR needs the previous close
	if len(stats.bars) > m.window+1 {
		stats.bars = stats.bars[len(stats.bars)-(m.window+1):]
	}

	m.recalculate(stats)
}

// GetATR returns the current ATR. ok is false until window+1 closed bars
// have been seen; callers must not fall back to a guessed value.
func (m *Monitor) GetATR(symbol string) (decimal.Decimal, bool) {
	m.mu.RLock()
	stats, found := m.stats[symbol]
	m.mu.RUnlock()
	if !found {
		return decimal.Zero, false
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	return stats.atr, stats.ok
}

func (m *Monitor) recalculate(stats *symbolStats) {
	if len(stats.bars) < m.window+1 {
		return
	}

	var trSum decimal.Decimal
	count := 0
	for i := len(stats.bars) - 1; i > 0 && count < m.window; i-- {
		current := stats.bars[i]
		if !current.IsClosed {
			continue
		}
		prev := stats.bars[i-1]

		tr := current.High.Sub(current.Low)
		if tr2 := current.High.Sub(prev.Close).Abs(); tr2.GreaterThan(tr) {
			tr = tr2
		}
		if tr3 := current.Low.Sub(prev.Close).Abs(); tr3.GreaterThan(tr) {
			tr = tr3
		}

		trSum = trSum.Add(tr)
		count++
	}

	if count < m.window {
		return
	}
	stats.atr = trSum.Div(decimal.NewFromInt(int64(count)))
	stats.ok = true
}
