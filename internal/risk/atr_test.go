package risk

import (
	"testing"
	"time"

	"autotrader/internal/core"
	"autotrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bar(high, low, close float64, closed bool) core.Bar {
	return core.Bar{
		Symbol:   "ESZ6",
		High:     decimal.NewFromFloat(high),
		Low:      decimal.NewFromFloat(low),
		Close:    decimal.NewFromFloat(close),
		Start:    time.Now(),
		IsClosed: closed,
	}
}

func TestATRUnavailableWithoutData(t *testing.T) {
	m := NewMonitor(3, logging.NewNop())
	_, ok := m.GetATR("ESZ6")
	assert.False(t, ok)
}

func TestATRUnavailableWithInsufficientBars(t *testing.T) {
	m := NewMonitor(3, logging.NewNop())
	m.OnBar(bar(5010, 5000, 5005, true))
	m.OnBar(bar(5015, 5005, 5010, true))

	_, ok := m.GetATR("ESZ6")
	assert.False(t, ok, "ATR must stay unavailable until window+1 closed bars")
}

func TestATRSimpleMovingAverageOfTrueRange(t *testing.T) {
	m := NewMonitor(3, logging.NewNop())

	// Contiguous bars: each TR is just high-low since there are no gaps
	m.OnBar(bar(5010, 5000, 5005, true))
	m.OnBar(bar(5015, 5005, 5010, true)) // TR 10
	m.OnBar(bar(5030, 5010, 5020, true)) // TR 20
	m.OnBar(bar(5050, 5020, 5040, true)) // TR 30

	atr, ok := m.GetATR("ESZ6")
	require.True(t, ok)
	assert.True(t, atr.Equal(decimal.NewFromInt(20)), "expected 20, got %s", atr)
}

func TestATRGapUsesPrevClose(t *testing.T) {
	m := NewMonitor(1, logging.NewNop())

	m.OnBar(bar(5010, 5000, 5005, true))
	// Gap up: high-low is 5, but distance from prev close is 45
	m.OnBar(bar(5050, 5045, 5048, true))

	atr, ok := m.GetATR("ESZ6")
	require.True(t, ok)
	assert.True(t, atr.Equal(decimal.NewFromInt(45)), "expected 45, got %s", atr)
}

func TestATRIgnoresUnclosedBar(t *testing.T) {
	m := NewMonitor(1, logging.NewNop())

	m.OnBar(bar(5010, 5000, 5005, true))
	m.OnBar(bar(5020, 5005, 5012, true)) // TR 15

	atr, ok := m.GetATR("ESZ6")
	require.True(t, ok)
	assert.True(t, atr.Equal(decimal.NewFromInt(15)))

	// A live, unclosed bar must not move the ATR
	m.OnBar(bar(5100, 5005, 5090, false))
	atr, ok = m.GetATR("ESZ6")
	require.True(t, ok)
	assert.True(t, atr.Equal(decimal.NewFromInt(15)), "unclosed bar moved ATR to %s", atr)
}

func TestATRWindowSlides(t *testing.T) {
	m := NewMonitor(2, logging.NewNop())

	m.OnBar(bar(5010, 5000, 5005, true))
	m.OnBar(bar(5020, 5010, 5015, true)) // TR 10
	m.OnBar(bar(5035, 5015, 5030, true)) // TR 20
	m.OnBar(bar(5070, 5030, 5060, true)) // TR 40

	// Window of 2: only the last two TRs count
	atr, ok := m.GetATR("ESZ6")
	require.True(t, ok)
	assert.True(t, atr.Equal(decimal.NewFromInt(30)), "expected 30, got %s", atr)
}
