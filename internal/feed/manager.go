// Package feed distributes market data: last-price fanout to per-symbol
// subscribers and tick-to-bar aggregation for volatility inputs
package feed

import (
	"sync"
	"time"

	"autotrader/internal/core"

	"github.com/shopspring/decimal"
)

// TickHandler consumes price updates for one symbol
type TickHandler func(core.Tick)

// BarHandler consumes aggregated bars
type BarHandler func(core.Bar)

// Manager fans ticks out to subscribers and rolls them into fixed-interval
// bars. Handlers run on the ingest goroutine; anything slow must hand off.
type Manager struct {
	logger core.ILogger

	mu           sync.RWMutex
	lastPrices   map[string]decimal.Decimal
	tickHandlers map[string][]TickHandler
	barHandlers  map[string][]BarHandler
	barIntervals map[string]time.Duration
	openBars     map[string]*core.Bar
}

// NewManager creates an empty feed manager
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger:       logger.WithField("component", "feed"),
		lastPrices:   make(map[string]decimal.Decimal),
		tickHandlers: make(map[string][]TickHandler),
		barHandlers:  make(map[string][]BarHandler),
		barIntervals: make(map[string]time.Duration),
		openBars:     make(map[string]*core.Bar),
	}
}

// SubscribeTicks registers a handler for one symbol's price updates
func (m *Manager) SubscribeTicks(symbol string, handler TickHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickHandlers[symbol] = append(m.tickHandlers[symbol], handler)
}

// SubscribeBars registers a bar handler and the aggregation interval for
// the symbol. One interval per symbol.
func (m *Manager) SubscribeBars(symbol string, interval time.Duration, handler BarHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.barIntervals[symbol] = interval
	m.barHandlers[symbol] = append(m.barHandlers[symbol], handler)
}

// LastPrice returns the most recent price for a symbol
func (m *Manager) LastPrice(symbol string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.lastPrices[symbol]
	return price, ok
}

// OnTick ingests one price update
func (m *Manager) OnTick(tick core.Tick) {
	m.mu.Lock()
	m.lastPrices[tick.Symbol] = tick.Price
	tickHandlers := m.tickHandlers[tick.Symbol]
	closedBar, openBar := m.aggregateLocked(tick)
	barHandlers := m.barHandlers[tick.Symbol]
	m.mu.Unlock()

	for _, h := range tickHandlers {
		h(tick)
	}
	if closedBar != nil {
		for _, h := range barHandlers {
			h(*closedBar)
		}
	}
	if openBar != nil {
		for _, h := range barHandlers {
			h(*openBar)
		}
	}
}

// aggregateLocked folds the tick into the symbol's open bar. When the tick
// falls past the bar boundary the old bar closes and a new one opens.
func (m *Manager) aggregateLocked(tick core.Tick) (closed, open *core.Bar) {
	interval, wants := m.barIntervals[tick.Symbol]
	if !wants {
		return nil, nil
	}

	start := tick.Timestamp.Truncate(interval)
	bar := m.openBars[tick.Symbol]

	if bar == nil || bar.Start.Before(start) {
		if bar != nil {
			done := *bar
			done.IsClosed = true
			closed = &done
		}
		bar = &core.Bar{
			Symbol: tick.Symbol,
			High:   tick.Price,
			Low:    tick.Price,
			Close:  tick.Price,
			Start:  start,
		}
		m.openBars[tick.Symbol] = bar
	} else {
		if tick.Price.GreaterThan(bar.High) {
			bar.High = tick.Price
		}
		if tick.Price.LessThan(bar.Low) {
			bar.Low = tick.Price
		}
		bar.Close = tick.Price
	}

	live := *bar
	return closed, &live
}
