package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal   = "autotrader_orders_placed_total"
	MetricOrdersRejectedTotal = "autotrader_orders_rejected_total"
	MetricFillsTotal          = "autotrader_fills_total"
	MetricPnLRealizedTotal    = "autotrader_pnl_realized_total"
	MetricPnLUnrealized       = "autotrader_pnl_unrealized"
	MetricPositionSize        = "autotrader_position_size"
	MetricDriftDetectedTotal  = "autotrader_drift_detected_total"
	MetricExitLatency         = "autotrader_exit_latency_ms"
	MetricFlattenLatency      = "autotrader_flatten_latency_ms"
	MetricEventDispatchTotal  = "autotrader_events_dispatched_total"
	MetricSymbolHalted        = "autotrader_symbol_halted"
)

// MetricsHolder holds the initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal   metric.Int64Counter
	OrdersRejectedTotal metric.Int64Counter
	FillsTotal          metric.Int64Counter
	PnLRealizedTotal    metric.Float64Counter
	PnLUnrealized       metric.Float64ObservableGauge
	PositionSize        metric.Int64ObservableGauge
	DriftDetectedTotal  metric.Int64Counter
	ExitLatency         metric.Float64Histogram
	FlattenLatency      metric.Float64Histogram
	EventDispatchTotal  metric.Int64Counter
	SymbolHalted        metric.Int64ObservableGauge

	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	positionSizeMap  map[string]int64
	haltedMap        map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			positionSizeMap:  make(map[string]int64),
			haltedMap:        make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Total orders submitted to the broker"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal,
		metric.WithDescription("Total orders the broker refused"))
	if err != nil {
		return err
	}

	m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal,
		metric.WithDescription("Total fills recorded in the ledger"))
	if err != nil {
		return err
	}

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.DriftDetectedTotal, err = meter.Int64Counter(MetricDriftDetectedTotal,
		metric.WithDescription("Total virtual/broker position divergences detected"))
	if err != nil {
		return err
	}

	m.ExitLatency, err = meter.Float64Histogram(MetricExitLatency,
		metric.WithDescription("Time from exit request to confirmed flat"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.FlattenLatency, err = meter.Float64Histogram(MetricFlattenLatency,
		metric.WithDescription("Time from kill switch activation to flatten order"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.EventDispatchTotal, err = meter.Int64Counter(MetricEventDispatchTotal,
		metric.WithDescription("Total broker events dispatched"))
	if err != nil {
		return err
	}

	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized,
		metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("position", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Int64ObservableGauge(MetricPositionSize,
		metric.WithDescription("Current net position in contracts"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("position", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.SymbolHalted, err = meter.Int64ObservableGauge(MetricSymbolHalted,
		metric.WithDescription("1 when automated trading is halted for the symbol"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.haltedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("position", key)))
			}
			return nil
		}))
	return err
}

// SetUnrealizedPnL records the current unrealized PnL for a position key
func (m *MetricsHolder) SetUnrealizedPnL(key string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[key] = value
}

// SetPositionSize records the current net contracts for a position key
func (m *MetricsHolder) SetPositionSize(key string, qty int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[key] = qty
}

// SetHalted flags a position key as halted or trading
func (m *MetricsHolder) SetHalted(key string, halted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if halted {
		m.haltedMap[key] = 1
	} else {
		m.haltedMap[key] = 0
	}
}
