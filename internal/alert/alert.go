// Package alert fans operator alerts out to configured channels
package alert

import (
	"context"
	"sync"
	"time"

	"autotrader/internal/core"
	"autotrader/pkg/concurrency"
)

// Payload is one alert as delivered to a channel
type Payload struct {
	Level     core.AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers alerts to one destination
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager implements core.IAlerter. Delivery is asynchronous on a worker
// pool: the trading path must never block on a webhook.
type Manager struct {
	logger core.ILogger
	pool   *concurrency.WorkerPool

	mu       sync.RWMutex
	channels []Channel
}

// NewManager creates an alert manager with its own delivery pool
func NewManager(logger core.ILogger) *Manager {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "alerts",
		MaxWorkers:  4,
		MaxCapacity: 64,
		NonBlocking: true,
	}, logger)

	return &Manager{
		logger: logger.WithField("component", "alert_manager"),
		pool:   pool,
	}
}

// AddChannel registers a delivery channel
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert implements core.IAlerter
func (m *Manager) Alert(ctx context.Context, level core.AlertLevel, title, message string, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("Triggering alert", "title", title, "level", string(level))

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		ch := ch
		err := m.pool.Submit(func() {
			sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := ch.Send(sendCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", ch.Name(), "error", err)
			}
		})
		if err != nil {
			m.logger.Error("Alert queue full, dropping", "channel", ch.Name(), "title", title)
		}
	}
}

// Stop drains queued deliveries
func (m *Manager) Stop() {
	m.pool.Stop()
}
