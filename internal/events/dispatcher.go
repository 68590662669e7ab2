// Package events serializes broker-event handling per position
package events

import (
	"context"
	"errors"
	"sync"

	"autotrader/internal/core"
	"autotrader/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrStopped is returned by Submit after Stop has begun
var ErrStopped = errors.New("dispatcher is stopped")

// Dispatcher runs tasks on one lane per key, FIFO within a lane. Two
// positions never contend with each other, and one position never sees two
// handlers at once, which is what lets the ledger and engines skip
// per-position locking.
type Dispatcher struct {
	logger  core.ILogger
	laneCap int

	mu     sync.Mutex
	lanes  map[string]chan func()
	closed bool

	// senders tracks in-flight Submit sends so Stop never closes a lane
	// under a blocked sender
	senders sync.WaitGroup
	workers sync.WaitGroup

	dispatchCounter metric.Int64Counter
}

// NewDispatcher creates a dispatcher with the given per-lane queue depth
func NewDispatcher(laneCap int, logger core.ILogger) *Dispatcher {
	if laneCap <= 0 {
		laneCap = 256
	}
	meter := telemetry.GetMeter("events")
	dispatchCounter, _ := meter.Int64Counter("events_dispatched_total",
		metric.WithDescription("Tasks dispatched per lane"))

	return &Dispatcher{
		logger:          logger.WithField("component", "dispatcher"),
		laneCap:         laneCap,
		lanes:           make(map[string]chan func()),
		dispatchCounter: dispatchCounter,
	}
}

// Submit queues a task on the key's lane, creating the lane on first use.
// Blocks when the lane is full: backpressure beats dropping a fill.
func (d *Dispatcher) Submit(key string, task func()) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrStopped
	}
	lane, ok := d.lanes[key]
	if !ok {
		lane = make(chan func(), d.laneCap)
		d.lanes[key] = lane
		d.workers.Add(1)
		go d.runLane(key, lane)
	}
	// Registered under the mutex: Stop flips closed first, then waits for
	// every registered sender before any lane is closed
	d.senders.Add(1)
	d.mu.Unlock()

	lane <- task
	d.senders.Done()
	return nil
}

// Stop refuses new submissions, lets blocked senders finish (workers keep
// consuming), then closes every lane and waits for the queues to drain
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	lanes := make([]chan func(), 0, len(d.lanes))
	for _, lane := range d.lanes {
		lanes = append(lanes, lane)
	}
	d.mu.Unlock()

	d.senders.Wait()
	for _, lane := range lanes {
		close(lane)
	}
	d.workers.Wait()
}

func (d *Dispatcher) runLane(key string, lane <-chan func()) {
	defer d.workers.Done()

	for task := range lane {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("Dispatch task panicked", "key", key, "panic", r)
				}
			}()
			task()
		}()
		d.dispatchCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("lane", key)))
	}
}
