package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IBrokerGateway is the capability object the engine holds against one
// broker session. Order placement is single-shot; only read-only queries
// may be retried by the implementation.
type IBrokerGateway interface {
	// PlaceOrder submits one order. Exit-purpose intents must be market
	// orders; the gateway rejects anything else before it leaves the
	// process. Never retried: duplicate submission on an ambiguous failure
	// is worse than a visible error.
	PlaceOrder(ctx context.Context, intent OrderIntent) (orderID string, err error)

	// CancelOrder cancels a resting order. Returns ErrOrderNotFound when
	// the broker no longer knows the order.
	CancelOrder(ctx context.Context, accountID, orderID string) error

	// QueryPosition returns the broker's authoritative position. Retried
	// with backoff on transient failures.
	QueryPosition(ctx context.Context, accountID, symbol string) (BrokerPosition, error)

	// QueryOrders lists resting order IDs for a symbol, used to find stale
	// protective orders to cancel.
	QueryOrders(ctx context.Context, accountID, symbol string) ([]string, error)

	// QueryFills returns the broker's fill history for a symbol where the
	// broker supports it; the reconciler uses it to rebuild the virtual
	// position. Implementations without fill history return nil, nil.
	QueryFills(ctx context.Context, accountID, symbol string) ([]Fill, error)

	// Events exposes the push stream. Consumed by exactly one reader, the
	// broker event loop.
	Events() <-chan BrokerEvent
}

// ILedgerStore persists the append-only fill log and derived position rows.
// Both must survive restart with no loss.
type ILedgerStore interface {
	AppendFill(ctx context.Context, fill Fill) error
	LoadFills(ctx context.Context, accountID, symbol string) ([]Fill, error)
	// ReplaceFills rewrites one position's fill history. Reserved for the
	// drift reconciler adopting the broker's authoritative fill log.
	ReplaceFills(ctx context.Context, accountID, symbol string, fills []Fill) error
	SavePosition(ctx context.Context, pos *Position) error
	LoadPositions(ctx context.Context) ([]*Position, error)
	SaveDrift(ctx context.Context, rec *DriftRecord) error
	LoadDrifts(ctx context.Context, accountID, symbol string) ([]DriftRecord, error)
	Close() error
}

// IRiskMonitor supplies volatility inputs to the DCA engine
type IRiskMonitor interface {
	OnBar(bar Bar)
	GetATR(symbol string) (atr decimal.Decimal, ok bool)
}

// IAlerter delivers operator-facing alerts (rejections, drift, halts)
type IAlerter interface {
	Alert(ctx context.Context, level AlertLevel, title, message string, fields map[string]string)
}

// AlertLevel grades operator alerts
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// ILogger is the structured logging interface used across the engine
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Clock abstracts time for deadline-sensitive tests
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the production Clock
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
