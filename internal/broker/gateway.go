// Package broker contains the gateway through which every broker
// interaction flows, and the REST/websocket transport behind it
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"autotrader/internal/core"
	"autotrader/pkg/retry"
	"autotrader/pkg/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// TokenLimiters shares one rate limiter per auth token. Brokers meter by
// token, so two accounts on the same token must draw from one budget.
type TokenLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewTokenLimiters creates a limiter registry with the given per-token rate
func NewTokenLimiters(perSecond float64, burst int) *TokenLimiters {
	return &TokenLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// ForToken returns the limiter for an auth token, creating it on first use
func (t *TokenLimiters) ForToken(token string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lim, ok := t.limiters[token]; ok {
		return lim
	}
	lim := rate.NewLimiter(t.limit, t.burst)
	t.limiters[token] = lim
	return lim
}

// Gateway implements core.IBrokerGateway over a raw transport, adding the
// per-token rate limit, retry for read-only queries, the exit-must-be-market
// guard and client order IDs. Order placement is never retried: after an
// ambiguous failure the true state comes from the event stream and the
// reconciler, not from a blind resubmit.
type Gateway struct {
	transport core.IBrokerGateway
	limiter   *rate.Limiter
	queries   retry.Policy
	logger    core.ILogger

	placeCounter  metric.Int64Counter
	rejectCounter metric.Int64Counter
}

// NewGateway wraps a transport for one account session
func NewGateway(transport core.IBrokerGateway, limiter *rate.Limiter, logger core.ILogger) *Gateway {
	meter := telemetry.GetMeter("broker")
	placeCounter, _ := meter.Int64Counter("broker_orders_placed_total",
		metric.WithDescription("Orders submitted through the gateway"))
	rejectCounter, _ := meter.Int64Counter("broker_orders_rejected_total",
		metric.WithDescription("Orders refused by the broker"))

	return &Gateway{
		transport:     transport,
		limiter:       limiter,
		queries:       retry.QueryPolicy,
		logger:        logger.WithField("component", "broker_gateway"),
		placeCounter:  placeCounter,
		rejectCounter: rejectCounter,
	}
}

// PlaceOrder implements core.IBrokerGateway
func (g *Gateway) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	if intent.Purpose == core.PurposeExit && intent.Type != core.OrderTypeMarket {
		return "", fmt.Errorf("exit order for %s %s must be a market order, got %s",
			intent.AccountID, intent.Symbol, intent.Type)
	}
	if intent.Quantity <= 0 {
		return "", fmt.Errorf("order quantity must be positive, got %d", intent.Quantity)
	}
	if intent.ClientOrderID == "" {
		intent.ClientOrderID = uuid.NewString()
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait aborted: %w", err)
	}

	g.logger.Info("Placing order",
		"account", intent.AccountID,
		"symbol", intent.Symbol,
		"side", intent.Side.String(),
		"quantity", intent.Quantity,
		"type", intent.Type.String(),
		"purpose", intent.Purpose.String(),
		"client_order_id", intent.ClientOrderID)

	orderID, err := g.transport.PlaceOrder(ctx, intent)

	attrs := metric.WithAttributes(
		attribute.String("symbol", intent.Symbol),
		attribute.String("purpose", intent.Purpose.String()))
	g.placeCounter.Add(ctx, 1, attrs)

	if err != nil {
		if core.IsReject(err) {
			g.rejectCounter.Add(ctx, 1, attrs)
			g.logger.Warn("Order rejected by broker",
				"account", intent.AccountID,
				"symbol", intent.Symbol,
				"purpose", intent.Purpose.String(),
				"error", err)
		} else {
			g.logger.Error("Order placement failed",
				"account", intent.AccountID,
				"symbol", intent.Symbol,
				"error", err)
		}
		return "", err
	}
	return orderID, nil
}

// CancelOrder implements core.IBrokerGateway. Cancels are idempotent at the
// broker, so a transient failure is retried.
func (g *Gateway) CancelOrder(ctx context.Context, accountID, orderID string) error {
	return retry.Do(ctx, g.queries, transientQueryError, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		err := g.transport.CancelOrder(ctx, accountID, orderID)
		if errors.Is(err, core.ErrOrderNotFound) {
			// Already gone; from the caller's view the cancel succeeded
			g.logger.Debug("Cancel target already gone", "order_id", orderID)
			return nil
		}
		return err
	})
}

// QueryPosition implements core.IBrokerGateway with retry
func (g *Gateway) QueryPosition(ctx context.Context, accountID, symbol string) (core.BrokerPosition, error) {
	var pos core.BrokerPosition
	err := retry.Do(ctx, g.queries, transientQueryError, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		var qerr error
		pos, qerr = g.transport.QueryPosition(ctx, accountID, symbol)
		return qerr
	})
	return pos, err
}

// QueryOrders implements core.IBrokerGateway with retry
func (g *Gateway) QueryOrders(ctx context.Context, accountID, symbol string) ([]string, error) {
	var orders []string
	err := retry.Do(ctx, g.queries, transientQueryError, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		var qerr error
		orders, qerr = g.transport.QueryOrders(ctx, accountID, symbol)
		return qerr
	})
	return orders, err
}

// QueryFills implements core.IBrokerGateway with retry
func (g *Gateway) QueryFills(ctx context.Context, accountID, symbol string) ([]core.Fill, error) {
	var fills []core.Fill
	err := retry.Do(ctx, g.queries, transientQueryError, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		var qerr error
		fills, qerr = g.transport.QueryFills(ctx, accountID, symbol)
		return qerr
	})
	return fills, err
}

// Events implements core.IBrokerGateway
func (g *Gateway) Events() <-chan core.BrokerEvent {
	return g.transport.Events()
}

// transientQueryError classifies query failures worth another attempt.
// Definitive broker answers (rejection, unknown order) and context
// cancellation are final.
func transientQueryError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if core.IsReject(err) || errors.Is(err, core.ErrOrderNotFound) {
		return false
	}
	return true
}
