package broker

import (
	"context"
	"errors"
	"testing"

	"autotrader/internal/core"
	"autotrader/internal/mock"
	"autotrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestGateway(t *testing.T) (*Gateway, *mock.Broker) {
	t.Helper()
	b := mock.NewBroker()
	g := NewGateway(b, rate.NewLimiter(rate.Inf, 1), logging.NewNop())
	return g, b
}

func TestPlaceOrderRejectsNonMarketExit(t *testing.T) {
	g, b := newTestGateway(t)

	_, err := g.PlaceOrder(context.Background(), core.OrderIntent{
		AccountID: "acct1",
		Symbol:    "ESZ6",
		Side:      core.OrderSideSell,
		Quantity:  2,
		Type:      core.OrderTypeLimit,
		Purpose:   core.PurposeExit,
		Price:     decimal.RequireFromString("5000.00"),
	})
	require.Error(t, err)
	assert.Empty(t, b.Placed(), "a non-market exit must never reach the broker")
}

func TestPlaceOrderAssignsClientOrderID(t *testing.T) {
	g, b := newTestGateway(t)

	_, err := g.PlaceOrder(context.Background(), core.OrderIntent{
		AccountID: "acct1",
		Symbol:    "ESZ6",
		Side:      core.OrderSideBuy,
		Quantity:  1,
		Type:      core.OrderTypeMarket,
	})
	require.NoError(t, err)
	placed := b.Placed()
	require.Len(t, placed, 1)
	assert.NotEmpty(t, placed[0].ClientOrderID)
}

func TestPlaceOrderNeverRetriesRejection(t *testing.T) {
	g, b := newTestGateway(t)
	b.RejectNext(1, "insufficient margin")

	_, err := g.PlaceOrder(context.Background(), core.NewExitIntent("acct1", "ESZ6", 2, "c1"))
	require.Error(t, err)
	assert.True(t, core.IsReject(err))
	assert.Len(t, b.Placed(), 1, "rejected placement must be single-shot")
}

func TestPlaceOrderNeverRetriesTransportFailure(t *testing.T) {
	g, b := newTestGateway(t)
	b.FailPlace(errors.New("connection reset"))

	_, err := g.PlaceOrder(context.Background(), core.NewExitIntent("acct1", "ESZ6", 2, "c1"))
	require.Error(t, err)
	// Ambiguous failure: state recovery belongs to the reconciler, not a
	// blind resubmit
	assert.Empty(t, b.Placed())
}

func TestCancelOrderTreatsUnknownOrderAsSuccess(t *testing.T) {
	g, _ := newTestGateway(t)

	err := g.CancelOrder(context.Background(), "acct1", "no-such-order")
	assert.NoError(t, err)
}

func TestQueryPositionRetriesTransientFailure(t *testing.T) {
	b := mock.NewBroker()
	b.SetPosition("acct1", "ESZ6", 3)

	attempts := 0
	flaky := &flakyGateway{
		inner: b,
		onQueryPosition: func() error {
			attempts++
			if attempts < 3 {
				return errors.New("timeout")
			}
			return nil
		},
	}
	g := NewGateway(flaky, rate.NewLimiter(rate.Inf, 1), logging.NewNop())

	pos, err := g.QueryPosition(context.Background(), "acct1", "ESZ6")
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos.Quantity)
	assert.Equal(t, 3, attempts)
}

func TestTokenLimitersSharedAcrossAccounts(t *testing.T) {
	limiters := NewTokenLimiters(10, 5)

	a := limiters.ForToken("token-1")
	b := limiters.ForToken("token-1")
	c := limiters.ForToken("token-2")

	assert.Same(t, a, b, "accounts sharing a token share one limiter")
	assert.NotSame(t, a, c)
}

// flakyGateway injects failures in front of the mock broker
type flakyGateway struct {
	inner           core.IBrokerGateway
	onQueryPosition func() error
}

func (f *flakyGateway) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	return f.inner.PlaceOrder(ctx, intent)
}

func (f *flakyGateway) CancelOrder(ctx context.Context, accountID, orderID string) error {
	return f.inner.CancelOrder(ctx, accountID, orderID)
}

func (f *flakyGateway) QueryPosition(ctx context.Context, accountID, symbol string) (core.BrokerPosition, error) {
	if err := f.onQueryPosition(); err != nil {
		return core.BrokerPosition{}, err
	}
	return f.inner.QueryPosition(ctx, accountID, symbol)
}

func (f *flakyGateway) QueryOrders(ctx context.Context, accountID, symbol string) ([]string, error) {
	return f.inner.QueryOrders(ctx, accountID, symbol)
}

func (f *flakyGateway) QueryFills(ctx context.Context, accountID, symbol string) ([]core.Fill, error) {
	return f.inner.QueryFills(ctx, accountID, symbol)
}

func (f *flakyGateway) Events() <-chan core.BrokerEvent {
	return f.inner.Events()
}
