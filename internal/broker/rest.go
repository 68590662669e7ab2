package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"sync"
	"time"

	"autotrader/internal/core"
	"autotrader/pkg/http"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// tokenSigner authenticates requests with the account's bearer token
type tokenSigner struct {
	token string
}

func (s *tokenSigner) SignRequest(req *nethttp.Request) error {
	req.Header.Set("Authorization", "Bearer "+s.token)
	return nil
}

// RESTTransport talks to the broker's HTTP API and user-event websocket.
// The order path uses a single-shot client: resilience-layer retries on a
// POST /orders could duplicate a position.
type RESTTransport struct {
	orders  *http.Client // no retry policy
	queries *http.Client
	wsURL   string
	token   string
	logger  core.ILogger

	events    chan core.BrokerEvent
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	reconnect time.Duration
}

// NewRESTTransport creates a transport for one account session
func NewRESTTransport(baseURL, wsURL, authToken string, timeout time.Duration, logger core.ILogger) *RESTTransport {
	signer := &tokenSigner{token: authToken}
	return &RESTTransport{
		orders:    http.NewSingleShotClient(baseURL, timeout, signer),
		queries:   http.NewSingleShotClient(baseURL, timeout, signer),
		wsURL:     wsURL,
		token:     authToken,
		logger:    logger.WithField("component", "broker_transport"),
		events:    make(chan core.BrokerEvent, 256),
		reconnect: 5 * time.Second,
	}
}

type orderRequest struct {
	AccountID     string `json:"account_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      int64  `json:"quantity"`
	Type          string `json:"type"`
	Price         string `json:"price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type positionResponse struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Quantity  int64  `json:"quantity"`
}

type restingOrder struct {
	OrderID string `json:"order_id"`
}

type fillRecord struct {
	OrderID   string `json:"order_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Quantity  int64  `json:"quantity"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp_ns"`
}

// PlaceOrder implements core.IBrokerGateway
func (t *RESTTransport) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	req := orderRequest{
		AccountID:     intent.AccountID,
		Symbol:        intent.Symbol,
		Side:          intent.Side.String(),
		Quantity:      intent.Quantity,
		Type:          intent.Type.String(),
		ClientOrderID: intent.ClientOrderID,
	}
	if intent.Type == core.OrderTypeLimit {
		req.Price = intent.Price.String()
	}

	body, err := t.orders.Post(ctx, "/v1/orders", req)
	if err != nil {
		var apiErr *http.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == nethttp.StatusUnprocessableEntity {
			return "", t.rejectFromBody(intent, apiErr.Body)
		}
		return "", err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode order response: %w", err)
	}
	if resp.Status == "REJECTED" {
		return "", &core.RejectError{
			AccountID: intent.AccountID,
			Symbol:    intent.Symbol,
			OrderID:   intent.ClientOrderID,
			Reason:    resp.Reason,
		}
	}
	return resp.OrderID, nil
}

func (t *RESTTransport) rejectFromBody(intent core.OrderIntent, body []byte) error {
	var resp orderResponse
	reason := string(body)
	if err := json.Unmarshal(body, &resp); err == nil && resp.Reason != "" {
		reason = resp.Reason
	}
	return &core.RejectError{
		AccountID: intent.AccountID,
		Symbol:    intent.Symbol,
		OrderID:   intent.ClientOrderID,
		Reason:    reason,
	}
}

// CancelOrder implements core.IBrokerGateway
func (t *RESTTransport) CancelOrder(ctx context.Context, accountID, orderID string) error {
	_, err := t.queries.Delete(ctx, "/v1/orders/"+orderID, map[string]string{
		"account_id": accountID,
	})
	var apiErr *http.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == nethttp.StatusNotFound {
		return core.ErrOrderNotFound
	}
	return err
}

// QueryPosition implements core.IBrokerGateway
func (t *RESTTransport) QueryPosition(ctx context.Context, accountID, symbol string) (core.BrokerPosition, error) {
	body, err := t.queries.Get(ctx, "/v1/positions/"+symbol, map[string]string{
		"account_id": accountID,
	})
	if err != nil {
		var apiErr *http.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == nethttp.StatusNotFound {
			// No position resource means flat
			return core.BrokerPosition{AccountID: accountID, Symbol: symbol}, nil
		}
		return core.BrokerPosition{}, err
	}

	var resp positionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.BrokerPosition{}, fmt.Errorf("failed to decode position: %w", err)
	}
	return core.BrokerPosition{
		AccountID: accountID,
		Symbol:    symbol,
		Quantity:  resp.Quantity,
		Side:      core.SideForQuantity(resp.Quantity),
	}, nil
}

// QueryOrders implements core.IBrokerGateway
func (t *RESTTransport) QueryOrders(ctx context.Context, accountID, symbol string) ([]string, error) {
	body, err := t.queries.Get(ctx, "/v1/orders", map[string]string{
		"account_id": accountID,
		"symbol":     symbol,
		"status":     "open",
	})
	if err != nil {
		return nil, err
	}

	var resp []restingOrder
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode open orders: %w", err)
	}
	ids := make([]string, 0, len(resp))
	for _, o := range resp {
		ids = append(ids, o.OrderID)
	}
	return ids, nil
}

// QueryFills implements core.IBrokerGateway
func (t *RESTTransport) QueryFills(ctx context.Context, accountID, symbol string) ([]core.Fill, error) {
	body, err := t.queries.Get(ctx, "/v1/fills", map[string]string{
		"account_id": accountID,
		"symbol":     symbol,
	})
	if err != nil {
		var apiErr *http.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == nethttp.StatusNotImplemented {
			return nil, nil
		}
		return nil, err
	}

	var resp []fillRecord
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode fills: %w", err)
	}

	fills := make([]core.Fill, 0, len(resp))
	for _, r := range resp {
		fill, err := r.toFill(accountID)
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}
	return fills, nil
}

func (r fillRecord) toFill(accountID string) (core.Fill, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return core.Fill{}, fmt.Errorf("bad fill price %q: %w", r.Price, err)
	}
	side := core.OrderSideBuy
	if r.Side == "SELL" {
		side = core.OrderSideSell
	}
	return core.Fill{
		OrderID:   r.OrderID,
		AccountID: accountID,
		Symbol:    r.Symbol,
		Side:      side,
		Quantity:  r.Quantity,
		Price:     price,
		Timestamp: time.Unix(0, r.Timestamp),
	}, nil
}

// Events implements core.IBrokerGateway
func (t *RESTTransport) Events() <-chan core.BrokerEvent {
	return t.events
}

// StartStream connects the user-event websocket and keeps it connected
// until Stop. Must be called before the event loop starts consuming.
func (t *RESTTransport) StartStream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.streamLoop(streamCtx)
	return nil
}

// Stop tears down the stream and closes the event channel
func (t *RESTTransport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	close(t.events)
}

func (t *RESTTransport) streamLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := t.runConnection(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("Broker stream disconnected, reconnecting",
				"error", err, "delay", t.reconnect)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.reconnect):
		}
	}
}

func (t *RESTTransport) runConnection(ctx context.Context) error {
	header := nethttp.Header{}
	header.Set("Authorization", "Bearer "+t.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to dial broker stream: %w", err)
	}
	defer conn.Close()

	t.logger.Info("Broker stream connected", "url", t.wsURL)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		event, err := parseStreamMessage(msg)
		if err != nil {
			t.logger.Warn("Dropping unparseable stream message", "error", err)
			continue
		}
		select {
		case t.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// streamMessage is the wire shape of one websocket event
type streamMessage struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`

	OrderID  string `json:"order_id,omitempty"`
	Side     string `json:"side,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
	Price    string `json:"price,omitempty"`
	Reason   string `json:"reason,omitempty"`

	Timestamp int64 `json:"timestamp_ns"`
}

func parseStreamMessage(msg []byte) (core.BrokerEvent, error) {
	var m streamMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return core.BrokerEvent{}, fmt.Errorf("failed to decode stream message: %w", err)
	}

	event := core.BrokerEvent{
		AccountID:  m.AccountID,
		Symbol:     m.Symbol,
		ReceivedAt: time.Now(),
	}

	switch m.Type {
	case "fill":
		price, err := decimal.NewFromString(m.Price)
		if err != nil {
			return core.BrokerEvent{}, fmt.Errorf("bad fill price %q: %w", m.Price, err)
		}
		side := core.OrderSideBuy
		if m.Side == "SELL" {
			side = core.OrderSideSell
		}
		event.Type = core.EventFill
		event.Fill = &core.Fill{
			OrderID:   m.OrderID,
			AccountID: m.AccountID,
			Symbol:    m.Symbol,
			Side:      side,
			Quantity:  m.Quantity,
			Price:     price,
			Timestamp: time.Unix(0, m.Timestamp),
		}
	case "position":
		event.Type = core.EventPositionSnapshot
		event.SnapshotQuantity = m.Quantity
	case "reject":
		event.Type = core.EventOrderRejected
		event.OrderID = m.OrderID
		event.RejectReason = m.Reason
	default:
		return core.BrokerEvent{}, fmt.Errorf("unknown stream message type %q", m.Type)
	}
	return event, nil
}
