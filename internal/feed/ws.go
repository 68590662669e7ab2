package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/core"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// WSClient keeps a websocket price feed connected and pushes every tick
// into the manager. Reconnects forever with a fixed delay; a trading engine
// with no feed is worse than one that keeps dialing.
type WSClient struct {
	url          string
	symbols      []string
	manager      *Manager
	logger       core.ILogger
	reconnect    time.Duration
	pongWait     time.Duration
	pingInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSClient creates a feed client for the given symbols
func NewWSClient(cfg config.FeedConfig, symbols []string, manager *Manager, logger core.ILogger) *WSClient {
	return &WSClient{
		url:          cfg.WebsocketURL,
		symbols:      symbols,
		manager:      manager,
		logger:       logger.WithField("component", "feed_ws"),
		reconnect:    time.Duration(cfg.ReconnectDelay) * time.Second,
		pongWait:     time.Duration(cfg.PongWait) * time.Second,
		pingInterval: time.Duration(cfg.PingInterval) * time.Second,
	}
}

// Start begins the connect loop
func (c *WSClient) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.runLoop(runCtx)
	return nil
}

// Stop disconnects and waits for the loop to exit
func (c *WSClient) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *WSClient) runLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.runConnection(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("Feed disconnected, reconnecting", "error", err, "delay", c.reconnect)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnect):
		}
	}
}

type subscribeRequest struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

type tickMessage struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp_ns"`
}

func (c *WSClient) runConnection(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeRequest{Op: "subscribe", Symbols: c.symbols}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.logger.Info("Feed connected", "url", c.url, "symbols", c.symbols)

	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(ctx, conn, pingDone)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var tm tickMessage
		if err := json.Unmarshal(msg, &tm); err != nil {
			c.logger.Warn("Dropping unparseable tick", "error", err)
			continue
		}
		price, err := decimal.NewFromString(tm.Price)
		if err != nil {
			c.logger.Warn("Dropping tick with bad price", "price", tm.Price)
			continue
		}

		c.manager.OnTick(core.Tick{
			Symbol:    tm.Symbol,
			Price:     price,
			Timestamp: time.Unix(0, tm.Timestamp),
		})
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
