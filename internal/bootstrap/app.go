// Package bootstrap assembles the engine from configuration and owns the
// application lifecycle
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotrader/internal/alert"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/events"
	"autotrader/internal/feed"
	"autotrader/internal/ledger"
	"autotrader/internal/pnl"
	"autotrader/internal/risk"
	"autotrader/internal/service"
	"autotrader/internal/trading/dca"
	"autotrader/internal/trading/exit"
	"autotrader/pkg/logging"
	"autotrader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const defaultATRWindow = 14

// App holds every assembled component. Construction wires; Run starts.
type App struct {
	Cfg     *config.Config
	Logger  core.ILogger
	Service *service.Service

	telemetry  *telemetry.Telemetry
	metricsSrv *telemetry.Server
	store      core.ILedgerStore
	ledger     *ledger.Ledger
	alerter    *alert.Manager
	halt       *risk.HaltLatch
	monitor    *risk.Monitor
	pnl        *pnl.Engine
	dispatcher *events.Dispatcher
	feed       *feed.Manager
	feedClient *feed.WSClient

	transports  []*broker.RESTTransport
	loops       []*events.Loop
	reconcilers []*risk.Reconciler
}

// NewApp builds the full engine from a config file
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	app := &App{Cfg: cfg, Logger: logger}
	if err := app.wire(); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) wire() error {
	cfg, logger := a.Cfg, a.Logger

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("autotrader")
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		a.telemetry = tel
		a.metricsSrv = telemetry.NewServer(cfg.Telemetry.MetricsPort, logger)
	}

	a.alerter = alert.NewManager(logger)
	if cfg.Alerts.SlackWebhookURL != "" {
		a.alerter.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL))
	}
	if cfg.Alerts.TelegramBotToken != "" {
		a.alerter.AddChannel(alert.NewTelegramChannel(
			cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID))
	}

	if cfg.Store.SQLitePath != "" {
		store, err := ledger.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite store: %w", err)
		}
		a.store = store
	} else {
		logger.Warn("No sqlite_path configured, positions will not survive restart")
		a.store = ledger.NewMemoryStore()
	}

	multiplier := func(symbol string) decimal.Decimal {
		if sym, ok := cfg.Symbols[symbol]; ok {
			return decimal.NewFromFloat(sym.ContractMultiplier)
		}
		return decimal.NewFromInt(1)
	}
	a.ledger = ledger.New(a.store, multiplier, logger)
	a.pnl = pnl.NewEngine(a.ledger, multiplier, logger)
	a.halt = risk.NewHaltLatch(logger, a.alerter)
	a.monitor = risk.NewMonitor(atrWindow(cfg), logger)
	a.dispatcher = events.NewDispatcher(256, logger)
	a.Service = service.New(a.ledger, a.pnl, a.halt, a.dispatcher, logger)

	a.wireFeed()

	limiters := broker.NewTokenLimiters(cfg.Broker.RateLimitPerToken, cfg.Broker.RateBurst)
	params := func(symbol string) (config.SymbolConfig, bool) {
		sym, ok := cfg.Symbols[symbol]
		return sym, ok
	}

	for accountID, acct := range cfg.Accounts {
		transport := broker.NewRESTTransport(
			acct.BaseURL,
			acct.StreamURL,
			acct.AuthToken,
			time.Duration(cfg.Broker.RequestTimeout)*time.Millisecond,
			logger.WithField("account", accountID),
		)
		a.transports = append(a.transports, transport)

		gateway := broker.NewGateway(transport, limiters.ForToken(acct.AuthToken), logger)

		kill := exit.NewKillSwitch(gateway, a.ledger, a.halt, a.alerter,
			cfg.Exit.KillDeadline(), logger)
		machine := exit.NewMachine(gateway, a.ledger, a.halt, kill, a.alerter,
			cfg.Exit, core.RealClock{}, logger)
		dcaEngine := dca.NewEngine(gateway, a.ledger, a.monitor, a.halt,
			a.alerter, params, logger)
		stops := exit.NewStopWatcher(a.ledger, machine, a.halt, params, logger)

		var pairs []risk.Pair
		for symbol := range cfg.Symbols {
			pairs = append(pairs, risk.Pair{AccountID: accountID, Symbol: symbol})
		}
		reconciler := risk.NewReconciler(gateway, a.ledger, a.feed, a.halt,
			a.alerter, a.dispatcher, logger, pairs,
			time.Duration(cfg.Reconcile.Interval)*time.Second)
		a.reconcilers = append(a.reconcilers, reconciler)

		loop := events.NewLoop(gateway, a.ledger, a.dispatcher, reconciler, a.alerter, logger)
		loop.OnScaleInFill = dcaEngine.OnScaleInFill
		// The entry fill is when the average price becomes known, so the
		// initial protective take-profit is placed here too
		loop.OnFill = func(ctx context.Context, fill core.Fill, pos *core.Position) {
			if fill.Role == core.RoleEntry && !pos.IsFlat() {
				dcaEngine.OnScaleInFill(ctx, fill.AccountID, fill.Symbol)
			}
		}
		a.loops = append(a.loops, loop)

		a.Service.RegisterAccount(accountID, &service.AccountRuntime{
			Gateway: gateway,
			DCA:     dcaEngine,
			Exit:    machine,
			Stops:   stops,
		})
	}

	return nil
}

// wireFeed connects the price feed to the engines: ticks route through the
// service (PnL + per-lane DCA evaluation), bars feed the ATR monitor
func (a *App) wireFeed() {
	a.feed = feed.NewManager(a.Logger)

	symbols := make([]string, 0, len(a.Cfg.Symbols))
	for symbol, sym := range a.Cfg.Symbols {
		symbols = append(symbols, symbol)

		a.feed.SubscribeTicks(symbol, func(tick core.Tick) {
			a.Service.RouteTick(context.Background(), tick)
		})

		if sym.ATRBarInterval != "" {
			interval, err := time.ParseDuration(sym.ATRBarInterval)
			if err != nil {
				a.Logger.Error("Invalid ATR bar interval, ATR disabled for symbol",
					"symbol", symbol, "interval", sym.ATRBarInterval, "error", err)
				continue
			}
			a.feed.SubscribeBars(symbol, interval, a.monitor.OnBar)
		}
	}

	if a.Cfg.Feed.WebsocketURL != "" {
		a.feedClient = feed.NewWSClient(a.Cfg.Feed, symbols, a.feed, a.Logger)
	}
}

// Run starts every component, blocks until a termination signal or a fatal
// component error, then shuts down in reverse order
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.ledger.Restore(ctx); err != nil {
		return fmt.Errorf("ledger restore: %w", err)
	}

	if a.metricsSrv != nil {
		a.metricsSrv.Start()
	}

	for _, transport := range a.transports {
		if err := transport.StartStream(ctx); err != nil {
			a.shutdown()
			return fmt.Errorf("broker stream: %w", err)
		}
	}
	for _, loop := range a.loops {
		if err := loop.Start(ctx); err != nil {
			a.shutdown()
			return fmt.Errorf("event loop: %w", err)
		}
	}
	for _, rec := range a.reconcilers {
		if err := rec.Start(ctx); err != nil {
			a.shutdown()
			return fmt.Errorf("reconciler: %w", err)
		}
	}
	if a.feedClient != nil {
		if err := a.feedClient.Start(ctx); err != nil {
			a.shutdown()
			return fmt.Errorf("price feed: %w", err)
		}
	}

	a.Logger.Info("Engine running",
		"accounts", len(a.Cfg.Accounts),
		"symbols", len(a.Cfg.Symbols))

	<-ctx.Done()
	a.Logger.Info("Shutdown signal received")
	a.shutdown()
	return nil
}

// shutdown stops intake first (feed, streams), then the consumers, then the
// durable layers
func (a *App) shutdown() {
	if a.feedClient != nil {
		a.feedClient.Stop()
	}
	for _, transport := range a.transports {
		transport.Stop()
	}
	for _, loop := range a.loops {
		loop.Stop()
	}
	for _, rec := range a.reconcilers {
		if err := rec.Stop(); err != nil {
			a.Logger.Error("Reconciler stop failed", "error", err)
		}
	}
	a.dispatcher.Stop()
	a.alerter.Stop()

	if err := a.store.Close(); err != nil {
		a.Logger.Error("Store close failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Stop(shutdownCtx); err != nil {
			a.Logger.Error("Metrics server stop failed", "error", err)
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("Telemetry shutdown failed", "error", err)
		}
	}
}

// atrWindow picks the widest configured ATR window so the monitor holds
// enough bars for every symbol
func atrWindow(cfg *config.Config) int {
	window := defaultATRWindow
	for _, sym := range cfg.Symbols {
		if sym.ATRWindow > window {
			window = sym.ATRWindow
		}
	}
	return window
}
