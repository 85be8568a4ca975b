package bootstrap

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"st_trading/internal/alert"
	"st_trading/internal/config"
	"st_trading/internal/de"
	"st_trading/internal/event"
	"st_trading/internal/infrastructure/health"
	"st_trading/internal/infrastructure/metrics"
	"st_trading/internal/infrastructure/server"
	"st_trading/internal/pm"
	"st_trading/internal/st"
	"st_trading/internal/ta"
	"st_trading/internal/ta/indicators"
	"st_trading/internal/tr"
	"st_trading/pkg/logging"
	"st_trading/pkg/retry"
	"st_trading/pkg/telemetry"
)

const (
	serviceName       = "st_trading"
	shutdownTimeout   = 15 * time.Second
	storeProbeTimeout = 2 * time.Second
)

// App assembles the engine: the event stores, the bus, the five domain
// managers, alert fan-out, and the observability servers. New wires
// everything together, Run starts it and blocks until the context is
// cancelled, and Shutdown stops components in reverse dependency order.
type App struct {
	cfg    *Config
	logger *logging.ZapLogger

	tel          *telemetry.Telemetry
	eventStore   *event.SQLiteStore
	tradingStore *tr.Store
	bus          *event.Bus

	alerts    *alert.Manager
	healthMgr *health.Manager

	pmManager *pm.Manager
	deManager *de.Manager
	stManager *st.Manager
	taManager *ta.Manager
	trManager *tr.Manager

	healthSrv  *server.HealthServer
	metricsSrv *metrics.Server
}

// New builds the full component graph from configuration. Nothing
// subscribes to the bus or talks to the exchange until Start runs,
// except the alert manager, which must be listening before any
// component can fail.
func New(cfg *Config) (*App, error) {
	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tel, err := telemetry.Setup(serviceName)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	eventStore, err := event.NewSQLiteStore(cfg.Store.EventDBPath, cfg.Store.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}

	tradingStore, err := tr.NewStore(cfg.Store.TradingDBPath)
	if err != nil {
		eventStore.Close()
		return nil, fmt.Errorf("trading store: %w", err)
	}

	bus := event.NewBus(eventStore, logger)

	alerts := alert.NewManager(logger)
	if url := string(cfg.Alerts.SlackWebhookURL); url != "" {
		alerts.AddChannel(alert.NewSlackChannel(url))
	}
	if token := string(cfg.Alerts.TelegramBotToken); token != "" && cfg.Alerts.TelegramChatID != "" {
		alerts.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}
	alerts.Start(bus)

	registry := ta.NewRegistry()
	registry.Register(indicators.MAStopName, indicators.NewMAStop)

	app := &App{
		cfg:          cfg,
		logger:       logger,
		tel:          tel,
		eventStore:   eventStore,
		tradingStore: tradingStore,
		bus:          bus,
		alerts:       alerts,
		healthMgr:    health.NewManager(logger, 0),
	}

	app.pmManager = pm.NewManager(bus, logger, cfg.Accounts.ConfigPath)
	app.deManager = de.NewManager(bus, logger, de.Options{
		Exchange: cfg.Exchange,
		RetryPolicy: retry.RetryPolicy{
			MaxAttempts:    cfg.Exchange.MaxRetries,
			InitialBackoff: retry.DefaultPolicy.InitialBackoff,
			MaxBackoff:     retry.DefaultPolicy.MaxBackoff,
		},
		OrderConcurrency:  cfg.Concurrency.OrderPoolSize,
		KeepaliveInterval: time.Duration(cfg.Timing.ListenKeyKeepaliveInterval) * time.Second,
		ReconnectWait:     time.Duration(cfg.Timing.WebsocketReconnectDelay) * time.Second,
	})
	app.stManager = st.NewManager(bus, logger, cfg.Strategies.ConfigDir)
	app.stManager.RegisterStrategy(st.MAStopStrategyName, st.NewMAStopStrategy)
	app.taManager = ta.NewManager(bus, logger, registry, cfg.Concurrency.CalcPoolSize)
	app.trManager = tr.NewManager(bus, logger, tr.Options{
		StrategyDir: cfg.Strategies.ConfigDir,
		Store:       tradingStore,
	})

	app.healthSrv = server.NewHealthServer(cfg.Telemetry.HealthPort, logger, app.healthMgr)
	if cfg.Telemetry.EnableMetrics {
		app.metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}

	return app, nil
}

// Start subscribes every manager to the bus, loads accounts, opens the
// market streams those accounts trade on, and brings up the HTTP
// servers. Managers subscribe before any account loads so that no
// startup event is missed.
func (a *App) Start(ctx context.Context) error {
	a.deManager.Start()
	a.stManager.Start()
	a.taManager.Start()
	a.trManager.Start(ctx)

	loaded, err := a.pmManager.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	a.logger.Info("accounts loaded",
		"count", loaded,
		"failed", a.pmManager.FailedCount())

	if err := a.startMarketStreams(); err != nil {
		// A dead stream degrades one account, not the engine.
		a.logger.Warn("market streams degraded", "error", err)
	}

	a.registerHealthChecks()

	if a.metricsSrv != nil {
		a.metricsSrv.Start()
	}
	a.healthSrv.Start()

	return nil
}

// Run starts the engine and blocks until ctx is cancelled or startup
// fails. Shutdown always runs before Run returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Shutdown()
		return err
	}
	a.logger.Info("engine running", "accounts", a.pmManager.Count())

	<-ctx.Done()
	a.logger.Info("shutdown signal received")
	a.Shutdown()
	return nil
}

// Shutdown stops the engine back to front: HTTP servers, then the
// managers from the exchange edge inward, then the bus and stores.
func (a *App) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.metricsSrv != nil {
		if err := a.metricsSrv.Stop(ctx); err != nil {
			a.logger.Error("metrics server shutdown failed", "error", err)
		}
	}
	if err := a.healthSrv.Stop(ctx); err != nil {
		a.logger.Error("health server shutdown failed", "error", err)
	}

	a.deManager.Shutdown(ctx)
	a.stManager.Shutdown()
	a.taManager.Shutdown()
	a.trManager.Shutdown(ctx)
	a.pmManager.Shutdown(ctx)
	a.bus.Close()

	if err := a.eventStore.Close(); err != nil {
		a.logger.Error("event store close failed", "error", err)
	}
	if err := a.tradingStore.Close(); err != nil {
		a.logger.Error("trading store close failed", "error", err)
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Error("telemetry shutdown failed", "error", err)
	}

	a.logger.Info("engine stopped")
	_ = a.logger.Sync()
}

// startMarketStreams opens one candle stream per enabled account,
// covering the symbols and timeframe its strategy config names. Streams
// dial in parallel; the first failure is reported but does not stop the
// remaining accounts.
func (a *App) startMarketStreams() error {
	var g errgroup.Group
	for _, userID := range a.pmManager.UserIDs() {
		account := a.pmManager.Get(userID)
		if account == nil || !account.Enabled() {
			continue
		}
		g.Go(func() error {
			stratCfg, err := config.LoadStrategyConfig(a.cfg.Strategies.ConfigDir, userID, account.Strategy())
			if err != nil {
				return fmt.Errorf("strategy config for %s: %w", userID, err)
			}
			if err := a.deManager.StartMarketStream(userID, stratCfg.Symbols(), stratCfg.Timeframe); err != nil {
				return fmt.Errorf("market stream for %s: %w", userID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// registerHealthChecks wires the readiness probes. Both stores answer a
// cheap query so a wedged SQLite file flips /health/ready to 503.
func (a *App) registerHealthChecks() {
	a.healthMgr.RegisterCheck("event_store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), storeProbeTimeout)
		defer cancel()
		_, err := a.eventStore.Count(ctx)
		return err
	})
	a.healthMgr.RegisterCheck("trading_store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), storeProbeTimeout)
		defer cancel()
		return a.tradingStore.Ping(ctx)
	})
}
