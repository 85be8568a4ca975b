// Package st is the strategy engine. One strategy instance per loaded
// account: it subscribes the account's indicators, turns completed
// indicator results into open and close signals, and requests grid
// construction when positions open.
package st

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"st_trading/internal/config"
	"st_trading/internal/core"
	"st_trading/internal/event"
	"st_trading/pkg/telemetry"
)

// Manager is the strategy manager.
type Manager struct {
	bus         *event.Bus
	logger      core.ILogger
	strategyDir string

	mu           sync.Mutex
	constructors map[string]Constructor
	strategies   map[string]Strategy
}

// NewManager builds the strategy manager. strategyDir defaults to the
// conventional config/strategies tree.
func NewManager(bus *event.Bus, logger core.ILogger, strategyDir string) *Manager {
	if strategyDir == "" {
		strategyDir = config.DefaultStrategyDir
	}
	return &Manager{
		bus:          bus,
		logger:       logger.WithField("component", "st_manager"),
		strategyDir:  strategyDir,
		constructors: make(map[string]Constructor),
		strategies:   make(map[string]Strategy),
	}
}

// RegisterStrategy installs a strategy constructor under the name
// accounts reference in pm config.
func (m *Manager) RegisterStrategy(name string, ctor Constructor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constructors[name] = ctor
}

// Start subscribes the manager's handlers on the bus.
func (m *Manager) Start() {
	m.bus.Subscribe(InputAccountLoaded, "st.account_loaded", m.onAccountLoaded)
	m.bus.Subscribe(InputCalculationCompleted, "st.calculation_completed", m.onCalculationCompleted)
	m.bus.Subscribe(InputPositionOpened, "st.position_opened", m.onPositionOpened)
	m.bus.Subscribe(InputPositionClosed, "st.position_closed", m.onPositionClosed)
	m.logger.Info("strategy manager started")
}

// StrategyFor returns the loaded strategy for a user, or nil.
func (m *Manager) StrategyFor(userID string) Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strategies[userID]
}

// StrategyCount returns how many strategies are loaded.
func (m *Manager) StrategyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.strategies)
}

func (m *Manager) onAccountLoaded(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	strategyName := event.GetString(evt.Data, "strategy")

	m.mu.Lock()
	ctor, known := m.constructors[strategyName]
	m.mu.Unlock()
	if !known {
		m.logger.Error("unknown strategy, account will not trade",
			"user_id", userID, "strategy", strategyName)
		return nil
	}

	cfg, err := config.LoadStrategyConfig(m.strategyDir, userID, strategyName)
	if err != nil {
		m.logger.Error("strategy config load failed", "user_id", userID,
			"strategy", strategyName, "error", err)
		return nil
	}

	strategy, err := ctor(userID, cfg, m.logger)
	if err != nil {
		m.logger.Error("strategy construction failed", "user_id", userID,
			"strategy", strategyName, "error", err)
		return nil
	}

	m.mu.Lock()
	m.strategies[userID] = strategy
	m.mu.Unlock()
	m.logger.Info("strategy loaded", "user_id", userID, "strategy", strategyName,
		"timeframe", cfg.Timeframe, "symbols", cfg.Symbols())

	m.publish(ctx, SubjectStrategyLoaded, map[string]interface{}{
		"user_id":       userID,
		"strategy":      strategyName,
		"timeframe":     cfg.Timeframe,
		"trading_pairs": cfg.Symbols(),
	})

	for _, pair := range cfg.TradingPairs {
		for name, params := range pair.IndicatorParams {
			m.publish(ctx, SubjectIndicatorSubscribe, map[string]interface{}{
				"user_id":          userID,
				"symbol":           pair.Symbol,
				"indicator_name":   name,
				"indicator_params": params,
				"timeframe":        cfg.Timeframe,
			})
		}
	}
	return nil
}

func (m *Manager) onCalculationCompleted(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")

	strategy := m.StrategyFor(userID)
	if strategy == nil {
		return nil
	}

	results := event.GetMap(evt.Data, "indicators")
	signal := strategy.OnIndicatorsCompleted(symbol, results)
	if signal == nil {
		return nil
	}

	m.publishSignal(ctx, userID, symbol, *signal)

	// Normal grids enter through the ladder itself, so the ladder
	// request goes out with the open signal at the signal price. Partial
	// grids wait for the entry fill and ladder around it instead.
	grid := strategy.Config().GridTrading
	if signal.Action == core.ActionOpen && grid.Mode() == core.ModeNormalGrid && signal.Price > 0 {
		m.publishGridCreate(ctx, userID, symbol, grid,
			decimal.NewFromFloat(signal.Price), signal.Side)
	}
	return nil
}

func (m *Manager) onPositionOpened(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	side := core.PositionSide(event.GetString(evt.Data, "side"))

	strategy := m.StrategyFor(userID)
	if strategy == nil {
		return nil
	}
	strategy.SetPositionState(symbol, side)
	m.logger.Info("position state updated", "user_id", userID, "symbol", symbol, "side", side)

	grid := strategy.Config().GridTrading
	if grid.Mode() != core.ModeAbnormalGrid {
		return nil
	}

	entry := decimal.NewFromFloat(event.GetFloat(evt.Data, "entry_price"))
	m.publishGridCreate(ctx, userID, symbol, grid, entry, side)
	return nil
}

func (m *Manager) onPositionClosed(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	side := core.PositionSide(event.GetString(evt.Data, "side"))

	strategy := m.StrategyFor(userID)
	if strategy == nil {
		return nil
	}
	strategy.SetPositionState(symbol, core.PositionNone)
	m.logger.Info("position state cleared", "user_id", userID, "symbol", symbol)

	if strategy.Config().Reverse && side != core.PositionNone {
		m.publishSignal(ctx, userID, symbol, Signal{
			Side:   side.Opposite(),
			Action: core.ActionOpen,
			Price:  event.GetFloat(evt.Data, "exit_price"),
		})
	}
	return nil
}

// Shutdown drops all loaded strategies.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	count := len(m.strategies)
	m.strategies = make(map[string]Strategy)
	m.mu.Unlock()
	m.logger.Info("strategy manager shut down", "strategies_dropped", count)
}

func (m *Manager) publishSignal(ctx context.Context, userID, symbol string, signal Signal) {
	telemetry.GetGlobalMetrics().SignalsGeneratedTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("symbol", symbol),
			attribute.String("action", string(signal.Action)),
		))
	m.logger.Info("signal generated", "user_id", userID, "symbol", symbol,
		"side", signal.Side, "action", signal.Action, "price", signal.Price)
	data := map[string]interface{}{
		"user_id": userID,
		"symbol":  symbol,
		"side":    string(signal.Side),
		"action":  string(signal.Action),
	}
	if signal.Price > 0 {
		data["price"] = signal.Price
	}
	m.publish(ctx, SubjectSignalGenerated, data)
}

func (m *Manager) publishGridCreate(ctx context.Context, userID, symbol string, grid config.GridConfig, entry decimal.Decimal, side core.PositionSide) {
	upper := entry.Mul(decimal.NewFromFloat(grid.UpperBand))
	lower := entry.Mul(decimal.NewFromFloat(grid.LowerBand))

	m.publish(ctx, SubjectGridCreate, map[string]interface{}{
		"user_id":     userID,
		"symbol":      symbol,
		"entry_price": entry.InexactFloat64(),
		"upper_price": upper.InexactFloat64(),
		"lower_price": lower.InexactFloat64(),
		"grid_levels": grid.GridLevels,
		"grid_ratio":  grid.Ratio,
		"move_up":     grid.MoveUp,
		"move_down":   grid.MoveDown,
		"side":        string(side),
	})
}

func (m *Manager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if err := m.bus.Publish(ctx, event.New(subject, data, "st")); err != nil {
		m.logger.Error("publish failed", "subject", subject, "error", err)
	}
}
