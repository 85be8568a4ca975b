// Package ta is the technical analysis engine. It owns indicator
// instances keyed by (user, symbol, timeframe, name), warms them from
// historical klines, recalculates them on every closed candle and
// aggregates the per-symbol results into ta.calculation.completed.
package ta

import (
	"context"
	"sync"

	"st_trading/internal/core"
	"st_trading/internal/event"
	"st_trading/pkg/concurrency"
)

const defaultCalcWorkers = 4

// Manager is the technical analysis manager.
type Manager struct {
	bus      *event.Bus
	logger   core.ILogger
	registry *Registry
	pool     *concurrency.WorkerPool

	mu         sync.Mutex
	indicators map[string]Indicator
	// pending aggregates results per user_symbol until every matching
	// indicator has reported for the current candle.
	pending map[string]map[string]interface{}
}

// NewManager builds the TA manager. workers bounds the parallel
// indicator calculations per candle; zero or less picks a default.
func NewManager(bus *event.Bus, logger core.ILogger, registry *Registry, workers int) *Manager {
	if workers <= 0 {
		workers = defaultCalcWorkers
	}
	return &Manager{
		bus:      bus,
		logger:   logger.WithField("component", "ta_manager"),
		registry: registry,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "ta_calc",
			MaxWorkers:  workers,
			MaxCapacity: 1024,
		}, logger),
		indicators: make(map[string]Indicator),
		pending:    make(map[string]map[string]interface{}),
	}
}

// Start subscribes the manager's handlers on the bus.
func (m *Manager) Start() {
	m.bus.Subscribe(InputIndicatorSubscribe, "ta.indicator_subscribe", m.onIndicatorSubscribe)
	m.bus.Subscribe(InputHistoricalSuccess, "ta.historical_success", m.onHistoricalSuccess)
	m.bus.Subscribe(InputHistoricalFailed, "ta.historical_failed", m.onHistoricalFailed)
	m.bus.Subscribe(InputKlineUpdate, "ta.kline_update", m.onKlineUpdate)
	m.logger.Info("technical analysis manager started", "indicators", m.registry.Names())
}

// IndicatorCount returns how many indicator instances are registered.
func (m *Manager) IndicatorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.indicators)
}

func (m *Manager) onIndicatorSubscribe(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	name := event.GetString(evt.Data, "indicator_name")
	timeframe := event.GetString(evt.Data, "timeframe")
	params := event.GetMap(evt.Data, "indicator_params")

	binding := Binding{UserID: userID, Symbol: symbol, Interval: timeframe}
	id := indicatorID(binding, name)

	m.mu.Lock()
	_, exists := m.indicators[id]
	m.mu.Unlock()
	if exists {
		m.logger.Warn("indicator already subscribed", "indicator_id", id)
		return nil
	}

	ind, err := m.registry.Create(name, binding, params)
	if err != nil {
		m.logger.Error("indicator creation failed", "indicator_id", id, "error", err)
		m.publish(ctx, SubjectIndicatorCreateFailed, map[string]interface{}{
			"user_id":        userID,
			"symbol":         symbol,
			"indicator_name": name,
			"error":          err.Error(),
		})
		return nil
	}

	m.mu.Lock()
	m.indicators[id] = ind
	m.mu.Unlock()
	m.logger.Info("indicator created", "indicator_id", id, "min_klines", ind.MinKlines())

	m.publish(ctx, OutputGetHistoricalKlines, map[string]interface{}{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": timeframe,
		"limit":    ind.MinKlines(),
	})
	m.publish(ctx, SubjectIndicatorCreated, map[string]interface{}{
		"user_id":        userID,
		"symbol":         symbol,
		"indicator_name": name,
		"timeframe":      timeframe,
	})
	return nil
}

func (m *Manager) onHistoricalSuccess(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	interval := event.GetString(evt.Data, "interval")
	klines, ok := evt.Data["klines"].([]core.Kline)
	if !ok {
		m.logger.Error("historical payload has no kline batch", "user_id", userID, "symbol", symbol)
		return nil
	}

	for _, ind := range m.matching(userID, symbol, interval) {
		if ind.Ready() {
			continue
		}
		ind.Initialize(klines)
		m.logger.Info("indicator initialized", "indicator_id", indicatorID(ind.Binding(), ind.Name()),
			"klines", len(klines))
	}
	return nil
}

func (m *Manager) onHistoricalFailed(ctx context.Context, evt event.Event) error {
	m.logger.Error("historical kline fetch failed, indicator stays unready",
		"user_id", event.GetString(evt.Data, "user_id"),
		"symbol", event.GetString(evt.Data, "symbol"),
		"interval", event.GetString(evt.Data, "interval"),
		"error", event.GetString(evt.Data, "error"))
	return nil
}

func (m *Manager) onKlineUpdate(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	interval := event.GetString(evt.Data, "interval")
	klines, ok := evt.Data["klines"].([]core.Kline)
	if !ok {
		m.logger.Error("kline update has no kline batch", "user_id", userID, "symbol", symbol)
		return nil
	}

	var ready []Indicator
	for _, ind := range m.matching(userID, symbol, interval) {
		if ind.Ready() {
			ready = append(ready, ind)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	results := make(map[string]Result, len(ready))
	var resMu sync.Mutex
	group := m.pool.Group()
	for _, ind := range ready {
		ind := ind
		group.Submit(func() {
			r := ind.Calculate(klines)
			resMu.Lock()
			results[ind.Name()] = r
			resMu.Unlock()
		})
	}
	group.Wait()

	m.recordResults(ctx, userID, symbol, interval, results)
	return nil
}

// recordResults folds a batch of results into the per-symbol
// aggregation and emits ta.calculation.completed once every matching
// indicator has reported. Expected count is recomputed on each fold so
// late subscriptions extend the bar instead of racing it.
func (m *Manager) recordResults(ctx context.Context, userID, symbol, timeframe string, results map[string]Result) {
	key := userID + "_" + symbol

	m.mu.Lock()
	bucket := m.pending[key]
	if bucket == nil {
		bucket = make(map[string]interface{})
		m.pending[key] = bucket
	}
	for name, r := range results {
		bucket[name] = r.Payload()
	}

	expected := 0
	for _, ind := range m.indicators {
		b := ind.Binding()
		if b.UserID == userID && b.Symbol == symbol && b.Interval == timeframe {
			expected++
		}
	}

	var payload map[string]interface{}
	if expected > 0 && len(bucket) >= expected {
		indicators := make(map[string]interface{}, len(bucket))
		for name, r := range bucket {
			indicators[name] = r
		}
		delete(m.pending, key)
		payload = map[string]interface{}{
			"user_id":    userID,
			"symbol":     symbol,
			"timeframe":  timeframe,
			"indicators": indicators,
		}
	}
	m.mu.Unlock()

	if payload != nil {
		m.publish(ctx, SubjectCalculationCompleted, payload)
	}
}

func (m *Manager) matching(userID, symbol, interval string) []Indicator {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Indicator
	for _, ind := range m.indicators {
		b := ind.Binding()
		if b.UserID == userID && b.Symbol == symbol && b.Interval == interval {
			out = append(out, ind)
		}
	}
	return out
}

// Shutdown stops the calculation pool and drops all indicator state.
func (m *Manager) Shutdown() {
	m.pool.Stop()
	m.mu.Lock()
	count := len(m.indicators)
	m.indicators = make(map[string]Indicator)
	m.pending = make(map[string]map[string]interface{})
	m.mu.Unlock()
	m.logger.Info("technical analysis manager shut down", "indicators_dropped", count)
}

func (m *Manager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if err := m.bus.Publish(ctx, event.New(subject, data, "ta")); err != nil {
		m.logger.Error("publish failed", "subject", subject, "error", err)
	}
}
