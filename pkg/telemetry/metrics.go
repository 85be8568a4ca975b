package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricEventsPublishedTotal  = "st_trading_events_published_total"
	MetricEventsPersistedTotal  = "st_trading_events_persisted_total"
	MetricHandlerErrorsTotal    = "st_trading_handler_errors_total"
	MetricOrdersSubmittedTotal  = "st_trading_orders_submitted_total"
	MetricOrdersFilledTotal     = "st_trading_orders_filled_total"
	MetricOrderRetriesTotal     = "st_trading_order_retries_total"
	MetricWSReconnectsTotal     = "st_trading_ws_reconnects_total"
	MetricKlinesReceivedTotal   = "st_trading_klines_received_total"
	MetricSignalsGeneratedTotal = "st_trading_signals_generated_total"
	MetricPositionsOpenedTotal  = "st_trading_positions_opened_total"
	MetricPositionsClosedTotal  = "st_trading_positions_closed_total"
	MetricRealizedPnLTotal      = "st_trading_realized_pnl_total"
	MetricExchangeLatency       = "st_trading_exchange_latency_ms"
	MetricOpenPositions         = "st_trading_open_positions"
	MetricStreamsConnected      = "st_trading_streams_connected"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	EventsPublishedTotal  metric.Int64Counter
	EventsPersistedTotal  metric.Int64Counter
	HandlerErrorsTotal    metric.Int64Counter
	OrdersSubmittedTotal  metric.Int64Counter
	OrdersFilledTotal     metric.Int64Counter
	OrderRetriesTotal     metric.Int64Counter
	WSReconnectsTotal     metric.Int64Counter
	KlinesReceivedTotal   metric.Int64Counter
	SignalsGeneratedTotal metric.Int64Counter
	PositionsOpenedTotal  metric.Int64Counter
	PositionsClosedTotal  metric.Int64Counter
	RealizedPnLTotal      metric.Float64UpDownCounter
	ExchangeLatency       metric.Float64Histogram
	OpenPositions         metric.Float64ObservableGauge
	StreamsConnected      metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	openPositionsMap map[string]float64
	streamsMap       map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments
// start against the global (no-op) meter so recording is always safe;
// Setup re-initialises them against the real SDK meter.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openPositionsMap: make(map[string]float64),
			streamsMap:       make(map[string]int64),
		}
		_ = globalMetrics.InitMetrics(otel.Meter("st_trading"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.EventsPublishedTotal, err = meter.Int64Counter(MetricEventsPublishedTotal, metric.WithDescription("Total events published on the bus"))
	if err != nil {
		return err
	}

	m.EventsPersistedTotal, err = meter.Int64Counter(MetricEventsPersistedTotal, metric.WithDescription("Total events written to the event store"))
	if err != nil {
		return err
	}

	m.HandlerErrorsTotal, err = meter.Int64Counter(MetricHandlerErrorsTotal, metric.WithDescription("Total handler failures caught by the bus error boundary"))
	if err != nil {
		return err
	}

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Total orders accepted by the exchange"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total order fills observed on the user stream"))
	if err != nil {
		return err
	}

	m.OrderRetriesTotal, err = meter.Int64Counter(MetricOrderRetriesTotal, metric.WithDescription("Total order submission retries"))
	if err != nil {
		return err
	}

	m.WSReconnectsTotal, err = meter.Int64Counter(MetricWSReconnectsTotal, metric.WithDescription("Total websocket reconnect cycles"))
	if err != nil {
		return err
	}

	m.KlinesReceivedTotal, err = meter.Int64Counter(MetricKlinesReceivedTotal, metric.WithDescription("Total closed klines received from market streams"))
	if err != nil {
		return err
	}

	m.SignalsGeneratedTotal, err = meter.Int64Counter(MetricSignalsGeneratedTotal, metric.WithDescription("Total trade signals emitted by strategies"))
	if err != nil {
		return err
	}

	m.PositionsOpenedTotal, err = meter.Int64Counter(MetricPositionsOpenedTotal, metric.WithDescription("Total positions opened"))
	if err != nil {
		return err
	}

	m.PositionsClosedTotal, err = meter.Int64Counter(MetricPositionsClosedTotal, metric.WithDescription("Total positions closed"))
	if err != nil {
		return err
	}

	// UpDownCounter because losses decrement the running total.
	m.RealizedPnLTotal, err = meter.Float64UpDownCounter(MetricRealizedPnLTotal, metric.WithDescription("Cumulative realized PnL in quote currency"))
	if err != nil {
		return err
	}

	m.ExchangeLatency, err = meter.Float64Histogram(MetricExchangeLatency, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Float64ObservableGauge(MetricOpenPositions, metric.WithDescription("Open position quantity per account and symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.openPositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("position", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.StreamsConnected, err = meter.Int64ObservableGauge(MetricStreamsConnected, metric.WithDescription("Websocket connection state per account and stream type (1=up, 0=down)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.streamsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("stream", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenPosition(userID, symbol string, quantity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositionsMap[userID+"|"+symbol] = quantity
}

func (m *MetricsHolder) SetStreamConnected(userID, streamType string, connected bool) {
	val := int64(0)
	if connected {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamsMap[userID+"|"+streamType] = val
}

func (m *MetricsHolder) GetOpenPositions() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.openPositionsMap))
	for k, v := range m.openPositionsMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetStreamStates() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.streamsMap))
	for k, v := range m.streamsMap {
		res[k] = v
	}
	return res
}
