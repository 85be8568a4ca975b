package de

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"st_trading/internal/core"
	"st_trading/internal/event"
	"st_trading/internal/exchange/binance"
	"st_trading/pkg/concurrency"
	"st_trading/pkg/telemetry"
	"st_trading/pkg/websocket"
)

const klineFetchTimeout = 15 * time.Second

// MarketStreamConfig describes one account's combined kline stream.
type MarketStreamConfig struct {
	UserID        string
	Symbols       []string
	Interval      string
	WSBaseURL     string
	FetchLimit    int
	ReconnectWait time.Duration
}

// MarketStream consumes the combined kline websocket for one account and
// publishes de.kline.update with a fresh window of candles whenever a
// candle closes. The REST fetch keeps indicator input consistent with
// historical loads instead of stitching stream candles onto them.
type MarketStream struct {
	cfg    MarketStreamConfig
	client core.Exchange
	bus    *event.Bus
	logger core.ILogger

	ws *websocket.Client

	// pool has a single worker so candle updates are processed in arrival
	// order, off the websocket read loop.
	pool *concurrency.WorkerPool
}

// NewMarketStream builds a market stream. Call Start to connect.
func NewMarketStream(cfg MarketStreamConfig, client core.Exchange, bus *event.Bus, logger core.ILogger) *MarketStream {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultKlineFetchLimit
	}
	return &MarketStream{
		cfg:    cfg,
		client: client,
		bus:    bus,
		logger: logger.WithField("component", "market_stream").WithField("user_id", cfg.UserID),
	}
}

// Start opens the websocket and the processing pool.
func (s *MarketStream) Start() error {
	s.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "market_stream_" + s.cfg.UserID,
		MaxWorkers:  1,
		MaxCapacity: 256,
	}, s.logger)

	url := binance.MarketStreamURL(s.cfg.WSBaseURL, s.cfg.Symbols, s.cfg.Interval)
	s.ws = websocket.NewClient(url, s.handleMessage, s.logger)
	if s.cfg.ReconnectWait > 0 {
		s.ws.SetReconnectWait(s.cfg.ReconnectWait)
	}
	s.ws.SetOnConnected(s.onConnected)
	s.ws.SetOnDisconnected(s.onDisconnected)
	s.ws.Start()
	return nil
}

// Stop closes the websocket, drains the pool and announces the
// disconnect. The websocket client suppresses its own callback on a
// requested stop, so the announcement happens here.
func (s *MarketStream) Stop(ctx context.Context) {
	if s.ws != nil {
		s.ws.Stop()
	}
	if s.pool != nil {
		s.pool.Stop()
	}
	s.publishDisconnected(ctx, "manual_disconnect")
	telemetry.GetGlobalMetrics().SetStreamConnected(s.cfg.UserID, ConnectionTypeMarket, false)
}

func (s *MarketStream) onConnected() {
	s.logger.Info("market websocket connected", "symbols", s.cfg.Symbols, "interval", s.cfg.Interval)
	telemetry.GetGlobalMetrics().SetStreamConnected(s.cfg.UserID, ConnectionTypeMarket, true)
	s.publishEvent(context.Background(), SubjectWebsocketConnected, map[string]interface{}{
		"user_id":         s.cfg.UserID,
		"connection_type": ConnectionTypeMarket,
		"timestamp":       nowSeconds(),
	})
}

func (s *MarketStream) onDisconnected(reason string) {
	s.logger.Warn("market websocket disconnected", "reason", reason)
	telemetry.GetGlobalMetrics().SetStreamConnected(s.cfg.UserID, ConnectionTypeMarket, false)
	telemetry.GetGlobalMetrics().WSReconnectsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("user_id", s.cfg.UserID),
			attribute.String("connection_type", ConnectionTypeMarket),
		))
	s.publishDisconnected(context.Background(), reason)
}

func (s *MarketStream) handleMessage(raw []byte) {
	payload := binance.UnwrapStreamMessage(raw)
	if binance.StreamEventType(payload) != binance.EventKline {
		s.logger.Debug("ignoring non-kline stream message")
		return
	}

	var ke binance.KlineEvent
	if err := json.Unmarshal(payload, &ke); err != nil {
		s.logger.Error("dropping malformed kline message", "error", err)
		return
	}
	if !ke.Kline.Closed {
		return
	}

	symbol, interval := ke.Kline.Symbol, ke.Kline.Interval
	telemetry.GetGlobalMetrics().KlinesReceivedTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("user_id", s.cfg.UserID),
			attribute.String("symbol", symbol),
		))

	if err := s.pool.Submit(func() { s.refreshKlines(symbol, interval) }); err != nil {
		s.logger.Error("candle update dropped", "symbol", symbol, "error", err)
	}
}

// refreshKlines fetches the current candle window and republishes it.
func (s *MarketStream) refreshKlines(symbol, interval string) {
	ctx, cancel := context.WithTimeout(context.Background(), klineFetchTimeout)
	defer cancel()

	klines, err := s.client.GetKlines(ctx, symbol, interval, s.cfg.FetchLimit)
	if err != nil {
		s.logger.Error("kline refresh failed", "symbol", symbol, "interval", interval, "error", err)
		return
	}

	s.publishEvent(ctx, SubjectKlineUpdate, map[string]interface{}{
		"user_id":  s.cfg.UserID,
		"symbol":   symbol,
		"interval": interval,
		"klines":   klines,
	})
}

func (s *MarketStream) publishDisconnected(ctx context.Context, reason string) {
	s.publishEvent(ctx, SubjectWebsocketDisconnected, map[string]interface{}{
		"user_id":         s.cfg.UserID,
		"connection_type": ConnectionTypeMarket,
		"reason":          reason,
	})
}

func (s *MarketStream) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	if err := s.bus.Publish(ctx, event.New(subject, data, "de")); err != nil {
		s.logger.Error("publish failed", "subject", subject, "error", err)
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}
