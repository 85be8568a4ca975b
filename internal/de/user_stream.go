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
	"st_trading/pkg/telemetry"
	"st_trading/pkg/websocket"
)

// UserStreamConfig describes one account's user data stream.
type UserStreamConfig struct {
	UserID            string
	WSBaseURL         string
	KeepaliveInterval time.Duration
	ReconnectWait     time.Duration
}

// UserStream consumes the Binance user data stream for one account. It
// translates ORDER_TRADE_UPDATE frames into de.order.update and
// de.order.filled, and ACCOUNT_UPDATE frames into de.account.update and
// de.position.update. A background loop keeps the listen key alive.
type UserStream struct {
	cfg    UserStreamConfig
	client core.Exchange
	bus    *event.Bus
	logger core.ILogger

	ws        *websocket.Client
	listenKey string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewUserStream builds a user stream. Call Start to obtain a listen key
// and connect.
func NewUserStream(cfg UserStreamConfig, client core.Exchange, bus *event.Bus, logger core.ILogger) *UserStream {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Minute
	}
	return &UserStream{
		cfg:    cfg,
		client: client,
		bus:    bus,
		logger: logger.WithField("component", "user_stream").WithField("user_id", cfg.UserID),
	}
}

// Start requests a listen key, connects the websocket and starts the
// keepalive loop.
func (s *UserStream) Start(ctx context.Context) error {
	key, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}
	s.listenKey = key

	url := binance.UserStreamURL(s.cfg.WSBaseURL, key)
	s.ws = websocket.NewClient(url, s.handleMessage, s.logger)
	if s.cfg.ReconnectWait > 0 {
		s.ws.SetReconnectWait(s.cfg.ReconnectWait)
	}
	s.ws.SetOnConnected(s.onConnected)
	s.ws.SetOnDisconnected(s.onDisconnected)
	s.ws.Start()

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.keepaliveLoop(keepaliveCtx)
	return nil
}

// Stop tears down the stream: the keepalive loop exits, the websocket
// closes and the listen key is released best effort.
func (s *UserStream) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.ws != nil {
		s.ws.Stop()
	}
	if s.listenKey != "" {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.CloseListenKey(closeCtx, s.listenKey); err != nil {
			s.logger.Warn("listen key close failed", "error", err)
		}
	}
	s.publishDisconnected(ctx, "manual_disconnect")
	telemetry.GetGlobalMetrics().SetStreamConnected(s.cfg.UserID, ConnectionTypeUserData, false)
}

func (s *UserStream) keepaliveLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.client.KeepAliveListenKey(callCtx, s.listenKey)
			cancel()
			if err != nil {
				s.logger.Warn("listen key keepalive failed", "error", err)
				continue
			}
			s.logger.Debug("listen key refreshed")
		}
	}
}

func (s *UserStream) onConnected() {
	s.logger.Info("user data websocket connected")
	telemetry.GetGlobalMetrics().SetStreamConnected(s.cfg.UserID, ConnectionTypeUserData, true)
	ctx := context.Background()
	s.publishEvent(ctx, SubjectWebsocketConnected, map[string]interface{}{
		"user_id":         s.cfg.UserID,
		"connection_type": ConnectionTypeUserData,
		"timestamp":       nowSeconds(),
	})
	s.publishEvent(ctx, SubjectUserStreamStarted, map[string]interface{}{
		"user_id":    s.cfg.UserID,
		"listen_key": s.listenKey,
	})
}

func (s *UserStream) onDisconnected(reason string) {
	s.logger.Warn("user data websocket disconnected", "reason", reason)
	telemetry.GetGlobalMetrics().SetStreamConnected(s.cfg.UserID, ConnectionTypeUserData, false)
	telemetry.GetGlobalMetrics().WSReconnectsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("user_id", s.cfg.UserID),
			attribute.String("connection_type", ConnectionTypeUserData),
		))
	s.publishDisconnected(context.Background(), reason)
}

func (s *UserStream) handleMessage(raw []byte) {
	payload := binance.UnwrapStreamMessage(raw)
	switch binance.StreamEventType(payload) {
	case binance.EventOrderTradeUpdate:
		var evt binance.OrderTradeEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			s.logger.Error("dropping malformed order update", "error", err)
			return
		}
		s.handleOrderUpdate(evt.Order)
	case binance.EventAccountUpdate:
		var evt binance.AccountEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			s.logger.Error("dropping malformed account update", "error", err)
			return
		}
		s.handleAccountUpdate(evt.Update)
	case binance.EventListenKeyExpired:
		s.logger.Warn("listen key expired, reconnect will mint a new session")
	default:
		s.logger.Debug("ignoring user stream event", "type", binance.StreamEventType(payload))
	}
}

func (s *UserStream) handleOrderUpdate(o binance.OrderUpdateData) {
	ctx := context.Background()
	s.publishEvent(ctx, SubjectOrderUpdate, map[string]interface{}{
		"user_id":            s.cfg.UserID,
		"order_id":           o.OrderID,
		"symbol":             o.Symbol,
		"status":             o.Status,
		"filled_quantity":    o.FilledQty.InexactFloat64(),
		"remaining_quantity": o.OrigQty.Sub(o.FilledQty).InexactFloat64(),
		"timestamp":          nowSeconds(),
	})

	if o.Status != "FILLED" {
		return
	}
	telemetry.GetGlobalMetrics().OrdersFilledTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("user_id", s.cfg.UserID),
			attribute.String("symbol", o.Symbol),
		))
	s.logger.Info("order filled", "symbol", o.Symbol, "order_id", o.OrderID,
		"quantity", o.FilledQty, "price", o.Price)
	s.publishEvent(ctx, SubjectOrderFilled, map[string]interface{}{
		"user_id":   s.cfg.UserID,
		"order_id":  o.OrderID,
		"symbol":    o.Symbol,
		"price":     o.Price.InexactFloat64(),
		"quantity":  o.FilledQty.InexactFloat64(),
		"timestamp": float64(o.TradeTime) / 1000.0,
	})
}

func (s *UserStream) handleAccountUpdate(a binance.AccountUpdateData) {
	ctx := context.Background()

	var wallet, crossWallet float64
	for _, b := range a.Balances {
		if b.Asset == "USDT" {
			wallet = b.WalletBalance.InexactFloat64()
			crossWallet = b.CrossWallet.InexactFloat64()
			break
		}
	}
	s.publishEvent(ctx, SubjectAccountUpdate, map[string]interface{}{
		"user_id":           s.cfg.UserID,
		"total_equity":      wallet,
		"available_balance": crossWallet,
		"margin_used":       wallet - crossWallet,
		"timestamp":         nowSeconds(),
	})

	for _, p := range a.Positions {
		side := "LONG"
		if p.PositionAmt.IsNegative() {
			side = "SHORT"
		}
		s.publishEvent(ctx, SubjectPositionUpdate, map[string]interface{}{
			"user_id":        s.cfg.UserID,
			"symbol":         p.Symbol,
			"side":           side,
			"quantity":       p.PositionAmt.Abs().InexactFloat64(),
			"unrealized_pnl": p.UnrealizedPnl.InexactFloat64(),
			"entry_price":    p.EntryPrice.InexactFloat64(),
			"timestamp":      nowSeconds(),
		})
	}
}

func (s *UserStream) publishDisconnected(ctx context.Context, reason string) {
	s.publishEvent(ctx, SubjectWebsocketDisconnected, map[string]interface{}{
		"user_id":         s.cfg.UserID,
		"connection_type": ConnectionTypeUserData,
		"reason":          reason,
	})
}

func (s *UserStream) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	if err := s.bus.Publish(ctx, event.New(subject, data, "de")); err != nil {
		s.logger.Error("publish failed", "subject", subject, "error", err)
	}
}
