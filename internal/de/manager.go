// Package de is the data engine. It owns one exchange client per loaded
// account, runs the market and user data streams, and answers the
// trading.* command subjects with de.* result events. All exchange
// access from other modules goes through the bus surface defined here.
package de

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"st_trading/internal/config"
	"st_trading/internal/core"
	"st_trading/internal/event"
	"st_trading/internal/exchange/binance"
	apperrors "st_trading/pkg/errors"
	"st_trading/pkg/retry"
	"st_trading/pkg/telemetry"
)

const (
	defaultKlineFetchLimit  = 200
	defaultOrderConcurrency = 8
)

// ClientFactory builds an exchange client for one account. Tests swap in
// a factory returning mock clients.
type ClientFactory func(userID, apiKey, apiSecret string) (core.Exchange, error)

// Options tunes the data engine.
type Options struct {
	// Exchange is the REST and websocket endpoint configuration shared by
	// every per-account client the default factory builds.
	Exchange config.ExchangeConfig

	// ClientFactory overrides how per-account clients are constructed.
	// Nil means real Binance clients from the Exchange config.
	ClientFactory ClientFactory

	// RetryPolicy governs order submission retries. Zero value means
	// retry.DefaultPolicy.
	RetryPolicy retry.RetryPolicy

	// OrderConcurrency caps parallel order submissions across all
	// accounts. Defaults to 8.
	OrderConcurrency int

	// KlineFetchLimit is how many candles a historical fetch returns when
	// the request does not say. Defaults to 200.
	KlineFetchLimit int

	// KeepaliveInterval is how often user stream listen keys are
	// refreshed. Defaults to 30 minutes.
	KeepaliveInterval time.Duration

	// ReconnectWait is the websocket reconnect backoff.
	ReconnectWait time.Duration

	// DisableUserStream skips opening user data streams when accounts
	// load. Tests that only exercise the REST surface set this.
	DisableUserStream bool
}

// Manager is the data engine manager. It reacts to pm.account.loaded by
// building a client and user stream for the account, and serves order,
// balance and kline requests arriving on the trading.* and de.* input
// subjects.
type Manager struct {
	bus    *event.Bus
	logger core.ILogger
	opts   Options

	// orderSlots bounds how many order submissions run at once; the bus
	// dispatches one goroutine per handler, so bursts of signals would
	// otherwise hit the exchange all at the same time.
	orderSlots *semaphore.Weighted

	mu            sync.Mutex
	clients       map[string]core.Exchange
	userStreams   map[string]*UserStream
	marketStreams map[string]*MarketStream
}

// NewManager builds a data engine manager. Call Start to attach it to
// the bus.
func NewManager(bus *event.Bus, logger core.ILogger, opts Options) *Manager {
	if opts.ClientFactory == nil {
		exchangeCfg := opts.Exchange
		opts.ClientFactory = func(userID, apiKey, apiSecret string) (core.Exchange, error) {
			return binance.NewClient(binance.Config{
				BaseURL:    exchangeCfg.BaseURL,
				APIKey:     apiKey,
				APISecret:  apiSecret,
				Timeout:    time.Duration(exchangeCfg.RequestTimeout) * time.Second,
				MaxRetries: exchangeCfg.MaxRetries,
				RateLimit:  float64(exchangeCfg.RateLimit),
				RateBurst:  exchangeCfg.RateBurst,
			}, logger.WithField("user_id", userID)), nil
		}
	}
	if opts.RetryPolicy.MaxAttempts == 0 {
		opts.RetryPolicy = retry.DefaultPolicy
	}
	if opts.KlineFetchLimit <= 0 {
		opts.KlineFetchLimit = defaultKlineFetchLimit
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 30 * time.Minute
	}
	if opts.OrderConcurrency <= 0 {
		opts.OrderConcurrency = defaultOrderConcurrency
	}

	return &Manager{
		bus:           bus,
		logger:        logger.WithField("component", "de_manager"),
		opts:          opts,
		orderSlots:    semaphore.NewWeighted(int64(opts.OrderConcurrency)),
		clients:       make(map[string]core.Exchange),
		userStreams:   make(map[string]*UserStream),
		marketStreams: make(map[string]*MarketStream),
	}
}

// Start subscribes the manager's handlers on the bus.
func (m *Manager) Start() {
	m.bus.Subscribe(InputAccountLoaded, "de.account_loaded", m.onAccountLoaded)
	m.bus.Subscribe(InputOrderCreate, "de.order_create", m.onOrderCreate)
	m.bus.Subscribe(InputOrderCancel, "de.order_cancel", m.onOrderCancel)
	m.bus.Subscribe(InputGetAccountBalance, "de.get_account_balance", m.onGetAccountBalance)
	m.bus.Subscribe(InputGetHistoricalKlines, "de.get_historical_klines", m.onGetHistoricalKlines)
	m.logger.Info("data engine manager started")
}

// Client returns the exchange client for a user, or nil.
func (m *Manager) Client(userID string) core.Exchange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[userID]
}

// ClientCount returns how many accounts have a live client.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Manager) onAccountLoaded(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	apiKey := event.GetString(evt.Data, "api_key")
	apiSecret := event.GetString(evt.Data, "api_secret")
	testnet := event.GetBool(evt.Data, "testnet")

	var missing []string
	if userID == "" {
		missing = append(missing, "user_id")
	}
	if apiKey == "" {
		missing = append(missing, "api_key")
	}
	if apiSecret == "" {
		missing = append(missing, "api_secret")
	}
	if len(missing) > 0 {
		failedUser := userID
		if failedUser == "" {
			failedUser = "unknown"
		}
		m.logger.Error("account payload incomplete", "user_id", failedUser, "missing", missing)
		m.publish(ctx, SubjectClientConnectionFailed, map[string]interface{}{
			"user_id":       failedUser,
			"error_type":    "missing_fields",
			"error_message": "missing required fields: " + strings.Join(missing, ", "),
		})
		return nil
	}

	client, err := m.opts.ClientFactory(userID, apiKey, apiSecret)
	if err != nil {
		m.logger.Error("exchange client construction failed", "user_id", userID, "error", err)
		m.publish(ctx, SubjectClientConnectionFailed, map[string]interface{}{
			"user_id":       userID,
			"error_type":    "creation_error",
			"error_message": err.Error(),
		})
		return nil
	}

	m.mu.Lock()
	m.clients[userID] = client
	m.mu.Unlock()

	if testnet {
		m.logger.Warn("testnet flag set but client targets mainnet endpoints", "user_id", userID)
	}
	m.logger.Info("exchange client ready", "user_id", userID, "api_key", config.MaskString(apiKey))

	m.publish(ctx, SubjectClientConnected, map[string]interface{}{
		"user_id":   userID,
		"timestamp": time.Now().UnixMilli(),
	})

	if !m.opts.DisableUserStream {
		m.startUserStream(ctx, userID, client)
	}
	return nil
}

func (m *Manager) startUserStream(ctx context.Context, userID string, client core.Exchange) {
	m.mu.Lock()
	_, exists := m.userStreams[userID]
	m.mu.Unlock()
	if exists {
		m.logger.Warn("user stream already running", "user_id", userID)
		return
	}

	stream := NewUserStream(UserStreamConfig{
		UserID:            userID,
		WSBaseURL:         m.opts.Exchange.WSBaseURL,
		KeepaliveInterval: m.opts.KeepaliveInterval,
		ReconnectWait:     m.opts.ReconnectWait,
	}, client, m.bus, m.logger)

	if err := stream.Start(ctx); err != nil {
		m.logger.Error("user stream start failed", "user_id", userID, "error", err)
		return
	}
	m.mu.Lock()
	m.userStreams[userID] = stream
	m.mu.Unlock()
}

func (m *Manager) onOrderCreate(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")

	client := m.Client(userID)
	if client == nil {
		m.publishOrderFailed(ctx, userID, symbol, "no exchange client for user "+userID, 0)
		return nil
	}

	req := core.OrderRequest{
		Symbol:   symbol,
		Side:     core.Side(event.GetString(evt.Data, "side")),
		Type:     core.OrderType(event.GetString(evt.Data, "order_type")),
		Quantity: decimal.NewFromFloat(event.GetFloat(evt.Data, "quantity")),
		Price:    decimal.NewFromFloat(event.GetFloat(evt.Data, "price")),
	}

	if err := m.orderSlots.Acquire(ctx, 1); err != nil {
		m.publishOrderFailed(ctx, userID, symbol, "order submission cancelled: "+err.Error(), 0)
		return nil
	}
	defer m.orderSlots.Release(1)

	var resp *core.OrderResponse
	attempts, err := retry.DoWithCount(ctx, m.opts.RetryPolicy, apperrors.IsTransient, func() error {
		var placeErr error
		resp, placeErr = client.PlaceOrder(ctx, req)
		return placeErr
	})
	retries := attempts - 1
	if retries > 0 {
		telemetry.GetGlobalMetrics().OrderRetriesTotal.Add(ctx, int64(retries),
			metric.WithAttributes(attribute.String("user_id", userID), attribute.String("symbol", symbol)))
	}
	if err != nil {
		m.logger.Error("order submission failed", "user_id", userID, "symbol", symbol,
			"retries", retries, "error", err)
		m.publishOrderFailed(ctx, userID, symbol, err.Error(), retries)
		return nil
	}

	telemetry.GetGlobalMetrics().OrdersSubmittedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("user_id", userID), attribute.String("symbol", symbol)))
	m.logger.Info("order submitted", "user_id", userID, "symbol", resp.Symbol,
		"order_id", resp.OrderID, "side", resp.Side, "type", resp.Type)

	m.publish(ctx, SubjectOrderSubmitted, map[string]interface{}{
		"user_id":  userID,
		"order_id": resp.OrderID,
		"symbol":   resp.Symbol,
		"side":     resp.Side,
		"type":     resp.Type,
		"quantity": resp.OrigQty.InexactFloat64(),
		"price":    resp.Price.InexactFloat64(),
	})
	return nil
}

func (m *Manager) onOrderCancel(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	orderID := event.GetInt64(evt.Data, "order_id")

	client := m.Client(userID)
	if client == nil {
		m.publishOrderFailed(ctx, userID, symbol, "no exchange client for user "+userID, 0)
		return nil
	}

	resp, err := client.CancelOrder(ctx, symbol, orderID)
	if err != nil {
		m.logger.Error("order cancel failed", "user_id", userID, "symbol", symbol,
			"order_id", orderID, "error", err)
		m.publishOrderFailed(ctx, userID, symbol, err.Error(), 0)
		return nil
	}

	m.publish(ctx, SubjectOrderCancelled, map[string]interface{}{
		"user_id":  userID,
		"order_id": resp.OrderID,
		"symbol":   resp.Symbol,
		"status":   resp.Status,
	})
	return nil
}

func (m *Manager) onGetAccountBalance(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	asset := event.GetString(evt.Data, "asset")
	if asset == "" {
		asset = "USDT"
	}

	client := m.Client(userID)
	if client == nil {
		m.logger.Error("balance request for unknown user", "user_id", userID)
		return nil
	}

	balances, err := client.GetBalance(ctx)
	if err != nil {
		m.logger.Error("balance fetch failed", "user_id", userID, "error", err)
		return nil
	}
	for _, b := range balances {
		if b.Asset != asset {
			continue
		}
		m.publish(ctx, SubjectAccountBalance, map[string]interface{}{
			"user_id":           userID,
			"asset":             b.Asset,
			"balance":           b.Balance.InexactFloat64(),
			"available_balance": b.AvailableBalance.InexactFloat64(),
		})
		return nil
	}
	m.logger.Error("asset missing from balance response", "user_id", userID, "asset", asset)
	return nil
}

func (m *Manager) onGetHistoricalKlines(ctx context.Context, evt event.Event) error {
	userID := event.GetString(evt.Data, "user_id")
	symbol := event.GetString(evt.Data, "symbol")
	interval := event.GetString(evt.Data, "interval")
	limit := int(event.GetInt64(evt.Data, "limit"))
	if limit <= 0 {
		limit = m.opts.KlineFetchLimit
	}

	client := m.Client(userID)
	if client == nil {
		m.publishHistoricalFailed(ctx, userID, symbol, interval, "no exchange client for user "+userID)
		return nil
	}

	klines, err := client.GetKlines(ctx, symbol, interval, limit)
	if err != nil {
		m.logger.Error("historical kline fetch failed", "user_id", userID,
			"symbol", symbol, "interval", interval, "error", err)
		m.publishHistoricalFailed(ctx, userID, symbol, interval, err.Error())
		return nil
	}

	m.publish(ctx, SubjectHistoricalSuccess, map[string]interface{}{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": interval,
		"klines":   klines,
	})
	return nil
}

// StartMarketStream opens the combined kline websocket for one account.
// The bootstrap calls this after strategies load, with the symbols and
// timeframe the account actually trades.
func (m *Manager) StartMarketStream(userID string, symbols []string, interval string) error {
	m.mu.Lock()
	client, haveClient := m.clients[userID]
	_, exists := m.marketStreams[userID]
	m.mu.Unlock()

	if exists {
		m.logger.Warn("market stream already running", "user_id", userID)
		return nil
	}
	if !haveClient {
		return fmt.Errorf("no exchange client for user %s: %w", userID, apperrors.ErrNotFound)
	}

	stream := NewMarketStream(MarketStreamConfig{
		UserID:        userID,
		Symbols:       symbols,
		Interval:      interval,
		WSBaseURL:     m.opts.Exchange.WSBaseURL,
		FetchLimit:    m.opts.KlineFetchLimit,
		ReconnectWait: m.opts.ReconnectWait,
	}, client, m.bus, m.logger)

	if err := stream.Start(); err != nil {
		return err
	}
	m.mu.Lock()
	m.marketStreams[userID] = stream
	m.mu.Unlock()
	m.logger.Info("market stream started", "user_id", userID,
		"symbols", symbols, "interval", interval)
	return nil
}

// Shutdown stops every stream and drops the client registry.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	marketStreams := m.marketStreams
	userStreams := m.userStreams
	m.marketStreams = make(map[string]*MarketStream)
	m.userStreams = make(map[string]*UserStream)
	clientCount := len(m.clients)
	m.clients = make(map[string]core.Exchange)
	m.mu.Unlock()

	for userID, stream := range marketStreams {
		stream.Stop(ctx)
		m.logger.Info("market stream stopped", "user_id", userID)
	}
	for userID, stream := range userStreams {
		stream.Stop(ctx)
		m.logger.Info("user stream stopped", "user_id", userID)
	}
	m.logger.Info("data engine manager shut down", "clients_dropped", clientCount)
}

func (m *Manager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if err := m.bus.Publish(ctx, event.New(subject, data, "de")); err != nil {
		m.logger.Error("publish failed", "subject", subject, "error", err)
	}
}

func (m *Manager) publishOrderFailed(ctx context.Context, userID, symbol, errMsg string, retries int) {
	m.publish(ctx, SubjectOrderFailed, map[string]interface{}{
		"user_id":     userID,
		"symbol":      symbol,
		"error":       errMsg,
		"retry_count": retries,
	})
}

func (m *Manager) publishHistoricalFailed(ctx context.Context, userID, symbol, interval, errMsg string) {
	m.publish(ctx, SubjectHistoricalFailed, map[string]interface{}{
		"user_id":  userID,
		"symbol":   symbol,
		"interval": interval,
		"error":    errMsg,
	})
}
