// Package mock provides in-memory doubles for exchange connectivity
// and bus observation used across the module tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"st_trading/internal/core"
)

// Exchange implements core.Exchange with canned data and optional
// injected failures. Orders are acknowledged but never fill; fills are
// driven by the tests through bus events, matching the live flow where
// fills arrive on the user data stream.
type Exchange struct {
	mu sync.Mutex

	klines    map[string][]core.Kline
	balances  []core.Balance
	listenKey string

	nextOrderID int64
	placed      []core.OrderRequest
	cancelled   []int64
	keepAlives  int
	closedKeys  []string

	failCount  int
	failErr    error
	placeCalls int

	// Injected failures. Each one fails every call until cleared. For
	// fail-then-recover sequences use FailPlaceOrders instead.
	KlinesErr    error
	BalanceErr   error
	PlaceErr     error
	CancelErr    error
	ListenKeyErr error
}

func NewExchange() *Exchange {
	return &Exchange{
		klines:    make(map[string][]core.Kline),
		listenKey: "mock_listen_key",
	}
}

func klineKey(symbol, interval string) string {
	return symbol + "_" + interval
}

// SetKlines installs the candles returned for a symbol and interval.
func (m *Exchange) SetKlines(symbol, interval string, klines []core.Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[klineKey(symbol, interval)] = klines
}

// SetBalances installs the balance rows returned by GetBalance.
func (m *Exchange) SetBalances(balances []core.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = balances
}

// SetListenKey overrides the key handed out by CreateListenKey.
func (m *Exchange) SetListenKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenKey = key
}

// FailPlaceOrders arms a countdown: the next n PlaceOrder calls fail
// with err, then placement recovers.
func (m *Exchange) FailPlaceOrders(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount = n
	m.failErr = err
}

func (m *Exchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.KlinesErr != nil {
		return nil, m.KlinesErr
	}
	klines, ok := m.klines[klineKey(symbol, interval)]
	if !ok {
		return nil, fmt.Errorf("no klines for %s %s", symbol, interval)
	}
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	out := make([]core.Kline, len(klines))
	copy(out, klines)
	return out, nil
}

func (m *Exchange) GetBalance(ctx context.Context) ([]core.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	out := make([]core.Balance, len(m.balances))
	copy(out, m.balances)
	return out, nil
}

func (m *Exchange) CreateListenKey(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListenKeyErr != nil {
		return "", m.ListenKeyErr
	}
	return m.listenKey, nil
}

func (m *Exchange) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keepAlives++
	return nil
}

func (m *Exchange) CloseListenKey(ctx context.Context, listenKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedKeys = append(m.closedKeys, listenKey)
	return nil
}

func (m *Exchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeCalls++
	if m.failCount > 0 {
		m.failCount--
		if m.failErr != nil {
			return nil, m.failErr
		}
		return nil, fmt.Errorf("injected place failure")
	}
	if m.PlaceErr != nil {
		return nil, m.PlaceErr
	}

	m.nextOrderID++
	m.placed = append(m.placed, req)
	return &core.OrderResponse{
		OrderID: m.nextOrderID,
		Symbol:  req.Symbol,
		Side:    string(req.Side),
		Type:    string(req.Type),
		Status:  "NEW",
		Price:   req.Price,
		OrigQty: req.Quantity,
	}, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, symbol string, orderID int64) (*core.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return nil, m.CancelErr
	}
	m.cancelled = append(m.cancelled, orderID)
	return &core.OrderResponse{
		OrderID: orderID,
		Symbol:  symbol,
		Status:  "CANCELED",
	}, nil
}

// PlacedOrders returns a copy of every accepted order request.
func (m *Exchange) PlacedOrders() []core.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.OrderRequest, len(m.placed))
	copy(out, m.placed)
	return out
}

// CancelledOrders returns the order ids passed to CancelOrder.
func (m *Exchange) CancelledOrders() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

// PlaceCalls reports how many PlaceOrder attempts were made, failures
// included.
func (m *Exchange) PlaceCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeCalls
}

// KeepAliveCount reports how many keepalives were received.
func (m *Exchange) KeepAliveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepAlives
}

// ClosedKeys returns the listen keys passed to CloseListenKey.
func (m *Exchange) ClosedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.closedKeys))
	copy(out, m.closedKeys)
	return out
}
