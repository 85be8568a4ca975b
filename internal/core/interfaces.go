// Package core defines the shared interfaces and value types for the trading system
package core

import (
	"context"
)

// Exchange defines the REST surface of a perpetual-futures venue.
// One client instance is bound to one account's credentials.
type Exchange interface {
	// Market data
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// Account
	GetBalance(ctx context.Context) ([]Balance, error)

	// User-data stream lifecycle
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*OrderResponse, error)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
