package core

import (
	"github.com/shopspring/decimal"
)

// Side is an order side as the exchange understands it
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of an open position
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionNone  PositionSide = "NONE"
)

// Opposite returns the other direction; NONE maps to itself
func (p PositionSide) Opposite() PositionSide {
	switch p {
	case PositionLong:
		return PositionShort
	case PositionShort:
		return PositionLong
	default:
		return PositionNone
	}
}

// EntrySide returns the order side that opens a position in this direction
func (p PositionSide) EntrySide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// OrderType is the order kind requested by the trading layer.
// PostOnly maps to LIMIT with timeInForce GTX on the wire.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypePostOnly OrderType = "POST_ONLY"
)

// SignalAction is what a strategy wants done with a position
type SignalAction string

const (
	ActionOpen  SignalAction = "OPEN"
	ActionClose SignalAction = "CLOSE"
)

// TradingMode selects how a position is entered and laddered
type TradingMode string

const (
	ModeNoGrid       TradingMode = "NO_GRID"
	ModeNormalGrid   TradingMode = "NORMAL_GRID"
	ModeAbnormalGrid TradingMode = "ABNORMAL_GRID"
)

// Kline is one OHLCV bucket as returned by the futures REST API
type Kline struct {
	OpenTime         int64           `json:"open_time"`
	Open             decimal.Decimal `json:"open"`
	High             decimal.Decimal `json:"high"`
	Low              decimal.Decimal `json:"low"`
	Close            decimal.Decimal `json:"close"`
	Volume           decimal.Decimal `json:"volume"`
	CloseTime        int64           `json:"close_time"`
	QuoteVolume      decimal.Decimal `json:"quote_volume"`
	TradeCount       int64           `json:"trade_count"`
	TakerBuyVolume   decimal.Decimal `json:"taker_buy_volume"`
	TakerBuyQuoteVol decimal.Decimal `json:"taker_buy_quote_volume"`
}

// Balance is one asset's balance row from the account endpoint
type Balance struct {
	Asset            string          `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
}

// OrderRequest carries everything needed to place one order
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal // ignored for MARKET
}

// OrderResponse is the exchange's acknowledgement of an order operation
type OrderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	UpdateTime    int64           `json:"updateTime"`
}
