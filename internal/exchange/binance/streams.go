package binance

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Event type discriminators carried in the "e" field of stream payloads.
const (
	EventKline            = "kline"
	EventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	EventAccountUpdate    = "ACCOUNT_UPDATE"
	EventListenKeyExpired = "listenKeyExpired"
)

// combinedEnvelope wraps payloads delivered over the combined stream
// endpoint. Raw streams deliver the payload without the wrapper.
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// UnwrapStreamMessage strips the combined-stream envelope if present and
// returns the inner payload. Raw-stream messages pass through unchanged.
func UnwrapStreamMessage(raw []byte) []byte {
	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		return env.Data
	}
	return raw
}

// StreamEventType peeks at the "e" discriminator without decoding the
// full payload. Returns "" for messages that carry no event type.
func StreamEventType(raw []byte) string {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.EventType
}

// KlineEvent is a candlestick update from a <symbol>@kline_<interval>
// stream. The exchange pushes one per tick; Kline.Closed marks the final
// update for the candle.
type KlineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     KlinePayload `json:"k"`
}

type KlinePayload struct {
	OpenTime    int64           `json:"t"`
	CloseTime   int64           `json:"T"`
	Symbol      string          `json:"s"`
	Interval    string          `json:"i"`
	Open        decimal.Decimal `json:"o"`
	Close       decimal.Decimal `json:"c"`
	High        decimal.Decimal `json:"h"`
	Low         decimal.Decimal `json:"l"`
	Volume      decimal.Decimal `json:"v"`
	QuoteVolume decimal.Decimal `json:"q"`
	TradeCount  int64           `json:"n"`
	Closed      bool            `json:"x"`
}

// OrderTradeEvent is an ORDER_TRADE_UPDATE pushed on the user data
// stream whenever one of the account's orders changes state.
type OrderTradeEvent struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	TxTime    int64           `json:"T"`
	Order     OrderUpdateData `json:"o"`
}

type OrderUpdateData struct {
	Symbol        string          `json:"s"`
	ClientOrderID string          `json:"c"`
	Side          string          `json:"S"`
	Type          string          `json:"o"`
	TimeInForce   string          `json:"f"`
	OrigQty       decimal.Decimal `json:"q"`
	Price         decimal.Decimal `json:"p"`
	AvgPrice      decimal.Decimal `json:"ap"`
	Status        string          `json:"X"`
	OrderID       int64           `json:"i"`
	FilledQty     decimal.Decimal `json:"z"`
	TradeTime     int64           `json:"T"`
}

// AccountEvent is an ACCOUNT_UPDATE pushed on the user data stream after
// balance or position changes.
type AccountEvent struct {
	EventType string            `json:"e"`
	EventTime int64             `json:"E"`
	TxTime    int64             `json:"T"`
	Update    AccountUpdateData `json:"a"`
}

type AccountUpdateData struct {
	Reason    string           `json:"m"`
	Balances  []BalanceUpdate  `json:"B"`
	Positions []PositionUpdate `json:"P"`
}

type BalanceUpdate struct {
	Asset         string          `json:"a"`
	WalletBalance decimal.Decimal `json:"wb"`
	CrossWallet   decimal.Decimal `json:"cw"`
	BalanceChange decimal.Decimal `json:"bc"`
}

type PositionUpdate struct {
	Symbol        string          `json:"s"`
	PositionAmt   decimal.Decimal `json:"pa"`
	EntryPrice    decimal.Decimal `json:"ep"`
	RealizedPnl   decimal.Decimal `json:"cr"`
	UnrealizedPnl decimal.Decimal `json:"up"`
	MarginType    string          `json:"mt"`
	PositionSide  string          `json:"ps"`
}

// KlineStreamName formats the raw stream name for a symbol and interval.
// The exchange requires lower-case stream names.
func KlineStreamName(symbol, interval string) string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
}

// MarketStreamURL builds the websocket endpoint for kline streams. A
// single symbol connects to the raw stream path; multiple symbols share
// one connection through the combined stream endpoint, whose messages
// arrive wrapped in the combined envelope.
func MarketStreamURL(wsBase string, symbols []string, interval string) string {
	if wsBase == "" {
		wsBase = defaultFuturesWS
	}
	names := make([]string, 0, len(symbols))
	for _, s := range symbols {
		names = append(names, KlineStreamName(s, interval))
	}
	if len(names) == 1 {
		return fmt.Sprintf("%s/ws/%s", wsBase, names[0])
	}
	return fmt.Sprintf("%s/stream?streams=%s", wsBase, strings.Join(names, "/"))
}

// UserStreamURL builds the websocket endpoint for a user data stream
// opened with the given listen key.
func UserStreamURL(wsBase, listenKey string) string {
	if wsBase == "" {
		wsBase = defaultFuturesWS
	}
	return fmt.Sprintf("%s/ws/%s", wsBase, listenKey)
}
