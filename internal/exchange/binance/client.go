// Package binance provides Binance USDⓈ-M futures connectivity
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"st_trading/internal/core"
	apperrors "st_trading/pkg/errors"
	"st_trading/pkg/httpclient"

	"github.com/shopspring/decimal"
)

const (
	defaultFuturesURL = "https://fapi.binance.com"
	defaultFuturesWS  = "wss://fstream.binance.com"
)

// Config carries one account's connectivity settings.
type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64
	RateBurst  int
}

// Client implements core.Exchange against the Binance futures REST API.
// Each client is bound to a single account's credentials.
type Client struct {
	http      *httpclient.Client
	signer    hmacSigner
	keySigner headerSigner
	logger    core.ILogger
}

// NewClient creates a futures REST client for one account.
func NewClient(cfg Config, logger core.ILogger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultFuturesURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	hc := httpclient.NewClient(cfg.BaseURL, cfg.Timeout, cfg.MaxRetries)
	if cfg.RateLimit > 0 {
		hc.SetRateLimit(cfg.RateLimit, cfg.RateBurst)
	}

	return &Client{
		http:      hc,
		signer:    hmacSigner{apiKey: cfg.APIKey, apiSecret: cfg.APISecret},
		keySigner: headerSigner{apiKey: cfg.APIKey},
		logger:    logger.WithField("component", "binance_client"),
	}
}

// GetKlines fetches up to limit closed candlesticks for a symbol.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	params := httpclient.Params{}.
		Add("symbol", symbol).
		Add("interval", interval).
		Add("limit", strconv.Itoa(limit))

	body, err := c.http.DoWithRetry(ctx, http.MethodGet, "/fapi/v1/klines", params, nil)
	if err != nil {
		return nil, c.mapError(err)
	}

	return parseKlines(body)
}

// GetBalance fetches the per-asset futures balances.
func (c *Client) GetBalance(ctx context.Context) ([]core.Balance, error) {
	body, err := c.http.Do(ctx, http.MethodGet, "/fapi/v2/balance", nil, c.signer)
	if err != nil {
		return nil, c.mapError(err)
	}

	var rows []struct {
		Asset            string          `json:"asset"`
		Balance          decimal.Decimal `json:"balance"`
		AvailableBalance decimal.Decimal `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse balance response: %w", err)
	}

	balances := make([]core.Balance, 0, len(rows))
	for _, row := range rows {
		balances = append(balances, core.Balance{
			Asset:            row.Asset,
			Balance:          row.Balance,
			AvailableBalance: row.AvailableBalance,
		})
	}
	return balances, nil
}

// CreateListenKey opens a user-data stream and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.http.Do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, c.keySigner)
	if err != nil {
		return "", c.mapError(err)
	}

	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse listen key response: %w", err)
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("empty listen key in response")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the listen key's validity window.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := httpclient.Params{}.Add("listenKey", listenKey)
	_, err := c.http.Do(ctx, http.MethodPut, "/fapi/v1/listenKey", params, c.keySigner)
	return c.mapError(err)
}

// CloseListenKey terminates the user-data stream.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	params := httpclient.Params{}.Add("listenKey", listenKey)
	_, err := c.http.Do(ctx, http.MethodDelete, "/fapi/v1/listenKey", params, c.keySigner)
	return c.mapError(err)
}

// PlaceOrder submits one order. The call is a single attempt; callers
// that want retries wrap it, which keeps attempt counts observable and
// guarantees each attempt is signed with a fresh timestamp.
func (c *Client) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResponse, error) {
	params := httpclient.Params{}.
		Add("symbol", req.Symbol).
		Add("side", string(req.Side))

	switch req.Type {
	case core.OrderTypeMarket:
		params = params.Add("type", "MARKET")
	case core.OrderTypeLimit:
		params = params.
			Add("type", "LIMIT").
			Add("price", req.Price.String()).
			Add("timeInForce", "GTC")
	case core.OrderTypePostOnly:
		// GTX rests the order or rejects it, never takes liquidity
		params = params.
			Add("type", "LIMIT").
			Add("price", req.Price.String()).
			Add("timeInForce", "GTX")
	default:
		return nil, fmt.Errorf("%w: unsupported order type %q", apperrors.ErrInvalidOrderParameter, req.Type)
	}

	params = params.Add("quantity", req.Quantity.String())

	body, err := c.http.Do(ctx, http.MethodPost, "/fapi/v1/order", params, c.signer)
	if err != nil {
		return nil, c.mapError(err)
	}

	var order core.OrderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}

	c.logger.Info("order placed",
		"symbol", order.Symbol,
		"order_id", order.OrderID,
		"side", order.Side,
		"type", order.Type,
		"status", order.Status,
	)
	return &order, nil
}

// CancelOrder cancels one order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*core.OrderResponse, error) {
	params := httpclient.Params{}.
		Add("symbol", symbol).
		Add("orderId", strconv.FormatInt(orderID, 10))

	body, err := c.http.Do(ctx, http.MethodDelete, "/fapi/v1/order", params, c.signer)
	if err != nil {
		return nil, c.mapError(err)
	}

	var order core.OrderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to parse cancel response: %w", err)
	}

	c.logger.Info("order cancelled",
		"symbol", order.Symbol,
		"order_id", order.OrderID,
		"status", order.Status,
	)
	return &order, nil
}

// mapError converts transport and API failures into the shared error
// vocabulary so callers can classify without knowing Binance codes.
func (c *Client) mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		return parseAPIError(apiErr)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}

func parseAPIError(apiErr *httpclient.APIError) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(apiErr.Body, &errResp); err != nil || errResp.Code == 0 {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: status %d", apperrors.ErrRateLimitExceeded, apiErr.StatusCode)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", apperrors.ErrSystemOverload, apiErr.StatusCode)
		default:
			return fmt.Errorf("binance error (status %d): %s", apiErr.StatusCode, string(apiErr.Body))
		}
	}

	// Map Binance error codes to standard errors
	switch errResp.Code {
	case -2015:
		return apperrors.ErrAuthenticationFailed
	case -2010:
		return apperrors.ErrInsufficientFunds
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1121:
		return apperrors.ErrInvalidSymbol
	case -2012:
		return apperrors.ErrDuplicateOrder
	case -2011:
		return apperrors.ErrOrderNotFound
	case -1021:
		return apperrors.ErrTimestampOutOfBounds
	case -1008:
		return apperrors.ErrSystemOverload
	case -1111, -4164:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, errResp.Msg)
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: binance error %d: %s", apperrors.ErrRateLimitExceeded, errResp.Code, errResp.Msg)
	case apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: binance error %d: %s", apperrors.ErrSystemOverload, errResp.Code, errResp.Msg)
	}
	return fmt.Errorf("binance error %d: %s", errResp.Code, errResp.Msg)
}

// parseKlines decodes the 12-element kline arrays the REST API returns.
func parseKlines(body []byte) ([]core.Kline, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse klines response: %w", err)
	}

	klines := make([]core.Kline, 0, len(rows))
	for i, row := range rows {
		if len(row) < 11 {
			return nil, fmt.Errorf("kline row %d has %d elements, want at least 11", i, len(row))
		}

		kline := core.Kline{
			OpenTime:  asInt64(row[0]),
			CloseTime: asInt64(row[6]),
		}

		var err error
		if kline.Open, err = asDecimal(row[1]); err != nil {
			return nil, fmt.Errorf("kline row %d open: %w", i, err)
		}
		if kline.High, err = asDecimal(row[2]); err != nil {
			return nil, fmt.Errorf("kline row %d high: %w", i, err)
		}
		if kline.Low, err = asDecimal(row[3]); err != nil {
			return nil, fmt.Errorf("kline row %d low: %w", i, err)
		}
		if kline.Close, err = asDecimal(row[4]); err != nil {
			return nil, fmt.Errorf("kline row %d close: %w", i, err)
		}
		if kline.Volume, err = asDecimal(row[5]); err != nil {
			return nil, fmt.Errorf("kline row %d volume: %w", i, err)
		}
		if kline.QuoteVolume, err = asDecimal(row[7]); err != nil {
			return nil, fmt.Errorf("kline row %d quote volume: %w", i, err)
		}
		kline.TradeCount = asInt64(row[8])
		if kline.TakerBuyVolume, err = asDecimal(row[9]); err != nil {
			return nil, fmt.Errorf("kline row %d taker buy volume: %w", i, err)
		}
		if kline.TakerBuyQuoteVol, err = asDecimal(row[10]); err != nil {
			return nil, fmt.Errorf("kline row %d taker buy quote volume: %w", i, err)
		}

		klines = append(klines, kline)
	}
	return klines, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

func asDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return decimal.NewFromString(n)
	case float64:
		return decimal.NewFromFloat(n), nil
	default:
		return decimal.Zero, fmt.Errorf("unexpected value %v (%T)", v, v)
	}
}
