package tr

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	apperrors "st_trading/pkg/errors"
	"st_trading/pkg/tradingutils"
)

// Exchange filters for one symbol. Quantities and prices are truncated
// to these precisions before submission; orders below the minimum
// notional are rejected locally instead of bouncing off the exchange.
type SymbolPrecision struct {
	PricePrecision    int
	QuantityPrecision int
	MinNotional       decimal.Decimal
}

var defaultPrecision = SymbolPrecision{
	PricePrecision:    2,
	QuantityPrecision: 0,
	MinNotional:       decimal.NewFromInt(5),
}

// PrecisionHandler holds per-symbol exchange filters with conservative
// defaults for symbols nobody registered.
type PrecisionHandler struct {
	mu      sync.RWMutex
	symbols map[string]SymbolPrecision
}

func NewPrecisionHandler() *PrecisionHandler {
	return &PrecisionHandler{symbols: make(map[string]SymbolPrecision)}
}

func (h *PrecisionHandler) SetSymbolPrecision(symbol string, pricePrecision, quantityPrecision int, minNotional decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.symbols[symbol] = SymbolPrecision{
		PricePrecision:    pricePrecision,
		QuantityPrecision: quantityPrecision,
		MinNotional:       minNotional,
	}
}

// For returns the registered filters for a symbol, or the defaults.
func (h *PrecisionHandler) For(symbol string) SymbolPrecision {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if p, ok := h.symbols[symbol]; ok {
		return p
	}
	return defaultPrecision
}

// RoundPrice truncates a price downward to the symbol's tick precision.
func (h *PrecisionHandler) RoundPrice(symbol string, price decimal.Decimal) decimal.Decimal {
	return tradingutils.TruncatePrice(price, h.For(symbol).PricePrecision)
}

// RoundQuantity truncates a quantity downward to the symbol's step
// precision.
func (h *PrecisionHandler) RoundQuantity(symbol string, quantity decimal.Decimal) decimal.Decimal {
	return tradingutils.TruncateQuantity(quantity, h.For(symbol).QuantityPrecision)
}

// ValidateOrder checks an already-rounded price and quantity against
// the symbol's filters.
func (h *PrecisionHandler) ValidateOrder(symbol string, price, quantity decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive, got %s: %w", price, apperrors.ErrInvalidInput)
	}
	if !quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s: %w", quantity, apperrors.ErrInvalidInput)
	}
	min := h.For(symbol).MinNotional
	if notional := tradingutils.Notional(price, quantity); notional.LessThan(min) {
		return fmt.Errorf("notional %s below minimum %s for %s: %w", notional, min, symbol, apperrors.ErrInvalidInput)
	}
	return nil
}
