package tr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "st_trading/pkg/errors"
)

func TestPrecisionDefaults(t *testing.T) {
	h := NewPrecisionHandler()

	p := h.For("XRPUSDC")
	assert.Equal(t, 2, p.PricePrecision)
	assert.Equal(t, 0, p.QuantityPrecision)
	assert.True(t, p.MinNotional.Equal(d("5")), "got %s", p.MinNotional)

	price := h.RoundPrice("XRPUSDC", d("1.0567"))
	assert.True(t, price.Equal(d("1.05")), "got %s", price)

	qty := h.RoundQuantity("XRPUSDC", d("12.7"))
	assert.True(t, qty.Equal(d("12")), "got %s", qty)
}

func TestPrecisionPerSymbolOverride(t *testing.T) {
	h := NewPrecisionHandler()
	h.SetSymbolPrecision("BTCUSDT", 1, 3, d("100"))

	price := h.RoundPrice("BTCUSDT", d("65123.456"))
	assert.True(t, price.Equal(d("65123.4")), "got %s", price)

	qty := h.RoundQuantity("BTCUSDT", d("0.12349"))
	assert.True(t, qty.Equal(d("0.123")), "got %s", qty)

	// Other symbols keep the defaults.
	other := h.RoundPrice("XRPUSDC", d("1.0567"))
	assert.True(t, other.Equal(d("1.05")), "got %s", other)
}

func TestValidateOrder(t *testing.T) {
	h := NewPrecisionHandler()

	require.NoError(t, h.ValidateOrder("XRPUSDC", d("1.00"), d("5")))
	require.NoError(t, h.ValidateOrder("XRPUSDC", d("1.00"), d("1000")))

	err := h.ValidateOrder("XRPUSDC", d("0"), d("100"))
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	err = h.ValidateOrder("XRPUSDC", d("1.00"), d("0"))
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	// 1.00 * 4 = 4 notional, below the default minimum of 5.
	err = h.ValidateOrder("XRPUSDC", d("1.00"), d("4"))
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
