package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestTruncatePriceRoundsDown(t *testing.T) {
	tests := []struct {
		price    string
		decimals int
		want     string
	}{
		{"1.23456", 2, "1.23"},
		{"1.239", 2, "1.23"},
		{"1.2", 2, "1.2"},
		{"0.999999", 4, "0.9999"},
		{"38000.7", 0, "38000"},
	}

	for _, tt := range tests {
		got := TruncatePrice(d(tt.price), tt.decimals)
		assert.True(t, d(tt.want).Equal(got), "TruncatePrice(%s, %d) = %s, want %s", tt.price, tt.decimals, got, tt.want)
	}
}

func TestLadderPrices(t *testing.T) {
	prices := LadderPrices(d("0.95"), d("0.01"), 11)
	assert.Len(t, prices, 11)
	assert.True(t, d("0.95").Equal(prices[0]))
	assert.True(t, d("1.00").Equal(prices[5]))
	assert.True(t, d("1.05").Equal(prices[10]))
}

func TestFeeAmount(t *testing.T) {
	// 38000 units at 1.00 with 4bp taker fee
	fee := FeeAmount(d("1.00"), d("38000"), d("0.0004"))
	assert.True(t, d("15.2").Equal(fee), "got %s", fee)
}

func TestNotional(t *testing.T) {
	assert.True(t, d("95").Equal(Notional(d("0.95"), d("100"))))
}
