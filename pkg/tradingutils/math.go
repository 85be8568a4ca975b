package tradingutils

import (
	"github.com/shopspring/decimal"
)

// TruncatePrice truncates a price to the given decimals, rounding toward zero.
// Exchanges reject prices with excess precision, so rounding up is never safe.
func TruncatePrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.RoundDown(int32(priceDecimals))
}

// TruncateQuantity truncates a quantity to the given decimals, rounding toward zero
func TruncateQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.RoundDown(int32(qtyDecimals))
}

// LadderPrices generates count evenly spaced price points starting at anchor
// inclusive: anchor, anchor+interval, anchor+2*interval, ...
func LadderPrices(anchor, interval decimal.Decimal, count int) []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, count)
	for i := 0; i < count; i++ {
		prices = append(prices, anchor.Add(interval.Mul(decimal.NewFromInt(int64(i)))))
	}
	return prices
}

// FeeAmount computes the fee charged on one leg of a trade
func FeeAmount(price, quantity, feeRate decimal.Decimal) decimal.Decimal {
	return price.Mul(quantity).Mul(feeRate)
}

// Notional computes price times quantity in the quote currency
func Notional(price, quantity decimal.Decimal) decimal.Decimal {
	return price.Mul(quantity)
}
