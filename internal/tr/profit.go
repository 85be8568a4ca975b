package tr

import (
	"fmt"

	"github.com/shopspring/decimal"

	"st_trading/internal/core"
	apperrors "st_trading/pkg/errors"
	"st_trading/pkg/tradingutils"
)

// DefaultFeeRate is the taker fee assumed on both legs of a round trip
// when the exchange does not report the real commission.
var DefaultFeeRate = decimal.NewFromFloat(0.0004)

// OrderProfit is the net result of a closed position: direction-signed
// price difference times quantity, minus the entry and exit fees.
func OrderProfit(entryPrice, exitPrice, quantity decimal.Decimal, side core.PositionSide, feeRate decimal.Decimal) (decimal.Decimal, error) {
	if !entryPrice.IsPositive() || !exitPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("prices must be positive, got entry %s exit %s: %w", entryPrice, exitPrice, apperrors.ErrInvalidInput)
	}
	if !quantity.IsPositive() {
		return decimal.Zero, fmt.Errorf("quantity must be positive, got %s: %w", quantity, apperrors.ErrInvalidInput)
	}

	var diff decimal.Decimal
	switch side {
	case core.PositionLong:
		diff = exitPrice.Sub(entryPrice)
	case core.PositionShort:
		diff = entryPrice.Sub(exitPrice)
	default:
		return decimal.Zero, fmt.Errorf("side must be LONG or SHORT, got %q: %w", side, apperrors.ErrInvalidInput)
	}

	gross := diff.Mul(quantity)
	fees := tradingutils.FeeAmount(entryPrice, quantity, feeRate).
		Add(tradingutils.FeeAmount(exitPrice, quantity, feeRate))
	return gross.Sub(fees), nil
}

// GridPairProfit is the net profit of one completed buy-low sell-high
// grid pair.
func GridPairProfit(buyPrice, sellPrice, quantity, feeRate decimal.Decimal) (decimal.Decimal, error) {
	return OrderProfit(buyPrice, sellPrice, quantity, core.PositionLong, feeRate)
}

// ProfitSummary aggregates a series of realized results.
type ProfitSummary struct {
	TotalProfit decimal.Decimal
	ProfitCount int
	LossCount   int
	WinRate     float64
}

// SummarizeProfits folds realized results into totals and a win rate.
// Break-even trades count toward neither side.
func SummarizeProfits(profits []decimal.Decimal) ProfitSummary {
	var s ProfitSummary
	s.TotalProfit = decimal.Zero
	for _, p := range profits {
		s.TotalProfit = s.TotalProfit.Add(p)
		switch {
		case p.IsPositive():
			s.ProfitCount++
		case p.IsNegative():
			s.LossCount++
		}
	}
	if len(profits) > 0 {
		s.WinRate = float64(s.ProfitCount) / float64(len(profits))
	}
	return s
}

// ROI expresses a profit as a fraction of the capital that produced it.
func ROI(profit, capital decimal.Decimal) (decimal.Decimal, error) {
	if !capital.IsPositive() {
		return decimal.Zero, fmt.Errorf("capital must be positive, got %s: %w", capital, apperrors.ErrInvalidInput)
	}
	return profit.Div(capital), nil
}
