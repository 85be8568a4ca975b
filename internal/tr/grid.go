package tr

import (
	"fmt"

	"github.com/shopspring/decimal"

	"st_trading/internal/core"
	apperrors "st_trading/pkg/errors"
	"st_trading/pkg/tradingutils"
)

// Rung is one resting order slot in a grid ladder.
type Rung struct {
	Level    int
	Side     core.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// GridInterval is the price distance between adjacent grid levels.
func GridInterval(upper, lower decimal.Decimal, levels int) (decimal.Decimal, error) {
	if upper.LessThanOrEqual(lower) {
		return decimal.Zero, fmt.Errorf("upper price %s must exceed lower price %s: %w", upper, lower, apperrors.ErrInvalidInput)
	}
	if levels <= 0 {
		return decimal.Zero, fmt.Errorf("grid levels must be positive, got %d: %w", levels, apperrors.ErrInvalidInput)
	}
	return upper.Sub(lower).Div(decimal.NewFromInt(int64(levels))), nil
}

// GridPrices returns the levels+1 evenly spaced prices from lower to
// upper inclusive.
func GridPrices(upper, lower decimal.Decimal, levels int) ([]decimal.Decimal, error) {
	interval, err := GridInterval(upper, lower, levels)
	if err != nil {
		return nil, err
	}
	return tradingutils.LadderPrices(lower, interval, levels+1), nil
}

// DirectionalGrid lays every rung on the same side, using the bottom
// `levels` prices of the band so the topmost price is left open as the
// exit boundary. Quantity is split evenly across the rungs.
func DirectionalGrid(upper, lower decimal.Decimal, levels int, totalQuantity decimal.Decimal, side core.Side) ([]Rung, error) {
	if side != core.SideBuy && side != core.SideSell {
		return nil, fmt.Errorf("side must be BUY or SELL, got %q: %w", side, apperrors.ErrInvalidInput)
	}
	if !totalQuantity.IsPositive() {
		return nil, fmt.Errorf("total quantity must be positive, got %s: %w", totalQuantity, apperrors.ErrInvalidInput)
	}
	prices, err := GridPrices(upper, lower, levels)
	if err != nil {
		return nil, err
	}

	perRung := totalQuantity.Div(decimal.NewFromInt(int64(levels)))
	rungs := make([]Rung, 0, levels)
	for i := 0; i < levels; i++ {
		rungs = append(rungs, Rung{Level: i, Side: side, Price: prices[i], Quantity: perRung})
	}
	return rungs, nil
}

// SymmetricGrid partitions the band around an entry price: every grid
// price strictly below the entry becomes a BUY rung and every price
// strictly above becomes a SELL rung. A grid price equal to the entry
// is dropped. Quantity is split evenly across all rungs.
func SymmetricGrid(entry, upper, lower decimal.Decimal, levels int, totalQuantity decimal.Decimal) ([]Rung, error) {
	if !totalQuantity.IsPositive() {
		return nil, fmt.Errorf("total quantity must be positive, got %s: %w", totalQuantity, apperrors.ErrInvalidInput)
	}
	if entry.LessThanOrEqual(lower) || entry.GreaterThanOrEqual(upper) {
		return nil, fmt.Errorf("entry price %s must sit strictly inside (%s, %s): %w", entry, lower, upper, apperrors.ErrInvalidInput)
	}
	prices, err := GridPrices(upper, lower, levels)
	if err != nil {
		return nil, err
	}

	var buys, sells []decimal.Decimal
	for _, p := range prices {
		switch {
		case p.LessThan(entry):
			buys = append(buys, p)
		case p.GreaterThan(entry):
			sells = append(sells, p)
		}
	}
	count := len(buys) + len(sells)
	if count == 0 {
		return nil, nil
	}

	perRung := totalQuantity.Div(decimal.NewFromInt(int64(count)))
	rungs := make([]Rung, 0, count)
	for i, p := range buys {
		rungs = append(rungs, Rung{Level: i, Side: core.SideBuy, Price: p, Quantity: perRung})
	}
	for i, p := range sells {
		rungs = append(rungs, Rung{Level: i, Side: core.SideSell, Price: p, Quantity: perRung})
	}
	return rungs, nil
}
