package tr

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	apperrors "st_trading/pkg/errors"
)

// SafetyRatio is the fraction of the available balance the engine is
// willing to commit. The rest is headroom for fees and margin swings.
var SafetyRatio = decimal.NewFromFloat(0.95)

// CapitalManager tracks one account's balance and sizes positions from
// it. Balances arrive over the bus, so the manager stays unusable until
// the first de.account.balance lands.
type CapitalManager struct {
	userID     string
	leverage   decimal.Decimal
	marginType string

	mu        sync.Mutex
	available decimal.Decimal
	total     decimal.Decimal
	seeded    bool
}

func NewCapitalManager(userID string, leverage int, marginType string) *CapitalManager {
	if leverage < 1 {
		leverage = 1
	}
	if marginType == "" {
		marginType = "USDC"
	}
	return &CapitalManager{
		userID:     userID,
		leverage:   decimal.NewFromInt(int64(leverage)),
		marginType: marginType,
	}
}

func (c *CapitalManager) UserID() string     { return c.userID }
func (c *CapitalManager) MarginType() string { return c.marginType }

func (c *CapitalManager) Leverage() int {
	return int(c.leverage.IntPart())
}

// UpdateBalance records the latest balance snapshot. A zero total means
// the publisher only knows the available figure.
func (c *CapitalManager) UpdateBalance(available, total decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available = available
	if total.IsZero() {
		c.total = available
	} else {
		c.total = total
	}
	c.seeded = true
}

// AvailableBalance returns the last reported available balance.
func (c *CapitalManager) AvailableBalance() (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seeded {
		return decimal.Zero, fmt.Errorf("no balance reported yet for user %s: %w", c.userID, apperrors.ErrInsufficientData)
	}
	return c.available, nil
}

// UsableBalance is the available balance scaled by the safety ratio.
func (c *CapitalManager) UsableBalance() (decimal.Decimal, error) {
	available, err := c.AvailableBalance()
	if err != nil {
		return decimal.Zero, err
	}
	return available.Mul(SafetyRatio), nil
}

// MarginPerSymbol splits the usable balance evenly across the account's
// trading pairs.
func (c *CapitalManager) MarginPerSymbol(symbolCount int) (decimal.Decimal, error) {
	if symbolCount <= 0 {
		return decimal.Zero, fmt.Errorf("symbol count must be positive, got %d: %w", symbolCount, apperrors.ErrInvalidInput)
	}
	usable, err := c.UsableBalance()
	if err != nil {
		return decimal.Zero, err
	}
	return usable.Div(decimal.NewFromInt(int64(symbolCount))), nil
}

// PositionSize converts a margin allocation into a base-asset quantity:
// margin * ratio * leverage / entryPrice.
func (c *CapitalManager) PositionSize(margin, entryPrice decimal.Decimal, ratio float64) (decimal.Decimal, error) {
	if !margin.IsPositive() {
		return decimal.Zero, fmt.Errorf("margin must be positive, got %s: %w", margin, apperrors.ErrInvalidInput)
	}
	if !entryPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("entry price must be positive, got %s: %w", entryPrice, apperrors.ErrInvalidInput)
	}
	if ratio <= 0 || ratio > 1 {
		return decimal.Zero, fmt.Errorf("capital ratio must be in (0, 1], got %v: %w", ratio, apperrors.ErrInvalidInput)
	}
	return margin.Mul(decimal.NewFromFloat(ratio)).Mul(c.leverage).Div(entryPrice), nil
}
