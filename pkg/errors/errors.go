package apperrors

import "errors"

// Standardized exchange errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Domain errors raised by the trading pipeline
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInsufficientData = errors.New("insufficient data")
	ErrDuplicate        = errors.New("duplicate entry")
	ErrStoreClosed      = errors.New("store is closed")
	ErrBusClosed        = errors.New("event bus is closed")
	ErrNotConnected     = errors.New("not connected")
	ErrNoPosition       = errors.New("no open position")
	ErrPositionOpen     = errors.New("position already open")
)

// IsTransient reports whether an error is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrSystemOverload) ||
		errors.Is(err, ErrTimestampOutOfBounds)
}
