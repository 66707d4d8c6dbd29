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
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Trading control errors
var (
	ErrTradingPaused      = errors.New("trading paused")
	ErrEmergencyStop      = errors.New("emergency stop active")
	ErrDuplicateSignal    = errors.New("duplicate signal")
	ErrTradeRejected      = errors.New("trade rejected by risk checks")
	ErrDailyOrderBudget   = errors.New("daily order budget exhausted")
	ErrOrderStatusTimeout = errors.New("order status polling timed out")
)
