package ports

import (
	"errors"
	"fmt"
)

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Core Errors
	ErrInvariantViolation = errors.New("ledger invariant violation")
	ErrAccountNotFound    = errors.New("account not found")
	ErrPositionNotFound   = errors.New("position not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrPositionTerminal   = errors.New("position is closed or liquidated")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrGatewayTimeout       = errors.New("execution gateway did not answer in time")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
	ErrUpdateFailed = errors.New("database update failed")
)

// ConfigError reports a malformed or inconsistent policy table. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfigurationError }

// InvariantViolation reports a mutation that would leave the ledger inconsistent.
// The mutation is rejected and the position keeps its last known good state.
type InvariantViolation struct {
	AccountID  string
	PositionID string
	Symbol     string
	Detail     string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on account %s symbol %s position %s: %s", e.AccountID, e.Symbol, e.PositionID, e.Detail)
}

func (e *InvariantViolation) Unwrap() error { return ErrInvariantViolation }

// IsTransient reports whether err is worth retrying at the gateway boundary.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, ErrTimeout)
}
