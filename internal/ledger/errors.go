package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInsufficientFunds rejects a debit or lock larger than the available
	// balance. Nothing moves.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrLedgerUnavailable marks a transient failure. The call may be retried
	// with the same entry key.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrKeyReused is returned when an idempotency key is presented again
	// with a different operation or amount.
	ErrKeyReused = errors.New("idempotency key reused for a different entry")

	// ErrInvalidEntry rejects a malformed entry.
	ErrInvalidEntry = errors.New("invalid ledger entry")
)

// ServiceError is the error body returned by the ledger service.
type ServiceError struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("ledger: %s: %s", e.ErrorType, e.Message)
}

// Error types reported by the ledger service.
const (
	ErrTypeInsufficientBalance = "insufficientBalance"
	ErrTypeKeyReused           = "idempotencyKeyReused"
	ErrTypeInvalidEntry        = "invalidEntry"
)

// Unwrap maps service error types onto the package sentinels.
func (e *ServiceError) Unwrap() error {
	switch {
	case strings.Contains(e.ErrorType, ErrTypeInsufficientBalance):
		return ErrInsufficientFunds
	case strings.Contains(e.ErrorType, ErrTypeKeyReused):
		return ErrKeyReused
	case strings.Contains(e.ErrorType, ErrTypeInvalidEntry):
		return ErrInvalidEntry
	}
	return nil
}

// HTTPError represents a non-2xx response that carried no service error.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("ledger: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited returns true if the service is shedding load.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsRetryable returns true for rate limits and server errors.
func (e *HTTPError) IsRetryable() bool {
	return e.IsRateLimited() || e.StatusCode >= 500
}

// Unwrap reports retryable responses as ErrLedgerUnavailable.
func (e *HTTPError) Unwrap() error {
	if e.IsRetryable() {
		return ErrLedgerUnavailable
	}
	return nil
}
