// Package ledger defines the balance ledger contract and the settlement
// pipeline that drives it.
//
// The ledger is an external, already atomic service. Every call carries an
// idempotency key: repeating a key returns the original result and never
// moves funds twice. Two implementations are provided, a SQLite ledger for
// standalone operation and an HTTP client for a remote ledger service.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/money"
)

// Operation kinds recorded against an entry key.
const (
	OpDebit  = "debit"
	OpCredit = "credit"
	OpLock   = "lock"
	OpUnlock = "unlock"
)

// Entry is one balance movement.
type Entry struct {
	Key      string          `json:"key"`
	UserID   string          `json:"userId"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason,omitempty"`
	// Ref is the bet, round or session the entry belongs to.
	Ref string `json:"ref,omitempty"`
}

// Validate checks the entry shape. Credits may carry a zero amount so that a
// losing settlement still leaves an idempotent record.
func (e Entry) Validate(op string) error {
	if e.Key == "" {
		return fmt.Errorf("%w: missing key", ErrInvalidEntry)
	}
	if e.UserID == "" || e.Currency == "" {
		return fmt.Errorf("%w: missing user or currency", ErrInvalidEntry)
	}
	if op == OpCredit && e.Amount.IsZero() {
		return nil
	}
	if err := money.Validate(e.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return nil
}

// Ledger is the settlement contract. Implementations must be safe for
// concurrent use.
type Ledger interface {
	// Debit removes funds and returns the new available balance, or
	// ErrInsufficientFunds.
	Debit(ctx context.Context, e Entry) (decimal.Decimal, error)
	// Credit adds funds and returns the new available balance.
	Credit(ctx context.Context, e Entry) (decimal.Decimal, error)
	// Lock moves funds from available to held.
	Lock(ctx context.Context, e Entry) error
	// Unlock returns held funds to available.
	Unlock(ctx context.Context, e Entry) error
	// Balance returns the available balance.
	Balance(ctx context.Context, userID, currency string) (decimal.Decimal, error)
}

// Key helpers keep entry keys stable across retries and restarts.

// StakeKey is the debit key of a bet's base stake.
func StakeKey(ref string) string { return "stake:" + ref }

// ExtraStakeKey is the debit key of an additional stake within a session
// (a double or a split).
func ExtraStakeKey(ref string, step int) string { return fmt.Sprintf("stake:%s:%d", ref, step) }

// PayoutKey is the credit key of a bet's settlement.
func PayoutKey(ref string) string { return "payout:" + ref }

// RefundKey is the credit key that returns a stake which was never accepted.
func RefundKey(ref string) string { return "refund:" + ref }
