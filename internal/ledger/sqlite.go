package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SQLiteLedger is a self-contained ledger for standalone deployments. Each
// operation runs in one transaction; the entry table enforces idempotency.
type SQLiteLedger struct {
	db       *sql.DB
	starting decimal.Decimal
	now      func() time.Time
}

// NewSQLiteLedger uses db for balances and entries. Users that have never
// been seen start with startingBalance in every currency.
func NewSQLiteLedger(db *sql.DB, startingBalance decimal.Decimal) *SQLiteLedger {
	return &SQLiteLedger{db: db, starting: startingBalance, now: time.Now}
}

// Migrate creates the ledger tables.
func (l *SQLiteLedger) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_balances (
			user_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			available TEXT NOT NULL,
			locked TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, currency)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			entry_key TEXT PRIMARY KEY,
			op TEXT NOT NULL,
			user_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount TEXT NOT NULL,
			balance_after TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries(user_id, created_at)`,
	}
	for _, q := range stmts {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ledger migration failed: %w", err)
		}
	}
	return nil
}

// Debit implements Ledger.
func (l *SQLiteLedger) Debit(ctx context.Context, e Entry) (decimal.Decimal, error) {
	return l.apply(ctx, OpDebit, e, func(avail, locked decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
		if avail.LessThan(e.Amount) {
			return avail, locked, fmt.Errorf("%w: balance %s, debit %s", ErrInsufficientFunds, avail, e.Amount)
		}
		return avail.Sub(e.Amount), locked, nil
	})
}

// Credit implements Ledger.
func (l *SQLiteLedger) Credit(ctx context.Context, e Entry) (decimal.Decimal, error) {
	return l.apply(ctx, OpCredit, e, func(avail, locked decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
		return avail.Add(e.Amount), locked, nil
	})
}

// Lock implements Ledger.
func (l *SQLiteLedger) Lock(ctx context.Context, e Entry) error {
	_, err := l.apply(ctx, OpLock, e, func(avail, locked decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
		if avail.LessThan(e.Amount) {
			return avail, locked, fmt.Errorf("%w: balance %s, lock %s", ErrInsufficientFunds, avail, e.Amount)
		}
		return avail.Sub(e.Amount), locked.Add(e.Amount), nil
	})
	return err
}

// Unlock implements Ledger.
func (l *SQLiteLedger) Unlock(ctx context.Context, e Entry) error {
	_, err := l.apply(ctx, OpUnlock, e, func(avail, locked decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
		if locked.LessThan(e.Amount) {
			return avail, locked, fmt.Errorf("%w: only %s held, unlock %s", ErrInvalidEntry, locked, e.Amount)
		}
		return avail.Add(e.Amount), locked.Sub(e.Amount), nil
	})
	return err
}

// Balance implements Ledger.
func (l *SQLiteLedger) Balance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	var avail decimal.Decimal
	err := l.db.QueryRowContext(ctx,
		`SELECT available FROM ledger_balances WHERE user_id = ? AND currency = ?`, userID, currency).Scan(&avail)
	if errors.Is(err, sql.ErrNoRows) {
		return l.starting, nil
	}
	if err != nil {
		return decimal.Zero, wrapDBErr(err)
	}
	return avail, nil
}

// Held returns the locked balance.
func (l *SQLiteLedger) Held(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	var locked decimal.Decimal
	err := l.db.QueryRowContext(ctx,
		`SELECT locked FROM ledger_balances WHERE user_id = ? AND currency = ?`, userID, currency).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, wrapDBErr(err)
	}
	return locked, nil
}

type balanceFn func(avail, locked decimal.Decimal) (decimal.Decimal, decimal.Decimal, error)

func (l *SQLiteLedger) apply(ctx context.Context, op string, e Entry, fn balanceFn) (decimal.Decimal, error) {
	if err := e.Validate(op); err != nil {
		return decimal.Zero, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, wrapDBErr(err)
	}
	defer tx.Rollback()

	var prevOp string
	var prevAmount, prevBalance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT op, amount, balance_after FROM ledger_entries WHERE entry_key = ?`, e.Key).
		Scan(&prevOp, &prevAmount, &prevBalance)
	switch {
	case err == nil:
		if prevOp != op || !prevAmount.Equal(e.Amount) {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrKeyReused, e.Key)
		}
		return prevBalance, nil
	case !errors.Is(err, sql.ErrNoRows):
		return decimal.Zero, wrapDBErr(err)
	}

	avail, locked := l.starting, decimal.Zero
	err = tx.QueryRowContext(ctx,
		`SELECT available, locked FROM ledger_balances WHERE user_id = ? AND currency = ?`,
		e.UserID, e.Currency).Scan(&avail, &locked)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, wrapDBErr(err)
	}

	avail, locked, err = fn(avail, locked)
	if err != nil {
		return decimal.Zero, err
	}

	now := l.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (user_id, currency, available, locked, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, currency) DO UPDATE SET
			available = excluded.available,
			locked = excluded.locked,
			updated_at = excluded.updated_at`,
		e.UserID, e.Currency, avail.String(), locked.String(), now); err != nil {
		return decimal.Zero, wrapDBErr(err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (entry_key, op, user_id, currency, amount, balance_after, reason, ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key, op, e.UserID, e.Currency, e.Amount.String(), avail.String(), e.Reason, e.Ref, now); err != nil {
		if isConstraintErr(err) {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrKeyReused, e.Key)
		}
		return decimal.Zero, wrapDBErr(err)
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, wrapDBErr(err)
	}
	return avail, nil
}

// wrapDBErr reports lock contention as a transient failure so the settler
// retries it.
func wrapDBErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return err
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "unique")
}
