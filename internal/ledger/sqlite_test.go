package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/MJE43/pf-house/internal/store"
)

func newTestLedger(t *testing.T, starting string) (*SQLiteLedger, *store.SQLiteDB) {
	t.Helper()
	db, err := store.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	l := NewSQLiteLedger(db.SQL(), decimal.RequireFromString(starting))
	require.NoError(t, l.Migrate(context.Background()))
	return l, db
}

func entry(key, user, amount string) Entry {
	return Entry{Key: key, UserID: user, Currency: "btc", Amount: decimal.RequireFromString(amount)}
}

func TestSQLiteLedgerDebitCredit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10")

	bal, err := l.Balance(ctx, "alice", "btc")
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(10)))

	bal, err = l.Debit(ctx, entry("stake:1", "alice", "2.5"))
	require.NoError(t, err)
	require.Equal(t, "7.5", bal.String())

	bal, err = l.Credit(ctx, entry("payout:1", "alice", "4.95"))
	require.NoError(t, err)
	require.Equal(t, "12.45", bal.String())

	bal, err = l.Balance(ctx, "alice", "btc")
	require.NoError(t, err)
	require.Equal(t, "12.45", bal.String())
}

func TestSQLiteLedgerInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "1")

	_, err := l.Debit(ctx, entry("stake:1", "alice", "1.00000001"))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	bal, err := l.Balance(ctx, "alice", "btc")
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(1)), "balance must not move, got %s", bal)

	// The rejected key was not recorded, so it can be used again.
	_, err = l.Debit(ctx, entry("stake:1", "alice", "1"))
	require.NoError(t, err)
}

func TestSQLiteLedgerIdempotentKeys(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "5")

	first, err := l.Credit(ctx, entry("payout:r1:alice", "alice", "3"))
	require.NoError(t, err)
	again, err := l.Credit(ctx, entry("payout:r1:alice", "alice", "3"))
	require.NoError(t, err)
	require.True(t, first.Equal(again))

	bal, _ := l.Balance(ctx, "alice", "btc")
	require.Equal(t, "8", bal.String(), "credit must apply once")

	_, err = l.Credit(ctx, entry("payout:r1:alice", "alice", "4"))
	require.ErrorIs(t, err, ErrKeyReused)
	_, err = l.Debit(ctx, entry("payout:r1:alice", "alice", "3"))
	require.ErrorIs(t, err, ErrKeyReused)
}

func TestSQLiteLedgerZeroCredit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "5")

	bal, err := l.Credit(ctx, Entry{Key: "payout:lost", UserID: "alice", Currency: "btc", Amount: decimal.Zero})
	require.NoError(t, err)
	require.Equal(t, "5", bal.String())

	_, err = l.Debit(ctx, Entry{Key: "stake:zero", UserID: "alice", Currency: "btc", Amount: decimal.Zero})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestSQLiteLedgerLockUnlock(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10")

	require.NoError(t, l.Lock(ctx, entry("lock:1", "alice", "4")))
	bal, _ := l.Balance(ctx, "alice", "btc")
	require.Equal(t, "6", bal.String())
	held, _ := l.Held(ctx, "alice", "btc")
	require.Equal(t, "4", held.String())

	require.ErrorIs(t, l.Lock(ctx, entry("lock:2", "alice", "7")), ErrInsufficientFunds)
	require.ErrorIs(t, l.Unlock(ctx, entry("unlock:x", "alice", "5")), ErrInvalidEntry)

	require.NoError(t, l.Unlock(ctx, entry("unlock:1", "alice", "4")))
	require.NoError(t, l.Unlock(ctx, entry("unlock:1", "alice", "4")))
	bal, _ = l.Balance(ctx, "alice", "btc")
	require.Equal(t, "10", bal.String())
	held, _ = l.Held(ctx, "alice", "btc")
	require.True(t, held.IsZero())
}

func TestSQLiteLedgerConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Debit(ctx, Entry{
				Key:      fmt.Sprintf("stake:c%d", i),
				UserID:   "alice",
				Currency: "btc",
				Amount:   decimal.NewFromInt(1),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 10, succeeded)
	bal, _ := l.Balance(ctx, "alice", "btc")
	require.True(t, bal.IsZero(), "expected zero balance, got %s", bal)
}
