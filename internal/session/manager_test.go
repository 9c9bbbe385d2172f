package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MJE43/pf-house/internal/broadcast"
	"github.com/MJE43/pf-house/internal/engine"
	"github.com/MJE43/pf-house/internal/games"
	"github.com/MJE43/pf-house/internal/ledger"
	"github.com/MJE43/pf-house/internal/money"
	"github.com/MJE43/pf-house/internal/seeds"
	"github.com/MJE43/pf-house/internal/store"
)

var testServerSeed = strings.Repeat("a", 64)

// fixedSeeds hands out the test pair with sequential nonces.
type fixedSeeds struct {
	mu       sync.Mutex
	next     uint64
	released int
}

func (f *fixedSeeds) Acquire(string) (*seeds.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pair := engine.SeedPair{
		ServerSeed:     testServerSeed,
		ServerSeedHash: engine.Commit(testServerSeed),
		ClientSeed:     "b",
		Nonce:          f.next,
	}
	f.next++
	return seeds.NewLease(pair, func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}), nil
}

type harness struct {
	mgr     *Manager
	seeds   *fixedSeeds
	db      *store.SQLiteDB
	ledger  *ledger.SQLiteLedger
	settler *ledger.Settler
	pub     *broadcast.Recorder
}

func newHarness(t *testing.T, nonce uint64, starting string) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	l := ledger.NewSQLiteLedger(db.SQL(), decimal.RequireFromString(starting))
	if err := l.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	settler := ledger.NewSettler(l, db, ledger.SettlerConfig{MaxTries: 2, InitialInterval: time.Millisecond}, zap.NewNop())
	src := &fixedSeeds{next: nonce}
	pub := &broadcast.Recorder{}
	mgr := NewManager(src, settler, db, pub, Config{GracePeriod: time.Minute}, zap.NewNop())
	return &harness{mgr: mgr, seeds: src, db: db, ledger: l, settler: settler, pub: pub}
}

func (h *harness) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.settler.Wait(ctx); err != nil {
		t.Fatalf("settler did not drain: %v", err)
	}
	bal, err := h.ledger.Balance(context.Background(), user, "btc")
	if err != nil {
		t.Fatal(err)
	}
	return bal
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPlayDiceScenario(t *testing.T) {
	h := newHarness(t, 1, "10")

	res, err := h.mgr.Play(context.Background(), PlayRequest{
		UserID:    "alice",
		Game:      "dice",
		Amount:    dec("1"),
		Currency:  "btc",
		Selection: json.RawMessage(`{"target":"50","condition":"under"}`),
	})
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if !res.Win || !res.Multiplier.Equal(dec("1.9602")) {
		t.Errorf("Expected a win at 1.9602, got win=%v multiplier=%s", res.Win, res.Multiplier)
	}
	if !res.Payout.Equal(dec("1.9602")) {
		t.Errorf("Expected payout 1.9602, got %s", res.Payout)
	}
	if res.Seeds.ServerSeed != "" {
		t.Error("Play result must not reveal the server seed")
	}
	if !res.Balance.Equal(dec("9")) {
		t.Errorf("Expected balance 9 after the debit, got %s", res.Balance)
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("10.9602")) {
		t.Errorf("Expected balance 10.9602, got %s", got)
	}

	bet, err := h.db.GetBet(context.Background(), res.BetID)
	if err != nil {
		t.Fatalf("Expected a history record: %v", err)
	}
	if bet.Nonce != 1 || bet.Kind != store.KindInstant || !bet.Payout.Equal(res.Payout) {
		t.Errorf("Unexpected record: %+v", bet)
	}
	if h.seeds.released != 1 {
		t.Errorf("Expected the lease released, got %d releases", h.seeds.released)
	}
}

func TestPlayLossCreditsZero(t *testing.T) {
	h := newHarness(t, 1, "10")
	res, err := h.mgr.Play(context.Background(), PlayRequest{
		UserID: "alice", Game: "dice", Amount: dec("2"), Currency: "btc",
		Selection: json.RawMessage(`{"target":"50","condition":"over"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Win || !res.Payout.IsZero() {
		t.Errorf("Expected a loss, got %+v", res)
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("8")) {
		t.Errorf("Expected balance 8, got %s", got)
	}
}

func TestPlayValidation(t *testing.T) {
	h := newHarness(t, 0, "10")
	ctx := context.Background()

	tests := []struct {
		name string
		req  PlayRequest
		want error
	}{
		{"unknown game", PlayRequest{UserID: "a", Game: "slots", Amount: dec("1"), Currency: "btc"}, games.ErrUnknownGame},
		{"session game", PlayRequest{UserID: "a", Game: "mines", Amount: dec("1"), Currency: "btc"}, games.ErrValidation},
		{"round game", PlayRequest{UserID: "a", Game: "crash", Amount: dec("1"), Currency: "btc"}, games.ErrValidation},
		{"zero amount", PlayRequest{UserID: "a", Game: "dice", Amount: dec("0"), Currency: "btc"}, games.ErrValidation},
		{"bad selection", PlayRequest{UserID: "a", Game: "dice", Amount: dec("1"), Currency: "btc",
			Selection: json.RawMessage(`{"target":"1","condition":"over"}`)}, games.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.mgr.Play(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
	if h.seeds.next != 0 {
		t.Errorf("Validation failures must not consume nonces, next is %d", h.seeds.next)
	}
	if got := h.balance(t, "a"); !got.Equal(dec("10")) {
		t.Errorf("Validation failures must not move funds, balance %s", got)
	}
}

func TestPlayInsufficientFunds(t *testing.T) {
	h := newHarness(t, 0, "1")
	_, err := h.mgr.Play(context.Background(), PlayRequest{
		UserID: "alice", Game: "dice", Amount: dec("2"), Currency: "btc",
		Selection: json.RawMessage(`{"target":"50","condition":"under"}`),
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("Expected insufficient funds, got %v", err)
	}
}

func TestMinesSessionCashout(t *testing.T) {
	h := newHarness(t, 1, "10")
	ctx := context.Background()

	view, err := h.mgr.Start(ctx, StartRequest{
		UserID: "alice", Game: "mines", Amount: dec("1"), Currency: "btc",
		Selection: json.RawMessage(`{"mines":3}`),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if view.IsComplete {
		t.Fatal("Expected an open session")
	}

	if _, err := h.mgr.Start(ctx, StartRequest{UserID: "alice", Game: "mines", Amount: dec("1"), Currency: "btc"}); !errors.Is(err, games.ErrStateConflict) {
		t.Errorf("Expected a second mines session to conflict, got %v", err)
	}

	// nonce 1 places mines on 7, 5 and 18
	view, err = h.mgr.Act(ctx, "alice", view.ID, games.Action{Type: games.ActionReveal, Position: 0})
	if err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	view, err = h.mgr.Act(ctx, "alice", view.ID, games.Action{Type: games.ActionCashout})
	if err != nil {
		t.Fatalf("Cashout failed: %v", err)
	}
	if !view.IsComplete || view.Result == nil || !view.Result.Win {
		t.Fatalf("Expected a completed win, got %+v", view)
	}
	if !view.Result.Payout.Equal(dec("1.125")) {
		t.Errorf("Expected payout 1.125, got %s", view.Result.Payout)
	}
	layout, ok := view.Result.Layout.(games.MinesLayout)
	if !ok || len(layout.MinePositions) != 3 {
		t.Errorf("Expected the mine layout to be published, got %#v", view.Result.Layout)
	}

	if h.mgr.Len() != 0 {
		t.Errorf("Expected the session removed, %d live", h.mgr.Len())
	}
	if _, err := h.mgr.Act(ctx, "alice", view.ID, games.Action{Type: games.ActionReveal, Position: 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected a settled session to be gone, got %v", err)
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("10.125")) {
		t.Errorf("Expected balance 10.125, got %s", got)
	}

	bet, err := h.db.GetBet(ctx, view.Result.BetID)
	if err != nil {
		t.Fatal(err)
	}
	if bet.Kind != store.KindSession || bet.RefID != view.ID || len(bet.Actions) == 0 {
		t.Errorf("Unexpected session record: %+v", bet)
	}
}

func TestSessionInvalidActionDoesNotMutate(t *testing.T) {
	h := newHarness(t, 1, "10")
	ctx := context.Background()
	view, err := h.mgr.Start(ctx, StartRequest{UserID: "alice", Game: "mines", Amount: dec("1"), Currency: "btc"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.mgr.Act(ctx, "alice", view.ID, games.Action{Type: games.ActionCashout}); !errors.Is(err, games.ErrStateConflict) {
		t.Errorf("Expected cashout before a reveal to conflict, got %v", err)
	}
	if _, err := h.mgr.Act(ctx, "alice", view.ID, games.Action{Type: games.ActionHit}); !errors.Is(err, games.ErrStateConflict) {
		t.Errorf("Expected hit to conflict, got %v", err)
	}
	if _, err := h.mgr.Act(ctx, "bob", view.ID, games.Action{Type: games.ActionReveal}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected another user's session to be hidden, got %v", err)
	}

	got, err := h.mgr.Get("alice", view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v := got.State.(games.MinesView); len(v.Revealed) != 0 {
		t.Errorf("Expected no reveals, got %v", v.Revealed)
	}
}

func TestSessionActionsAreSerialized(t *testing.T) {
	h := newHarness(t, 1, "10")
	ctx := context.Background()
	view, err := h.mgr.Start(ctx, StartRequest{UserID: "alice", Game: "mines", Amount: dec("1"), Currency: "btc"})
	if err != nil {
		t.Fatal(err)
	}

	// Everyone races to reveal the same safe tile; exactly one may win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, conflicts := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.Act(ctx, "alice", view.ID, games.Action{Type: games.ActionReveal, Position: 0})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, games.ErrStateConflict):
				conflicts++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || conflicts != 15 {
		t.Errorf("Expected 1 success and 15 conflicts, got %d and %d", ok, conflicts)
	}
	got, _ := h.mgr.Get("alice", view.ID)
	if v := got.State.(games.MinesView); len(v.Revealed) != 1 {
		t.Errorf("Expected exactly one reveal, got %v", v.Revealed)
	}
}

func TestBlackjackNaturalSettlesOnStart(t *testing.T) {
	h := newHarness(t, 1, "10")
	// nonce 1 deals a player natural
	view, err := h.mgr.Start(context.Background(), StartRequest{UserID: "alice", Game: "blackjack", Amount: dec("4"), Currency: "btc"})
	if err != nil {
		t.Fatal(err)
	}
	if !view.IsComplete || !view.Result.Payout.Equal(dec("10")) {
		t.Fatalf("Expected the natural to return 2.5x (10), got %+v", view.Result)
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("16")) {
		t.Errorf("Expected balance 16, got %s", got)
	}
	if h.mgr.Len() != 0 {
		t.Error("Expected no live session after a natural")
	}
}

func TestBlackjackDoubleDebitsExtraStake(t *testing.T) {
	h := newHarness(t, 4, "10")
	ctx := context.Background()
	// nonce 4 doubles into a bust
	view, err := h.mgr.Start(ctx, StartRequest{UserID: "alice", Game: "blackjack", Amount: dec("2"), Currency: "btc"})
	if err != nil {
		t.Fatal(err)
	}
	view, err = h.mgr.Act(ctx, "alice", view.ID, games.Action{Type: games.ActionDouble})
	if err != nil {
		t.Fatalf("Double failed: %v", err)
	}
	if !view.IsComplete || view.Result.Win {
		t.Fatalf("Expected a settled loss, got %+v", view.Result)
	}
	if !view.Result.Staked.Equal(dec("4")) {
		t.Errorf("Expected 4 staked, got %s", view.Result.Staked)
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("6")) {
		t.Errorf("Expected balance 6, got %s", got)
	}
}

func TestBlackjackSplitDoubleRecordConserves(t *testing.T) {
	h := newHarness(t, 64, "10")
	ctx := context.Background()
	// nonce 64 deals a pair; the first split hand doubles
	view, err := h.mgr.Start(ctx, StartRequest{UserID: "alice", Game: "blackjack", Amount: dec("1"), Currency: "btc"})
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range []games.ActionType{games.ActionSplit, games.ActionDouble, games.ActionStand} {
		view, err = h.mgr.Act(ctx, "alice", view.ID, games.Action{Type: a})
		if err != nil {
			t.Fatalf("%s failed: %v", a, err)
		}
	}
	if !view.IsComplete {
		t.Fatal("Expected the hand to settle after standing")
	}

	bet, err := h.db.GetBet(ctx, view.Result.BetID)
	if err != nil {
		t.Fatal(err)
	}
	if got := money.Payout(bet.Stake, bet.Multiplier); !got.Equal(bet.Payout) {
		t.Errorf("Expected stake x multiplier %s to equal payout %s", got, bet.Payout)
	}
	if !bet.Stake.Equal(dec("1")) || !bet.TotalStaked.Equal(dec("3")) {
		t.Errorf("Expected stake 1 and total staked 3, got %s and %s", bet.Stake, bet.TotalStaked)
	}
	if !bet.Payout.Equal(view.Result.Payout) || !view.Result.Staked.Equal(dec("3")) {
		t.Errorf("Record %s does not match result %+v", bet.Payout, view.Result)
	}
	want := dec("7").Add(view.Result.Payout)
	if got := h.balance(t, "alice"); !got.Equal(want) {
		t.Errorf("Expected balance %s, got %s", want, got)
	}
}

func TestBlackjackDoubleWithoutFundsKeepsHand(t *testing.T) {
	h := newHarness(t, 4, "3")
	ctx := context.Background()
	view, err := h.mgr.Start(ctx, StartRequest{UserID: "alice", Game: "blackjack", Amount: dec("2"), Currency: "btc"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Act(ctx, "alice", view.ID, games.Action{Type: games.ActionDouble}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("Expected insufficient funds, got %v", err)
	}
	got, err := h.mgr.Get("alice", view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsComplete {
		t.Error("A failed double must leave the hand open")
	}
	if v := got.State.(games.BlackjackView); len(v.Hands) != 1 || len(v.Hands[0].Cards) != 2 {
		t.Errorf("Expected the opening hand untouched, got %+v", v.Hands)
	}
}

func TestExpireIdleCashesOut(t *testing.T) {
	h := newHarness(t, 1, "10")
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.mgr.now = func() time.Time { return now }

	view, err := h.mgr.Start(ctx, StartRequest{UserID: "alice", Game: "mines", Amount: dec("1"), Currency: "btc"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Act(ctx, "alice", view.ID, games.Action{Type: games.ActionReveal, Position: 0}); err != nil {
		t.Fatal(err)
	}

	now = now.Add(30 * time.Second)
	if n := h.mgr.ExpireIdle(); n != 0 {
		t.Errorf("Expected nothing to expire inside the grace period, got %d", n)
	}
	now = now.Add(2 * time.Minute)
	if n := h.mgr.ExpireIdle(); n != 1 {
		t.Fatalf("Expected 1 expiry, got %d", n)
	}
	if h.mgr.Len() != 0 {
		t.Error("Expected the expired session removed")
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("10.125")) {
		t.Errorf("Expected expiry to cash out at 1.125, got balance %s", got)
	}
	if len(h.pub.OfType(broadcast.ActionResult)) == 0 {
		t.Error("Expected an actionResult event for the expiry")
	}
}

func TestExpireAllResolvesBusyAndFreshSessions(t *testing.T) {
	h := newHarness(t, 1, "10")
	ctx := context.Background()

	view, err := h.mgr.Start(ctx, StartRequest{UserID: "alice", Game: "mines", Amount: dec("1"), Currency: "btc"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Act(ctx, "alice", view.ID, games.Action{Type: games.ActionReveal, Position: 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Start(ctx, StartRequest{UserID: "bob", Game: "hilo", Amount: dec("2"), Currency: "btc"}); err != nil {
		t.Fatal(err)
	}

	if n := h.mgr.ExpireIdle(); n != 0 {
		t.Fatalf("Expected fresh sessions to survive an idle sweep, got %d", n)
	}
	if n := h.mgr.ExpireAll(); n != 2 {
		t.Fatalf("Expected 2 expiries, got %d", n)
	}
	if h.mgr.Len() != 0 {
		t.Error("Expected no live sessions after ExpireAll")
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("10.125")) {
		t.Errorf("Expected alice cashed out at 1.125, got balance %s", got)
	}
	// hilo without a correct guess forfeits on expiry
	if got := h.balance(t, "bob"); !got.Equal(dec("8")) {
		t.Errorf("Expected bob at 8, got %s", got)
	}
}

func TestStartFailureLeavesNoSession(t *testing.T) {
	h := newHarness(t, 1, "0.5")
	_, err := h.mgr.Start(context.Background(), StartRequest{UserID: "alice", Game: "hilo", Amount: dec("1"), Currency: "btc"})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("Expected insufficient funds, got %v", err)
	}
	if h.mgr.Len() != 0 {
		t.Error("Expected no session after a failed start")
	}
	if h.seeds.released != 1 {
		t.Errorf("Expected the lease released, got %d", h.seeds.released)
	}
	if len(h.mgr.Active("alice")) != 0 {
		t.Error("Expected no active sessions")
	}
}
