package round

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MJE43/pf-house/internal/broadcast"
	"github.com/MJE43/pf-house/internal/engine"
	"github.com/MJE43/pf-house/internal/games"
	"github.com/MJE43/pf-house/internal/ledger"
	"github.com/MJE43/pf-house/internal/store"
)

const (
	testBetting  = 10 * time.Second
	testCooldown = 3 * time.Second
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fixedCrash plays every round to the same crash point.
type fixedCrash struct{ point decimal.Decimal }

func (fixedCrash) Game() string { return "crash" }

func (d fixedCrash) Start(engine.SeedPair) (Play, error) {
	return &crashPlay{res: games.CrashResult{CrashPoint: d.point}, crashAt: games.TimeToReach(d.point)}, nil
}

// panicOnce panics the first time a round starts.
type panicOnce struct {
	Driver
	fired atomic.Bool
}

func (p *panicOnce) Start(seeds engine.SeedPair) (Play, error) {
	if p.fired.CompareAndSwap(false, true) {
		panic("driver exploded")
	}
	return p.Driver.Start(seeds)
}

// gatedFunds holds every debit until the gate opens.
type gatedFunds struct {
	Funds
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedFunds) Debit(ctx context.Context, e ledger.Entry) (decimal.Decimal, error) {
	close(g.entered)
	<-g.gate
	return g.Funds.Debit(ctx, e)
}

type tableHarness struct {
	table   *Table
	clock   *FakeClock
	db      *store.SQLiteDB
	ledger  *ledger.SQLiteLedger
	settler *ledger.Settler
	pub     *broadcast.Recorder
}

func newEnv(t *testing.T) *tableHarness {
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
	l := ledger.NewSQLiteLedger(db.SQL(), decimal.NewFromInt(10))
	if err := l.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return &tableHarness{
		clock:   NewFakeClock(testStart),
		db:      db,
		ledger:  l,
		settler: ledger.NewSettler(l, db, ledger.SettlerConfig{MaxTries: 2, InitialInterval: time.Millisecond}, zap.NewNop()),
		pub:     &broadcast.Recorder{},
	}
}

func (h *tableHarness) newTable(game string, driver Driver, funds Funds) *Table {
	if funds == nil {
		funds = h.settler
	}
	return NewTable(TableConfig{
		ID:           "t-" + game,
		Game:         game,
		Salt:         "salt",
		BettingTime:  testBetting,
		PlayTime:     5 * time.Second,
		TickInterval: 100 * time.Millisecond,
		Cooldown:     testCooldown,
	}, driver, Deps{Funds: funds, History: h.db, Publisher: h.pub, Clock: h.clock, Logger: zap.NewNop()})
}

func newTableHarness(t *testing.T, game string, driver Driver) *tableHarness {
	t.Helper()
	h := newEnv(t)
	h.start(t, h.newTable(game, driver, nil))
	return h
}

func (h *tableHarness) start(t *testing.T, tbl *Table) {
	t.Helper()
	stop := runTable(t, h, tbl)
	t.Cleanup(func() {
		stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.settler.Wait(ctx)
	})
}

func (h *tableHarness) waitFor(t *testing.T, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.table.Snapshot(); cond(s) {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s; last snapshot %+v", what, h.table.Snapshot())
	return Snapshot{}
}

// closeBetting fires the betting timer of the current round.
func (h *tableHarness) closeBetting(t *testing.T) Snapshot {
	t.Helper()
	number := h.table.Snapshot().Number
	h.clock.Advance(testBetting)
	return h.waitFor(t, "betting to close", func(s Snapshot) bool {
		return s.Number == number && s.Phase != PhaseBetting
	})
}

// finish runs the current round to SETTLING.
func (h *tableHarness) finish(t *testing.T) Snapshot {
	t.Helper()
	if h.table.Snapshot().Phase == PhaseActive {
		h.clock.Advance(time.Hour)
	}
	return h.waitFor(t, "settlement", func(s Snapshot) bool { return s.Phase == PhaseSettling })
}

func (h *tableHarness) bet(t *testing.T, user, amount, selection string) BetReceipt {
	t.Helper()
	rc, err := h.table.PlaceBet(context.Background(), BetRequest{
		UserID:     user,
		Amount:     dec(amount),
		Currency:   "btc",
		Selection:  json.RawMessage(selection),
		ClientSeed: user + "-seed",
	})
	if err != nil {
		t.Fatalf("PlaceBet(%s) failed: %v", user, err)
	}
	return rc
}

func (h *tableHarness) balance(t *testing.T, user string) decimal.Decimal {
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

func (h *tableHarness) settled(t *testing.T) roundSettled {
	t.Helper()
	evs := h.pub.OfType(broadcast.RoundSettled)
	if len(evs) == 0 {
		t.Fatal("Expected a roundSettled event")
	}
	return evs[len(evs)-1].Data.(roundSettled)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEmptyTableStillCycles(t *testing.T) {
	h := newTableHarness(t, "crash", crashDriver{})

	first := h.table.Snapshot()
	if first.Number != 1 || first.ServerSeedHash == "" {
		t.Fatalf("Expected round 1 with a commitment, got %+v", first)
	}
	if first.ServerSeed != "" {
		t.Error("Expected the server seed to stay hidden during betting")
	}

	h.closeBetting(t)
	s := h.finish(t)

	ev := h.settled(t)
	if engine.Commit(ev.ServerSeed) != first.ServerSeedHash {
		t.Error("Expected the revealed seed to match the commitment")
	}
	if ev.ClientSeed != MixClientSeed(nil, "salt", 1) {
		t.Errorf("Expected the salt-only client seed, got %s", ev.ClientSeed)
	}
	if s.ServerSeed != ev.ServerSeed {
		t.Error("Expected the snapshot to show the revealed seed")
	}

	h.clock.Advance(testCooldown)
	next := h.waitFor(t, "round 2", func(s Snapshot) bool { return s.Number == 2 && s.Phase == PhaseBetting })
	if next.ServerSeedHash == first.ServerSeedHash {
		t.Error("Expected a fresh server seed per round")
	}

	rounds, err := h.db.ListRounds(context.Background(), h.table.ID(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 1 || rounds[0].BetCount != 0 {
		t.Errorf("Expected one recorded empty round, got %+v", rounds)
	}
}

func TestPhasesAdvanceInOrder(t *testing.T) {
	h := newTableHarness(t, "color", colorDriver{spin: 5 * time.Second})
	for i := 0; i < 2; i++ {
		h.closeBetting(t)
		h.finish(t)
		h.clock.Advance(testCooldown)
		number := uint64(i + 2)
		h.waitFor(t, "next round", func(s Snapshot) bool { return s.Number == number })
	}

	want := []Phase{PhaseBetting, PhaseActive, PhaseSettling}
	evs := h.pub.OfType(broadcast.PhaseChanged)
	if len(evs) != 6 {
		t.Fatalf("Expected 6 phase changes, got %d", len(evs))
	}
	for i, ev := range evs {
		pc := ev.Data.(phaseChanged)
		if pc.From != want[i%3] || pc.To != want[(i+1)%3] {
			t.Errorf("Change %d: expected %s→%s, got %s→%s", i, want[i%3], want[(i+1)%3], pc.From, pc.To)
		}
	}
	if n := len(h.pub.OfType(broadcast.RoundCommitted)); n != 3 {
		t.Errorf("Expected 3 commitments, got %d", n)
	}
}

func TestCrashRoundAutoAndManualCashout(t *testing.T) {
	h := newTableHarness(t, "crash", fixedCrash{point: dec("3.45")})

	alice := h.bet(t, "alice", "1", `{"autoCashout":"2.00"}`)
	h.bet(t, "bob", "1", `{}`)
	h.bet(t, "carol", "1", `{"autoCashout":"5.00"}`)

	if _, err := h.table.Cashout(context.Background(), "bob"); !errors.Is(err, games.ErrStateConflict) {
		t.Errorf("Expected cashout during betting to conflict, got %v", err)
	}

	h.closeBetting(t)
	h.clock.Advance(games.TimeToReach(dec("1.5")))

	rc, err := h.table.Cashout(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Cashout failed: %v", err)
	}
	if !rc.Multiplier.Equal(dec("1.5")) || !rc.Payout.Equal(dec("1.5")) {
		t.Errorf("Expected cashout at 1.50 paying 1.5, got %s paying %s", rc.Multiplier, rc.Payout)
	}
	if _, err := h.table.Cashout(context.Background(), "bob"); !errors.Is(err, games.ErrStateConflict) {
		t.Errorf("Expected a second cashout to conflict, got %v", err)
	}
	if _, err := h.table.Cashout(context.Background(), "dave"); !errors.Is(err, games.ErrStateConflict) {
		t.Errorf("Expected cashout without a bet to conflict, got %v", err)
	}

	h.finish(t)
	ev := h.settled(t)
	want := map[string]string{"alice": "2", "bob": "1.5", "carol": "0"}
	if len(ev.Results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(ev.Results))
	}
	for _, r := range ev.Results {
		if !r.Payout.Equal(dec(want[r.UserID])) {
			t.Errorf("%s: expected payout %s, got %s", r.UserID, want[r.UserID], r.Payout)
		}
	}
	wantSeed := MixClientSeed([]string{"carol-seed", "alice-seed", "bob-seed"}, "salt", 1)
	if ev.ClientSeed != wantSeed {
		t.Errorf("Expected the mixed client seed %s, got %s", wantSeed, ev.ClientSeed)
	}

	balances := map[string]string{"alice": "11", "bob": "10.5", "carol": "9"}
	for user, want := range balances {
		if got := h.balance(t, user); !got.Equal(dec(want)) {
			t.Errorf("%s: expected balance %s, got %s", user, want, got)
		}
	}

	rec, err := h.db.GetBet(context.Background(), alice.BetID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != store.KindRound || rec.ServerSeed != ev.ServerSeed || !rec.Payout.Equal(dec("2")) {
		t.Errorf("Expected a settled round bet with the revealed seed, got %+v", rec)
	}

	if _, err := h.table.Cashout(context.Background(), "carol"); !errors.Is(err, games.ErrStateConflict) {
		t.Errorf("Expected cashout after the crash to conflict, got %v", err)
	}
}

func TestCrashRoundSettlesAgainstRevealedSeeds(t *testing.T) {
	h := newTableHarness(t, "crash", crashDriver{})
	h.bet(t, "alice", "1", `{"autoCashout":"1.01"}`)

	h.closeBetting(t)
	h.finish(t)

	ev := h.settled(t)
	point := games.DeriveCrash(engine.SeedPair{ServerSeed: ev.ServerSeed, ClientSeed: ev.ClientSeed, Nonce: ev.Nonce}).CrashPoint
	wantPayout := decimal.Zero
	if dec("1.01").LessThan(point) {
		wantPayout = dec("1.01")
	}
	if len(ev.Results) != 1 || !ev.Results[0].Payout.Equal(wantPayout) {
		t.Errorf("Expected payout %s at crash %s, got %+v", wantPayout, point, ev.Results)
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("9").Add(wantPayout)) {
		t.Errorf("Expected balance %s, got %s", dec("9").Add(wantPayout), got)
	}
}

func TestBaccaratRoundSettles(t *testing.T) {
	h := newTableHarness(t, "baccarat", baccaratDriver{deal: 5 * time.Second})
	h.bet(t, "alice", "2", `{"side":"banker"}`)

	h.closeBetting(t)
	h.finish(t)

	ev := h.settled(t)
	res, err := games.DealBaccarat(engine.SeedPair{ServerSeed: ev.ServerSeed, ClientSeed: ev.ClientSeed, Nonce: ev.Nonce})
	if err != nil {
		t.Fatal(err)
	}
	out := res.Settle(games.BaccaratSelection{Side: games.BaccaratBanker})
	want := dec("2").Mul(out.Multiplier)
	if !ev.Results[0].Payout.Equal(want) {
		t.Errorf("Expected payout %s for winner %s, got %s", want, res.Winner, ev.Results[0].Payout)
	}
}

func TestOneBetPerUserPerRound(t *testing.T) {
	h := newTableHarness(t, "crash", fixedCrash{point: dec("2")})

	var ok, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.table.PlaceBet(context.Background(), BetRequest{
				UserID:    "alice",
				Amount:    dec("1"),
				Currency:  "btc",
				Selection: json.RawMessage(`{}`),
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, games.ErrStateConflict):
				conflicts.Add(1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || conflicts.Load() != 9 {
		t.Errorf("Expected 1 bet and 9 conflicts, got %d and %d", ok.Load(), conflicts.Load())
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("9")) {
		t.Errorf("Expected one stake debited, got balance %s", got)
	}
	if n := len(h.table.Snapshot().Bets); n != 1 {
		t.Errorf("Expected 1 bet on the table, got %d", n)
	}
}

func TestLateBetRejected(t *testing.T) {
	h := newTableHarness(t, "crash", fixedCrash{point: dec("100")})
	h.closeBetting(t)

	_, err := h.table.PlaceBet(context.Background(), BetRequest{
		UserID:    "alice",
		Amount:    dec("1"),
		Currency:  "btc",
		Selection: json.RawMessage(`{}`),
	})
	if !errors.Is(err, games.ErrStateConflict) {
		t.Errorf("Expected a late bet to conflict, got %v", err)
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("10")) {
		t.Errorf("Expected no debit, got balance %s", got)
	}
}

func TestLateCommitIsRefunded(t *testing.T) {
	h := newEnv(t)
	funds := &gatedFunds{Funds: h.settler, entered: make(chan struct{}), gate: make(chan struct{})}
	h.start(t, h.newTable("crash", fixedCrash{point: dec("100")}, funds))

	errc := make(chan error, 1)
	go func() {
		_, err := h.table.PlaceBet(context.Background(), BetRequest{
			UserID:    "alice",
			Amount:    dec("1"),
			Currency:  "btc",
			Selection: json.RawMessage(`{}`),
		})
		errc <- err
	}()

	<-funds.entered
	h.closeBetting(t)
	close(funds.gate)

	if err := <-errc; !errors.Is(err, games.ErrStateConflict) {
		t.Fatalf("Expected the late commit to conflict, got %v", err)
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("10")) {
		t.Errorf("Expected the stake refunded, got balance %s", got)
	}
	if n := len(h.table.Snapshot().Bets); n != 0 {
		t.Errorf("Expected no bet on the table, got %d", n)
	}
}

func TestPlaceBetValidation(t *testing.T) {
	h := newTableHarness(t, "crash", fixedCrash{point: dec("2")})

	tests := []struct {
		name string
		req  BetRequest
	}{
		{"missing user", BetRequest{Amount: dec("1"), Currency: "btc"}},
		{"missing currency", BetRequest{UserID: "alice", Amount: dec("1")}},
		{"zero amount", BetRequest{UserID: "alice", Amount: decimal.Zero, Currency: "btc"}},
		{"bad selection", BetRequest{UserID: "alice", Amount: dec("1"), Currency: "btc", Selection: json.RawMessage(`{"autoCashout":"1.00"}`)}},
		{"unknown field", BetRequest{UserID: "alice", Amount: dec("1"), Currency: "btc", Selection: json.RawMessage(`{"side":"banker"}`)}},
		{"long client seed", BetRequest{UserID: "alice", Amount: dec("1"), Currency: "btc", ClientSeed: string(make([]byte, 65))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.table.PlaceBet(context.Background(), tt.req); !errors.Is(err, games.ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
		})
	}
	if n := len(h.table.Snapshot().Bets); n != 0 {
		t.Errorf("Expected no bets, got %d", n)
	}
}

func TestInsufficientFundsReleasesSlot(t *testing.T) {
	h := newTableHarness(t, "crash", fixedCrash{point: dec("2")})

	_, err := h.table.PlaceBet(context.Background(), BetRequest{
		UserID:    "alice",
		Amount:    dec("50"),
		Currency:  "btc",
		Selection: json.RawMessage(`{}`),
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	h.bet(t, "alice", "1", `{}`)
}

func TestMixClientSeedIgnoresOrder(t *testing.T) {
	a := MixClientSeed([]string{"x", "y", "z"}, "salt", 7)
	b := MixClientSeed([]string{"z", "x", "y"}, "salt", 7)
	if a != b {
		t.Error("Expected the mix to ignore bet order")
	}
	if a == MixClientSeed([]string{"x", "y", "z"}, "salt", 8) {
		t.Error("Expected the round number to change the mix")
	}
	if len(a) != 64 {
		t.Errorf("Expected a 64 character hex seed, got %d", len(a))
	}
}

func TestSchedulerRecoversPanickingTable(t *testing.T) {
	h := newEnv(t)
	flaky := h.newTable("crash", &panicOnce{Driver: fixedCrash{point: dec("100")}}, nil)
	steady := NewTable(TableConfig{ID: "steady", Game: "color", BettingTime: testBetting}, colorDriver{spin: time.Second},
		Deps{Funds: h.settler, Clock: NewFakeClock(testStart)})

	s := NewScheduler(time.Millisecond, zap.NewNop())
	for _, tbl := range []*Table{flaky, steady} {
		if err := s.Add(tbl); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Add(steady); err == nil {
		t.Error("Expected a duplicate table to be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Wait()
	})

	h.table = flaky
	h.waitFor(t, "betting to open", func(s Snapshot) bool { return s.Phase == PhaseBetting })
	h.clock.Advance(testBetting)
	snap := h.waitFor(t, "restart", func(s Snapshot) bool { return s.Restarts == 1 && s.Phase == PhaseActive })
	if snap.Number != 1 {
		t.Errorf("Expected the restarted table to resume round 1, got %d", snap.Number)
	}

	if _, err := s.PlaceBet(context.Background(), "steady", BetRequest{
		UserID:    "bob",
		Amount:    dec("1"),
		Currency:  "btc",
		Selection: json.RawMessage(`{"kind":"size","size":"big"}`),
	}); err != nil {
		t.Errorf("Expected the other table to keep taking bets, got %v", err)
	}
	if _, err := s.PlaceBet(context.Background(), "nope", BetRequest{}); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("Expected ErrTableNotFound, got %v", err)
	}

	tables := s.Tables()
	if len(tables) != 2 || tables[0].TableID != "steady" || tables[1].TableID != "t-crash" {
		t.Errorf("Expected both tables sorted by ID, got %+v", tables)
	}
	if tables[0].Restarts != 0 {
		t.Errorf("Expected the steady table never to restart, got %d", tables[0].Restarts)
	}
}

// stalledLedger holds every credit until release is closed, then applies it
// or fails it as unavailable.
type stalledLedger struct {
	ledger.Ledger
	release chan struct{}
	fail    bool
}

func (l *stalledLedger) Credit(ctx context.Context, e ledger.Entry) (decimal.Decimal, error) {
	select {
	case <-l.release:
	case <-ctx.Done():
		return decimal.Zero, ledger.ErrLedgerUnavailable
	}
	if l.fail {
		return decimal.Zero, ledger.ErrLedgerUnavailable
	}
	return l.Ledger.Credit(ctx, e)
}

func TestSettlementDoesNotWaitForLedger(t *testing.T) {
	tests := []struct {
		name    string
		fail    bool
		status  string
		balance string
	}{
		{"slow ledger", false, store.StatusSettled, "11"},
		{"failing ledger", true, store.StatusReconciling, "9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newEnv(t)
			stalled := &stalledLedger{Ledger: h.ledger, release: make(chan struct{}), fail: tt.fail}
			h.settler = ledger.NewSettler(stalled, h.db, ledger.SettlerConfig{MaxTries: 2, InitialInterval: time.Millisecond}, zap.NewNop())
			h.start(t, h.newTable("crash", fixedCrash{point: dec("3.45")}, nil))

			rc := h.bet(t, "alice", "1", `{"autoCashout":"2.00"}`)
			h.closeBetting(t)
			h.finish(t)
			h.clock.Advance(testCooldown)
			h.waitFor(t, "the next round to open", func(s Snapshot) bool {
				return s.Number == 2 && s.Phase == PhaseBetting
			})

			close(stalled.release)
			if got := h.balance(t, "alice"); !got.Equal(dec(tt.balance)) {
				t.Errorf("Expected balance %s, got %s", tt.balance, got)
			}
			rec, err := h.db.GetBet(context.Background(), rc.BetID)
			if err != nil {
				t.Fatal(err)
			}
			if rec.Status != tt.status {
				t.Errorf("Expected bet status %s, got %s", tt.status, rec.Status)
			}
			if !rec.Payout.Equal(dec("2")) {
				t.Errorf("Expected a recorded payout of 2, got %s", rec.Payout)
			}
		})
	}
}

// runTable runs tbl until the returned stop is called.
func runTable(t *testing.T, h *tableHarness, tbl *Table) (stop func()) {
	t.Helper()
	h.table = tbl
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tbl.Run(ctx)
	}()
	h.waitFor(t, "betting to open", func(s Snapshot) bool { return s.Phase == PhaseBetting })
	return func() {
		cancel()
		<-done
	}
}

func TestShutdownRefundsBettingRound(t *testing.T) {
	h := newEnv(t)
	stop := runTable(t, h, h.newTable("crash", fixedCrash{point: dec("100")}, nil))

	h.bet(t, "alice", "2", `{}`)
	if got := h.balance(t, "alice"); !got.Equal(dec("8")) {
		t.Fatalf("Expected the stake debited, got balance %s", got)
	}
	stop()

	if got := h.balance(t, "alice"); !got.Equal(dec("10")) {
		t.Errorf("Expected the stake refunded on shutdown, got balance %s", got)
	}
	if ev := h.settled(t); !ev.Voided {
		t.Error("Expected the open round to be voided")
	}
}

func TestShutdownPaysCashoutsAndRefundsTheRest(t *testing.T) {
	h := newEnv(t)
	stop := runTable(t, h, h.newTable("crash", fixedCrash{point: dec("100")}, nil))

	alice := h.bet(t, "alice", "1", `{}`)
	h.bet(t, "bob", "1", `{}`)
	h.closeBetting(t)
	h.clock.Advance(games.TimeToReach(dec("1.5")))
	if _, err := h.table.Cashout(context.Background(), "alice"); err != nil {
		t.Fatalf("Cashout failed: %v", err)
	}
	stop()

	balances := map[string]string{"alice": "10.5", "bob": "10"}
	for user, want := range balances {
		if got := h.balance(t, user); !got.Equal(dec(want)) {
			t.Errorf("%s: expected balance %s, got %s", user, want, got)
		}
	}
	ev := h.settled(t)
	if !ev.Voided || len(ev.Results) != 1 || ev.Results[0].UserID != "alice" {
		t.Errorf("Expected a voided round carrying alice's cashout, got %+v", ev)
	}
	rec, err := h.db.GetBet(context.Background(), alice.BetID)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Payout.Equal(dec("1.5")) {
		t.Errorf("Expected the cashout recorded at 1.5, got %s", rec.Payout)
	}
	if h.table.Snapshot().Phase == PhaseActive {
		t.Error("Expected the round to leave ACTIVE on shutdown")
	}
}
