package round

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
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

// ErrTableFault is returned when a table's loop failed while handling a
// request.
var ErrTableFault = errors.New("table fault")

const commitTimeout = 5 * time.Second

// Funds moves stakes and payouts. *ledger.Settler implements it.
type Funds interface {
	Debit(ctx context.Context, e ledger.Entry) (decimal.Decimal, error)
	CreditAsync(e ledger.Entry, betID string, onDone func(ledger.CreditResult))
}

// History records settled rounds and their bets. *store.SQLiteDB
// implements it.
type History interface {
	SaveBet(ctx context.Context, bet *store.Bet) error
	SaveRound(ctx context.Context, r *store.Round) error
}

// TableConfig describes one table.
type TableConfig struct {
	ID   string
	Game string
	// Salt is mixed into every round's client seed.
	Salt         string
	BettingTime  time.Duration
	PlayTime     time.Duration
	TickInterval time.Duration
	Cooldown     time.Duration
	// MaxActive bounds ACTIVE when a driver never reports the end.
	MaxActive time.Duration
}

func (c *TableConfig) withDefaults() {
	if c.BettingTime <= 0 {
		c.BettingTime = 10 * time.Second
	}
	if c.PlayTime <= 0 {
		c.PlayTime = 5 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 3 * time.Second
	}
	if c.MaxActive <= 0 {
		c.MaxActive = 5 * time.Minute
	}
}

// Deps are the table's collaborators. History, Publisher, Clock and Logger
// are optional.
type Deps struct {
	Funds     Funds
	History   History
	Publisher broadcast.Publisher
	Clock     Clock
	Logger    *zap.Logger
}

// BetRequest places a bet on the open round.
type BetRequest struct {
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Selection json.RawMessage `json:"selection,omitempty"`
	// ClientSeed is mixed into the round's client seed when betting closes.
	ClientSeed string `json:"clientSeed,omitempty"`
}

// BetReceipt confirms an accepted bet.
type BetReceipt struct {
	BetID          string          `json:"betId"`
	TableID        string          `json:"tableId"`
	RoundID        string          `json:"roundId"`
	Number         uint64          `json:"number"`
	ServerSeedHash string          `json:"serverSeedHash"`
	Balance        decimal.Decimal `json:"balance"`
}

// CashoutReceipt confirms a manual cashout. The payout is credited when the
// round settles.
type CashoutReceipt struct {
	BetID      string          `json:"betId"`
	RoundID    string          `json:"roundId"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
}

// BetResult is one bet's settlement.
type BetResult struct {
	BetID      string          `json:"betId"`
	UserID     string          `json:"userId"`
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
	Win        bool            `json:"win"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
}

// BetView is a bet as shown in a snapshot.
type BetView struct {
	BetID      string          `json:"betId"`
	UserID     string          `json:"userId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	CashedOut  bool            `json:"cashedOut"`
	Multiplier decimal.Decimal `json:"multiplier,omitempty"`
}

// Snapshot is a read-only copy of a table's current round.
type Snapshot struct {
	TableID        string      `json:"tableId"`
	Game           string      `json:"game"`
	RoundID        string      `json:"roundId"`
	Number         uint64      `json:"number"`
	Phase          Phase       `json:"phase"`
	ServerSeedHash string      `json:"serverSeedHash"`
	ClientSeed     string      `json:"clientSeed,omitempty"`
	ServerSeed     string      `json:"serverSeed,omitempty"`
	Deadline       time.Time   `json:"deadline,omitempty"`
	Bets           []BetView   `json:"bets"`
	Progress       any         `json:"progress,omitempty"`
	Results        []BetResult `json:"results,omitempty"`
	Restarts       int64       `json:"restarts"`
}

type roundCommitted struct {
	RoundID        string    `json:"roundId"`
	Number         uint64    `json:"number"`
	ServerSeedHash string    `json:"serverSeedHash"`
	Deadline       time.Time `json:"deadline"`
}

type phaseChanged struct {
	RoundID string `json:"roundId"`
	From    Phase  `json:"from"`
	To      Phase  `json:"to"`
}

type progressTick struct {
	RoundID  string      `json:"roundId"`
	Progress any         `json:"progress"`
	Cashouts []BetResult `json:"cashouts,omitempty"`
}

type roundSettled struct {
	RoundID        string      `json:"roundId"`
	Number         uint64      `json:"number"`
	ServerSeed     string      `json:"serverSeed"`
	ServerSeedHash string      `json:"serverSeedHash"`
	ClientSeed     string      `json:"clientSeed"`
	Nonce          uint64      `json:"nonce"`
	Outcome        any         `json:"outcome"`
	Results        []BetResult `json:"results"`
	Voided         bool        `json:"voided,omitempty"`
}

type bet struct {
	id         string
	userID     string
	currency   string
	amount     decimal.Decimal
	sel        games.Selection
	clientSeed string
	cashedOut  bool
	multiplier decimal.Decimal
}

type roundState struct {
	id        string
	number    uint64
	phase     Phase
	seeds     engine.SeedPair
	startedAt time.Time
	deadline  time.Time
	activeAt  time.Time
	reserved  map[string]string
	bets      map[string]*bet
	order     []string
	play      Play
	progress  any
	results   []BetResult
	settled   bool
}

// Table runs one table's rounds. Every field below cmds is owned by the
// goroutine inside Run; other goroutines reach it through commands or read
// the published snapshot.
type Table struct {
	cfg     TableConfig
	driver  Driver
	funds   Funds
	history History
	pub     broadcast.Publisher
	clock   Clock
	logger  *zap.Logger

	cmds     chan func()
	snap     atomic.Pointer[Snapshot]
	restarts atomic.Int64

	round  *roundState
	number uint64
	timer  Timer
}

// NewTable builds a table. Run starts it.
func NewTable(cfg TableConfig, driver Driver, deps Deps) *Table {
	cfg.withDefaults()
	if deps.Publisher == nil {
		deps.Publisher = broadcast.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	t := &Table{
		cfg:     cfg,
		driver:  driver,
		funds:   deps.Funds,
		history: deps.History,
		pub:     deps.Publisher,
		clock:   deps.Clock,
		logger:  deps.Logger.Named("round").With(zap.String("table", cfg.ID), zap.String("game", cfg.Game)),
		cmds:    make(chan func()),
	}
	t.snap.Store(&Snapshot{TableID: cfg.ID, Game: cfg.Game, Bets: []BetView{}})
	return t
}

// ID returns the table ID.
func (t *Table) ID() string { return t.cfg.ID }

// Game returns the game the table runs.
func (t *Table) Game() string { return t.cfg.Game }

// Snapshot returns the latest view of the table.
func (t *Table) Snapshot() Snapshot {
	s := *t.snap.Load()
	s.Restarts = t.restarts.Load()
	return s
}

// Run owns the table until ctx ends. A panic inside the loop is returned as
// ErrTableFault; the round state survives and a later Run resumes it. When
// ctx ends the open round is voided or settled before Run returns.
func (t *Table) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTableFault, r)
		}
		t.stopTimer()
	}()

	if t.round == nil {
		err = t.openRound()
	} else {
		err = t.resume()
	}
	if err != nil {
		return err
	}
	t.refreshSnapshot()

	for {
		var timerC <-chan time.Time
		if t.timer != nil {
			timerC = t.timer.C()
		}
		select {
		case <-ctx.Done():
			t.shutdown()
			return ctx.Err()
		case cmd := <-t.cmds:
			cmd()
		case <-timerC:
			t.timer = nil
			if err := t.onTimer(); err != nil {
				return err
			}
		}
		t.refreshSnapshot()
	}
}

// do runs fn on the table goroutine. Once the loop has taken the command
// fn always runs to completion, so the caller waits for it regardless of ctx.
func (t *Table) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	cmd := func() {
		err := ErrTableFault
		defer func() { done <- err }()
		err = fn()
	}
	select {
	case t.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-done
}

func (t *Table) arm(d time.Duration) {
	t.stopTimer()
	if d < 0 {
		d = 0
	}
	t.timer = t.clock.NewTimer(d)
}

func (t *Table) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Table) move(ev Event) error {
	r := t.round
	next, err := Transition(r.phase, ev)
	if err != nil {
		return err
	}
	if next != r.phase {
		t.logger.Debug("phase changed",
			zap.Uint64("round", r.number),
			zap.String("from", string(r.phase)),
			zap.String("to", string(next)),
		)
		t.pub.PublishTable(t.cfg.ID, broadcast.PhaseChanged, phaseChanged{RoundID: r.id, From: r.phase, To: next})
		r.phase = next
	}
	return nil
}

func (t *Table) onTimer() error {
	switch t.round.phase {
	case PhaseBetting:
		return t.startPlay()
	case PhaseActive:
		t.advance()
		return nil
	case PhaseSettling:
		if err := t.move(EventTimerFired); err != nil {
			return err
		}
		return t.openRound()
	}
	return fmt.Errorf("%w: unknown phase %q", ErrTableFault, t.round.phase)
}

func (t *Table) resume() error {
	r := t.round
	switch r.phase {
	case PhaseBetting:
		t.arm(r.deadline.Sub(t.clock.Now()))
	case PhaseActive:
		if r.play == nil {
			return t.startPlay()
		}
		t.advance()
	case PhaseSettling:
		if !r.settled {
			t.settle()
		} else {
			t.arm(t.cfg.Cooldown)
		}
	}
	t.logger.Info("table resumed", zap.Uint64("round", r.number), zap.String("phase", string(r.phase)))
	return nil
}

// openRound commits a fresh server seed and opens betting.
func (t *Table) openRound() error {
	server, err := engine.NewServerSeed()
	if err != nil {
		return err
	}
	now := t.clock.Now()
	t.number++
	r := &roundState{
		id:     uuid.New().String(),
		number: t.number,
		phase:  PhaseBetting,
		seeds: engine.SeedPair{
			ServerSeed:     server,
			ServerSeedHash: engine.Commit(server),
			Nonce:          t.number,
		},
		startedAt: now,
		deadline:  now.Add(t.cfg.BettingTime),
		reserved:  make(map[string]string),
		bets:      make(map[string]*bet),
	}
	t.round = r
	t.arm(t.cfg.BettingTime)

	t.pub.PublishTable(t.cfg.ID, broadcast.RoundCommitted, roundCommitted{
		RoundID:        r.id,
		Number:         r.number,
		ServerSeedHash: r.seeds.ServerSeedHash,
		Deadline:       r.deadline,
	})
	t.logger.Debug("round opened", zap.Uint64("round", r.number), zap.String("server_seed_hash", r.seeds.ServerSeedHash))
	return nil
}

// MixClientSeed derives a round's client seed from the bettors' seeds, the
// table salt and the round number.
func MixClientSeed(bettorSeeds []string, salt string, number uint64) string {
	sorted := append([]string(nil), bettorSeeds...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(strings.Join(sorted, ":")))
	h.Write([]byte(":" + salt + ":" + strconv.FormatUint(number, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// startPlay closes betting, fixes the client seed and starts the driver.
func (t *Table) startPlay() error {
	r := t.round
	var bettorSeeds []string
	for _, user := range r.order {
		if s := r.bets[user].clientSeed; s != "" {
			bettorSeeds = append(bettorSeeds, s)
		}
	}
	r.seeds.ClientSeed = MixClientSeed(bettorSeeds, t.cfg.Salt, r.number)

	if err := t.move(EventTimerFired); err != nil {
		return err
	}
	r.activeAt = t.clock.Now()
	play, err := t.driver.Start(r.seeds)
	if err != nil {
		t.logger.Error("driver failed to start, voiding round", zap.Uint64("round", r.number), zap.Error(err))
		t.void()
		return nil
	}
	r.play = play
	t.advance()
	return nil
}

func (t *Table) advance() {
	r := t.round
	elapsed := t.clock.Now().Sub(r.activeAt)
	progress, terminal := r.play.Tick(elapsed)
	if !terminal && elapsed >= t.cfg.MaxActive {
		t.logger.Warn("round exceeded max active time", zap.Uint64("round", r.number), zap.Duration("elapsed", elapsed))
		terminal = true
	}
	cashouts := t.autoResolve(elapsed)
	r.progress = progress
	if terminal {
		t.settle()
		return
	}
	_ = t.move(EventTimerFired)
	t.pub.PublishTable(t.cfg.ID, broadcast.ProgressTick, progressTick{RoundID: r.id, Progress: progress, Cashouts: cashouts})

	wait := t.cfg.TickInterval
	if rem := r.play.Remaining(elapsed); rem < wait {
		wait = rem
	}
	if rem := t.cfg.MaxActive - elapsed; rem < wait {
		wait = rem
	}
	t.arm(wait)
}

func (t *Table) autoResolve(elapsed time.Duration) []BetResult {
	r := t.round
	var out []BetResult
	for _, user := range r.order {
		b := r.bets[user]
		if b.cashedOut {
			continue
		}
		m, ok := r.play.AutoResolve(elapsed, b.sel)
		if !ok {
			continue
		}
		b.cashedOut = true
		b.multiplier = m
		out = append(out, t.result(b, games.Outcome{Win: true, Multiplier: m}))
	}
	return out
}

func (t *Table) result(b *bet, out games.Outcome) BetResult {
	return BetResult{
		BetID:      b.id,
		UserID:     b.userID,
		Currency:   b.currency,
		Amount:     b.amount,
		Win:        out.Win,
		Multiplier: out.Multiplier,
		Payout:     money.Payout(b.amount, out.Multiplier),
	}
}

// settle reveals the seed, prices every bet and credits each exactly once.
// Bet IDs and ledger keys are fixed before settle runs, so running it again
// after a restart does not pay twice.
func (t *Table) settle() {
	r := t.round
	if r.phase == PhaseActive {
		_ = t.move(EventTerminal)
	}
	now := t.clock.Now()
	results := make([]BetResult, 0, len(r.order))
	for _, user := range r.order {
		b := r.bets[user]
		out := games.Outcome{Win: true, Multiplier: b.multiplier}
		if !b.cashedOut {
			out = r.play.Settle(b.sel)
		}
		res := t.result(b, out)
		results = append(results, res)
		t.recordBet(r, b, res, now)
		t.funds.CreditAsync(t.entry(b, ledger.PayoutKey(b.id), res.Payout, "payout"), b.id, t.onCredit(b.userID, b.currency))
	}
	r.results = results
	r.settled = true
	t.recordRound(r, now)

	t.pub.PublishTable(t.cfg.ID, broadcast.RoundSettled, roundSettled{
		RoundID:        r.id,
		Number:         r.number,
		ServerSeed:     r.seeds.ServerSeed,
		ServerSeedHash: r.seeds.ServerSeedHash,
		ClientSeed:     r.seeds.ClientSeed,
		Nonce:          r.seeds.Nonce,
		Outcome:        r.play.Result(),
		Results:        results,
	})
	t.logger.Info("round settled",
		zap.Uint64("round", r.number),
		zap.Int("bets", len(results)),
		zap.String("client_seed", r.seeds.ClientSeed),
	)
	t.arm(t.cfg.Cooldown)
}

// void refunds every bet of a round that could not be played to the end.
// Bets already cashed out keep their locked payout. The seed is still
// revealed.
func (t *Table) void() {
	r := t.round
	_ = t.move(EventTerminal)
	now := t.clock.Now()
	results := make([]BetResult, 0)
	for _, user := range r.order {
		b := r.bets[user]
		if b.cashedOut && r.play != nil {
			res := t.result(b, games.Outcome{Win: true, Multiplier: b.multiplier})
			results = append(results, res)
			t.recordBet(r, b, res, now)
			t.funds.CreditAsync(t.entry(b, ledger.PayoutKey(b.id), res.Payout, "payout"), b.id, t.onCredit(b.userID, b.currency))
			continue
		}
		t.funds.CreditAsync(t.entry(b, ledger.RefundKey(b.id), b.amount, "refund"), "", t.onCredit(b.userID, b.currency))
	}
	r.results = results
	r.settled = true
	t.pub.PublishTable(t.cfg.ID, broadcast.RoundSettled, roundSettled{
		RoundID:        r.id,
		Number:         r.number,
		ServerSeed:     r.seeds.ServerSeed,
		ServerSeedHash: r.seeds.ServerSeedHash,
		ClientSeed:     r.seeds.ClientSeed,
		Nonce:          r.seeds.Nonce,
		Results:        results,
		Voided:         true,
	})
	t.arm(t.cfg.Cooldown)
}

// shutdown leaves no stake behind when the loop stops for good. A round in
// BETTING or ACTIVE is voided and one left in SETTLING is settled. It must
// only run once no loop owns the table.
func (t *Table) shutdown() {
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("table shutdown failed", zap.Any("panic", p))
		}
		t.stopTimer()
		t.refreshSnapshot()
	}()
	r := t.round
	if r == nil || r.settled {
		return
	}
	if r.phase == PhaseSettling && r.play != nil {
		t.settle()
		return
	}
	t.logger.Warn("voiding open round on shutdown",
		zap.Uint64("round", r.number),
		zap.String("phase", string(r.phase)),
		zap.Int("bets", len(r.order)),
	)
	t.void()
}

func (t *Table) entry(b *bet, key string, amount decimal.Decimal, reason string) ledger.Entry {
	return ledger.Entry{
		Key:      key,
		UserID:   b.userID,
		Currency: b.currency,
		Amount:   amount,
		Reason:   t.cfg.Game + " " + reason,
		Ref:      b.id,
	}
}

func (t *Table) onCredit(userID, currency string) func(ledger.CreditResult) {
	return func(r ledger.CreditResult) {
		if r.Err != nil {
			return
		}
		t.pub.PublishUser(userID, broadcast.BalanceChanged, map[string]any{
			"currency": currency,
			"balance":  r.Balance,
		})
	}
}

func (t *Table) recordBet(r *roundState, b *bet, res BetResult, now time.Time) {
	if t.history == nil {
		return
	}
	selJSON, _ := json.Marshal(b.sel)
	rawJSON, _ := json.Marshal(r.play.Result())
	rec := &store.Bet{
		ID:             b.id,
		UserID:         b.userID,
		Game:           t.cfg.Game,
		Kind:           store.KindRound,
		RefID:          r.id,
		Currency:       b.currency,
		Stake:          b.amount,
		Multiplier:     res.Multiplier,
		Payout:         res.Payout,
		Status:         store.StatusSettled,
		ServerSeed:     r.seeds.ServerSeed,
		ServerSeedHash: r.seeds.ServerSeedHash,
		ClientSeed:     r.seeds.ClientSeed,
		Nonce:          r.seeds.Nonce,
		Selection:      selJSON,
		RawOutcome:     rawJSON,
		SettledAt:      now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.history.SaveBet(ctx, rec); err != nil {
		t.logger.Error("failed to record bet", zap.String("bet", b.id), zap.String("user", b.userID), zap.Error(err))
	}
}

func (t *Table) recordRound(r *roundState, now time.Time) {
	if t.history == nil {
		return
	}
	outcome, _ := json.Marshal(r.play.Result())
	rec := &store.Round{
		ID:             r.id,
		TableID:        t.cfg.ID,
		Game:           t.cfg.Game,
		Number:         r.number,
		ServerSeed:     r.seeds.ServerSeed,
		ServerSeedHash: r.seeds.ServerSeedHash,
		ClientSeed:     r.seeds.ClientSeed,
		Nonce:          r.seeds.Nonce,
		Outcome:        outcome,
		BetCount:       len(r.order),
		StartedAt:      r.startedAt,
		SettledAt:      now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.history.SaveRound(ctx, rec); err != nil {
		t.logger.Error("failed to record round", zap.Uint64("round", r.number), zap.Error(err))
	}
}

func (t *Table) refreshSnapshot() {
	r := t.round
	if r == nil {
		return
	}
	s := &Snapshot{
		TableID:        t.cfg.ID,
		Game:           t.cfg.Game,
		RoundID:        r.id,
		Number:         r.number,
		Phase:          r.phase,
		ServerSeedHash: r.seeds.ServerSeedHash,
		Bets:           make([]BetView, 0, len(r.order)),
		Progress:       r.progress,
		Results:        r.results,
	}
	if r.phase == PhaseBetting {
		s.Deadline = r.deadline
	} else {
		s.ClientSeed = r.seeds.ClientSeed
	}
	if r.settled {
		s.ServerSeed = r.seeds.ServerSeed
	}
	for _, user := range r.order {
		b := r.bets[user]
		s.Bets = append(s.Bets, BetView{
			BetID:      b.id,
			UserID:     b.userID,
			Amount:     b.amount,
			Currency:   b.currency,
			CashedOut:  b.cashedOut,
			Multiplier: b.multiplier,
		})
	}
	t.snap.Store(s)
}

// PlaceBet reserves a slot in the open round, debits the stake and commits
// the bet. A commit that finds betting closed refunds the stake.
func (t *Table) PlaceBet(ctx context.Context, req BetRequest) (BetReceipt, error) {
	if req.UserID == "" {
		return BetReceipt{}, fmt.Errorf("%w: missing user", games.ErrValidation)
	}
	if req.Currency == "" {
		return BetReceipt{}, fmt.Errorf("%w: missing currency", games.ErrValidation)
	}
	if err := money.Validate(req.Amount); err != nil {
		return BetReceipt{}, fmt.Errorf("%w: %v", games.ErrValidation, err)
	}
	if len(req.ClientSeed) > seeds.MaxClientSeedLength {
		return BetReceipt{}, fmt.Errorf("%w: client seed longer than %d characters", games.ErrValidation, seeds.MaxClientSeedLength)
	}
	sel, err := games.DecodeSelection(t.cfg.Game, req.Selection)
	if err != nil {
		return BetReceipt{}, err
	}

	var rc BetReceipt
	err = t.do(ctx, func() error {
		r := t.round
		if r == nil || r.phase != PhaseBetting {
			return fmt.Errorf("%w: betting is closed", games.ErrStateConflict)
		}
		if _, ok := r.reserved[req.UserID]; ok {
			return fmt.Errorf("%w: bet already pending for this round", games.ErrStateConflict)
		}
		if _, ok := r.bets[req.UserID]; ok {
			return fmt.Errorf("%w: one bet per round", games.ErrStateConflict)
		}
		id := uuid.New().String()
		r.reserved[req.UserID] = id
		rc = BetReceipt{
			BetID:          id,
			TableID:        t.cfg.ID,
			RoundID:        r.id,
			Number:         r.number,
			ServerSeedHash: r.seeds.ServerSeedHash,
		}
		return nil
	})
	if err != nil {
		return BetReceipt{}, err
	}

	b := &bet{
		id:         rc.BetID,
		userID:     req.UserID,
		currency:   req.Currency,
		amount:     req.Amount,
		sel:        sel,
		clientSeed: req.ClientSeed,
	}
	balance, err := t.funds.Debit(ctx, t.entry(b, ledger.StakeKey(b.id), b.amount, "stake"))
	if err != nil {
		t.release(rc)
		return BetReceipt{}, err
	}
	rc.Balance = balance

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	err = t.do(commitCtx, func() error {
		r := t.round
		if r == nil || r.id != rc.RoundID || r.phase != PhaseBetting {
			return fmt.Errorf("%w: round %d closed before the bet was committed", games.ErrStateConflict, rc.Number)
		}
		delete(r.reserved, b.userID)
		r.bets[b.userID] = b
		r.order = append(r.order, b.userID)
		_ = t.move(EventUserAction)
		t.pub.PublishTable(t.cfg.ID, broadcast.BetAccepted, BetView{
			BetID:    b.id,
			UserID:   b.userID,
			Amount:   b.amount,
			Currency: b.currency,
		})
		return nil
	})
	if err != nil {
		t.logger.Info("refunding uncommitted bet", zap.String("bet", b.id), zap.String("user", b.userID), zap.Error(err))
		t.funds.CreditAsync(t.entry(b, ledger.RefundKey(b.id), b.amount, "refund"), "", t.onCredit(b.userID, b.currency))
		if !errors.Is(err, games.ErrStateConflict) {
			err = fmt.Errorf("%w: %v", ErrTableFault, err)
		}
		return BetReceipt{}, err
	}
	t.pub.PublishUser(b.userID, broadcast.BalanceChanged, map[string]any{
		"currency": b.currency,
		"balance":  balance,
	})
	return rc, nil
}

func (t *Table) release(rc BetReceipt) {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	_ = t.do(ctx, func() error {
		r := t.round
		if r == nil || r.id != rc.RoundID {
			return nil
		}
		for user, id := range r.reserved {
			if id == rc.BetID {
				delete(r.reserved, user)
			}
		}
		return nil
	})
}

// Cashout is the manual action: it locks the user's bet at the current
// multiplier. It is accepted only while the round is ACTIVE and once per
// bet.
func (t *Table) Cashout(ctx context.Context, userID string) (CashoutReceipt, error) {
	var rc CashoutReceipt
	err := t.do(ctx, func() error {
		r := t.round
		if r == nil || r.phase != PhaseActive || r.play == nil {
			return fmt.Errorf("%w: no round in play", games.ErrStateConflict)
		}
		b, ok := r.bets[userID]
		if !ok {
			return fmt.Errorf("%w: no bet in this round", games.ErrStateConflict)
		}
		if b.cashedOut {
			return fmt.Errorf("%w: already cashed out", games.ErrStateConflict)
		}
		elapsed := t.clock.Now().Sub(r.activeAt)
		if _, terminal := r.play.Tick(elapsed); terminal {
			t.settle()
			return fmt.Errorf("%w: round already ended", games.ErrStateConflict)
		}
		m, err := r.play.Cashout(elapsed)
		if err != nil {
			return err
		}
		if err := t.move(EventUserAction); err != nil {
			return err
		}
		b.cashedOut = true
		b.multiplier = m
		res := t.result(b, games.Outcome{Win: true, Multiplier: m})
		rc = CashoutReceipt{BetID: b.id, RoundID: r.id, Multiplier: m, Payout: res.Payout}
		t.pub.PublishUser(userID, broadcast.ActionResult, rc)
		t.pub.PublishTable(t.cfg.ID, broadcast.ProgressTick, progressTick{RoundID: r.id, Progress: r.progress, Cashouts: []BetResult{res}})
		return nil
	})
	return rc, err
}
