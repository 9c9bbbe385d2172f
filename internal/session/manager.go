// Package session runs single-player games: instant plays that resolve in one
// call and live sessions (mines, blackjack, hilo) that span several actions.
//
// At most one live session exists per (user, game). Actions on a session are
// serialized by its mutex; a failed action leaves the session untouched. A
// completed session is settled, recorded and removed from the store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
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

// ErrNotFound is returned for an unknown session or one owned by another
// user.
var ErrNotFound = errors.New("session not found")

// SeedSource allocates seed pairs. *seeds.Vault implements it.
type SeedSource interface {
	Acquire(userID string) (*seeds.Lease, error)
}

// History records settled bets. *store.SQLiteDB implements it.
type History interface {
	SaveBet(ctx context.Context, bet *store.Bet) error
}

// Funds moves stakes and payouts. *ledger.Settler implements it.
type Funds interface {
	Debit(ctx context.Context, e ledger.Entry) (decimal.Decimal, error)
	CreditAsync(e ledger.Entry, betID string, onDone func(ledger.CreditResult))
}

// Config tunes the manager.
type Config struct {
	// GracePeriod is how long a session may sit idle before it expires.
	GracePeriod time.Duration
	// SweepInterval is how often idle sessions are checked.
	SweepInterval time.Duration
}

type sessionKey struct {
	user string
	game string
}

// Manager owns live sessions.
type Manager struct {
	seeds   SeedSource
	funds   Funds
	history History
	pub     broadcast.Publisher
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time

	mu    sync.Mutex
	byKey map[sessionKey]*Session
	byID  map[string]*Session
}

// NewManager wires a manager. history and pub may be nil.
func NewManager(src SeedSource, funds Funds, history History, pub broadcast.Publisher, cfg Config, logger *zap.Logger) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if pub == nil {
		pub = broadcast.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		seeds:   src,
		funds:   funds,
		history: history,
		pub:     pub,
		logger:  logger.Named("session"),
		cfg:     cfg,
		now:     time.Now,
		byKey:   make(map[sessionKey]*Session),
		byID:    make(map[string]*Session),
	}
}

// Session is one live multi-action game.
type Session struct {
	mu sync.Mutex

	ID        string
	UserID    string
	Game      string
	Currency  string
	BetAmount decimal.Decimal

	selection games.Selection
	seeds     engine.SeedPair
	lease     *seeds.Lease
	state     games.SessionState
	units     int // base stakes committed so far
	actions   []games.Action
	lastSeen  time.Time
	done      bool
	result    *Result
}

// Result is the settlement of a completed session or instant play. Staked
// includes doubles and splits; Multiplier applies to the base stake.
type Result struct {
	BetID      string          `json:"betId"`
	Win        bool            `json:"win"`
	Staked     decimal.Decimal `json:"staked"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
	Layout     any             `json:"layout,omitempty"`
	Expired    bool            `json:"expired,omitempty"`
}

// View is the player-visible session.
type View struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Game       string          `json:"game"`
	Currency   string          `json:"currency"`
	BetAmount  decimal.Decimal `json:"betAmount"`
	Seeds      engine.SeedPair `json:"seeds"`
	State      any             `json:"state"`
	IsComplete bool            `json:"isComplete"`
	Result     *Result         `json:"result,omitempty"`
}

func (s *Session) viewLocked() View {
	return View{
		ID:         s.ID,
		UserID:     s.UserID,
		Game:       s.Game,
		Currency:   s.Currency,
		BetAmount:  s.BetAmount,
		Seeds:      s.seeds.Public(),
		State:      s.state.View(),
		IsComplete: s.done,
		Result:     s.result,
	}
}

// StartRequest opens a session.
type StartRequest struct {
	UserID    string          `json:"userId"`
	Game      string          `json:"game"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

func validateWager(userID, currency string, amount decimal.Decimal) error {
	if userID == "" {
		return fmt.Errorf("%w: missing user", games.ErrValidation)
	}
	if currency == "" {
		return fmt.Errorf("%w: missing currency", games.ErrValidation)
	}
	if err := money.Validate(amount); err != nil {
		return fmt.Errorf("%w: %v", games.ErrValidation, err)
	}
	return nil
}

// Start validates the request, debits the stake and deals the opening
// state. A second live session for the same (user, game) is a state
// conflict.
func (m *Manager) Start(ctx context.Context, req StartRequest) (View, error) {
	g, err := games.LookupSession(req.Game)
	if err != nil {
		return View{}, err
	}
	if err := validateWager(req.UserID, req.Currency, req.Amount); err != nil {
		return View{}, err
	}
	sel, err := g.DecodeSelection(req.Selection)
	if err != nil {
		return View{}, err
	}

	s := &Session{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Game:      req.Game,
		Currency:  req.Currency,
		BetAmount: req.Amount,
		selection: sel,
		units:     1,
	}
	// Hold the session lock until it is dealt so nothing can act on a
	// half-built session.
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{req.UserID, req.Game}
	m.mu.Lock()
	if existing, ok := m.byKey[key]; ok {
		m.mu.Unlock()
		return View{}, fmt.Errorf("%w: %s session %s is still open", games.ErrStateConflict, req.Game, existing.ID)
	}
	m.byKey[key] = s
	m.byID[s.ID] = s
	m.mu.Unlock()

	abandon := func() {
		s.done = true
		m.mu.Lock()
		delete(m.byKey, key)
		delete(m.byID, s.ID)
		m.mu.Unlock()
	}

	lease, err := m.seeds.Acquire(req.UserID)
	if err != nil {
		abandon()
		return View{}, err
	}

	if _, err := m.funds.Debit(ctx, m.entry(s, ledger.StakeKey(s.ID), req.Amount, "session stake")); err != nil {
		lease.Release()
		abandon()
		return View{}, err
	}

	state, step, err := g.Begin(lease.Seeds, sel)
	if err != nil {
		// Unreachable for a validated selection; return the stake anyway.
		m.refund(s, req.Amount)
		lease.Release()
		abandon()
		return View{}, err
	}
	s.seeds = lease.Seeds
	s.lease = lease
	s.state = state
	s.lastSeen = m.now()

	m.logger.Debug("session started",
		zap.String("session", s.ID),
		zap.String("user", s.UserID),
		zap.String("game", s.Game),
		zap.Uint64("nonce", s.seeds.Nonce),
	)
	m.pub.PublishUser(s.UserID, broadcast.BetAccepted, map[string]any{
		"sessionId": s.ID,
		"game":      s.Game,
		"amount":    s.BetAmount,
	})

	if step.Complete {
		m.finishLocked(s, step, false)
	}
	return s.viewLocked(), nil
}

// Act applies one action to the caller's session.
func (m *Manager) Act(ctx context.Context, userID, sessionID string, a games.Action) (View, error) {
	s, err := m.lookup(userID, sessionID)
	if err != nil {
		return View{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return View{}, fmt.Errorf("%w: session %s is complete", games.ErrStateConflict, s.ID)
	}

	next, step, err := s.state.Apply(a)
	if err != nil {
		return View{}, err
	}
	if step.ExtraStake > 0 {
		extra := s.BetAmount.Mul(decimal.NewFromInt(int64(step.ExtraStake)))
		key := ledger.ExtraStakeKey(s.ID, len(s.actions))
		if _, err := m.funds.Debit(ctx, m.entry(s, key, extra, string(a.Type))); err != nil {
			return View{}, err
		}
		s.units += step.ExtraStake
	}

	s.state = next
	s.actions = append(s.actions, a)
	s.lastSeen = m.now()

	if step.Complete {
		m.finishLocked(s, step, false)
	}
	view := s.viewLocked()
	m.pub.PublishUser(s.UserID, broadcast.ActionResult, view)
	return view, nil
}

// Get returns the caller's session.
func (m *Manager) Get(userID, sessionID string) (View, error) {
	s, err := m.lookup(userID, sessionID)
	if err != nil {
		return View{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return View{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s.viewLocked(), nil
}

// Active lists the caller's live sessions.
func (m *Manager) Active(userID string) []View {
	m.mu.Lock()
	var mine []*Session
	for k, s := range m.byKey {
		if k.user == userID {
			mine = append(mine, s)
		}
	}
	m.mu.Unlock()

	views := make([]View, 0, len(mine))
	for _, s := range mine {
		s.mu.Lock()
		if !s.done && s.state != nil {
			views = append(views, s.viewLocked())
		}
		s.mu.Unlock()
	}
	return views
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *Manager) lookup(userID, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok || s.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s, nil
}

func (m *Manager) entry(s *Session, key string, amount decimal.Decimal, reason string) ledger.Entry {
	return ledger.Entry{
		Key:      key,
		UserID:   s.UserID,
		Currency: s.Currency,
		Amount:   amount,
		Reason:   s.Game + " " + reason,
		Ref:      s.ID,
	}
}

func (m *Manager) refund(s *Session, amount decimal.Decimal) {
	m.funds.CreditAsync(m.entry(s, ledger.RefundKey(s.ID), amount, "refund"), "", nil)
}

// finishLocked settles a completed session and drops it from the store. The
// multiplier applies to the base stake so the record's stake × multiplier
// rounds to exactly the credited payout.
func (m *Manager) finishLocked(s *Session, step games.Step, expired bool) {
	mult := step.Return
	if mult.Sign() < 0 {
		mult = decimal.Zero
	}
	payout := money.Payout(s.BetAmount, mult)
	staked := s.BetAmount.Mul(decimal.NewFromInt(int64(s.units)))

	s.done = true
	s.result = &Result{
		BetID:      uuid.New().String(),
		Win:        step.Win,
		Staked:     staked,
		Multiplier: mult,
		Payout:     payout,
		Layout:     s.state.Layout(),
		Expired:    expired,
	}

	m.record(&store.Bet{
		ID:          s.result.BetID,
		UserID:      s.UserID,
		Game:        s.Game,
		Kind:        store.KindSession,
		RefID:       s.ID,
		Currency:    s.Currency,
		Stake:       s.BetAmount,
		Multiplier:  mult,
		TotalStaked: staked,
		Payout:      payout,
	}, s.seeds, s.selection, s.result.Layout, s.actions)

	m.funds.CreditAsync(m.entry(s, ledger.PayoutKey(s.ID), payout, "payout"), s.result.BetID, m.onCredit(s.UserID, s.Currency))

	s.lease.Release()
	m.mu.Lock()
	delete(m.byKey, sessionKey{s.UserID, s.Game})
	delete(m.byID, s.ID)
	m.mu.Unlock()

	m.logger.Debug("session settled",
		zap.String("session", s.ID),
		zap.String("user", s.UserID),
		zap.String("game", s.Game),
		zap.Bool("win", step.Win),
		zap.String("payout", payout.String()),
		zap.Bool("expired", expired),
	)
}

func (m *Manager) onCredit(userID, currency string) func(ledger.CreditResult) {
	return func(r ledger.CreditResult) {
		if r.Err != nil {
			return
		}
		m.pub.PublishUser(userID, broadcast.BalanceChanged, map[string]any{
			"currency": currency,
			"balance":  r.Balance,
		})
	}
}

func (m *Manager) record(bet *store.Bet, pair engine.SeedPair, sel games.Selection, raw any, actions []games.Action) {
	if m.history == nil {
		return
	}
	bet.Selection, _ = json.Marshal(sel)
	bet.RawOutcome, _ = json.Marshal(raw)
	bet.Status = store.StatusSettled
	bet.ServerSeedHash = pair.ServerSeedHash
	bet.ClientSeed = pair.ClientSeed
	bet.Nonce = pair.Nonce
	if len(actions) > 0 {
		bet.Actions, _ = json.Marshal(actions)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.history.SaveBet(ctx, bet); err != nil {
		m.logger.Error("failed to record bet", zap.String("bet", bet.ID), zap.String("user", bet.UserID), zap.Error(err))
	}
}

// ExpireIdle resolves every session idle for longer than the grace period
// and returns how many expired.
func (m *Manager) ExpireIdle() int {
	n := m.expire(m.now().Add(-m.cfg.GracePeriod), false)
	if n > 0 {
		m.logger.Info("expired idle sessions", zap.Int("count", n))
	}
	return n
}

// ExpireAll resolves every live session the way an idle expiry would. It is
// called at shutdown once no more actions can arrive, so stakes held by open
// sessions are settled before the process exits.
func (m *Manager) ExpireAll() int {
	n := m.expire(time.Time{}, true)
	m.logger.Info("expired all sessions", zap.Int("count", n))
	return n
}

// expire resolves sessions last seen before cutoff. A zero cutoff matches
// every session. Without wait, sessions busy with an action are skipped.
func (m *Manager) expire(cutoff time.Time, wait bool) int {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	expired := 0
	for _, s := range candidates {
		if wait {
			s.mu.Lock()
		} else if !s.mu.TryLock() {
			continue // busy means not idle
		}
		if !s.done && s.state != nil && (cutoff.IsZero() || s.lastSeen.Before(cutoff)) {
			next, step := s.state.Expire()
			s.state = next
			m.finishLocked(s, step, true)
			m.pub.PublishUser(s.UserID, broadcast.ActionResult, s.viewLocked())
			expired++
		}
		s.mu.Unlock()
	}
	return expired
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ExpireIdle()
		}
	}
}
