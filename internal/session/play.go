package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MJE43/pf-house/internal/broadcast"
	"github.com/MJE43/pf-house/internal/engine"
	"github.com/MJE43/pf-house/internal/games"
	"github.com/MJE43/pf-house/internal/ledger"
	"github.com/MJE43/pf-house/internal/money"
	"github.com/MJE43/pf-house/internal/store"
)

// PlayRequest is a single-call bet on an instant game.
type PlayRequest struct {
	UserID    string          `json:"userId"`
	Game      string          `json:"game"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

// PlayResult is the settled instant bet.
type PlayResult struct {
	BetID      string          `json:"betId"`
	Game       string          `json:"game"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Seeds      engine.SeedPair `json:"seeds"`
	Outcome    any             `json:"outcome"`
	Win        bool            `json:"win"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
	// Balance is the balance right after the stake was debited; the payout
	// credit follows asynchronously.
	Balance decimal.Decimal `json:"balance"`
}

// Play runs an instant game end to end: validate, allocate a nonce, debit,
// derive, record and dispatch the payout credit.
func (m *Manager) Play(ctx context.Context, req PlayRequest) (PlayResult, error) {
	g, err := games.Lookup(req.Game)
	if err != nil {
		return PlayResult{}, err
	}
	if mode := g.Spec().Mode; mode != games.ModeInstant {
		return PlayResult{}, fmt.Errorf("%w: %s is a %s game", games.ErrValidation, req.Game, mode)
	}
	if err := validateWager(req.UserID, req.Currency, req.Amount); err != nil {
		return PlayResult{}, err
	}
	sel, err := g.DecodeSelection(req.Selection)
	if err != nil {
		return PlayResult{}, err
	}

	lease, err := m.seeds.Acquire(req.UserID)
	if err != nil {
		return PlayResult{}, err
	}
	defer lease.Release()

	betID := uuid.New().String()
	entry := func(key string, amount decimal.Decimal, reason string) ledger.Entry {
		return ledger.Entry{
			Key:      key,
			UserID:   req.UserID,
			Currency: req.Currency,
			Amount:   amount,
			Reason:   req.Game + " " + reason,
			Ref:      betID,
		}
	}

	balance, err := m.funds.Debit(ctx, entry(ledger.StakeKey(betID), req.Amount, "stake"))
	if err != nil {
		return PlayResult{}, err
	}

	out, err := g.Evaluate(lease.Seeds, sel)
	if err != nil {
		m.funds.CreditAsync(entry(ledger.RefundKey(betID), req.Amount, "refund"), "", nil)
		return PlayResult{}, err
	}
	payout := money.Payout(req.Amount, out.Multiplier)

	m.record(&store.Bet{
		ID:         betID,
		UserID:     req.UserID,
		Game:       req.Game,
		Kind:       store.KindInstant,
		Currency:   req.Currency,
		Stake:      req.Amount,
		Multiplier: out.Multiplier,
		Payout:     payout,
	}, lease.Seeds, sel, out.Raw, nil)
	m.funds.CreditAsync(entry(ledger.PayoutKey(betID), payout, "payout"), betID, m.onCredit(req.UserID, req.Currency))

	m.logger.Debug("instant bet settled",
		zap.String("bet", betID),
		zap.String("user", req.UserID),
		zap.String("game", req.Game),
		zap.Uint64("nonce", lease.Seeds.Nonce),
		zap.Bool("win", out.Win),
		zap.String("payout", payout.String()),
	)
	res := PlayResult{
		BetID:      betID,
		Game:       req.Game,
		Amount:     req.Amount,
		Currency:   req.Currency,
		Seeds:      lease.Seeds.Public(),
		Outcome:    out.Raw,
		Win:        out.Win,
		Multiplier: out.Multiplier,
		Payout:     payout,
		Balance:    balance,
	}
	m.pub.PublishUser(req.UserID, broadcast.ActionResult, res)
	return res, nil
}
