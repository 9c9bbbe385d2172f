package games

import (
	"encoding/json"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
)

// HiLoGame implements HiLo over a shuffled single deck. The first card is
// the start card; each guess or skip turns the next one. Guess prices come
// from the per-rank table (1 − edge)/p with p the chance of the guess on a
// fresh deck, so the price of a guess depends only on the current rank.
type HiLoGame struct{}

// HiLoGuess is the direction of a guess.
type HiLoGuess string

const (
	HiLoHigher HiLoGuess = "higher"
	HiLoLower  HiLoGuess = "lower"
	HiLoSame   HiLoGuess = "same"
)

const hiloRanks = 13

// HiLoSelection carries no parameters.
type HiLoSelection struct{}

func (HiLoSelection) GameID() string  { return "hilo" }
func (HiLoSelection) Validate() error { return nil }
func (HiLoSelection) selection()      {}

// HiLoLayout is the shuffled deck for a session.
type HiLoLayout struct {
	Deck []Card `json:"deck"`
}

// Spec returns metadata about the HiLo game.
func (g *HiLoGame) Spec() GameSpec {
	return GameSpec{ID: "hilo", Name: "HiLo", Mode: ModeSession, MetricLabel: "multiplier"}
}

func (g *HiLoGame) DecodeSelection(raw json.RawMessage) (Selection, error) {
	var s HiLoSelection
	if err := decodeStrict(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// Evaluate derives the deck a session with these seeds turns over.
func (g *HiLoGame) Evaluate(seeds engine.SeedPair, sel Selection) (Outcome, error) {
	if _, ok := sel.(HiLoSelection); !ok {
		return Outcome{}, wrongSelection("hilo", sel)
	}
	deck, err := ShuffledDeck(seeds)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Raw: HiLoLayout{Deck: deck}, Multiplier: decimal.Zero}, nil
}

// Begin turns the start card.
func (g *HiLoGame) Begin(seeds engine.SeedPair, sel Selection) (SessionState, Step, error) {
	if _, ok := sel.(HiLoSelection); !ok {
		return nil, Step{}, wrongSelection("hilo", sel)
	}
	deck, err := ShuffledDeck(seeds)
	if err != nil {
		return nil, Step{}, err
	}
	return &HiLoState{deck: deck, multiplier: decimal.NewFromInt(1)}, Step{}, nil
}

// hiloFavourable counts the ranks (A=1 ... K=13) the next card may have for
// guess to win from rank.
func hiloFavourable(rank int, guess HiLoGuess) int {
	switch guess {
	case HiLoHigher:
		return hiloRanks - rank
	case HiLoLower:
		return rank - 1
	case HiLoSame:
		return 1
	default:
		return 0
	}
}

// HiLoChance is the probability that the next card satisfies guess given
// the current rank. Impossible guesses return zero.
func HiLoChance(rank int, guess HiLoGuess) float64 {
	return float64(hiloFavourable(rank, guess)) / hiloRanks
}

// HiLoMultiplier prices one guess from the rank table.
func HiLoMultiplier(rank int, guess HiLoGuess) decimal.Decimal {
	n := hiloFavourable(rank, guess)
	if n <= 0 {
		return decimal.Zero
	}
	return formulaMultiplier(int64(n), hiloRanks)
}

// HiLoState is a run in play.
type HiLoState struct {
	deck       []Card
	pos        int
	correct    int
	multiplier decimal.Decimal
	history    []HiLoTurn
	done       bool
}

// HiLoTurn records one action.
type HiLoTurn struct {
	Action ActionType      `json:"action"`
	Guess  HiLoGuess       `json:"guess,omitempty"`
	Card   Card            `json:"card"`
	Won    bool            `json:"won"`
	Price  decimal.Decimal `json:"price"`
}

// HiLoView is what the player sees.
type HiLoView struct {
	Current    Card                          `json:"current"`
	Correct    int                           `json:"correct"`
	Multiplier decimal.Decimal               `json:"multiplier"`
	Prices     map[HiLoGuess]decimal.Decimal `json:"prices"`
	History    []HiLoTurn                    `json:"history"`
	Complete   bool                          `json:"complete"`
}

func (st *HiLoState) clone() *HiLoState {
	c := *st
	c.history = slices.Clone(st.history)
	return &c
}

func (st *HiLoState) current() Card {
	return st.deck[st.pos]
}

// Apply handles guess, skip and cashout.
func (st *HiLoState) Apply(a Action) (SessionState, Step, error) {
	if st.done {
		return nil, Step{}, conflictf("hilo session already complete")
	}

	switch a.Type {
	case ActionGuess:
		if st.pos >= len(st.deck)-1 {
			return nil, Step{}, conflictf("no cards left to guess")
		}
		rank := cardRankValue(st.current().Rank)
		price := HiLoMultiplier(rank, a.Guess)
		if price.IsZero() {
			return nil, Step{}, validationf("guess %q is not possible on %s", a.Guess, st.current())
		}
		next := st.clone()
		next.pos++
		card := next.current()
		won := hiloWins(rank, cardRankValue(card.Rank), a.Guess)
		next.history = append(next.history, HiLoTurn{Action: ActionGuess, Guess: a.Guess, Card: card, Won: won, Price: price})
		if !won {
			next.done = true
			return next, completeStep(false, decimal.Zero), nil
		}
		next.correct++
		// Exact product of the table prices; rounding happens at payout.
		next.multiplier = next.multiplier.Mul(price)
		if next.pos == len(next.deck)-1 {
			next.done = true
			return next, completeStep(true, next.multiplier), nil
		}
		return next, Step{}, nil

	case ActionSkip:
		// The last card can only be reached by a guess.
		if st.pos >= len(st.deck)-2 {
			return nil, Step{}, conflictf("skipping would leave no card to guess")
		}
		next := st.clone()
		next.pos++
		next.history = append(next.history, HiLoTurn{Action: ActionSkip, Card: next.current()})
		return next, Step{}, nil

	case ActionCashout:
		if st.correct == 0 {
			return nil, Step{}, conflictf("cashout requires at least one correct guess")
		}
		next := st.clone()
		next.done = true
		return next, completeStep(true, next.multiplier), nil

	default:
		return nil, Step{}, conflictf("action %q not valid in hilo", a.Type)
	}
}

func hiloWins(from, to int, guess HiLoGuess) bool {
	switch guess {
	case HiLoHigher:
		return to > from
	case HiLoLower:
		return to < from
	case HiLoSame:
		return to == from
	default:
		return false
	}
}

// Expire cashes out after a correct guess and forfeits otherwise.
func (st *HiLoState) Expire() (SessionState, Step) {
	next := st.clone()
	next.done = true
	if st.correct == 0 {
		return next, completeStep(false, decimal.Zero)
	}
	return next, completeStep(true, next.multiplier)
}

func (st *HiLoState) View() any {
	rank := cardRankValue(st.current().Rank)
	prices := make(map[HiLoGuess]decimal.Decimal, 3)
	for _, g := range []HiLoGuess{HiLoHigher, HiLoLower, HiLoSame} {
		if p := HiLoMultiplier(rank, g); !p.IsZero() {
			prices[g] = p
		}
	}
	return HiLoView{
		Current:    st.current(),
		Correct:    st.correct,
		Multiplier: st.multiplier,
		Prices:     prices,
		History:    slices.Clone(st.history),
		Complete:   st.done,
	}
}

func (st *HiLoState) Layout() any {
	return HiLoLayout{Deck: slices.Clone(st.deck)}
}
