package games

import (
	"encoding/json"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
)

// BlackjackGame implements single-deck Blackjack. The deck is shuffled once
// per session and dealt from the top in the order player, dealer, player,
// dealer, then hits in play order. The dealer stands on all 17s, a natural
// returns 2.5× and the player may double any two-card hand and split once.
type BlackjackGame struct{}

var (
	blackjackNaturalReturn = decimal.RequireFromString("2.5")
	blackjackWinReturn     = decimal.NewFromInt(2)
	blackjackPushReturn    = decimal.NewFromInt(1)
)

const blackjackDealerStand = 17

// BlackjackSelection carries no parameters.
type BlackjackSelection struct{}

func (BlackjackSelection) GameID() string  { return "blackjack" }
func (BlackjackSelection) Validate() error { return nil }
func (BlackjackSelection) selection()      {}

// BlackjackLayout is the shuffled deck for a session.
type BlackjackLayout struct {
	Deck []Card `json:"deck"`
}

// Spec returns metadata about the Blackjack game.
func (g *BlackjackGame) Spec() GameSpec {
	return GameSpec{ID: "blackjack", Name: "Blackjack", Mode: ModeSession, MetricLabel: "multiplier"}
}

func (g *BlackjackGame) DecodeSelection(raw json.RawMessage) (Selection, error) {
	var s BlackjackSelection
	if err := decodeStrict(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// Evaluate derives the deck a session with these seeds is dealt from.
func (g *BlackjackGame) Evaluate(seeds engine.SeedPair, sel Selection) (Outcome, error) {
	if _, ok := sel.(BlackjackSelection); !ok {
		return Outcome{}, wrongSelection("blackjack", sel)
	}
	deck, err := ShuffledDeck(seeds)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Raw: BlackjackLayout{Deck: deck}, Multiplier: decimal.Zero}, nil
}

// Begin deals the opening hands. Naturals settle immediately.
func (g *BlackjackGame) Begin(seeds engine.SeedPair, sel Selection) (SessionState, Step, error) {
	if _, ok := sel.(BlackjackSelection); !ok {
		return nil, Step{}, wrongSelection("blackjack", sel)
	}
	deck, err := ShuffledDeck(seeds)
	if err != nil {
		return nil, Step{}, err
	}

	st := &BlackjackState{deck: deck}
	// Standard deal order: player1, dealer1, player2, dealer2
	p1, d1, p2, d2 := st.draw(), st.draw(), st.draw(), st.draw()
	st.hands = []BlackjackHand{{Cards: []Card{p1, p2}, Stake: 1}}
	st.dealer = []Card{d1, d2}

	playerNatural := isNatural(st.hands[0].Cards)
	dealerNatural := isNatural(st.dealer)
	if !playerNatural && !dealerNatural {
		return st, Step{}, nil
	}

	st.done = true
	st.hands[0].Done = true
	switch {
	case playerNatural && dealerNatural:
		st.hands[0].Result = BlackjackPush
		st.hands[0].Return = blackjackPushReturn
	case playerNatural:
		st.hands[0].Result = BlackjackNatural
		st.hands[0].Return = blackjackNaturalReturn
	default:
		st.hands[0].Result = BlackjackLose
		st.hands[0].Return = decimal.Zero
	}
	return st, st.settleStep(), nil
}

// BlackjackResult labels a settled hand.
type BlackjackResult string

const (
	BlackjackNatural BlackjackResult = "blackjack"
	BlackjackWin     BlackjackResult = "win"
	BlackjackPush    BlackjackResult = "push"
	BlackjackLose    BlackjackResult = "lose"
	BlackjackBust    BlackjackResult = "bust"
)

// BlackjackHand is one player hand and, once settled, its return.
type BlackjackHand struct {
	Cards   []Card          `json:"cards"`
	Stake   int             `json:"stake_units"`
	Doubled bool            `json:"doubled,omitempty"`
	Done    bool            `json:"done"`
	Result  BlackjackResult `json:"result,omitempty"`
	Return  decimal.Decimal `json:"return"`
}

func (h BlackjackHand) value() int {
	v, _ := blackjackHandValue(h.Cards)
	return v
}

// BlackjackState is a hand in play.
type BlackjackState struct {
	deck   []Card
	next   int
	hands  []BlackjackHand
	active int
	dealer []Card
	split  bool
	done   bool
}

// BlackjackView is what the player sees. The dealer hole card stays hidden
// until the session ends.
type BlackjackView struct {
	Hands       []BlackjackHand `json:"hands"`
	Active      int             `json:"active"`
	Dealer      []Card          `json:"dealer"`
	DealerValue int             `json:"dealer_value"`
	Complete    bool            `json:"complete"`
}

func isNatural(cards []Card) bool {
	v, _ := blackjackHandValue(cards)
	return len(cards) == 2 && v == 21
}

func (st *BlackjackState) clone() *BlackjackState {
	c := *st
	c.hands = make([]BlackjackHand, len(st.hands))
	for i, h := range st.hands {
		h.Cards = slices.Clone(h.Cards)
		c.hands[i] = h
	}
	c.dealer = slices.Clone(st.dealer)
	return &c
}

// draw deals the next card. A single deck always outlasts one player and
// the dealer with one split.
func (st *BlackjackState) draw() Card {
	c := st.deck[st.next]
	st.next++
	return c
}

// Apply handles hit, stand, double and split on the active hand.
func (st *BlackjackState) Apply(a Action) (SessionState, Step, error) {
	if st.done {
		return nil, Step{}, conflictf("blackjack session already complete")
	}
	hand := st.hands[st.active]

	switch a.Type {
	case ActionHit:
		next := st.clone()
		h := &next.hands[next.active]
		h.Cards = append(h.Cards, next.draw())
		if h.value() >= 21 {
			h.Done = true
			next.advance()
		}
		return next, next.step(0), nil

	case ActionStand:
		next := st.clone()
		next.hands[next.active].Done = true
		next.advance()
		return next, next.step(0), nil

	case ActionDouble:
		if len(hand.Cards) != 2 {
			return nil, Step{}, conflictf("double is only allowed on a two-card hand")
		}
		next := st.clone()
		h := &next.hands[next.active]
		h.Cards = append(h.Cards, next.draw())
		h.Stake *= 2
		h.Doubled = true
		h.Done = true
		next.advance()
		return next, next.step(1), nil

	case ActionSplit:
		if st.split {
			return nil, Step{}, conflictf("hand already split")
		}
		if len(hand.Cards) != 2 || blackjackCardValue(hand.Cards[0].Rank) != blackjackCardValue(hand.Cards[1].Rank) {
			return nil, Step{}, conflictf("split requires a pair")
		}
		next := st.clone()
		next.split = true
		first, second := hand.Cards[0], hand.Cards[1]
		next.hands = []BlackjackHand{
			{Cards: []Card{first, next.draw()}, Stake: 1},
			{Cards: []Card{second, next.draw()}, Stake: 1},
		}
		next.active = 0
		// Split aces receive one card each.
		if first.Rank == "A" {
			next.hands[0].Done = true
			next.hands[1].Done = true
		}
		next.skipFinished()
		return next, next.step(1), nil

	default:
		return nil, Step{}, conflictf("action %q not valid in blackjack", a.Type)
	}
}

// Expire stands on every open hand.
func (st *BlackjackState) Expire() (SessionState, Step) {
	next := st.clone()
	if next.done {
		return next, next.settleStep()
	}
	for i := range next.hands {
		next.hands[i].Done = true
	}
	next.active = len(next.hands)
	next.finish()
	return next, next.settleStep()
}

func (st *BlackjackState) advance() {
	st.active++
	st.skipFinished()
}

// skipFinished moves past completed hands and plays the dealer once every
// hand is done.
func (st *BlackjackState) skipFinished() {
	for st.active < len(st.hands) {
		h := &st.hands[st.active]
		if !h.Done && h.value() >= 21 {
			h.Done = true
		}
		if !h.Done {
			return
		}
		st.active++
	}
	st.finish()
}

// finish plays the dealer hand and settles every player hand.
func (st *BlackjackState) finish() {
	allBust := true
	for _, h := range st.hands {
		if h.value() <= 21 {
			allBust = false
		}
	}
	if !allBust {
		for {
			v, _ := blackjackHandValue(st.dealer)
			if v >= blackjackDealerStand {
				break
			}
			st.dealer = append(st.dealer, st.draw())
		}
	}

	dealerValue, _ := blackjackHandValue(st.dealer)
	for i := range st.hands {
		h := &st.hands[i]
		pv := h.value()
		var mult decimal.Decimal
		switch {
		case pv > 21:
			h.Result, mult = BlackjackBust, decimal.Zero
		case dealerValue > 21 || pv > dealerValue:
			h.Result, mult = BlackjackWin, blackjackWinReturn
		case pv == dealerValue:
			h.Result, mult = BlackjackPush, blackjackPushReturn
		default:
			h.Result, mult = BlackjackLose, decimal.Zero
		}
		h.Return = mult.Mul(decimal.NewFromInt(int64(h.Stake)))
	}
	st.done = true
}

func (st *BlackjackState) step(extra int) Step {
	if !st.done {
		return Step{ExtraStake: extra}
	}
	s := st.settleStep()
	s.ExtraStake = extra
	return s
}

func (st *BlackjackState) settleStep() Step {
	total := decimal.Zero
	units := 0
	for _, h := range st.hands {
		total = total.Add(h.Return)
		units += h.Stake
	}
	return completeStep(total.GreaterThan(decimal.NewFromInt(int64(units))), total)
}

func (st *BlackjackState) View() any {
	v := BlackjackView{
		Hands:    slices.Clone(st.hands),
		Active:   st.active,
		Complete: st.done,
	}
	if st.done {
		v.Dealer = slices.Clone(st.dealer)
	} else {
		v.Dealer = st.dealer[:1:1]
	}
	v.DealerValue, _ = blackjackHandValue(v.Dealer)
	return v
}

func (st *BlackjackState) Layout() any {
	return BlackjackLayout{Deck: slices.Clone(st.deck)}
}
