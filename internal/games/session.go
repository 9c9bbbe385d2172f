package games

import (
	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
)

// ActionType names a move inside a live session.
type ActionType string

const (
	ActionHit     ActionType = "hit"
	ActionStand   ActionType = "stand"
	ActionDouble  ActionType = "double"
	ActionSplit   ActionType = "split"
	ActionReveal  ActionType = "reveal"
	ActionGuess   ActionType = "guess"
	ActionSkip    ActionType = "skip"
	ActionCashout ActionType = "cashout"
)

// Action is one player move. Position applies to reveal, Guess to guess.
type Action struct {
	Type     ActionType `json:"type"`
	Position int        `json:"position,omitempty"`
	Guess    HiLoGuess  `json:"guess,omitempty"`
}

// Step is the effect of applying an action.
//
// ExtraStake is the number of additional base stakes the player commits with
// this action (double, split) and must be debited before the new state is
// kept. When Complete is set, Return is the total payout expressed as a
// multiple of the base stake.
type Step struct {
	ExtraStake int
	Complete   bool
	Win        bool
	Return     decimal.Decimal
}

// SessionState is the sub-state of a multi-action game. Apply never mutates
// the receiver; it returns the next state or an error and leaves the caller
// free to discard the result.
type SessionState interface {
	Apply(a Action) (SessionState, Step, error)
	// Expire resolves an idle session the way the game defines.
	Expire() (SessionState, Step)
	// View is the player-visible state. Hidden layout stays out of it.
	View() any
	// Layout is the full derived layout, published once the session ends.
	Layout() any
}

// SessionGame is a game played over several actions.
type SessionGame interface {
	Game
	// Begin deals the opening state. The returned step may already be
	// complete (a blackjack natural).
	Begin(seeds engine.SeedPair, sel Selection) (SessionState, Step, error)
}

// LookupSession returns the registered session game with the given ID.
func LookupSession(id string) (SessionGame, error) {
	g, err := Lookup(id)
	if err != nil {
		return nil, err
	}
	sg, ok := g.(SessionGame)
	if !ok {
		return nil, validationf("%s is not a session game", id)
	}
	return sg, nil
}

func completeStep(win bool, ret decimal.Decimal) Step {
	return Step{Complete: true, Win: win, Return: ret}
}
