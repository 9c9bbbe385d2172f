package games

import (
	"encoding/json"
	"math"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
)

// DiceGame implements the threshold roll game.
type DiceGame struct{}

// DiceCondition selects which side of the target wins.
type DiceCondition string

const (
	DiceOver  DiceCondition = "over"
	DiceUnder DiceCondition = "under"
)

var (
	diceMinChance = decimal.RequireFromString("0.01")
	diceMaxChance = decimal.NewFromInt(98)
	diceHundred   = decimal.NewFromInt(100)
	diceEdge      = decimal.NewFromFloat(1 - HouseEdge)
	diceBase      = decimal.NewFromInt(99)
)

// DiceSelection is a target in [0, 100] with two decimals and a condition.
type DiceSelection struct {
	Target    decimal.Decimal `json:"target"`
	Condition DiceCondition   `json:"condition"`
}

func (DiceSelection) GameID() string { return "dice" }
func (DiceSelection) selection()     {}

// Validate checks the target precision and the resulting win chance.
func (s DiceSelection) Validate() error {
	if s.Condition != DiceOver && s.Condition != DiceUnder {
		return validationf("dice condition must be %q or %q, got %q", DiceOver, DiceUnder, s.Condition)
	}
	if !s.Target.Equal(s.Target.Truncate(2)) {
		return validationf("dice target %s has more than 2 decimals", s.Target)
	}
	chance := s.WinChance()
	if chance.LessThan(diceMinChance) || chance.GreaterThan(diceMaxChance) {
		return validationf("dice win chance %s outside [%s, %s]", chance, diceMinChance, diceMaxChance)
	}
	return nil
}

// WinChance is the advertised probability in percent.
func (s DiceSelection) WinChance() decimal.Decimal {
	if s.Condition == DiceOver {
		return diceHundred.Sub(s.Target)
	}
	return s.Target
}

// Multiplier is (99 / winChance) × (1 − edge), truncated to 4 places.
func (s DiceSelection) Multiplier() decimal.Decimal {
	return diceBase.Div(s.WinChance()).Mul(diceEdge).Truncate(4)
}

// DiceResult is the raw dice outcome.
type DiceResult struct {
	RawFloat float64         `json:"raw_float"`
	Roll     decimal.Decimal `json:"roll"`
}

// Spec returns metadata about the Dice game.
func (g *DiceGame) Spec() GameSpec {
	return GameSpec{ID: "dice", Name: "Dice", Mode: ModeInstant, MetricLabel: "roll"}
}

func (g *DiceGame) DecodeSelection(raw json.RawMessage) (Selection, error) {
	var s DiceSelection
	if err := decodeStrict(raw, &s); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// Roll maps a float onto the discrete 0.00-100.00 range (10,001 outcomes).
func Roll(f float64) decimal.Decimal {
	return decimal.New(int64(math.Floor(f*10001)), -2)
}

// Evaluate rolls the dice and settles the selection against it.
func (g *DiceGame) Evaluate(seeds engine.SeedPair, sel Selection) (Outcome, error) {
	s, ok := sel.(DiceSelection)
	if !ok {
		return Outcome{}, wrongSelection("dice", sel)
	}
	if err := s.Validate(); err != nil {
		return Outcome{}, err
	}

	f := seeds.Float()
	roll := Roll(f)

	var win bool
	if s.Condition == DiceOver {
		win = roll.GreaterThan(s.Target)
	} else {
		win = roll.LessThan(s.Target)
	}

	out := Outcome{Raw: DiceResult{RawFloat: f, Roll: roll}, Multiplier: decimal.Zero, Win: win}
	if win {
		out.Multiplier = s.Multiplier()
	}
	return out, nil
}
