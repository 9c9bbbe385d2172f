package games

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
)

// RouletteGame implements European Roulette (0-36)
type RouletteGame struct{}

// RouletteBetKind tags the variant a RouletteSelection carries.
type RouletteBetKind string

const (
	RouletteStraight RouletteBetKind = "straight"
	RouletteRed      RouletteBetKind = "red"
	RouletteBlack    RouletteBetKind = "black"
	RouletteEven     RouletteBetKind = "even"
	RouletteOdd      RouletteBetKind = "odd"
	RouletteLow      RouletteBetKind = "low"
	RouletteHigh     RouletteBetKind = "high"
	RouletteDozen    RouletteBetKind = "dozen"
	RouletteColumn   RouletteBetKind = "column"
)

const roulettePockets = 37

var (
	rouletteStraightPayout = decimal.NewFromInt(36)
	rouletteEvenMoney      = decimal.NewFromInt(2)
	rouletteThirdPayout    = decimal.NewFromInt(3)
)

// Red numbers: 1,3,5,7,9,12,14,16,18,19,21,23,25,27,30,32,34,36
var rouletteRed = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 9: true,
	12: true, 14: true, 16: true, 18: true, 19: true,
	21: true, 23: true, 25: true, 27: true, 30: true,
	32: true, 34: true, 36: true,
}

// RouletteSelection is a tagged variant. Number is read for straight bets and
// Index (1-3) for dozen and column bets.
type RouletteSelection struct {
	Kind   RouletteBetKind `json:"kind"`
	Number int             `json:"number,omitempty"`
	Index  int             `json:"index,omitempty"`
}

func (RouletteSelection) GameID() string { return "roulette" }
func (RouletteSelection) selection()     {}

func (s RouletteSelection) Validate() error {
	switch s.Kind {
	case RouletteStraight:
		if s.Number < 0 || s.Number >= roulettePockets {
			return validationf("straight bet number %d outside [0, 36]", s.Number)
		}
		if s.Index != 0 {
			return validationf("straight bet carries an index")
		}
	case RouletteDozen, RouletteColumn:
		if s.Index < 1 || s.Index > 3 {
			return validationf("%s bet index must be 1, 2 or 3, got %d", s.Kind, s.Index)
		}
		if s.Number != 0 {
			return validationf("%s bet carries a number", s.Kind)
		}
	case RouletteRed, RouletteBlack, RouletteEven, RouletteOdd, RouletteLow, RouletteHigh:
		if s.Number != 0 || s.Index != 0 {
			return validationf("%s bet carries a number or index", s.Kind)
		}
	default:
		return validationf("unknown roulette bet kind %q", s.Kind)
	}
	return nil
}

// RouletteResult is the pocket and its properties.
type RouletteResult struct {
	Pocket int    `json:"pocket"`
	Color  string `json:"color"`
}

// Spec returns metadata about the Roulette game
func (g *RouletteGame) Spec() GameSpec {
	return GameSpec{ID: "roulette", Name: "Roulette", Mode: ModeInstant, MetricLabel: "pocket"}
}

func (g *RouletteGame) DecodeSelection(raw json.RawMessage) (Selection, error) {
	var s RouletteSelection
	if err := decodeStrict(raw, &s); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// Evaluate determines which pocket the ball lands in (0-36)
func (g *RouletteGame) Evaluate(seeds engine.SeedPair, sel Selection) (Outcome, error) {
	s, ok := sel.(RouletteSelection)
	if !ok {
		return Outcome{}, wrongSelection("roulette", sel)
	}
	if err := s.Validate(); err != nil {
		return Outcome{}, err
	}

	pocket, err := seeds.Stream().Int(roulettePockets)
	if err != nil {
		return Outcome{}, err
	}

	color := "black"
	switch {
	case pocket == 0:
		color = "green"
	case rouletteRed[pocket]:
		color = "red"
	}

	m := rouletteMultiplier(s, pocket)
	return Outcome{
		Raw:        RouletteResult{Pocket: pocket, Color: color},
		Multiplier: m,
		Win:        m.Sign() > 0,
	}, nil
}

// rouletteMultiplier prices a selection. Zero loses every outside bet.
func rouletteMultiplier(s RouletteSelection, pocket int) decimal.Decimal {
	if s.Kind == RouletteStraight {
		if pocket == s.Number {
			return rouletteStraightPayout
		}
		return decimal.Zero
	}
	if pocket == 0 {
		return decimal.Zero
	}

	var hit bool
	switch s.Kind {
	case RouletteRed:
		hit = rouletteRed[pocket]
	case RouletteBlack:
		hit = !rouletteRed[pocket]
	case RouletteEven:
		hit = pocket%2 == 0
	case RouletteOdd:
		hit = pocket%2 == 1
	case RouletteLow:
		hit = pocket <= 18
	case RouletteHigh:
		hit = pocket >= 19
	case RouletteDozen:
		if (pocket-1)/12+1 == s.Index {
			return rouletteThirdPayout
		}
		return decimal.Zero
	case RouletteColumn:
		if (pocket-1)%3+1 == s.Index {
			return rouletteThirdPayout
		}
		return decimal.Zero
	}
	if hit {
		return rouletteEvenMoney
	}
	return decimal.Zero
}
