package games

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
)

// WheelGame implements the Wheel game. One segment index is drawn by
// rejection sampling over the segment count.
type WheelGame struct{}

// WheelRisk selects the payout layout.
type WheelRisk string

const (
	WheelLow    WheelRisk = "low"
	WheelMedium WheelRisk = "medium"
	WheelHigh   WheelRisk = "high"
)

const wheelDefaultSegments = 10

// Wheel payout tables.
// Keys: segments (10, 20, 30, 40, 50) → risk (low, medium, high) → []multiplier
var wheelPayouts = map[int]map[WheelRisk][]float64{
	10: {
		WheelLow:    {1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0},
		WheelMedium: {0, 1.9, 0, 1.5, 0, 2, 0, 1.5, 0, 3},
		WheelHigh:   {0, 0, 0, 0, 0, 0, 0, 0, 0, 9.9},
	},
	20: {
		WheelLow: {
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
		},
		WheelMedium: {
			1.5, 0, 2, 0, 2, 0, 2, 0, 1.5, 0,
			3, 0, 1.8, 0, 2, 0, 2, 0, 2, 0,
		},
		WheelHigh: {
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 19.8,
		},
	},
	30: {
		WheelLow: {
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
		},
		WheelMedium: {
			1.5, 0, 1.5, 0, 2, 0, 1.5, 0, 2, 0,
			2, 0, 1.5, 0, 3, 0, 1.5, 0, 2, 0,
			2, 0, 1.7, 0, 4, 0, 1.5, 0, 2, 0,
		},
		WheelHigh: {
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 29.7,
		},
	},
	40: {
		WheelLow: {
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
		},
		WheelMedium: {
			2, 0, 3, 0, 2, 0, 1.5, 0, 3, 0,
			1.5, 0, 1.5, 0, 2, 0, 1.5, 0, 3, 0,
			1.5, 0, 2, 0, 2, 0, 1.6, 0, 2, 0,
			1.5, 0, 3, 0, 1.5, 0, 2, 0, 1.5, 0,
		},
		WheelHigh: {
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 39.6,
		},
	},
	50: {
		WheelLow: {
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
		},
		WheelMedium: {
			2, 0, 1.5, 0, 2, 0, 1.5, 0, 3, 0,
			1.5, 0, 1.5, 0, 2, 0, 1.5, 0, 3, 0,
			1.5, 0, 2, 0, 1.5, 0, 2, 0, 2, 0,
			1.5, 0, 3, 0, 1.5, 0, 2, 0, 1.5, 0,
			1.5, 0, 5, 0, 1.5, 0, 2, 0, 1.5, 0,
		},
		WheelHigh: {
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 49.5,
		},
	},
}

// WheelSelection picks the wheel layout.
type WheelSelection struct {
	Segments int       `json:"segments"`
	Risk     WheelRisk `json:"risk"`
}

func (WheelSelection) GameID() string { return "wheel" }
func (WheelSelection) selection()     {}

func (s WheelSelection) Validate() error {
	risks, ok := wheelPayouts[s.Segments]
	if !ok {
		return validationf("wheel segments must be one of 10, 20, 30, 40, 50; got %d", s.Segments)
	}
	if _, ok := risks[s.Risk]; !ok {
		return validationf("invalid wheel risk %q", s.Risk)
	}
	return nil
}

// WheelResult is the landed segment.
type WheelResult struct {
	Segments int       `json:"segments"`
	Risk     WheelRisk `json:"risk"`
	Index    int       `json:"index"`
}

// Spec returns metadata about the Wheel game.
func (g *WheelGame) Spec() GameSpec {
	return GameSpec{ID: "wheel", Name: "Wheel", Mode: ModeInstant, MetricLabel: "multiplier"}
}

func (g *WheelGame) DecodeSelection(raw json.RawMessage) (Selection, error) {
	s := WheelSelection{Segments: wheelDefaultSegments, Risk: WheelLow}
	if err := decodeStrict(raw, &s); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// Evaluate spins the wheel.
func (g *WheelGame) Evaluate(seeds engine.SeedPair, sel Selection) (Outcome, error) {
	s, ok := sel.(WheelSelection)
	if !ok {
		return Outcome{}, wrongSelection("wheel", sel)
	}
	if err := s.Validate(); err != nil {
		return Outcome{}, err
	}

	index, err := seeds.Stream().Int(s.Segments)
	if err != nil {
		return Outcome{}, err
	}
	m := decimal.NewFromFloat(wheelPayouts[s.Segments][s.Risk][index])
	return Outcome{
		Raw:        WheelResult{Segments: s.Segments, Risk: s.Risk, Index: index},
		Multiplier: m,
		Win:        m.Sign() > 0,
	}, nil
}
