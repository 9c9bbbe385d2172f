package games

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
)

// ColorGame is the timed color prediction round. One number 0-9 is drawn per
// round. Each number is also a color and a size:
//
//	green  1 3 7 9, plus 5 (shared with violet)
//	red    2 4 6 8, plus 0 (shared with violet)
//	violet 0 5
//	small  0-4, big 5-9
type ColorGame struct{}

// ColorBetKind tags the variant a ColorSelection carries.
type ColorBetKind string

const (
	ColorBetNumber ColorBetKind = "number"
	ColorBetColor  ColorBetKind = "color"
	ColorBetSize   ColorBetKind = "size"
)

const (
	ColorGreen  = "green"
	ColorRed    = "red"
	ColorViolet = "violet"
	SizeBig     = "big"
	SizeSmall   = "small"
)

const colorNumbers = 10

var (
	colorNumberPayout = decimal.NewFromInt(9)
	colorPlainPayout  = decimal.NewFromInt(2)
	colorSharedPayout = decimal.RequireFromString("1.5")
	colorVioletPayout = decimal.RequireFromString("4.5")
	colorSizePayout   = decimal.NewFromInt(2)
)

// ColorSelection is a tagged variant: Number is read for kind "number",
// Color for kind "color" and Size for kind "size". Fields belonging to the
// other kinds must be empty.
type ColorSelection struct {
	Kind   ColorBetKind `json:"kind"`
	Number *int         `json:"number,omitempty"`
	Color  string       `json:"color,omitempty"`
	Size   string       `json:"size,omitempty"`
}

func (ColorSelection) GameID() string { return "color" }
func (ColorSelection) selection()     {}

func (s ColorSelection) Validate() error {
	switch s.Kind {
	case ColorBetNumber:
		if s.Number == nil || *s.Number < 0 || *s.Number >= colorNumbers {
			return validationf("color number bet requires a number in [0, 9]")
		}
		if s.Color != "" || s.Size != "" {
			return validationf("color number bet carries color or size fields")
		}
	case ColorBetColor:
		if s.Color != ColorGreen && s.Color != ColorRed && s.Color != ColorViolet {
			return validationf("color must be green, red or violet, got %q", s.Color)
		}
		if s.Number != nil || s.Size != "" {
			return validationf("color bet carries number or size fields")
		}
	case ColorBetSize:
		if s.Size != SizeBig && s.Size != SizeSmall {
			return validationf("size must be big or small, got %q", s.Size)
		}
		if s.Number != nil || s.Color != "" {
			return validationf("size bet carries number or color fields")
		}
	default:
		return validationf("unknown color bet kind %q", s.Kind)
	}
	return nil
}

// ColorResult is the drawn number with its categories.
type ColorResult struct {
	Number int      `json:"number"`
	Colors []string `json:"colors"`
	Size   string   `json:"size"`
}

// Spec returns metadata about the Color game.
func (g *ColorGame) Spec() GameSpec {
	return GameSpec{ID: "color", Name: "Color", Mode: ModeRound, MetricLabel: "number"}
}

func (g *ColorGame) DecodeSelection(raw json.RawMessage) (Selection, error) {
	var s ColorSelection
	if err := decodeStrict(raw, &s); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

func (g *ColorGame) Evaluate(seeds engine.SeedPair, sel Selection) (Outcome, error) {
	s, ok := sel.(ColorSelection)
	if !ok {
		return Outcome{}, wrongSelection("color", sel)
	}
	if err := s.Validate(); err != nil {
		return Outcome{}, err
	}
	res, err := DrawColor(seeds)
	if err != nil {
		return Outcome{}, err
	}
	return res.Settle(s), nil
}

// DrawColor draws the round number.
func DrawColor(seeds engine.SeedPair) (ColorResult, error) {
	n, err := seeds.Stream().Int(colorNumbers)
	if err != nil {
		return ColorResult{}, err
	}
	return ColorResultFor(n), nil
}

// ColorResultFor labels a drawn number.
func ColorResultFor(n int) ColorResult {
	res := ColorResult{Number: n, Size: SizeSmall}
	if n >= 5 {
		res.Size = SizeBig
	}
	switch n {
	case 0:
		res.Colors = []string{ColorRed, ColorViolet}
	case 5:
		res.Colors = []string{ColorGreen, ColorViolet}
	default:
		if n%2 == 0 {
			res.Colors = []string{ColorRed}
		} else {
			res.Colors = []string{ColorGreen}
		}
	}
	return res
}

// Settle prices a selection against the drawn number.
func (r ColorResult) Settle(s ColorSelection) Outcome {
	m := decimal.Zero
	switch s.Kind {
	case ColorBetNumber:
		if s.Number != nil && *s.Number == r.Number {
			m = colorNumberPayout
		}
	case ColorBetColor:
		switch {
		case s.Color == ColorViolet && (r.Number == 0 || r.Number == 5):
			m = colorVioletPayout
		case s.Color == ColorGreen && r.Number == 5, s.Color == ColorRed && r.Number == 0:
			m = colorSharedPayout
		case s.Color == ColorGreen && r.Number%2 == 1, s.Color == ColorRed && r.Number%2 == 0:
			m = colorPlainPayout
		}
	case ColorBetSize:
		if s.Size == r.Size {
			m = colorSizePayout
		}
	}
	return Outcome{Raw: r, Multiplier: m, Win: m.Sign() > 0}
}
