package games

import (
	"encoding/json"

	"github.com/MJE43/pf-house/internal/engine"
)

// KenoGame draws 10 of 40 squares and pays by picks and hits.
type KenoGame struct{}

// KenoRisk selects the payout table.
type KenoRisk string

const (
	KenoClassic KenoRisk = "classic"
	KenoLow     KenoRisk = "low"
	KenoMedium  KenoRisk = "medium"
	KenoHigh    KenoRisk = "high"
)

// KenoSelection is the player's board.
type KenoSelection struct {
	Risk  KenoRisk `json:"risk"`
	Picks []int    `json:"picks"`
}

func (KenoSelection) GameID() string { return "keno" }
func (KenoSelection) selection()     {}

func (s KenoSelection) Validate() error {
	if _, ok := kenoPayouts[string(s.Risk)]; !ok {
		return validationf("invalid keno risk %q", s.Risk)
	}
	if len(s.Picks) < kenoMinPicks || len(s.Picks) > kenoMaxPicks {
		return validationf("keno requires between %d and %d picks, got %d", kenoMinPicks, kenoMaxPicks, len(s.Picks))
	}
	seen := make(map[int]bool, len(s.Picks))
	for _, p := range s.Picks {
		if p < 0 || p >= kenoSquares {
			return validationf("invalid pick %d: must be between 0 and %d", p, kenoSquares-1)
		}
		if seen[p] {
			return validationf("duplicate pick %d", p)
		}
		seen[p] = true
	}
	return nil
}

// KenoResult is the raw keno outcome.
type KenoResult struct {
	Draws []int `json:"draws"`
	Hits  int   `json:"hits"`
}

func (g *KenoGame) Spec() GameSpec {
	return GameSpec{ID: "keno", Name: "Keno", Mode: ModeInstant, MetricLabel: "multiplier"}
}

func (g *KenoGame) DecodeSelection(raw json.RawMessage) (Selection, error) {
	s := KenoSelection{Risk: KenoClassic}
	if err := decodeStrict(raw, &s); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// Evaluate draws the board and looks up the multiplier.
func (g *KenoGame) Evaluate(seeds engine.SeedPair, sel Selection) (Outcome, error) {
	s, ok := sel.(KenoSelection)
	if !ok {
		return Outcome{}, wrongSelection("keno", sel)
	}
	if err := s.Validate(); err != nil {
		return Outcome{}, err
	}

	draws, err := KenoDraws(seeds)
	if err != nil {
		return Outcome{}, err
	}
	hits := countHits(s.Picks, draws)
	m := KenoMultiplier(s.Risk, len(s.Picks), hits)

	return Outcome{
		Raw:        KenoResult{Draws: draws, Hits: hits},
		Multiplier: m,
		Win:        m.Sign() > 0,
	}, nil
}

// KenoDraws returns the 10 drawn squares in draw order.
func KenoDraws(seeds engine.SeedPair) ([]int, error) {
	return seeds.Stream().Sample(kenoSquares, kenoDrawCount)
}

// countHits returns how many of the player's picks appear in the draws.
func countHits(picks, draws []int) int {
	drawSet := make(map[int]bool, len(draws))
	for _, d := range draws {
		drawSet[d] = true
	}

	hits := 0
	for _, p := range picks {
		if drawSet[p] {
			hits++
		}
	}
	return hits
}
