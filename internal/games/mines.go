package games

import (
	"encoding/json"
	"math/big"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
)

// MinesGame implements the Mines game.
// The game uses a 5x5 grid (25 tiles) with 1-24 mines drawn by partial
// Fisher-Yates over the tile indexes.
type MinesGame struct{}

const (
	minesTotalTiles   = 25
	minesDefaultCount = 3
	minesMinCount     = 1
	minesMaxCount     = 24
)

// MinesSelection is the number of mines on the board.
type MinesSelection struct {
	Mines int `json:"mines"`
}

func (MinesSelection) GameID() string { return "mines" }
func (MinesSelection) selection()     {}

func (s MinesSelection) Validate() error {
	if s.Mines < minesMinCount || s.Mines > minesMaxCount {
		return validationf("mines count must be between %d and %d, got %d", minesMinCount, minesMaxCount, s.Mines)
	}
	return nil
}

// MinesLayout is the derived board.
type MinesLayout struct {
	MineCount     int   `json:"mine_count"`
	MinePositions []int `json:"mine_positions"`
}

func (g *MinesGame) Spec() GameSpec {
	return GameSpec{ID: "mines", Name: "Mines", Mode: ModeSession, MetricLabel: "multiplier"}
}

func (g *MinesGame) DecodeSelection(raw json.RawMessage) (Selection, error) {
	s := MinesSelection{Mines: minesDefaultCount}
	if err := decodeStrict(raw, &s); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// Evaluate derives the board. The multiplier depends on the reveals the
// player makes, so the outcome carries only the layout.
func (g *MinesGame) Evaluate(seeds engine.SeedPair, sel Selection) (Outcome, error) {
	s, ok := sel.(MinesSelection)
	if !ok {
		return Outcome{}, wrongSelection("mines", sel)
	}
	if err := s.Validate(); err != nil {
		return Outcome{}, err
	}
	layout, err := MinePositions(seeds, s.Mines)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Raw: layout, Multiplier: decimal.Zero}, nil
}

// MinePositions places count mines on the 25-tile board.
func MinePositions(seeds engine.SeedPair, count int) (MinesLayout, error) {
	positions, err := seeds.Stream().Sample(minesTotalTiles, count)
	if err != nil {
		return MinesLayout{}, err
	}
	return MinesLayout{MineCount: count, MinePositions: positions}, nil
}

// MinesMultiplier is (1 − edge) · ∏_{i<revealed} (25−i)/(safe−i), truncated
// to 4 places. Zero reveals return zero.
func MinesMultiplier(mines, revealed int) decimal.Decimal {
	safe := minesTotalTiles - mines
	if revealed <= 0 || revealed > safe {
		return decimal.Zero
	}
	num, den := big.NewInt(1), big.NewInt(1)
	for i := 0; i < revealed; i++ {
		num.Mul(num, big.NewInt(int64(minesTotalTiles-i)))
		den.Mul(den, big.NewInt(int64(safe-i)))
	}
	return decimal.NewFromBigInt(num, 0).
		Mul(decimal.NewFromFloat(1 - HouseEdge)).
		Div(decimal.NewFromBigInt(den, 0)).
		Truncate(4)
}

// Begin places the mines and opens the board.
func (g *MinesGame) Begin(seeds engine.SeedPair, sel Selection) (SessionState, Step, error) {
	s, ok := sel.(MinesSelection)
	if !ok {
		return nil, Step{}, wrongSelection("mines", sel)
	}
	if err := s.Validate(); err != nil {
		return nil, Step{}, err
	}
	layout, err := MinePositions(seeds, s.Mines)
	if err != nil {
		return nil, Step{}, err
	}
	return &MinesState{layout: layout}, Step{}, nil
}

// MinesState is a board in play.
type MinesState struct {
	layout   MinesLayout
	revealed []int
	hitMine  int
	busted   bool
	done     bool
}

// MinesView is what the player sees.
type MinesView struct {
	MineCount  int             `json:"mine_count"`
	Revealed   []int           `json:"revealed"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Next       decimal.Decimal `json:"next_multiplier"`
	Mine       *int            `json:"mine,omitempty"`
}

func (st *MinesState) clone() *MinesState {
	c := *st
	c.revealed = slices.Clone(st.revealed)
	return &c
}

func (st *MinesState) isMine(pos int) bool {
	return slices.Contains(st.layout.MinePositions, pos)
}

// Apply handles reveal and cashout.
func (st *MinesState) Apply(a Action) (SessionState, Step, error) {
	if st.done {
		return nil, Step{}, conflictf("mines session already complete")
	}
	switch a.Type {
	case ActionReveal:
		if a.Position < 0 || a.Position >= minesTotalTiles {
			return nil, Step{}, validationf("tile %d outside [0, %d]", a.Position, minesTotalTiles-1)
		}
		if slices.Contains(st.revealed, a.Position) {
			return nil, Step{}, conflictf("tile %d already revealed", a.Position)
		}
		next := st.clone()
		if next.isMine(a.Position) {
			next.done = true
			next.hitMine = a.Position
			next.busted = true
			return next, completeStep(false, decimal.Zero), nil
		}
		next.revealed = append(next.revealed, a.Position)
		if len(next.revealed) == minesTotalTiles-next.layout.MineCount {
			next.done = true
			return next, completeStep(true, next.multiplier()), nil
		}
		return next, Step{}, nil

	case ActionCashout:
		if len(st.revealed) == 0 {
			return nil, Step{}, conflictf("cashout requires at least one revealed tile")
		}
		next := st.clone()
		next.done = true
		return next, completeStep(true, next.multiplier()), nil

	default:
		return nil, Step{}, conflictf("action %q not valid in mines", a.Type)
	}
}

// Expire cashes out any progress and forfeits an untouched board.
func (st *MinesState) Expire() (SessionState, Step) {
	next := st.clone()
	next.done = true
	if len(st.revealed) == 0 {
		return next, completeStep(false, decimal.Zero)
	}
	return next, completeStep(true, next.multiplier())
}

func (st *MinesState) multiplier() decimal.Decimal {
	return MinesMultiplier(st.layout.MineCount, len(st.revealed))
}

func (st *MinesState) View() any {
	v := MinesView{
		MineCount:  st.layout.MineCount,
		Revealed:   slices.Clone(st.revealed),
		Multiplier: st.multiplier(),
		Next:       MinesMultiplier(st.layout.MineCount, len(st.revealed)+1),
	}
	if st.busted {
		pos := st.hitMine
		v.Mine = &pos
	}
	return v
}

func (st *MinesState) Layout() any { return st.layout }
