package games

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
)

// HouseEdge is the edge applied by formula-priced games.
const HouseEdge = 0.01

// Mode says which component drives a game.
type Mode string

const (
	// ModeInstant resolves in a single call.
	ModeInstant Mode = "instant"
	// ModeSession keeps per-user state across several actions.
	ModeSession Mode = "session"
	// ModeRound runs on a shared table driven by the round scheduler.
	ModeRound Mode = "round"
)

// GameSpec describes a registered game.
type GameSpec struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Mode        Mode   `json:"mode"`
	MetricLabel string `json:"metric_label"`
}

// Outcome is what an engine derives for one seed pair and selection. Raw is
// the game-specific result published in the verification tuple.
type Outcome struct {
	Raw        any             `json:"raw"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Win        bool            `json:"win"`
}

// Selection is the closed set of bet shapes. Each game accepts exactly one
// concrete selection type.
type Selection interface {
	GameID() string
	Validate() error
	selection()
}

// Game is a pure outcome engine.
type Game interface {
	Spec() GameSpec
	DecodeSelection(raw json.RawMessage) (Selection, error)
	Evaluate(seeds engine.SeedPair, sel Selection) (Outcome, error)
}

var registry = map[string]Game{}

func register(g Game) {
	registry[g.Spec().ID] = g
}

func init() {
	register(&DiceGame{})
	register(&LimboGame{})
	register(&CrashGame{})
	register(&KenoGame{})
	register(&MinesGame{})
	register(&BlackjackGame{})
	register(&HiLoGame{})
	register(&BaccaratGame{})
	register(&ColorGame{})
	register(&RouletteGame{})
	register(&WheelGame{})
}

// Lookup returns the registered game with the given ID.
func Lookup(id string) (Game, error) {
	g, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGame, id)
	}
	return g, nil
}

// ListGames returns the specs of all registered games sorted by ID.
func ListGames() []GameSpec {
	specs := make([]GameSpec, 0, len(registry))
	for _, g := range registry {
		specs = append(specs, g.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// DecodeSelection decodes a wire selection for the named game.
func DecodeSelection(gameID string, raw json.RawMessage) (Selection, error) {
	g, err := Lookup(gameID)
	if err != nil {
		return nil, err
	}
	return g.DecodeSelection(raw)
}

// decodeStrict unmarshals raw into v, rejecting unknown fields. An empty
// payload leaves v at its zero value.
func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return validationf("invalid selection: %v", err)
	}
	return nil
}

func wrongSelection(game string, sel Selection) error {
	if sel == nil {
		return validationf("%s requires a selection", game)
	}
	return validationf("%s cannot evaluate a %s selection", game, sel.GameID())
}

// formulaMultiplier returns (1 − HouseEdge) / p truncated to 4 places for
// p = favourable/total, kept as a ratio of integers so prices are exact.
func formulaMultiplier(favourable, total int64) decimal.Decimal {
	return decimal.NewFromFloat(1 - HouseEdge).
		Mul(decimal.NewFromInt(total)).
		Div(decimal.NewFromInt(favourable)).
		Truncate(4)
}
