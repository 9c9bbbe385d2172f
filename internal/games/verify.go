package games

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/MJE43/pf-house/internal/engine"
)

// Tuple is the published verification record of one outcome. Its JSON shape
// is fixed.
type Tuple struct {
	Game           string          `json:"game"`
	ServerSeed     string          `json:"serverSeed"`
	ServerSeedHash string          `json:"serverSeedHash"`
	ClientSeed     string          `json:"clientSeed"`
	Nonce          uint64          `json:"nonce"`
	Selection      json.RawMessage `json:"selection"`
	RawOutcome     json.RawMessage `json:"rawOutcome,omitempty"`
}

// NewTuple builds the tuple for a revealed seed pair.
func NewTuple(game string, seeds engine.SeedPair, sel Selection, raw any) (Tuple, error) {
	selJSON, err := json.Marshal(sel)
	if err != nil {
		return Tuple{}, fmt.Errorf("marshal selection: %w", err)
	}
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return Tuple{}, fmt.Errorf("marshal outcome: %w", err)
	}
	return Tuple{
		Game:           game,
		ServerSeed:     seeds.ServerSeed,
		ServerSeedHash: seeds.ServerSeedHash,
		ClientSeed:     seeds.ClientSeed,
		Nonce:          seeds.Nonce,
		Selection:      selJSON,
		RawOutcome:     rawJSON,
	}, nil
}

// SeedPair returns the pair the tuple was derived from.
func (t Tuple) SeedPair() engine.SeedPair {
	return engine.SeedPair{
		ServerSeed:     t.ServerSeed,
		ServerSeedHash: t.ServerSeedHash,
		ClientSeed:     t.ClientSeed,
		Nonce:          t.Nonce,
	}
}

// Verification is the result of replaying a tuple.
type Verification struct {
	Game        string  `json:"game"`
	CommitValid bool    `json:"commitValid"`
	Outcome     Outcome `json:"outcome"`
	// OutcomeMatches is set only when the tuple carried a raw outcome.
	OutcomeMatches *bool `json:"outcomeMatches,omitempty"`
}

// Verify replays a tuple. For session games the outcome is the derived
// layout (deck or mine positions) so the logged actions can be replayed
// against it.
func Verify(t Tuple) (Verification, error) {
	g, err := Lookup(t.Game)
	if err != nil {
		return Verification{}, err
	}
	if t.ServerSeed == "" {
		return Verification{}, validationf("server seed not revealed")
	}
	sel, err := g.DecodeSelection(t.Selection)
	if err != nil {
		return Verification{}, err
	}

	seeds := t.SeedPair()
	out, err := g.Evaluate(seeds, sel)
	if err != nil {
		return Verification{}, err
	}

	v := Verification{
		Game:        t.Game,
		CommitValid: seeds.Verify(),
		Outcome:     out,
	}
	if len(bytes.TrimSpace(t.RawOutcome)) > 0 {
		match, err := sameJSON(t.RawOutcome, out.Raw)
		if err != nil {
			return Verification{}, err
		}
		v.OutcomeMatches = &match
	}
	return v, nil
}

func sameJSON(published json.RawMessage, derived any) (bool, error) {
	derivedJSON, err := json.Marshal(derived)
	if err != nil {
		return false, fmt.Errorf("marshal outcome: %w", err)
	}
	var a, b any
	if err := json.Unmarshal(published, &a); err != nil {
		return false, validationf("invalid raw outcome: %v", err)
	}
	if err := json.Unmarshal(derivedJSON, &b); err != nil {
		return false, fmt.Errorf("unmarshal outcome: %w", err)
	}
	return reflect.DeepEqual(a, b), nil
}
