package games

import (
	"encoding/json"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
)

// CrashGame implements the continuous multiplier game played on a round
// table. The crash point is fixed by the seed pair before the flight starts;
// the table only reveals it as time passes.
//
// The point is max(1, (1 − edge) · 2^32 / (2^32 − h)) for the first 32-bit
// draw h, floored to two decimals and capped at CrashMaxMultiplier.
type CrashGame struct{}

const (
	// CrashMaxMultiplier caps every crash and limbo point.
	CrashMaxMultiplier = 1_000_000

	// CrashGrowthRate is k in m(t) = e^(k·t), t in milliseconds. A flight
	// reaches 2.00x after about 11.55s.
	CrashGrowthRate = 0.00006

	twoPow32 = 4294967296.0
)

var (
	crashMinTarget = decimal.RequireFromString("1.01")
	crashMaxTarget = decimal.NewFromInt(CrashMaxMultiplier)
)

// CrashSelection carries an optional auto-cashout threshold. Zero means the
// player cashes out by hand.
type CrashSelection struct {
	AutoCashout decimal.Decimal `json:"autoCashout"`
}

func (CrashSelection) GameID() string { return "crash" }
func (CrashSelection) selection()     {}

func (s CrashSelection) Validate() error {
	if s.AutoCashout.IsZero() {
		return nil
	}
	return validateTarget("crash auto cashout", s.AutoCashout)
}

func validateTarget(label string, target decimal.Decimal) error {
	if !target.Equal(target.Truncate(2)) {
		return validationf("%s %s has more than 2 decimals", label, target)
	}
	if target.LessThan(crashMinTarget) || target.GreaterThan(crashMaxTarget) {
		return validationf("%s %s outside [%s, %s]", label, target, crashMinTarget, crashMaxTarget)
	}
	return nil
}

// CrashResult is the raw crash outcome.
type CrashResult struct {
	RawValue   uint32          `json:"raw_value"`
	CrashPoint decimal.Decimal `json:"crash_point"`
}

func (g *CrashGame) Spec() GameSpec {
	return GameSpec{ID: "crash", Name: "Crash", Mode: ModeRound, MetricLabel: "crash_point"}
}

func (g *CrashGame) DecodeSelection(raw json.RawMessage) (Selection, error) {
	var s CrashSelection
	if err := decodeStrict(raw, &s); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// Evaluate derives the crash point. A standing auto cashout wins when it is
// strictly below the point.
func (g *CrashGame) Evaluate(seeds engine.SeedPair, sel Selection) (Outcome, error) {
	s, ok := sel.(CrashSelection)
	if !ok {
		return Outcome{}, wrongSelection("crash", sel)
	}
	if err := s.Validate(); err != nil {
		return Outcome{}, err
	}

	return DeriveCrash(seeds).Settle(s), nil
}

// Settle prices a standing auto cashout against the crash point. Without
// one the bet only wins through a manual cashout on the table.
func (r CrashResult) Settle(s CrashSelection) Outcome {
	out := Outcome{Raw: r, Multiplier: decimal.Zero}
	if !s.AutoCashout.IsZero() && s.AutoCashout.LessThan(r.CrashPoint) {
		out.Win = true
		out.Multiplier = s.AutoCashout
	}
	return out
}

// DeriveCrash computes the crash point for a seed pair.
func DeriveCrash(seeds engine.SeedPair) CrashResult {
	h := engine.DeriveUint32(seeds.ServerSeed, seeds.ClientSeed, seeds.Nonce)
	return CrashResult{RawValue: h, CrashPoint: CrashPoint(h)}
}

// CrashPoint maps a 32-bit draw onto the crash multiplier.
func CrashPoint(h uint32) decimal.Decimal {
	p := (1 - HouseEdge) * twoPow32 / (twoPow32 - float64(h))
	p = floor2(p)
	if p < 1 {
		p = 1
	}
	if p > CrashMaxMultiplier {
		p = CrashMaxMultiplier
	}
	return decimal.NewFromFloat(p).Truncate(2)
}

// MultiplierAt returns the flight multiplier after elapsed, floored to two
// decimals.
func MultiplierAt(elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 {
		return decimal.NewFromInt(1)
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	m := floor2(math.Exp(CrashGrowthRate * ms))
	if m > CrashMaxMultiplier {
		m = CrashMaxMultiplier
	}
	return decimal.NewFromFloat(m).Truncate(2)
}

// TimeToReach is the exact inverse of MultiplierAt: the earliest elapsed
// time at which the flight shows m.
func TimeToReach(m decimal.Decimal) time.Duration {
	f := m.InexactFloat64()
	if f <= 1 {
		return 0
	}
	ms := math.Log(f) / CrashGrowthRate
	return time.Duration(math.Ceil(ms * float64(time.Millisecond)))
}

func floor2(f float64) float64 {
	return math.Floor(f*100+1e-9) / 100
}

// LimboGame is the single-player form of the crash curve: the player names a
// target and wins it if the derived point reaches it.
type LimboGame struct{}

// LimboSelection is the target multiplier.
type LimboSelection struct {
	Target decimal.Decimal `json:"target"`
}

func (LimboSelection) GameID() string { return "limbo" }
func (LimboSelection) selection()     {}

func (s LimboSelection) Validate() error {
	return validateTarget("limbo target", s.Target)
}

func (g *LimboGame) Spec() GameSpec {
	return GameSpec{ID: "limbo", Name: "Limbo", Mode: ModeInstant, MetricLabel: "multiplier"}
}

func (g *LimboGame) DecodeSelection(raw json.RawMessage) (Selection, error) {
	var s LimboSelection
	if err := decodeStrict(raw, &s); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

func (g *LimboGame) Evaluate(seeds engine.SeedPair, sel Selection) (Outcome, error) {
	s, ok := sel.(LimboSelection)
	if !ok {
		return Outcome{}, wrongSelection("limbo", sel)
	}
	if err := s.Validate(); err != nil {
		return Outcome{}, err
	}

	res := DeriveCrash(seeds)
	out := Outcome{Raw: res, Multiplier: decimal.Zero}
	if res.CrashPoint.GreaterThanOrEqual(s.Target) {
		out.Win = true
		out.Multiplier = s.Target
	}
	return out, nil
}
