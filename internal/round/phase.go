// Package round drives the multiplayer tables. Each table is a single-writer
// actor that moves one round at a time through BETTING, ACTIVE and SETTLING.
package round

import (
	"fmt"

	"github.com/MJE43/pf-house/internal/games"
)

// Phase is the lifecycle stage of a round.
type Phase string

const (
	PhaseBetting  Phase = "BETTING"
	PhaseActive   Phase = "ACTIVE"
	PhaseSettling Phase = "SETTLING"
)

// Event drives a phase change.
type Event string

const (
	// EventTimerFired is a phase deadline or tick.
	EventTimerFired Event = "TimerFired"
	// EventTerminal is the driver's end of play (crash, last card, spin stop).
	EventTerminal Event = "Terminal"
	// EventUserAction is a bet or a manual action.
	EventUserAction Event = "UserAction"
)

// Transition is the phase machine. It is pure; the table applies its
// result. Illegal combinations are state conflicts.
func Transition(p Phase, ev Event) (Phase, error) {
	switch p {
	case PhaseBetting:
		switch ev {
		case EventTimerFired:
			return PhaseActive, nil
		case EventUserAction:
			return PhaseBetting, nil
		}
	case PhaseActive:
		switch ev {
		case EventTimerFired, EventUserAction:
			return PhaseActive, nil
		case EventTerminal:
			return PhaseSettling, nil
		}
	case PhaseSettling:
		if ev == EventTimerFired {
			return PhaseBetting, nil
		}
	default:
		return p, fmt.Errorf("%w: unknown phase %q", games.ErrStateConflict, p)
	}
	return p, fmt.Errorf("%w: %s not allowed during %s", games.ErrStateConflict, ev, p)
}
