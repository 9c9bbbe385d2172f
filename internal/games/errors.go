package games

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by engines, sessions and rounds. Callers match with
// errors.Is; wrapped messages carry the detail.
var (
	// ErrValidation rejects a bad amount, selection or target before any
	// state mutation or fund movement.
	ErrValidation = errors.New("validation failed")

	// ErrStateConflict rejects an action against a session or round that is
	// not in the required phase.
	ErrStateConflict = errors.New("state conflict")

	// ErrUnknownGame is returned by Lookup for an unregistered game ID.
	ErrUnknownGame = errors.New("unknown game")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}
