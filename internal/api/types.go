package api

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
	"github.com/MJE43/pf-house/internal/games"
)

// EngineError represents a structured error response with context
type EngineError struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Error implements the error interface
func (e EngineError) Error() string {
	return e.Message
}

// Error types with proper categorization
const (
	// Input validation errors
	ErrTypeValidation   = "validation_error"
	ErrTypeUnauthorized = "unauthorized"

	// Game and wager errors
	ErrTypeGameNotFound      = "game_not_found"
	ErrTypeNotFound          = "not_found"
	ErrTypeStateConflict     = "state_conflict"
	ErrTypeInsufficientFunds = "insufficient_funds"
	ErrTypeFairness          = "fairness_integrity"

	// System errors
	ErrTypeTimeout            = "timeout"
	ErrTypeInternal           = "internal_error"
	ErrTypeServiceUnavailable = "service_unavailable"
)

// ErrorCategory represents error categories for monitoring
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryGame       ErrorCategory = "game"
	CategoryFunds      ErrorCategory = "funds"
	CategorySystem     ErrorCategory = "system"
	CategoryTimeout    ErrorCategory = "timeout"
)

// GetErrorCategory returns the category for an error type
func GetErrorCategory(errType string) ErrorCategory {
	switch errType {
	case ErrTypeValidation, ErrTypeUnauthorized:
		return CategoryValidation
	case ErrTypeGameNotFound, ErrTypeNotFound, ErrTypeStateConflict:
		return CategoryGame
	case ErrTypeInsufficientFunds:
		return CategoryFunds
	case ErrTypeTimeout:
		return CategoryTimeout
	default:
		return CategorySystem
	}
}

// VersionInfo contains engine version information
type VersionInfo struct {
	EngineVersion string `json:"engine_version"`
	GitCommit     string `json:"git_commit,omitempty"`
	BuildTime     string `json:"build_time,omitempty"`
}

// GamesResponse represents the games metadata response
type GamesResponse struct {
	Games         []games.GameSpec `json:"games"`
	EngineVersion string           `json:"engine_version"`
}

// VerifyResponse is the replay of a published tuple.
type VerifyResponse struct {
	games.Verification
	EngineVersion string      `json:"engine_version"`
	Echo          games.Tuple `json:"echo"`
}

// SeedHashRequest represents a seed hashing request
type SeedHashRequest struct {
	ServerSeed string `json:"serverSeed"`
}

// SeedHashResponse represents a seed hashing response
type SeedHashResponse struct {
	Hash          string          `json:"hash"`
	EngineVersion string          `json:"engine_version"`
	Echo          SeedHashRequest `json:"echo"`
}

// RotateSeedRequest rotates the caller's seed pair. An empty client seed
// keeps the current one.
type RotateSeedRequest struct {
	ClientSeed string `json:"clientSeed"`
}

// SeedsResponse is the caller's current public pair.
type SeedsResponse struct {
	Seeds engine.SeedPair `json:"seeds"`
}

// PlayRequest is the wire form of an instant bet.
type PlayRequest struct {
	Game      string          `json:"game"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

// StartSessionRequest opens a live session.
type StartSessionRequest struct {
	Game      string          `json:"game"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

// PlaceBetRequest is the wire form of a table bet.
type PlaceBetRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Selection  json.RawMessage `json:"selection,omitempty"`
	ClientSeed string          `json:"clientSeed,omitempty"`
}

// BalanceResponse is a user's available balance.
type BalanceResponse struct {
	UserID   string          `json:"userId"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}
