package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Bet statuses.
const (
	StatusSettled     = "settled"
	StatusReconciling = "reconciling"
)

// Bet kinds say which component settled the record.
const (
	KindInstant = "instant"
	KindSession = "session"
	KindRound   = "round"
)

// Bet is the immutable record of one settled bet or session. ServerSeed is
// empty until the seed is revealed; the verification fields are filled in
// at that point.
type Bet struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Game           string          `json:"game"`
	Kind           string          `json:"kind"`
	RefID          string          `json:"refId,omitempty"`
	Currency       string          `json:"currency"`
	Stake          decimal.Decimal `json:"stake"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	// TotalStaked adds doubles and splits to Stake. Payout is always
	// Stake × Multiplier rounded once.
	TotalStaked    decimal.Decimal `json:"totalStaked"`
	Payout         decimal.Decimal `json:"payout"`
	Status         string          `json:"status"`
	ServerSeed     string          `json:"serverSeed,omitempty"`
	ServerSeedHash string          `json:"serverSeedHash"`
	ClientSeed     string          `json:"clientSeed"`
	Nonce          uint64          `json:"nonce"`
	Selection      json.RawMessage `json:"selection"`
	RawOutcome     json.RawMessage `json:"rawOutcome"`
	Actions        json.RawMessage `json:"actions,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	SettledAt      time.Time       `json:"settledAt"`
}

// BetsQuery represents query parameters for listing bets
type BetsQuery struct {
	UserID  string `json:"userId,omitempty"`
	Game    string `json:"game,omitempty"`
	Page    int    `json:"page"`
	PerPage int    `json:"perPage"`
}

// BetsList represents a paginated bets response
type BetsList struct {
	Bets       []Bet `json:"bets"`
	TotalCount int   `json:"totalCount"`
	Page       int   `json:"page"`
	PerPage    int   `json:"perPage"`
	TotalPages int   `json:"totalPages"`
}

// Round is the immutable history of one completed table round.
type Round struct {
	ID             string          `json:"id"`
	TableID        string          `json:"tableId"`
	Game           string          `json:"game"`
	Number         uint64          `json:"number"`
	ServerSeed     string          `json:"serverSeed"`
	ServerSeedHash string          `json:"serverSeedHash"`
	ClientSeed     string          `json:"clientSeed"`
	Nonce          uint64          `json:"nonce"`
	Outcome        json.RawMessage `json:"outcome"`
	BetCount       int             `json:"betCount"`
	StartedAt      time.Time       `json:"startedAt"`
	SettledAt      time.Time       `json:"settledAt"`
}

// ReconItem is a ledger credit that exhausted its retries.
type ReconItem struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	UserID    string          `json:"userId"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	BetID     string          `json:"betId,omitempty"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	Resolved  bool            `json:"resolved"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SeedReveal records a rotated server seed.
type SeedReveal struct {
	UserID         string    `json:"userId"`
	ServerSeed     string    `json:"serverSeed"`
	ServerSeedHash string    `json:"serverSeedHash"`
	ClientSeed     string    `json:"clientSeed"`
	LastNonce      uint64    `json:"lastNonce"`
	RevealedAt     time.Time `json:"revealedAt"`
}
