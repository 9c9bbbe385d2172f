// Package api exposes the engine over HTTP and websockets.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MJE43/pf-house/internal/broadcast"
	"github.com/MJE43/pf-house/internal/round"
	"github.com/MJE43/pf-house/internal/seeds"
	"github.com/MJE43/pf-house/internal/session"
	"github.com/MJE43/pf-house/internal/store"
)

// UserHeader carries the caller's user ID. Authentication happens upstream.
const UserHeader = "X-User-Id"

// Balances reads ledger balances. *ledger.Settler implements it.
type Balances interface {
	Balance(ctx context.Context, userID, currency string) (decimal.Decimal, error)
}

// History is the read side of the store. *store.SQLiteDB implements it.
type History interface {
	Ping(ctx context.Context) error
	GetBet(ctx context.Context, id string) (*store.Bet, error)
	ListBets(ctx context.Context, query store.BetsQuery) (*store.BetsList, error)
	ListRounds(ctx context.Context, tableID string, limit int) ([]store.Round, error)
	ListSeedReveals(ctx context.Context, userID string, limit int) ([]store.SeedReveal, error)
}

// Deps are the components the server routes to.
type Deps struct {
	Sessions *session.Manager
	Tables   *round.Scheduler
	Seeds    *seeds.Vault
	Balances Balances
	History  History
	Hub      *broadcast.Hub
	Logger   *zap.Logger
	// AllowedOrigin is echoed in CORS headers; empty disables CORS.
	AllowedOrigin  string
	RequestTimeout time.Duration
}

// Server handles HTTP requests
type Server struct {
	deps         Deps
	errorHandler *ErrorHandler
	logger       *zap.Logger
	startTime    time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	logger := deps.Logger.Named("api")
	return &Server{
		deps:         deps,
		errorHandler: NewErrorHandler(logger),
		logger:       logger,
		startTime:    time.Now(),
	}
}

// Routes sets up the HTTP routes with proper middleware
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.errorHandler.RecoveryHandler)
	r.Use(s.cors)

	r.Get("/health", s.handleHealthCheck)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/health/live", s.handleLiveness)

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket outlives any request timeout.
		r.With(s.requireUser).Get("/ws", s.handleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.deps.RequestTimeout))

			r.Get("/games", s.handleListGames)
			r.Post("/verify", s.handleVerify)
			r.Post("/seed/hash", s.handleSeedHash)
			r.Get("/tables", s.handleListTables)
			r.Get("/tables/{id}", s.handleGetTable)
			r.Get("/tables/{id}/rounds", s.handleListRounds)
			r.Group(func(r chi.Router) {
				r.Use(s.requireUser)

				r.Get("/seeds", s.handleGetSeeds)
				r.Post("/seeds", s.handleRotateSeeds)
				r.Get("/seeds/reveals", s.handleListReveals)
				r.Post("/play", s.handlePlay)
				r.Get("/sessions", s.handleListSessions)
				r.Post("/sessions", s.handleStartSession)
				r.Get("/sessions/{id}", s.handleGetSession)
				r.Post("/sessions/{id}/actions", s.handleAct)
				r.Post("/tables/{id}/bets", s.handlePlaceBet)
				r.Post("/tables/{id}/cashout", s.handleCashout)
				r.Get("/balance", s.handleBalance)
				r.Get("/bets", s.handleListBets)
				r.Get("/bets/{id}", s.handleGetBet)
			})
		})
	})

	return r
}

// writeJSON writes a JSON response with proper headers
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Engine-Version", EngineVersion)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

// decode reads a JSON body, rejecting unknown fields.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", "invalid JSON: "+err.Error())
		return false
	}
	return true
}
