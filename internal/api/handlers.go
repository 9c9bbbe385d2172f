package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MJE43/pf-house/internal/engine"
	"github.com/MJE43/pf-house/internal/games"
	"github.com/MJE43/pf-house/internal/round"
	"github.com/MJE43/pf-house/internal/session"
	"github.com/MJE43/pf-house/internal/store"
)

const maxListLimit = 500

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GET /api/v1/games
func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, GamesResponse{
		Games:         games.ListGames(),
		EngineVersion: EngineVersion,
	})
}

// POST /api/v1/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var t games.Tuple
	if !s.decode(w, r, &t) {
		return
	}
	v, err := games.Verify(t)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, VerifyResponse{Verification: v, EngineVersion: EngineVersion, Echo: t})
}

// POST /api/v1/seed/hash
func (s *Server) handleSeedHash(w http.ResponseWriter, r *http.Request) {
	var req SeedHashRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ServerSeed == "" {
		s.errorHandler.HandleValidationError(w, r, "serverSeed", "server seed is required")
		return
	}
	s.writeJSON(w, http.StatusOK, SeedHashResponse{
		Hash:          engine.Commit(req.ServerSeed),
		EngineVersion: EngineVersion,
		Echo:          req,
	})
}

// GET /api/v1/seeds
func (s *Server) handleGetSeeds(w http.ResponseWriter, r *http.Request) {
	pair, err := s.deps.Seeds.Current(userFrom(r))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SeedsResponse{Seeds: pair})
}

// POST /api/v1/seeds
func (s *Server) handleRotateSeeds(w http.ResponseWriter, r *http.Request) {
	var req RotateSeedRequest
	if !s.decode(w, r, &req) {
		return
	}
	rot, err := s.deps.Seeds.Rotate(r.Context(), userFrom(r), req.ClientSeed)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rot)
}

// GET /api/v1/seeds/reveals
func (s *Server) handleListReveals(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", 50), 1, maxListLimit)
	reveals, err := s.deps.History.ListSeedReveals(r.Context(), userFrom(r), limit)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reveals": reveals, "count": len(reveals)})
}

// POST /api/v1/play
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req PlayRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Sessions.Play(r.Context(), session.PlayRequest{
		UserID:    userFrom(r),
		Game:      req.Game,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Selection: req.Selection,
	})
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// GET /api/v1/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views := s.deps.Sessions.Active(userFrom(r))
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": views, "count": len(views)})
}

// POST /api/v1/sessions
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.deps.Sessions.Start(r.Context(), session.StartRequest{
		UserID:    userFrom(r),
		Game:      req.Game,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Selection: req.Selection,
	})
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view)
}

// GET /api/v1/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Sessions.Get(userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// POST /api/v1/sessions/{id}/actions
func (s *Server) handleAct(w http.ResponseWriter, r *http.Request) {
	var a games.Action
	if !s.decode(w, r, &a) {
		return
	}
	view, err := s.deps.Sessions.Act(r.Context(), userFrom(r), chi.URLParam(r, "id"), a)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// GET /api/v1/tables
func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables := s.deps.Tables.Tables()
	s.writeJSON(w, http.StatusOK, map[string]any{"tables": tables, "count": len(tables)})
}

// GET /api/v1/tables/{id}
func (s *Server) handleGetTable(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Tables.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// GET /api/v1/tables/{id}/rounds
func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Tables.Table(id); err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	limit := clampInt(queryInt(r, "limit", 50), 1, maxListLimit)
	rounds, err := s.deps.History.ListRounds(r.Context(), id, limit)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rounds": rounds, "count": len(rounds)})
}

// POST /api/v1/tables/{id}/bets
func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if !s.decode(w, r, &req) {
		return
	}
	rc, err := s.deps.Tables.PlaceBet(r.Context(), chi.URLParam(r, "id"), round.BetRequest{
		UserID:     userFrom(r),
		Amount:     req.Amount,
		Currency:   req.Currency,
		Selection:  req.Selection,
		ClientSeed: req.ClientSeed,
	})
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rc)
}

// POST /api/v1/tables/{id}/cashout
func (s *Server) handleCashout(w http.ResponseWriter, r *http.Request) {
	rc, err := s.deps.Tables.Cashout(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rc)
}

// GET /api/v1/balance?currency=btc
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		s.errorHandler.HandleValidationError(w, r, "currency", "currency is required")
		return
	}
	user := userFrom(r)
	bal, err := s.deps.Balances.Balance(r.Context(), user, currency)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, BalanceResponse{UserID: user, Currency: currency, Balance: bal})
}

// GET /api/v1/bets?game=&page=&perPage=
func (s *Server) handleListBets(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.History.ListBets(r.Context(), store.BetsQuery{
		UserID:  userFrom(r),
		Game:    r.URL.Query().Get("game"),
		Page:    queryInt(r, "page", 1),
		PerPage: clampInt(queryInt(r, "perPage", 50), 1, maxListLimit),
	})
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// GET /api/v1/bets/{id}
// Another user's bet reads as not found.
func (s *Server) handleGetBet(w http.ResponseWriter, r *http.Request) {
	bet, err := s.deps.History.GetBet(r.Context(), chi.URLParam(r, "id"))
	if err == nil && bet.UserID != userFrom(r) {
		err = store.ErrNotFound
	}
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bet)
}

// GET /api/v1/ws?table=a&table=b
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tables := r.URL.Query()["table"]
	for _, id := range tables {
		if _, err := s.deps.Tables.Table(id); err != nil {
			s.errorHandler.HandleError(w, r, err)
			return
		}
	}
	s.deps.Hub.ServeWS(w, r, userFrom(r), tables)
}
