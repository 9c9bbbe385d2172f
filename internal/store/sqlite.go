package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteDB persists settled history in SQLite.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens (or creates) the database at path. Use ":memory:" for a
// private in-memory database.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is not concurrent for writes

	return &SQLiteDB{db: db}, nil
}

// SQL exposes the handle so the reference ledger can share the file.
func (s *SQLiteDB) SQL() *sql.DB { return s.db }

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations. It is safe to run repeatedly.
func (s *SQLiteDB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			game TEXT NOT NULL,
			kind TEXT NOT NULL,
			ref_id TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL,
			stake TEXT NOT NULL,
			multiplier TEXT NOT NULL,
			total_staked TEXT NOT NULL DEFAULT '0',
			payout TEXT NOT NULL,
			status TEXT NOT NULL,
			server_seed TEXT NOT NULL DEFAULT '',
			server_seed_hash TEXT NOT NULL,
			client_seed TEXT NOT NULL,
			nonce INTEGER NOT NULL,
			selection_json TEXT NOT NULL DEFAULT '{}',
			outcome_json TEXT NOT NULL DEFAULT 'null',
			actions_json TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			settled_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bets_user_settled ON bets(user_id, settled_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_bets_game ON bets(game)`,
		`CREATE INDEX IF NOT EXISTS idx_bets_seed_hash ON bets(server_seed_hash)`,

		`CREATE TABLE IF NOT EXISTS rounds (
			id TEXT PRIMARY KEY,
			table_id TEXT NOT NULL,
			game TEXT NOT NULL,
			number INTEGER NOT NULL,
			server_seed TEXT NOT NULL,
			server_seed_hash TEXT NOT NULL,
			client_seed TEXT NOT NULL,
			nonce INTEGER NOT NULL,
			outcome_json TEXT NOT NULL,
			bet_count INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			settled_at TIMESTAMP NOT NULL,
			UNIQUE(table_id, number, started_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_table ON rounds(table_id, settled_at DESC)`,

		`CREATE TABLE IF NOT EXISTS reconciliation (
			id TEXT PRIMARY KEY,
			entry_key TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount TEXT NOT NULL,
			bet_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciliation_pending ON reconciliation(resolved, created_at)`,

		`CREATE TABLE IF NOT EXISTS seed_reveals (
			server_seed_hash TEXT PRIMARY KEY,
			server_seed TEXT NOT NULL,
			user_id TEXT NOT NULL,
			client_seed TEXT NOT NULL,
			last_nonce INTEGER NOT NULL,
			revealed_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_seed_reveals_user ON seed_reveals(user_id, revealed_at DESC)`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return tx.Commit()
}

// --------- Bets ---------

// SaveBet stores a settled bet. Saving the same ID twice is a no-op.
func (s *SQLiteDB) SaveBet(ctx context.Context, bet *Bet) error {
	if bet.ID == "" {
		bet.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if bet.CreatedAt.IsZero() {
		bet.CreatedAt = now
	}
	if bet.SettledAt.IsZero() {
		bet.SettledAt = now
	}
	if bet.Status == "" {
		bet.Status = StatusSettled
	}
	if bet.TotalStaked.IsZero() {
		bet.TotalStaked = bet.Stake
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bets (
			id, user_id, game, kind, ref_id, currency, stake, multiplier, total_staked, payout, status,
			server_seed, server_seed_hash, client_seed, nonce,
			selection_json, outcome_json, actions_json, created_at, settled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		bet.ID, bet.UserID, bet.Game, bet.Kind, bet.RefID, bet.Currency,
		bet.Stake.String(), bet.Multiplier.String(), bet.TotalStaked.String(), bet.Payout.String(), bet.Status,
		bet.ServerSeed, bet.ServerSeedHash, bet.ClientSeed, bet.Nonce,
		jsonText(bet.Selection, "{}"), jsonText(bet.RawOutcome, "null"), string(bet.Actions),
		bet.CreatedAt.UTC(), bet.SettledAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save bet %s: %w", bet.ID, err)
	}
	return nil
}

// SetBetStatus moves a bet between settled and reconciling.
func (s *SQLiteDB) SetBetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bets SET status=? WHERE id=?`, status, id)
	if err != nil {
		return fmt.Errorf("set bet status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	return nil
}

const betColumns = `id, user_id, game, kind, ref_id, currency, stake, multiplier, total_staked, payout, status,
	server_seed, server_seed_hash, client_seed, nonce,
	selection_json, outcome_json, actions_json, created_at, settled_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBet(row scanner) (Bet, error) {
	var b Bet
	var selection, outcome, actions string
	err := row.Scan(
		&b.ID, &b.UserID, &b.Game, &b.Kind, &b.RefID, &b.Currency,
		&b.Stake, &b.Multiplier, &b.TotalStaked, &b.Payout, &b.Status,
		&b.ServerSeed, &b.ServerSeedHash, &b.ClientSeed, &b.Nonce,
		&selection, &outcome, &actions, &b.CreatedAt, &b.SettledAt,
	)
	if err != nil {
		return Bet{}, err
	}
	b.Selection = json.RawMessage(selection)
	b.RawOutcome = json.RawMessage(outcome)
	if actions != "" {
		b.Actions = json.RawMessage(actions)
	}
	return b, nil
}

// GetBet retrieves a bet by ID
func (s *SQLiteDB) GetBet(ctx context.Context, id string) (*Bet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+betColumns+` FROM bets WHERE id = ?`, id)
	b, err := scanBet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bet %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBets retrieves bets with pagination and filtering, newest first.
func (s *SQLiteDB) ListBets(ctx context.Context, query BetsQuery) (*BetsList, error) {
	var where []string
	var args []any
	if query.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, query.UserID)
	}
	if query.Game != "" {
		where = append(where, "game = ?")
		args = append(args, query.Game)
	}
	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var totalCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bets "+whereClause, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to get total count: %w", err)
	}

	if query.PerPage <= 0 {
		query.PerPage = 50 // Default page size
	}
	if query.Page <= 0 {
		query.Page = 1
	}
	totalPages := (totalCount + query.PerPage - 1) / query.PerPage
	offset := (query.Page - 1) * query.PerPage

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+betColumns+` FROM bets `+whereClause+` ORDER BY settled_at DESC, id LIMIT ? OFFSET ?`,
		append(args, query.PerPage, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bets: %w", err)
	}
	defer rows.Close()

	bets := []Bet{}
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bet: %w", err)
		}
		bets = append(bets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bets: %w", err)
	}

	return &BetsList{
		Bets:       bets,
		TotalCount: totalCount,
		Page:       query.Page,
		PerPage:    query.PerPage,
		TotalPages: totalPages,
	}, nil
}

// --------- Rounds ---------

// SaveRound stores a completed round.
func (s *SQLiteDB) SaveRound(ctx context.Context, r *Round) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rounds (
			id, table_id, game, number, server_seed, server_seed_hash, client_seed, nonce,
			outcome_json, bet_count, started_at, settled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.TableID, r.Game, r.Number, r.ServerSeed, r.ServerSeedHash, r.ClientSeed, r.Nonce,
		jsonText(r.Outcome, "null"), r.BetCount, r.StartedAt.UTC(), r.SettledAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save round %s: %w", r.ID, err)
	}
	return nil
}

const roundColumns = `id, table_id, game, number, server_seed, server_seed_hash, client_seed, nonce,
	outcome_json, bet_count, started_at, settled_at`

func scanRound(row scanner) (Round, error) {
	var r Round
	var outcome string
	err := row.Scan(&r.ID, &r.TableID, &r.Game, &r.Number, &r.ServerSeed, &r.ServerSeedHash,
		&r.ClientSeed, &r.Nonce, &outcome, &r.BetCount, &r.StartedAt, &r.SettledAt)
	if err != nil {
		return Round{}, err
	}
	r.Outcome = json.RawMessage(outcome)
	return r, nil
}

// GetRound retrieves a round by ID
func (s *SQLiteDB) GetRound(ctx context.Context, id string) (*Round, error) {
	r, err := scanRound(s.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("round %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRounds returns the most recent rounds of a table.
func (s *SQLiteDB) ListRounds(ctx context.Context, tableID string, limit int) ([]Round, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE table_id = ? ORDER BY settled_at DESC LIMIT ?`,
		tableID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Round{}
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --------- Reconciliation ---------

// EnqueueReconciliation records a credit for later retry. Idempotent on the
// ledger entry key.
func (s *SQLiteDB) EnqueueReconciliation(ctx context.Context, item *ReconItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation (
			id, entry_key, user_id, currency, amount, bet_id, reason, attempts, last_error,
			resolved, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(entry_key) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		item.ID, item.Key, item.UserID, item.Currency, item.Amount.String(), item.BetID,
		item.Reason, item.Attempts, item.LastError, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueue reconciliation %s: %w", item.Key, err)
	}
	return nil
}

// PendingReconciliation returns unresolved items, oldest first.
func (s *SQLiteDB) PendingReconciliation(ctx context.Context, limit int) ([]ReconItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_key, user_id, currency, amount, bet_id, reason, attempts, last_error,
		       resolved, created_at, updated_at
		FROM reconciliation WHERE resolved = 0 ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReconItem
	for rows.Next() {
		var it ReconItem
		var resolved int
		if err := rows.Scan(&it.ID, &it.Key, &it.UserID, &it.Currency, &it.Amount, &it.BetID,
			&it.Reason, &it.Attempts, &it.LastError, &resolved, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		it.Resolved = resolved == 1
		out = append(out, it)
	}
	return out, rows.Err()
}

// RecordReconAttempt bumps the attempt counter after a failed retry.
func (s *SQLiteDB) RecordReconAttempt(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE reconciliation SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		msg, time.Now().UTC(), id)
	return err
}

// ResolveReconciliation marks an item done and flips its bet back to
// settled.
func (s *SQLiteDB) ResolveReconciliation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var betID string
	err = tx.QueryRowContext(ctx, `SELECT bet_id FROM reconciliation WHERE id = ?`, id).Scan(&betID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reconciliation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE reconciliation SET resolved = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return err
	}
	if betID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE bets SET status = ? WHERE id = ? AND status = ?`, StatusSettled, betID, StatusReconciling); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --------- Seed reveals ---------

// SaveSeedReveal stores a revealed server seed and back-fills it into every
// bet committed under its hash.
func (s *SQLiteDB) SaveSeedReveal(ctx context.Context, r SeedReveal) error {
	if r.RevealedAt.IsZero() {
		r.RevealedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO seed_reveals (server_seed_hash, server_seed, user_id, client_seed, last_nonce, revealed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_seed_hash) DO NOTHING`,
		r.ServerSeedHash, r.ServerSeed, r.UserID, r.ClientSeed, r.LastNonce, r.RevealedAt.UTC()); err != nil {
		return fmt.Errorf("save seed reveal: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bets SET server_seed = ? WHERE server_seed_hash = ? AND server_seed = ''`,
		r.ServerSeed, r.ServerSeedHash); err != nil {
		return fmt.Errorf("back-fill revealed seed: %w", err)
	}
	return tx.Commit()
}

// ListSeedReveals returns a user's revealed seeds, newest first.
func (s *SQLiteDB) ListSeedReveals(ctx context.Context, userID string, limit int) ([]SeedReveal, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, server_seed, server_seed_hash, client_seed, last_nonce, revealed_at
		FROM seed_reveals WHERE user_id = ? ORDER BY revealed_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SeedReveal{}
	for rows.Next() {
		var r SeedReveal
		if err := rows.Scan(&r.UserID, &r.ServerSeed, &r.ServerSeedHash, &r.ClientSeed, &r.LastNonce, &r.RevealedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks the connection for health probes.
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func jsonText(raw json.RawMessage, empty string) string {
	if len(raw) == 0 {
		return empty
	}
	return string(raw)
}
