// Package config loads service configuration from PFH_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/games"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr        string        `env:"PFH_HTTP_ADDR"        envDefault:":8080"`
	AllowedOrigin   string        `env:"PFH_ALLOWED_ORIGIN"`
	RequestTimeout  time.Duration `env:"PFH_REQUEST_TIMEOUT"  envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"PFH_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	DBPath string `env:"PFH_DB_PATH" envDefault:"pf-house.db"`

	// LedgerURL selects the remote ledger; when empty the embedded SQLite
	// ledger is used and new users start with StartingBalance.
	LedgerURL       string          `env:"PFH_LEDGER_URL"`
	LedgerToken     string          `env:"PFH_LEDGER_TOKEN"`
	StartingBalance decimal.Decimal `env:"PFH_STARTING_BALANCE" envDefault:"0"`

	SettleCallTimeout time.Duration `env:"PFH_SETTLE_CALL_TIMEOUT" envDefault:"5s"`
	SettleMaxTries    uint          `env:"PFH_SETTLE_MAX_TRIES"    envDefault:"5"`
	SettleBackoffMin  time.Duration `env:"PFH_SETTLE_BACKOFF_MIN"  envDefault:"100ms"`
	SettleBackoffMax  time.Duration `env:"PFH_SETTLE_BACKOFF_MAX"  envDefault:"5s"`
	ReconcileInterval time.Duration `env:"PFH_RECONCILE_INTERVAL"  envDefault:"30s"`

	// Tables lists id:game pairs, e.g. "crash-1:crash,color-1:color".
	Tables       []string      `env:"PFH_TABLES" envSeparator:"," envDefault:"crash-1:crash,baccarat-1:baccarat,color-1:color"`
	TableSalt    string        `env:"PFH_TABLE_SALT"`
	BettingTime  time.Duration `env:"PFH_BETTING_TIME"  envDefault:"10s"`
	PlayTime     time.Duration `env:"PFH_PLAY_TIME"     envDefault:"5s"`
	TickInterval time.Duration `env:"PFH_TICK_INTERVAL" envDefault:"100ms"`
	Cooldown     time.Duration `env:"PFH_COOLDOWN"      envDefault:"3s"`
	MaxActive    time.Duration `env:"PFH_MAX_ACTIVE"    envDefault:"5m"`
	RestartDelay time.Duration `env:"PFH_RESTART_DELAY" envDefault:"1s"`

	SessionGrace time.Duration `env:"PFH_SESSION_GRACE" envDefault:"10m"`
	SessionSweep time.Duration `env:"PFH_SESSION_SWEEP" envDefault:"30s"`

	LogLevel     string `env:"PFH_LOG_LEVEL" envDefault:"info"`
	LogJSON      bool   `env:"PFH_LOG_JSON"  envDefault:"true"`
	OTELEndpoint string `env:"PFH_OTEL_ENDPOINT"`
}

// TableDef is one configured table.
type TableDef struct {
	ID   string
	Game string
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	defs, err := c.TableDefs()
	if err != nil {
		errs = append(errs, err)
	}
	// A crash round must be able to fly to the cap before it is cut off.
	longest := games.TimeToReach(decimal.NewFromInt(games.CrashMaxMultiplier))
	for _, def := range defs {
		if def.Game == "crash" && c.MaxActive < longest {
			errs = append(errs, fmt.Errorf("PFH_MAX_ACTIVE must be at least %s for crash tables, got %s", longest, c.MaxActive))
			break
		}
	}
	if c.StartingBalance.IsNegative() {
		errs = append(errs, fmt.Errorf("PFH_STARTING_BALANCE must not be negative, got %s", c.StartingBalance))
	}
	for name, d := range map[string]time.Duration{
		"PFH_BETTING_TIME":       c.BettingTime,
		"PFH_PLAY_TIME":          c.PlayTime,
		"PFH_TICK_INTERVAL":      c.TickInterval,
		"PFH_COOLDOWN":           c.Cooldown,
		"PFH_RECONCILE_INTERVAL": c.ReconcileInterval,
		"PFH_SESSION_SWEEP":      c.SessionSweep,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

// TableDefs parses Tables. Every game must be a round game and IDs must be
// unique.
func (c Config) TableDefs() ([]TableDef, error) {
	defs := make([]TableDef, 0, len(c.Tables))
	seen := make(map[string]bool)
	for _, raw := range c.Tables {
		id, game, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok || id == "" || game == "" {
			return nil, fmt.Errorf("PFH_TABLES entry %q is not id:game", raw)
		}
		g, err := games.Lookup(game)
		if err != nil {
			return nil, fmt.Errorf("PFH_TABLES entry %q: %w", raw, err)
		}
		if g.Spec().Mode != games.ModeRound {
			return nil, fmt.Errorf("PFH_TABLES entry %q: %s is not a round game", raw, game)
		}
		if seen[id] {
			return nil, fmt.Errorf("PFH_TABLES lists %q twice", id)
		}
		seen[id] = true
		defs = append(defs, TableDef{ID: id, Game: game})
	}
	return defs, nil
}
