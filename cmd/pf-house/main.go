// Command pf-house serves the provably-fair engine over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/MJE43/pf-house/internal/api"
	"github.com/MJE43/pf-house/internal/broadcast"
	"github.com/MJE43/pf-house/internal/config"
	"github.com/MJE43/pf-house/internal/ledger"
	"github.com/MJE43/pf-house/internal/round"
	"github.com/MJE43/pf-house/internal/seeds"
	"github.com/MJE43/pf-house/internal/session"
	"github.com/MJE43/pf-house/internal/store"
	"github.com/MJE43/pf-house/internal/telemetry"
)

const serviceName = "pf-house"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pf-house: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTELEndpoint, serviceName)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	l, err := openLedger(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	settler := ledger.NewSettler(l, db, ledger.SettlerConfig{
		CallTimeout:     cfg.SettleCallTimeout,
		MaxTries:        cfg.SettleMaxTries,
		InitialInterval: cfg.SettleBackoffMin,
		MaxInterval:     cfg.SettleBackoffMax,
	}, logger)

	hub := broadcast.NewHub(logger)
	vault := seeds.NewVault(db, logger)
	mgr := session.NewManager(vault, settler, db, hub, session.Config{
		GracePeriod:   cfg.SessionGrace,
		SweepInterval: cfg.SessionSweep,
	}, logger)

	sched, err := buildScheduler(cfg, settler, db, hub, logger)
	if err != nil {
		return err
	}

	// Background work stops on its own context so in-flight HTTP requests can
	// finish against live tables during shutdown.
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go mgr.Run(bgCtx)
	go settler.RunReconciler(bgCtx, cfg.ReconcileInterval)
	sched.Start(bgCtx)

	srv := api.NewServer(api.Deps{
		Sessions:       mgr,
		Tables:         sched,
		Seeds:          vault,
		Balances:       settler,
		History:        db,
		Hub:            hub,
		Logger:         logger,
		AllowedOrigin:  cfg.AllowedOrigin,
		RequestTimeout: cfg.RequestTimeout,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("version", api.EngineVersion))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var errs []error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("serve: %w", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// Tables void or settle their open rounds as they stop. Sessions and
	// seeds are resolved next so no stake or commitment outlives the process.
	stopBackground()
	sched.Wait()
	mgr.ExpireAll()
	if err := vault.RevealAll(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("reveal seeds: %w", err))
	}
	if err := settler.Wait(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain settlements: %w", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// openLedger returns the remote ledger when one is configured, else the
// embedded SQLite ledger sharing the store's database.
func openLedger(ctx context.Context, cfg config.Config, db *store.SQLiteDB, logger *zap.Logger) (ledger.Ledger, error) {
	if cfg.LedgerURL != "" {
		logger.Info("using remote ledger", zap.String("url", cfg.LedgerURL))
		return ledger.NewHTTPLedger(ledger.HTTPConfig{
			BaseURL:   cfg.LedgerURL,
			Token:     cfg.LedgerToken,
			UserAgent: serviceName + "/" + api.EngineVersion,
		}), nil
	}
	l := ledger.NewSQLiteLedger(db.SQL(), cfg.StartingBalance)
	if err := l.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	logger.Info("using embedded ledger", zap.String("starting_balance", cfg.StartingBalance.String()))
	return l, nil
}

func buildScheduler(cfg config.Config, funds round.Funds, history round.History, hub *broadcast.Hub, logger *zap.Logger) (*round.Scheduler, error) {
	defs, err := cfg.TableDefs()
	if err != nil {
		return nil, err
	}
	sched := round.NewScheduler(cfg.RestartDelay, logger)
	for _, def := range defs {
		driver, err := round.NewDriver(def.Game, cfg.PlayTime)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", def.ID, err)
		}
		t := round.NewTable(round.TableConfig{
			ID:           def.ID,
			Game:         def.Game,
			Salt:         cfg.TableSalt,
			BettingTime:  cfg.BettingTime,
			PlayTime:     cfg.PlayTime,
			TickInterval: cfg.TickInterval,
			Cooldown:     cfg.Cooldown,
			MaxActive:    cfg.MaxActive,
		}, driver, round.Deps{
			Funds:     funds,
			History:   history,
			Publisher: hub,
			Logger:    logger,
		})
		if err := sched.Add(t); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
