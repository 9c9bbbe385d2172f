package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MJE43/pf-house/internal/store"
)

// ReconStore persists credits that could not be applied.
type ReconStore interface {
	EnqueueReconciliation(ctx context.Context, item *store.ReconItem) error
	PendingReconciliation(ctx context.Context, limit int) ([]store.ReconItem, error)
	RecordReconAttempt(ctx context.Context, id string, cause error) error
	ResolveReconciliation(ctx context.Context, id string) error
	SetBetStatus(ctx context.Context, id, status string) error
}

// SettlerConfig bounds ledger calls.
type SettlerConfig struct {
	// CallTimeout bounds a single ledger call.
	CallTimeout time.Duration
	// MaxTries is the number of attempts for a transient failure.
	MaxTries uint
	// InitialInterval and MaxInterval shape the exponential backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c *SettlerConfig) withDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.MaxTries == 0 {
		c.MaxTries = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
}

// CreditResult is delivered once an asynchronous credit finishes. Queued is
// set when the credit exhausted its retries and went to reconciliation.
type CreditResult struct {
	Balance decimal.Decimal
	Err     error
	Queued  bool
}

type lane struct {
	jobs    []func()
	running bool
}

// Settler serializes ledger calls per user. Calls for one user run in FIFO
// order on a lane; different users proceed in parallel. Transient failures
// are retried with exponential backoff.
type Settler struct {
	ledger Ledger
	recon  ReconStore
	cfg    SettlerConfig
	logger *zap.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

// NewSettler wraps l. recon may be nil, in which case exhausted credits are
// only logged.
func NewSettler(l Ledger, recon ReconStore, cfg SettlerConfig, logger *zap.Logger) *Settler {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settler{
		ledger: l,
		recon:  recon,
		cfg:    cfg,
		logger: logger.Named("settler"),
		tracer: otel.Tracer("github.com/MJE43/pf-house/internal/ledger"),
		lanes:  make(map[string]*lane),
	}
}

// Ledger returns the wrapped ledger.
func (s *Settler) Ledger() Ledger { return s.ledger }

func (s *Settler) submit(userID string, job func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[userID]
	if !ok {
		l = &lane{}
		s.lanes[userID] = l
	}
	l.jobs = append(l.jobs, job)
	if !l.running {
		l.running = true
		s.wg.Add(1)
		go s.drain(userID, l)
	}
}

func (s *Settler) drain(userID string, l *lane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(l.jobs) == 0 {
			l.running = false
			delete(s.lanes, userID)
			s.mu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs = l.jobs[1:]
		s.mu.Unlock()

		job()
	}
}

// Debit runs a debit on the user's lane and waits for it.
func (s *Settler) Debit(ctx context.Context, e Entry) (decimal.Decimal, error) {
	return s.await(ctx, OpDebit, e, s.ledger.Debit)
}

// Credit runs a credit on the user's lane and waits for it.
func (s *Settler) Credit(ctx context.Context, e Entry) (decimal.Decimal, error) {
	return s.await(ctx, OpCredit, e, s.ledger.Credit)
}

// Balance reads the user's balance on their lane so it observes every
// queued movement.
func (s *Settler) Balance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	e := Entry{Key: "balance", UserID: userID, Currency: currency}
	return s.await(ctx, "balance", e, func(ctx context.Context, e Entry) (decimal.Decimal, error) {
		return s.ledger.Balance(ctx, e.UserID, e.Currency)
	})
}

type ledgerCall func(ctx context.Context, e Entry) (decimal.Decimal, error)

type callResult struct {
	balance decimal.Decimal
	err     error
}

// Job states shared by await and the lane worker. Whichever side moves a
// job out of jobQueued first decides whether it runs.
const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

// await queues fn on the user's lane and waits for it, but never past ctx.
// A job still queued when ctx ends is abandoned and never touches the
// ledger; a job already running is bounded by ctx itself.
func (s *Settler) await(ctx context.Context, op string, e Entry, fn ledgerCall) (decimal.Decimal, error) {
	var state atomic.Int32
	done := make(chan callResult, 1)
	s.submit(e.UserID, func() {
		if !state.CompareAndSwap(jobQueued, jobStarted) {
			return
		}
		bal, err := s.call(ctx, op, e, fn)
		done <- callResult{bal, err}
	})

	select {
	case res := <-done:
		return res.balance, res.err
	case <-ctx.Done():
		if state.CompareAndSwap(jobQueued, jobAbandoned) {
			return decimal.Zero, fmt.Errorf("%w: %s %s still queued behind pending settlements: %v",
				ErrLedgerUnavailable, op, e.Key, ctx.Err())
		}
		res := <-done
		return res.balance, res.err
	}
}

// CreditAsync queues a settlement credit and returns immediately. If the
// credit exhausts its retries it is persisted for reconciliation and betID
// is flagged. onDone may be nil.
func (s *Settler) CreditAsync(e Entry, betID string, onDone func(CreditResult)) {
	s.submit(e.UserID, func() {
		ctx := context.Background()
		bal, err := s.call(ctx, OpCredit, e, s.ledger.Credit)
		res := CreditResult{Balance: bal, Err: err}
		if err != nil && errors.Is(err, ErrLedgerUnavailable) {
			res.Queued = s.queueReconciliation(ctx, e, betID, err)
		} else if err != nil {
			s.logger.Error("settlement credit rejected",
				zap.String("key", e.Key),
				zap.String("user", e.UserID),
				zap.String("amount", e.Amount.String()),
				zap.Error(err),
			)
		}
		if onDone != nil {
			onDone(res)
		}
	})
}

func (s *Settler) queueReconciliation(ctx context.Context, e Entry, betID string, cause error) bool {
	s.logger.Error("settlement credit exhausted retries; queued for reconciliation",
		zap.String("key", e.Key),
		zap.String("user", e.UserID),
		zap.String("currency", e.Currency),
		zap.String("amount", e.Amount.String()),
		zap.String("bet", betID),
		zap.Error(cause),
	)
	if s.recon == nil {
		return false
	}
	item := &store.ReconItem{
		Key:       e.Key,
		UserID:    e.UserID,
		Currency:  e.Currency,
		Amount:    e.Amount,
		BetID:     betID,
		Reason:    e.Reason,
		Attempts:  int(s.cfg.MaxTries),
		LastError: cause.Error(),
	}
	if err := s.recon.EnqueueReconciliation(ctx, item); err != nil {
		s.logger.Error("failed to persist reconciliation item", zap.String("key", e.Key), zap.Error(err))
		return false
	}
	if betID != "" {
		if err := s.recon.SetBetStatus(ctx, betID, store.StatusReconciling); err != nil {
			s.logger.Warn("failed to flag bet for reconciliation", zap.String("bet", betID), zap.Error(err))
		}
	}
	return true
}

// call runs fn with a per-attempt timeout, retrying ErrLedgerUnavailable.
func (s *Settler) call(ctx context.Context, op string, e Entry, fn ledgerCall) (decimal.Decimal, error) {
	ctx, span := s.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(
		attribute.String("ledger.user", e.UserID),
		attribute.String("ledger.currency", e.Currency),
		attribute.String("ledger.key", e.Key),
		attribute.String("ledger.amount", e.Amount.String()),
	))
	defer span.End()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.InitialInterval
	eb.MaxInterval = s.cfg.MaxInterval

	attempts := 0
	bal, err := backoff.Retry(ctx, func() (decimal.Decimal, error) {
		attempts++
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()

		bal, err := fn(cctx, e)
		if err == nil {
			return bal, nil
		}
		if errors.Is(err, ErrLedgerUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, backoff.Permanent(err)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(s.cfg.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.logger.Warn("ledger call failed, retrying",
				zap.String("op", op),
				zap.String("key", e.Key),
				zap.Duration("backoff", d),
				zap.Error(err),
			)
		}),
	)
	span.SetAttributes(attribute.Int("ledger.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil && !errors.Is(err, ErrLedgerUnavailable) {
			err = fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
		return decimal.Zero, err
	}
	return bal, nil
}

// ReconcileOnce retries every pending reconciliation item and returns the
// number resolved.
func (s *Settler) ReconcileOnce(ctx context.Context) (int, error) {
	if s.recon == nil {
		return 0, nil
	}
	items, err := s.recon.PendingReconciliation(ctx, 100)
	if err != nil {
		return 0, fmt.Errorf("load reconciliation queue: %w", err)
	}

	resolved := 0
	for _, it := range items {
		e := Entry{
			Key:      it.Key,
			UserID:   it.UserID,
			Currency: it.Currency,
			Amount:   it.Amount,
			Reason:   it.Reason,
			Ref:      it.BetID,
		}
		if _, err := s.Credit(ctx, e); err != nil {
			if rerr := s.recon.RecordReconAttempt(ctx, it.ID, err); rerr != nil {
				s.logger.Error("failed to record reconciliation attempt", zap.String("id", it.ID), zap.Error(rerr))
			}
			s.logger.Warn("reconciliation credit still failing",
				zap.String("key", it.Key),
				zap.Int("attempts", it.Attempts+1),
				zap.Error(err),
			)
			continue
		}
		if err := s.recon.ResolveReconciliation(ctx, it.ID); err != nil {
			s.logger.Error("failed to resolve reconciliation item", zap.String("id", it.ID), zap.Error(err))
			continue
		}
		s.logger.Info("reconciliation credit applied", zap.String("key", it.Key), zap.String("user", it.UserID))
		resolved++
	}
	return resolved, nil
}

// RunReconciler calls ReconcileOnce every interval until ctx is done.
func (s *Settler) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReconcileOnce(ctx); err != nil {
				s.logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// Wait blocks until every queued job has run or ctx is done.
func (s *Settler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
