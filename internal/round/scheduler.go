package round

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrTableNotFound is returned for an unknown table ID.
var ErrTableNotFound = errors.New("table not found")

// Scheduler supervises a set of tables. A table whose loop fails is logged
// and restarted; the others keep running.
type Scheduler struct {
	logger       *zap.Logger
	restartDelay time.Duration

	mu     sync.RWMutex
	tables map[string]*Table
	wg     sync.WaitGroup
}

// NewScheduler returns an empty scheduler. restartDelay is the pause before
// a failed table loop is started again.
func NewScheduler(restartDelay time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if restartDelay <= 0 {
		restartDelay = time.Second
	}
	return &Scheduler{
		logger:       logger.Named("scheduler"),
		restartDelay: restartDelay,
		tables:       make(map[string]*Table),
	}
}

// Add registers a table. IDs are unique.
func (s *Scheduler) Add(t *Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[t.ID()]; ok {
		return fmt.Errorf("table %q already registered", t.ID())
	}
	s.tables[t.ID()] = t
	return nil
}

// Start runs every registered table until ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tables {
		s.wg.Add(1)
		go s.supervise(ctx, t)
	}
	s.logger.Info("scheduler started", zap.Int("tables", len(s.tables)))
}

func (s *Scheduler) supervise(ctx context.Context, t *Table) {
	defer s.wg.Done()
	defer t.shutdown()
	for {
		err := t.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		t.restarts.Add(1)
		s.logger.Error("table loop failed, restarting",
			zap.String("table", t.ID()),
			zap.Duration("delay", s.restartDelay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// Wait blocks until every table loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Table returns a registered table.
func (s *Scheduler) Table(id string) (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, id)
	}
	return t, nil
}

// PlaceBet places a bet on a table's open round.
func (s *Scheduler) PlaceBet(ctx context.Context, tableID string, req BetRequest) (BetReceipt, error) {
	t, err := s.Table(tableID)
	if err != nil {
		return BetReceipt{}, err
	}
	return t.PlaceBet(ctx, req)
}

// Cashout runs a manual cashout on a table.
func (s *Scheduler) Cashout(ctx context.Context, tableID, userID string) (CashoutReceipt, error) {
	t, err := s.Table(tableID)
	if err != nil {
		return CashoutReceipt{}, err
	}
	return t.Cashout(ctx, userID)
}

// Snapshot returns one table's view.
func (s *Scheduler) Snapshot(tableID string) (Snapshot, error) {
	t, err := s.Table(tableID)
	if err != nil {
		return Snapshot{}, err
	}
	return t.Snapshot(), nil
}

// Tables returns every table's view, sorted by ID.
func (s *Scheduler) Tables() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t.Snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TableID < out[j].TableID })
	return out
}
