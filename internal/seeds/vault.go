// Package seeds keeps each user's active seed pair. The server seed stays in
// memory until rotation reveals it; only its hash is ever shown before that.
package seeds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MJE43/pf-house/internal/engine"
	"github.com/MJE43/pf-house/internal/games"
	"github.com/MJE43/pf-house/internal/store"
)

// MaxClientSeedLength bounds user supplied client seeds.
const MaxClientSeedLength = 64

// RevealRecorder persists revealed seeds so settled records can be verified.
type RevealRecorder interface {
	SaveSeedReveal(ctx context.Context, r store.SeedReveal) error
}

type userSeeds struct {
	pair   engine.SeedPair // Nonce is the next nonce to allocate
	leases int
	used   bool
}

// Vault hands out seed pairs and nonces per user.
type Vault struct {
	mu       sync.Mutex
	users    map[string]*userSeeds
	recorder RevealRecorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewVault creates a vault. recorder may be nil.
func NewVault(recorder RevealRecorder, logger *zap.Logger) *Vault {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{
		users:    make(map[string]*userSeeds),
		recorder: recorder,
		logger:   logger.Named("seeds"),
		now:      time.Now,
	}
}

// Lease is one allocated nonce under the user's current server seed. The
// seed cannot rotate until every lease is released.
type Lease struct {
	Seeds engine.SeedPair

	once    sync.Once
	release func()
}

// NewLease wraps a pair that is not managed by a Vault. release may be nil.
func NewLease(pair engine.SeedPair, release func()) *Lease {
	return &Lease{Seeds: pair, release: release}
}

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

func (v *Vault) load(userID string) (*userSeeds, error) {
	u, ok := v.users[userID]
	if ok {
		return u, nil
	}
	pair, err := engine.NewSeedPair("", 0)
	if err != nil {
		return nil, err
	}
	u = &userSeeds{pair: pair}
	v.users[userID] = u
	return u, nil
}

// Acquire allocates the next nonce for userID.
func (v *Vault) Acquire(userID string) (*Lease, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	u, err := v.load(userID)
	if err != nil {
		return nil, err
	}
	pair := u.pair
	u.pair.Nonce++
	u.leases++
	u.used = true

	return &Lease{
		Seeds: pair,
		release: func() {
			v.mu.Lock()
			u.leases--
			v.mu.Unlock()
		},
	}, nil
}

// Current returns the public view of the user's pair. Nonce is the next nonce
// that will be used.
func (v *Vault) Current(userID string) (engine.SeedPair, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	u, err := v.load(userID)
	if err != nil {
		return engine.SeedPair{}, err
	}
	return u.pair.Public(), nil
}

// Rotation is the result of rotating a user's seed.
type Rotation struct {
	Revealed engine.SeedPair `json:"revealed"`
	Current  engine.SeedPair `json:"current"`
}

// Rotate reveals the current server seed and commits a new one. An empty
// clientSeed keeps the existing client seed. Rotation fails with a state
// conflict while a game is still open on the current seed.
func (v *Vault) Rotate(ctx context.Context, userID, clientSeed string) (Rotation, error) {
	if len(clientSeed) > MaxClientSeedLength {
		return Rotation{}, fmt.Errorf("%w: client seed longer than %d characters", games.ErrValidation, MaxClientSeedLength)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	u, err := v.load(userID)
	if err != nil {
		return Rotation{}, err
	}
	if u.leases > 0 {
		return Rotation{}, fmt.Errorf("%w: %d game(s) still open on the current seed", games.ErrStateConflict, u.leases)
	}
	if clientSeed == "" {
		clientSeed = u.pair.ClientSeed
	}

	next, err := engine.NewSeedPair(clientSeed, 0)
	if err != nil {
		return Rotation{}, err
	}
	revealed := u.pair

	if v.recorder != nil && u.used {
		if err := v.recorder.SaveSeedReveal(ctx, v.reveal(userID, revealed)); err != nil {
			return Rotation{}, fmt.Errorf("record seed reveal: %w", err)
		}
	}

	u.pair = next
	u.used = false

	v.logger.Info("seed rotated",
		zap.String("user", userID),
		zap.String("revealed_hash", revealed.ServerSeedHash),
		zap.Uint64("nonces_used", revealed.Nonce),
		zap.String("next_hash", next.ServerSeedHash),
	)
	return Rotation{Revealed: revealed, Current: next.Public()}, nil
}

// SetClientSeed changes the client seed. The server seed rotates with it so
// the new client seed cannot be chosen against a known commitment.
func (v *Vault) SetClientSeed(ctx context.Context, userID, clientSeed string) (Rotation, error) {
	if clientSeed == "" {
		return Rotation{}, fmt.Errorf("%w: client seed must not be empty", games.ErrValidation)
	}
	return v.Rotate(ctx, userID, clientSeed)
}

// RevealAll records every used server seed. Pairs live only in memory, so
// this runs at shutdown to keep records made under them verifiable. Seeds
// that fail to record stay marked used and the errors are joined.
func (v *Vault) RevealAll(ctx context.Context) error {
	if v.recorder == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	var errs []error
	revealed := 0
	for userID, u := range v.users {
		if !u.used {
			continue
		}
		if u.leases > 0 {
			v.logger.Warn("revealing seed with open leases", zap.String("user", userID), zap.Int("leases", u.leases))
		}
		if err := v.recorder.SaveSeedReveal(ctx, v.reveal(userID, u.pair)); err != nil {
			errs = append(errs, fmt.Errorf("reveal seed for %s: %w", userID, err))
			continue
		}
		u.used = false
		revealed++
	}
	v.logger.Info("seeds revealed", zap.Int("count", revealed))
	return errors.Join(errs...)
}

func (v *Vault) reveal(userID string, pair engine.SeedPair) store.SeedReveal {
	last := uint64(0)
	if pair.Nonce > 0 {
		last = pair.Nonce - 1
	}
	return store.SeedReveal{
		UserID:         userID,
		ServerSeed:     pair.ServerSeed,
		ServerSeedHash: pair.ServerSeedHash,
		ClientSeed:     pair.ClientSeed,
		LastNonce:      last,
		RevealedAt:     v.now().UTC(),
	}
}
