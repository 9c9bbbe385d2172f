package round

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
	"github.com/MJE43/pf-house/internal/games"
)

// Driver turns a round's seed pair into a Play.
type Driver interface {
	Game() string
	Start(seeds engine.SeedPair) (Play, error)
}

// Play is one round in motion. Elapsed is measured from the start of ACTIVE.
type Play interface {
	// Tick returns the progress payload and whether play has ended.
	Tick(elapsed time.Duration) (progress any, terminal bool)
	// Remaining is the time until the terminal event.
	Remaining(elapsed time.Duration) time.Duration
	// AutoResolve reports whether a standing condition on sel has triggered
	// by elapsed and at what multiplier.
	AutoResolve(elapsed time.Duration, sel games.Selection) (decimal.Decimal, bool)
	// Cashout is a manual action. Games without one return a state conflict.
	Cashout(elapsed time.Duration) (decimal.Decimal, error)
	// Settle prices a bet that is still open when play ends.
	Settle(sel games.Selection) games.Outcome
	// Result is the raw outcome published at reveal.
	Result() any
}

// NewDriver returns the driver for a round game.
func NewDriver(game string, playTime time.Duration) (Driver, error) {
	switch game {
	case "crash":
		return crashDriver{}, nil
	case "baccarat":
		return baccaratDriver{deal: playTime}, nil
	case "color":
		return colorDriver{spin: playTime}, nil
	}
	return nil, fmt.Errorf("%w: %q is not a round game", games.ErrUnknownGame, game)
}

type crashDriver struct{}

func (crashDriver) Game() string { return "crash" }

func (crashDriver) Start(seeds engine.SeedPair) (Play, error) {
	res := games.DeriveCrash(seeds)
	return &crashPlay{res: res, crashAt: games.TimeToReach(res.CrashPoint)}, nil
}

type crashPlay struct {
	res     games.CrashResult
	crashAt time.Duration
}

type crashProgress struct {
	Multiplier decimal.Decimal `json:"multiplier"`
	ElapsedMs  int64           `json:"elapsedMs"`
}

func (p *crashPlay) Tick(elapsed time.Duration) (any, bool) {
	if elapsed >= p.crashAt {
		return crashProgress{Multiplier: p.res.CrashPoint, ElapsedMs: p.crashAt.Milliseconds()}, true
	}
	return crashProgress{Multiplier: games.MultiplierAt(elapsed), ElapsedMs: elapsed.Milliseconds()}, false
}

func (p *crashPlay) Remaining(elapsed time.Duration) time.Duration {
	return p.crashAt - elapsed
}

func (p *crashPlay) AutoResolve(elapsed time.Duration, sel games.Selection) (decimal.Decimal, bool) {
	s, ok := sel.(games.CrashSelection)
	if !ok || s.AutoCashout.IsZero() || !s.AutoCashout.LessThan(p.res.CrashPoint) {
		return decimal.Zero, false
	}
	if games.MultiplierAt(elapsed).LessThan(s.AutoCashout) {
		return decimal.Zero, false
	}
	return s.AutoCashout, true
}

func (p *crashPlay) Cashout(elapsed time.Duration) (decimal.Decimal, error) {
	if elapsed >= p.crashAt {
		return decimal.Zero, fmt.Errorf("%w: crashed at %s", games.ErrStateConflict, p.res.CrashPoint)
	}
	return games.MultiplierAt(elapsed), nil
}

func (p *crashPlay) Settle(sel games.Selection) games.Outcome {
	s, _ := sel.(games.CrashSelection)
	return p.res.Settle(s)
}

func (p *crashPlay) Result() any { return p.res }

// fixedPlay is a result known at start and shown over a fixed duration.
type fixedPlay struct {
	length time.Duration
	result any
	stage  func(elapsed time.Duration) any
	settle func(sel games.Selection) games.Outcome
}

func (p *fixedPlay) Tick(elapsed time.Duration) (any, bool) {
	if elapsed >= p.length {
		return p.result, true
	}
	return p.stage(elapsed), false
}

func (p *fixedPlay) Remaining(elapsed time.Duration) time.Duration { return p.length - elapsed }

func (p *fixedPlay) AutoResolve(time.Duration, games.Selection) (decimal.Decimal, bool) {
	return decimal.Zero, false
}

func (p *fixedPlay) Cashout(time.Duration) (decimal.Decimal, error) {
	return decimal.Zero, fmt.Errorf("%w: no manual action in this game", games.ErrStateConflict)
}

func (p *fixedPlay) Settle(sel games.Selection) games.Outcome { return p.settle(sel) }

func (p *fixedPlay) Result() any { return p.result }

type baccaratDriver struct{ deal time.Duration }

func (baccaratDriver) Game() string { return "baccarat" }

type dealProgress struct {
	PlayerCards []games.Card `json:"playerCards"`
	BankerCards []games.Card `json:"bankerCards"`
}

// Start deals the coup; ticks expose the cards in deal order P, B, P, B and
// then the third cards.
func (d baccaratDriver) Start(seeds engine.SeedPair) (Play, error) {
	res, err := games.DealBaccarat(seeds)
	if err != nil {
		return nil, err
	}
	total := len(res.PlayerCards) + len(res.BankerCards)
	return &fixedPlay{
		length: d.deal,
		result: res,
		stage: func(elapsed time.Duration) any {
			shown := total
			if d.deal > 0 {
				shown = int(int64(total) * int64(elapsed) / int64(d.deal))
			}
			return revealCards(res, shown)
		},
		settle: func(sel games.Selection) games.Outcome {
			s, _ := sel.(games.BaccaratSelection)
			return res.Settle(s)
		},
	}, nil
}

func revealCards(res games.BaccaratResult, shown int) dealProgress {
	var p dealProgress
	for i := 0; i < shown; i++ {
		switch {
		case i < 4 && i%2 == 0:
			p.PlayerCards = append(p.PlayerCards, res.PlayerCards[i/2])
		case i < 4:
			p.BankerCards = append(p.BankerCards, res.BankerCards[i/2])
		case len(res.PlayerCards) > 2 && len(p.PlayerCards) < 3:
			p.PlayerCards = append(p.PlayerCards, res.PlayerCards[2])
		case len(res.BankerCards) > 2:
			p.BankerCards = append(p.BankerCards, res.BankerCards[2])
		}
	}
	return p
}

type colorDriver struct{ spin time.Duration }

func (colorDriver) Game() string { return "color" }

type spinProgress struct {
	ElapsedMs int64 `json:"elapsedMs"`
}

func (d colorDriver) Start(seeds engine.SeedPair) (Play, error) {
	res, err := games.DrawColor(seeds)
	if err != nil {
		return nil, err
	}
	return &fixedPlay{
		length: d.spin,
		result: res,
		stage: func(elapsed time.Duration) any {
			return spinProgress{ElapsedMs: elapsed.Milliseconds()}
		},
		settle: func(sel games.Selection) games.Outcome {
			s, _ := sel.(games.ColorSelection)
			return res.Settle(s)
		},
	}, nil
}
