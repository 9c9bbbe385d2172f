package games

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-house/internal/engine"
)

// BaccaratGame implements punto banco dealt from one shuffled deck per
// round. Player pays 2×, banker 1.95× and tie 9×. Player and banker bets
// push on a tie.
type BaccaratGame struct{}

// BaccaratSide is the side a bet backs.
type BaccaratSide string

const (
	BaccaratPlayer BaccaratSide = "player"
	BaccaratBanker BaccaratSide = "banker"
	BaccaratTie    BaccaratSide = "tie"
)

var baccaratPayouts = map[BaccaratSide]decimal.Decimal{
	BaccaratPlayer: decimal.NewFromInt(2),
	BaccaratBanker: decimal.RequireFromString("1.95"),
	BaccaratTie:    decimal.NewFromInt(9),
}

// BaccaratSelection is the side backed.
type BaccaratSelection struct {
	Side BaccaratSide `json:"side"`
}

func (BaccaratSelection) GameID() string { return "baccarat" }
func (BaccaratSelection) selection()     {}

func (s BaccaratSelection) Validate() error {
	if _, ok := baccaratPayouts[s.Side]; !ok {
		return validationf("baccarat side must be player, banker or tie, got %q", s.Side)
	}
	return nil
}

// BaccaratResult is one dealt coup.
type BaccaratResult struct {
	PlayerCards []Card       `json:"player_cards"`
	BankerCards []Card       `json:"banker_cards"`
	PlayerScore int          `json:"player_score"`
	BankerScore int          `json:"banker_score"`
	Winner      BaccaratSide `json:"winner"`
}

// Spec returns metadata about the Baccarat game.
func (g *BaccaratGame) Spec() GameSpec {
	return GameSpec{ID: "baccarat", Name: "Baccarat", Mode: ModeRound, MetricLabel: "winner"}
}

func (g *BaccaratGame) DecodeSelection(raw json.RawMessage) (Selection, error) {
	var s BaccaratSelection
	if err := decodeStrict(raw, &s); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// Evaluate deals the coup and settles the side against it.
func (g *BaccaratGame) Evaluate(seeds engine.SeedPair, sel Selection) (Outcome, error) {
	s, ok := sel.(BaccaratSelection)
	if !ok {
		return Outcome{}, wrongSelection("baccarat", sel)
	}
	if err := s.Validate(); err != nil {
		return Outcome{}, err
	}
	res, err := DealBaccarat(seeds)
	if err != nil {
		return Outcome{}, err
	}
	return res.Settle(s), nil
}

// Settle prices a side against a dealt coup.
func (r BaccaratResult) Settle(s BaccaratSelection) Outcome {
	out := Outcome{Raw: r, Multiplier: decimal.Zero}
	switch {
	case r.Winner == s.Side:
		out.Win = true
		out.Multiplier = baccaratPayouts[s.Side]
	case r.Winner == BaccaratTie:
		out.Multiplier = decimal.NewFromInt(1)
	}
	return out
}

// DealBaccarat deals P, B, P, B then applies the third-card rules.
func DealBaccarat(seeds engine.SeedPair) (BaccaratResult, error) {
	deck, err := ShuffledDeck(seeds)
	if err != nil {
		return BaccaratResult{}, err
	}

	// Standard deal order: player1, banker1, player2, banker2, then thirds
	playerCards := []Card{deck[0], deck[2]}
	bankerCards := []Card{deck[1], deck[3]}
	next := 4

	playerScore := baccaratHandScore(playerCards)
	bankerScore := baccaratHandScore(bankerCards)

	// Neither side draws if either has a natural (8 or 9)
	if playerScore < 8 && bankerScore < 8 {
		var bankerDraws bool
		// Player draws on 0-5
		if playerScore <= 5 {
			third := deck[next]
			next++
			playerCards = append(playerCards, third)
			playerScore = baccaratHandScore(playerCards)
			bankerDraws = bankerShouldDraw(bankerScore, baccaratCardValue(third.Rank))
		} else {
			// Player stood: banker draws on 0-5
			bankerDraws = bankerScore <= 5
		}

		if bankerDraws {
			bankerCards = append(bankerCards, deck[next])
			bankerScore = baccaratHandScore(bankerCards)
		}
	}

	var winner BaccaratSide
	switch {
	case playerScore > bankerScore:
		winner = BaccaratPlayer
	case bankerScore > playerScore:
		winner = BaccaratBanker
	default:
		winner = BaccaratTie
	}

	return BaccaratResult{
		PlayerCards: playerCards,
		BankerCards: bankerCards,
		PlayerScore: playerScore,
		BankerScore: bankerScore,
		Winner:      winner,
	}, nil
}

// baccaratHandScore calculates the baccarat hand score (sum of card values mod 10).
func baccaratHandScore(cards []Card) int {
	total := 0
	for _, c := range cards {
		total += baccaratCardValue(c.Rank)
	}
	return total % 10
}

// bankerShouldDraw implements the standard baccarat banker third-card rule.
// bankerScore is the banker's current score (0-7), playerThirdCard is the
// point value of the player's third card.
func bankerShouldDraw(bankerScore int, playerThirdCard int) bool {
	switch bankerScore {
	case 0, 1, 2:
		return true
	case 3:
		return playerThirdCard != 8
	case 4:
		return playerThirdCard >= 2 && playerThirdCard <= 7
	case 5:
		return playerThirdCard >= 4 && playerThirdCard <= 7
	case 6:
		return playerThirdCard == 6 || playerThirdCard == 7
	default: // 7, 8, 9
		return false
	}
}
