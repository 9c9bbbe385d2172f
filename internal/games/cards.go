package games

import "github.com/MJE43/pf-house/internal/engine"

// Card represents a playing card with rank and suit.
type Card struct {
	Rank string `json:"rank"`
	Suit string `json:"suit"`
}

// String returns a human-readable card representation like "♦2" or "♠A".
func (c Card) String() string {
	return c.Suit + c.Rank
}

// Suits in deck index order: ♦, ♥, ♠, ♣
var cardSuits = []string{"♦", "♥", "♠", "♣"}

// Ranks in order: 2-10, J, Q, K, A
var cardRanks = []string{"2", "3", "4", "5", "6", "7", "8", "9", "10", "J", "Q", "K", "A"}

const deckSize = 52

// The full 52-card deck in index order: ♦2, ♥2, ♠2, ♣2, ♦3, ...
var cardDeck [deckSize]Card

func init() {
	i := 0
	for _, rank := range cardRanks {
		for _, suit := range cardSuits {
			cardDeck[i] = Card{Rank: rank, Suit: suit}
			i++
		}
	}
}

// ShuffledDeck returns a single 52-card deck permuted by the seed pair.
// Cards are dealt from index 0.
func ShuffledDeck(seeds engine.SeedPair) ([]Card, error) {
	perm, err := seeds.Stream().Shuffle(deckSize)
	if err != nil {
		return nil, err
	}
	deck := make([]Card, deckSize)
	for i, idx := range perm {
		deck[i] = cardDeck[idx]
	}
	return deck, nil
}

// cardRankValue returns the numeric value of a card rank for comparison.
// A=1, 2=2, ..., 10=10, J=11, Q=12, K=13
func cardRankValue(rank string) int {
	switch rank {
	case "A":
		return 1
	case "J":
		return 11
	case "Q":
		return 12
	case "K":
		return 13
	default:
		return pipValue(rank)
	}
}

// baccaratCardValue returns the baccarat point value of a card.
// 2-9: face value, 10/J/Q/K: 0, A: 1
func baccaratCardValue(rank string) int {
	switch rank {
	case "A":
		return 1
	case "10", "J", "Q", "K":
		return 0
	default:
		return pipValue(rank)
	}
}

// blackjackCardValue returns the blackjack point value of a card.
// 2-10: face value, J/Q/K: 10, A: 11 (soft)
func blackjackCardValue(rank string) int {
	switch rank {
	case "A":
		return 11
	case "J", "Q", "K":
		return 10
	default:
		return pipValue(rank)
	}
}

func pipValue(rank string) int {
	switch rank {
	case "2":
		return 2
	case "3":
		return 3
	case "4":
		return 4
	case "5":
		return 5
	case "6":
		return 6
	case "7":
		return 7
	case "8":
		return 8
	case "9":
		return 9
	case "10":
		return 10
	default:
		return 0
	}
}

// blackjackHandValue calculates the best blackjack hand value and whether it
// is soft (an ace still counted as 11).
func blackjackHandValue(cards []Card) (int, bool) {
	total := 0
	aces := 0
	for _, c := range cards {
		total += blackjackCardValue(c.Rank)
		if c.Rank == "A" {
			aces++
		}
	}
	// Reduce aces from 11 to 1 if over 21
	for total > 21 && aces > 0 {
		total -= 10
		aces--
	}
	return total, aces > 0
}
