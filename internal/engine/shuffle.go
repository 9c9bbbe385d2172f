package engine

import "fmt"

// Shuffle returns a permutation of [0, n) built with Fisher-Yates from the
// top of the slice down. Every swap index comes from a rejection-sampled
// draw, so small decks carry no modulo bias.
func (bg *ByteGenerator) Shuffle(n int) ([]int, error) {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j, err := bg.Int(i + 1)
		if err != nil {
			return nil, err
		}
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm, nil
}

// Sample draws k distinct values from [0, n) in draw order. It is a partial
// Fisher-Yates selection: each draw picks from the values not yet taken.
func (bg *ByteGenerator) Sample(n, k int) ([]int, error) {
	if k < 0 || k > n {
		return nil, fmt.Errorf("engine: cannot sample %d of %d", k, n)
	}
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	out := make([]int, k)
	for i := 0; i < k; i++ {
		j, err := bg.Int(n - i)
		if err != nil {
			return nil, err
		}
		out[i] = pool[j]
		// swap-remove keeps the remaining pool contiguous
		pool[j] = pool[n-i-1]
	}
	return out, nil
}

// DeriveShuffle is Shuffle on a fresh stream for the given inputs.
func DeriveShuffle(n int, serverSeed, clientSeed string, nonce uint64) ([]int, error) {
	return NewByteGenerator(serverSeed, clientSeed, nonce, 0).Shuffle(n)
}

// DeriveSample is Sample on a fresh stream for the given inputs.
func DeriveSample(n, k int, serverSeed, clientSeed string, nonce uint64) ([]int, error) {
	return NewByteGenerator(serverSeed, clientSeed, nonce, 0).Sample(n, k)
}
