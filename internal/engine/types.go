package engine

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	serverSeedBytes = 32
	clientSeedBytes = 10
)

// SeedPair is the full input set of one derivation. ServerSeed is ASCII and
// is used as the HMAC key as-is; do NOT hex-decode it.
type SeedPair struct {
	ServerSeed     string `json:"serverSeed,omitempty"`
	ServerSeedHash string `json:"serverSeedHash"`
	ClientSeed     string `json:"clientSeed"`
	Nonce          uint64 `json:"nonce"`
}

// Commit returns the public commitment for a server seed.
func Commit(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// NewServerSeed returns 32 bytes of crypto/rand entropy, hex encoded.
func NewServerSeed() (string, error) {
	return randomHex(serverSeedBytes)
}

// NewClientSeed returns a short random client seed for callers that did
// not supply one.
func NewClientSeed() (string, error) {
	return randomHex(clientSeedBytes)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewSeedPair commits a fresh server seed for the given client seed and
// nonce.
func NewSeedPair(clientSeed string, nonce uint64) (SeedPair, error) {
	server, err := NewServerSeed()
	if err != nil {
		return SeedPair{}, err
	}
	if clientSeed == "" {
		if clientSeed, err = NewClientSeed(); err != nil {
			return SeedPair{}, err
		}
	}
	return SeedPair{
		ServerSeed:     server,
		ServerSeedHash: Commit(server),
		ClientSeed:     clientSeed,
		Nonce:          nonce,
	}, nil
}

// WithNonce returns a copy of the pair for another nonce.
func (p SeedPair) WithNonce(nonce uint64) SeedPair {
	p.Nonce = nonce
	return p
}

// WithClientSeed returns a copy of the pair for another client seed.
func (p SeedPair) WithClientSeed(clientSeed string) SeedPair {
	p.ClientSeed = clientSeed
	return p
}

// Public strips the server seed so the pair can be shown before reveal.
func (p SeedPair) Public() SeedPair {
	p.ServerSeed = ""
	return p
}

// Verify reports whether the revealed server seed matches its commitment.
func (p SeedPair) Verify() bool {
	if p.ServerSeed == "" {
		return false
	}
	want := Commit(p.ServerSeed)
	return subtle.ConstantTimeCompare([]byte(want), []byte(p.ServerSeedHash)) == 1
}

// Stream opens a byte stream at cursor 0 for the pair.
func (p SeedPair) Stream() *ByteGenerator {
	return NewByteGenerator(p.ServerSeed, p.ClientSeed, p.Nonce, 0)
}

// Float returns the first derived float for the pair.
func (p SeedPair) Float() float64 {
	return DeriveFloat(p.ServerSeed, p.ClientSeed, p.Nonce)
}
