package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strconv"
)

// DigestSize is the number of bytes produced by one keyed derivation.
const DigestSize = sha256.Size

// maxRejections bounds consecutive rejected draws in Int. Each draw is
// accepted with probability > 1/2, so hitting the bound means the stream
// is broken rather than unlucky.
const maxRejections = 1024

// ErrFairnessIntegrity reports derived output that failed an internal
// consistency check.
var ErrFairnessIntegrity = errors.New("fairness integrity failure")

// DeriveBytes returns HMAC-SHA256 keyed by the server seed over
// "clientSeed:nonce:round". The round counter re-keys the derivation when
// a game needs more than one digest of randomness.
func DeriveBytes(serverSeed, clientSeed string, nonce, round uint64) [DigestSize]byte {
	var out [DigestSize]byte
	h := hmac.New(sha256.New, []byte(serverSeed))
	writeMessage(h, clientSeed, nonce, round)
	copy(out[:], h.Sum(nil))
	return out
}

func writeMessage(h hash.Hash, clientSeed string, nonce, round uint64) {
	buf := make([]byte, 0, len(clientSeed)+42)
	buf = append(buf, clientSeed...)
	buf = append(buf, ':')
	buf = strconv.AppendUint(buf, nonce, 10)
	buf = append(buf, ':')
	buf = strconv.AppendUint(buf, round, 10)
	h.Write(buf)
}

// ByteGenerator streams keyed digests for one (serverSeed, clientSeed, nonce)
// triple, advancing the round counter whenever a digest is exhausted.
type ByteGenerator struct {
	mac          hash.Hash
	clientSeed   string
	nonce        uint64
	currentRound uint64
	currentPos   int
	buffer       [DigestSize]byte
}

// NewByteGenerator creates a generator positioned at cursor bytes into the
// stream.
func NewByteGenerator(serverSeed, clientSeed string, nonce uint64, cursor uint64) *ByteGenerator {
	bg := &ByteGenerator{
		mac:          hmac.New(sha256.New, []byte(serverSeed)),
		clientSeed:   clientSeed,
		nonce:        nonce,
		currentRound: cursor / DigestSize,
		currentPos:   int(cursor % DigestSize),
	}
	bg.generateRound()
	return bg
}

// Next returns the next byte from the generator.
func (bg *ByteGenerator) Next() byte {
	if bg.currentPos >= DigestSize {
		bg.currentRound++
		bg.currentPos = 0
		bg.generateRound()
	}

	b := bg.buffer[bg.currentPos]
	bg.currentPos++
	return b
}

func (bg *ByteGenerator) next4() [4]byte {
	var b [4]byte
	for i := range b {
		b[i] = bg.Next()
	}
	return b
}

// NextUint32 consumes 4 bytes and returns them as a big-endian integer.
func (bg *ByteGenerator) NextUint32() uint32 {
	b := bg.next4()
	return binary.BigEndian.Uint32(b[:])
}

// NextFloat consumes 4 bytes and maps them onto [0, 1).
func (bg *ByteGenerator) NextFloat() float64 {
	return bytesToFloat(bg.next4())
}

// Int returns a uniform integer in [0, n) using rejection sampling: raw
// draws at or above the largest multiple of n that fits in 32 bits are
// discarded so no residue class is favoured.
func (bg *ByteGenerator) Int(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("engine: Int bound must be positive, got %d", n)
	}
	if uint64(n) > 1<<32 {
		return 0, fmt.Errorf("engine: Int bound %d exceeds 32-bit range", n)
	}

	limit := RejectionLimit(n)
	for i := 0; i < maxRejections; i++ {
		v := uint64(bg.NextUint32())
		if v < limit {
			return int(v % uint64(n)), nil
		}
	}
	return 0, fmt.Errorf("%w: %d consecutive rejections for n=%d", ErrFairnessIntegrity, maxRejections, n)
}

// Round reports the counter of the digest currently being consumed.
func (bg *ByteGenerator) Round() uint64 {
	return bg.currentRound
}

func (bg *ByteGenerator) generateRound() {
	bg.mac.Reset()
	writeMessage(bg.mac, bg.clientSeed, bg.nonce, bg.currentRound)
	copy(bg.buffer[:], bg.mac.Sum(nil))
}

// RejectionLimit is the exclusive upper bound of accepted raw 32-bit draws
// for a range of n values.
func RejectionLimit(n int) uint64 {
	const space = uint64(1) << 32
	return space - space%uint64(n)
}

// Uint32ToFloat maps a 32-bit integer onto [0, 1).
func Uint32ToFloat(v uint32) float64 {
	return float64(v) / 4294967296.0
}

// bytesToFloat converts exactly 4 bytes to float64 as sum(b[i] / 256^(i+1)).
func bytesToFloat(bytes [4]byte) float64 {
	return Uint32ToFloat(binary.BigEndian.Uint32(bytes[:]))
}

// DeriveFloat returns the first float of the stream.
func DeriveFloat(serverSeed, clientSeed string, nonce uint64) float64 {
	return NewByteGenerator(serverSeed, clientSeed, nonce, 0).NextFloat()
}

// DeriveUint32 returns the first 4 bytes of the stream as an integer.
func DeriveUint32(serverSeed, clientSeed string, nonce uint64) uint32 {
	return NewByteGenerator(serverSeed, clientSeed, nonce, 0).NextUint32()
}
