package backoff

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
	"sync"
)

// Rand is a source of uniformly distributed floats in [0, 1).
// Implementations must be safe for concurrent use.
type Rand interface {
	Float64() float64
}

// RandFunc adapts a function to Rand.
type RandFunc func() float64

// Float64 calls f.
func (f RandFunc) Float64() float64 {
	return f()
}

type cryptoRand struct{}

// CryptoRand returns a Rand backed by crypto/rand. If the system entropy
// source fails it falls back to a PCG generator seeded once from it, and to
// the midpoint 0.5 when even seeding fails.
//
//nolint:ireturn
func CryptoRand() Rand {
	return cryptoRand{}
}

func (cryptoRand) Float64() float64 {
	var buf [8]byte

	if _, err := rand.Read(buf[:]); err != nil {
		return fallbackFloat()
	}

	return float64(binary.LittleEndian.Uint64(buf[:])>>11) / (1 << 53)
}

var (
	fallbackOnce sync.Once
	fallbackMu   sync.Mutex
	fallbackRNG  *mrand.Rand
)

func fallbackFloat() float64 {
	fallbackOnce.Do(func() {
		var seed [8]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return
		}

		fallbackRNG = mrand.New(mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0)) // #nosec G404 -- jitter only
	})

	if fallbackRNG == nil {
		return 0.5
	}

	fallbackMu.Lock()
	defer fallbackMu.Unlock()

	return fallbackRNG.Float64()
}

type seededRand struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeededRand returns a deterministic Rand for reproducible jitter.
//
//nolint:ireturn
func NewSeededRand(seed uint64) Rand {
	return &seededRand{rng: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))} // #nosec G404 -- deterministic by request
}

func (s *seededRand) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rng.Float64()
}

func orCrypto(r Rand) Rand {
	if r == nil {
		return CryptoRand()
	}

	return r
}

// uniform01 clamps a Rand sample into [0, 1].
func uniform01(r Rand) float64 {
	f := r.Float64()

	switch {
	case f < 0 || f != f:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
