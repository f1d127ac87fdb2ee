package engine

import (
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand/v2"
)

// Source yields uniform draws for the weighted sampler. Production uses the
// crypto source; tests inject a seeded one for reproducible outcomes.
type Source interface {
	// Uint64n returns a uniform value in [0, n). n must be positive.
	Uint64n(n uint64) uint64
}

type cryptoSource struct{}

// NewCryptoSource returns a cryptographically strong Source.
func NewCryptoSource() Source { return cryptoSource{} }

func (cryptoSource) Uint64n(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	// Rejection sampling keeps the distribution unbiased.
	limit := ^uint64(0) - ^uint64(0)%n
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand failing means the platform entropy source is
			// broken; there is no safe fallback for a lottery.
			panic("engine: crypto rand unavailable: " + err.Error())
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return v % n
		}
	}
}

type seededSource struct {
	rng *mathrand.Rand
}

// NewSeededSource returns a deterministic Source for tests and replay
// diagnostics.
func NewSeededSource(seed uint64) Source {
	return &seededSource{rng: mathrand.New(mathrand.NewPCG(seed, seed))}
}

func (s *seededSource) Uint64n(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return s.rng.Uint64N(n)
}
