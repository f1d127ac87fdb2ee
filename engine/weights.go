package engine

import (
	"math/big"

	"fortuna/core/types"
)

// Ppm is the fixed-point denominator for all weight multipliers: a
// multiplier of 1_000_000 means 1x.
const Ppm = int64(1_000_000)

// tierOrder fixes the iteration order of the sampler so equal inputs always
// produce equal cumulative buckets.
var tierOrder = []types.Tier{types.TierHigh, types.TierMid, types.TierLow, types.TierFallback}

// Weights carries the per-tier sampling weights flowing through the
// correction stack. Values never go negative.
type Weights struct {
	High     int64
	Mid      int64
	Low      int64
	Fallback int64
}

// Get returns the weight of one tier.
func (w Weights) Get(t types.Tier) int64 {
	switch t {
	case types.TierHigh:
		return w.High
	case types.TierMid:
		return w.Mid
	case types.TierLow:
		return w.Low
	case types.TierFallback:
		return w.Fallback
	default:
		return 0
	}
}

// Set overwrites the weight of one tier, flooring at zero.
func (w *Weights) Set(t types.Tier, v int64) {
	if v < 0 {
		v = 0
	}
	switch t {
	case types.TierHigh:
		w.High = v
	case types.TierMid:
		w.Mid = v
	case types.TierLow:
		w.Low = v
	case types.TierFallback:
		w.Fallback = v
	}
}

// Scale multiplies one tier's weight by a ppm multiplier.
func (w *Weights) Scale(t types.Tier, ppm int64) {
	w.Set(t, ApplyPpm(w.Get(t), ppm))
}

// Total sums all tier weights.
func (w Weights) Total() int64 {
	return w.High + w.Mid + w.Low + w.Fallback
}

// Snapshot freezes the weights for the decision trace.
func (w Weights) Snapshot() types.WeightSnapshot {
	return types.WeightSnapshot{
		types.TierHigh:     w.High,
		types.TierMid:      w.Mid,
		types.TierLow:      w.Low,
		types.TierFallback: w.Fallback,
	}
}

// ApplyPpm scales an integer weight by a ppm multiplier with round-half-away
// semantics. Intermediates run through big.Int so 64-bit weights cannot
// overflow mid-product.
func ApplyPpm(weight, ppm int64) int64 {
	if weight <= 0 || ppm <= 0 {
		return 0
	}
	return mulDivRound(weight, ppm, Ppm)
}

// ComposePpm multiplies two ppm multipliers into one.
func ComposePpm(a, b int64) int64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	return mulDivRound(a, b, Ppm)
}

// ClampPpm bounds a ppm multiplier into [lo, hi].
func ClampPpm(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mulDivRound(a, b, denom int64) int64 {
	if denom == 0 {
		return 0
	}
	numerator := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	denomBig := big.NewInt(denom)
	quotient := new(big.Int)
	remainder := new(big.Int)
	quotient.QuoRem(numerator, denomBig, remainder)
	doubled := new(big.Int).Lsh(new(big.Int).Abs(remainder), 1)
	if doubled.Cmp(new(big.Int).Abs(denomBig)) >= 0 {
		if numerator.Sign() >= 0 {
			quotient.Add(quotient, big.NewInt(1))
		} else {
			quotient.Sub(quotient, big.NewInt(1))
		}
	}
	return quotient.Int64()
}
