package engine

import (
	"testing"

	"fortuna/core/types"
)

func TestApplyPpmRounding(t *testing.T) {
	cases := []struct {
		name   string
		weight int64
		ppm    int64
		want   int64
	}{
		{"identity", 250_000, Ppm, 250_000},
		{"half", 100, 500_000, 50},
		{"round half up", 3, 500_000, 2}, // 1.5 rounds away from zero
		{"round down", 3, 400_000, 1},    // 1.2
		{"zero weight", 0, 2_000_000, 0},
		{"zero multiplier", 500, 0, 0},
		{"negative multiplier", 500, -10, 0},
		{"boost", 200_000, 1_500_000, 300_000},
	}
	for _, tc := range cases {
		if got := ApplyPpm(tc.weight, tc.ppm); got != tc.want {
			t.Fatalf("%s: ApplyPpm(%d, %d) = %d, want %d", tc.name, tc.weight, tc.ppm, got, tc.want)
		}
	}
}

func TestApplyPpmNoOverflow(t *testing.T) {
	// A near-max weight times a 3x multiplier overflows int64 without the
	// big.Int intermediate.
	weight := int64(4_000_000_000_000)
	got := ApplyPpm(weight, 3_000_000)
	if got != 12_000_000_000_000 {
		t.Fatalf("ApplyPpm large = %d, want %d", got, int64(12_000_000_000_000))
	}
}

func TestComposePpm(t *testing.T) {
	if got := ComposePpm(1_500_000, 200_000); got != 300_000 {
		t.Fatalf("ComposePpm(1.5x, 0.2x) = %d, want 300000", got)
	}
	if got := ComposePpm(Ppm, Ppm); got != Ppm {
		t.Fatalf("ComposePpm identity = %d", got)
	}
	if got := ComposePpm(0, Ppm); got != 0 {
		t.Fatalf("ComposePpm with zero = %d", got)
	}
}

func TestClampPpm(t *testing.T) {
	if got := ClampPpm(5_000_000, 0, 2_000_000); got != 2_000_000 {
		t.Fatalf("clamp high = %d", got)
	}
	if got := ClampPpm(-5, 0, 2_000_000); got != 0 {
		t.Fatalf("clamp low = %d", got)
	}
	if got := ClampPpm(1_234, 0, 2_000_000); got != 1_234 {
		t.Fatalf("clamp passthrough = %d", got)
	}
}

func TestWeightsSetFloorsAtZero(t *testing.T) {
	var w Weights
	w.Set(types.TierHigh, -40)
	if w.High != 0 {
		t.Fatalf("negative weight stored: %d", w.High)
	}
	w.Set(types.TierMid, 70)
	if w.Total() != 70 {
		t.Fatalf("total = %d, want 70", w.Total())
	}
}

func TestBaseWeightsFirstRulePerTierWins(t *testing.T) {
	rules := []types.TierRule{
		{Tier: types.TierHigh, TierWeight: 20_000, Priority: 10},
		{Tier: types.TierHigh, TierWeight: 99_000, Priority: 1},
		{Tier: types.TierMid, TierWeight: 180_000},
		{Tier: types.TierLow, TierWeight: 300_000},
		{Tier: types.TierFallback, TierWeight: 500_000},
		{Tier: "bogus", TierWeight: 777},
	}
	w := BaseWeights(rules, Cell{})
	if w.High != 20_000 {
		t.Fatalf("high = %d, want the higher-priority rule's 20000", w.High)
	}
	if w.Mid != 180_000 || w.Low != 300_000 || w.Fallback != 500_000 {
		t.Fatalf("unexpected weights: %+v", w)
	}
}

func TestBaseWeightsAppliesEmptyWeightCell(t *testing.T) {
	rules := []types.TierRule{
		{Tier: types.TierFallback, TierWeight: 400_000},
		{Tier: types.TierHigh, TierWeight: 100_000},
	}
	w := BaseWeights(rules, Cell{EmptyWeightPpm: 1_500_000})
	if w.Fallback != 600_000 {
		t.Fatalf("fallback = %d, want 600000 after 1.5x", w.Fallback)
	}
	if w.High != 100_000 {
		t.Fatalf("high = %d, must not move", w.High)
	}
}
