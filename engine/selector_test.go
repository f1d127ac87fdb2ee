package engine

import (
	"testing"

	"github.com/google/uuid"

	"fortuna/core/types"
)

// scriptedSource replays a fixed sequence of draw points. Values must stay
// below the bound the caller passes.
type scriptedSource struct {
	points []uint64
	i      int
}

func (s *scriptedSource) Uint64n(n uint64) uint64 {
	if s.i >= len(s.points) {
		return 0
	}
	point := s.points[s.i]
	s.i++
	return point % n
}

func int64Ptr(v int64) *int64 { return &v }

func TestSelectTierBucketBoundaries(t *testing.T) {
	w := Weights{High: 10, Mid: 20, Low: 30, Fallback: 40}
	cases := []struct {
		point uint64
		want  types.Tier
	}{
		{0, types.TierHigh},
		{9, types.TierHigh},
		{10, types.TierMid},
		{29, types.TierMid},
		{30, types.TierLow},
		{59, types.TierLow},
		{60, types.TierFallback},
		{99, types.TierFallback},
	}
	for _, tc := range cases {
		got := SelectTier(w, &scriptedSource{points: []uint64{tc.point}})
		if got != tc.want {
			t.Fatalf("point %d: tier = %s, want %s", tc.point, got, tc.want)
		}
	}
}

func TestSelectTierSkipsZeroWeightTiers(t *testing.T) {
	w := Weights{High: 0, Mid: 5, Low: 0, Fallback: 5}
	if got := SelectTier(w, &scriptedSource{points: []uint64{4}}); got != types.TierMid {
		t.Fatalf("tier = %s, want mid", got)
	}
	if got := SelectTier(w, &scriptedSource{points: []uint64{5}}); got != types.TierFallback {
		t.Fatalf("tier = %s, want fallback", got)
	}
}

func TestSelectTierZeroTotalDefaultsToFallback(t *testing.T) {
	if got := SelectTier(Weights{}, NewSeededSource(1)); got != types.TierFallback {
		t.Fatalf("tier = %s, want fallback", got)
	}
}

func selectorPool() Candidates {
	return Candidates{
		Prizes: []types.Prize{
			{
				ID:          uuid.MustParse("11111111-1111-1111-1111-111111111111"),
				Tier:        types.TierHigh,
				Status:      types.PrizeActive,
				WinWeight:   100,
				ValuePoints: 5_000,
				Stock:       int64Ptr(3),
			},
			{
				ID:          uuid.MustParse("22222222-2222-2222-2222-222222222222"),
				Tier:        types.TierMid,
				Status:      types.PrizeActive,
				WinWeight:   100,
				ValuePoints: 500,
			},
			{
				ID:          uuid.MustParse("33333333-3333-3333-3333-333333333333"),
				Tier:        types.TierLow,
				Status:      types.PrizeActive,
				WinWeight:   100,
				ValuePoints: 50,
			},
			{
				ID:          uuid.MustParse("44444444-4444-4444-4444-444444444444"),
				Tier:        types.TierFallback,
				Status:      types.PrizeActive,
				WinWeight:   100,
				ValuePoints: 0,
			},
		},
		DayCounts:       map[uuid.UUID]int64{},
		RemainingBudget: 1_000_000,
	}
}

func TestSelectPrizeHappyPath(t *testing.T) {
	sel, err := SelectPrize(types.TierHigh, selectorPool(), nil, &scriptedSource{points: []uint64{0}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Tier != types.TierHigh || sel.Prize == nil {
		t.Fatalf("selection = %+v", sel)
	}
	if sel.Prize.ValuePoints != 5_000 {
		t.Fatalf("prize = %+v", sel.Prize)
	}
}

func TestSelectPrizeDemotesThroughEmptyTiers(t *testing.T) {
	pool := selectorPool()
	// Exhaust high (zero stock) and disable mid entirely.
	pool.Prizes[0].Stock = int64Ptr(0)
	pool.Prizes[1].Status = types.PrizeDisabled

	sel, err := SelectPrize(types.TierHigh, pool, nil, &scriptedSource{points: []uint64{0}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.RequestedTier != types.TierHigh || sel.Tier != types.TierLow {
		t.Fatalf("selection = %+v, want demotion to low", sel)
	}
}

func TestSelectPrizeHonorsExclusions(t *testing.T) {
	pool := selectorPool()
	excluded := map[uuid.UUID]bool{pool.Prizes[0].ID: true}
	sel, err := SelectPrize(types.TierHigh, pool, excluded, &scriptedSource{points: []uint64{0}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Tier != types.TierMid {
		t.Fatalf("tier = %s, want demotion past the excluded prize", sel.Tier)
	}
}

func TestSelectPrizeDayCapBlocks(t *testing.T) {
	pool := selectorPool()
	pool.Prizes[0].DayCap = int64Ptr(2)
	pool.DayCounts[pool.Prizes[0].ID] = 2
	sel, err := SelectPrize(types.TierHigh, pool, nil, &scriptedSource{points: []uint64{0}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Tier != types.TierMid {
		t.Fatalf("tier = %s, want mid after day cap", sel.Tier)
	}
}

func TestSelectPrizeBudgetFiltering(t *testing.T) {
	pool := selectorPool()
	pool.BudgetLimited = true
	pool.RemainingBudget = 600
	sel, err := SelectPrize(types.TierHigh, pool, nil, &scriptedSource{points: []uint64{0}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// The 5000-point high prize is unaffordable; the 500-point mid one fits.
	if sel.Tier != types.TierMid {
		t.Fatalf("tier = %s, want mid under budget pressure", sel.Tier)
	}

	// Unlimited pools ignore the remaining budget entirely.
	pool.BudgetLimited = false
	sel, err = SelectPrize(types.TierHigh, pool, nil, &scriptedSource{points: []uint64{0}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Tier != types.TierHigh {
		t.Fatalf("tier = %s, want high without budget gating", sel.Tier)
	}
}

func TestSelectPrizeExhaustionYieldsEmpty(t *testing.T) {
	pool := selectorPool()
	for i := range pool.Prizes {
		pool.Prizes[i].Stock = int64Ptr(0)
	}
	sel, err := SelectPrize(types.TierHigh, pool, nil, &scriptedSource{points: []uint64{0}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !sel.Exhausted || sel.Prize != nil {
		t.Fatalf("selection = %+v, want exhausted empty", sel)
	}
	if sel.Tier != types.TierFallback || sel.RequestedTier != types.TierHigh {
		t.Fatalf("selection tiers = %+v", sel)
	}
}

func TestSelectPrizeMissingFallbackIsConfigViolation(t *testing.T) {
	pool := selectorPool()
	pool.Prizes = pool.Prizes[:3] // no fallback prize configured at all
	_, err := SelectPrize(types.TierFallback, pool, nil, &scriptedSource{points: []uint64{0}})
	if !types.HasCode(err, types.CodeConfigViolation) {
		t.Fatalf("err = %v, want CONFIG_VIOLATION", err)
	}
}

func TestSamplePrizeWeightBuckets(t *testing.T) {
	a := types.Prize{ID: uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"), WinWeight: 30}
	b := types.Prize{ID: uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000002"), WinWeight: 70}
	eligible := []types.Prize{a, b}

	if got := samplePrize(eligible, &scriptedSource{points: []uint64{29}}); got.ID != a.ID {
		t.Fatalf("point 29 picked %s", got.ID)
	}
	if got := samplePrize(eligible, &scriptedSource{points: []uint64{30}}); got.ID != b.ID {
		t.Fatalf("point 30 picked %s", got.ID)
	}
}

func TestSamplePrizeAllZeroWeightsPicksFirstByID(t *testing.T) {
	pool := selectorPool()
	for i := range pool.Prizes {
		pool.Prizes[i].Tier = types.TierHigh
		pool.Prizes[i].WinWeight = 0
	}
	sel, err := SelectPrize(types.TierHigh, pool, nil, NewSeededSource(7))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Prize == nil || sel.Prize.ID.String() != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("prize = %+v, want lowest id", sel.Prize)
	}
}
