package engine

import (
	"sort"

	"github.com/google/uuid"

	"fortuna/core/types"
)

// Candidates is the frozen prize pool one selection samples from. DayCounts
// and RemainingBudget reflect the executor's in-transaction view and evolve
// across the iterations of a multi-draw batch.
type Candidates struct {
	Prizes          []types.Prize
	DayCounts       map[uuid.UUID]int64
	RemainingBudget int64
	BudgetLimited   bool
}

// Selection is one sampled outcome. Prize is nil when every tier down to
// fallback was exhausted; the executor commits that as an explicit empty.
type Selection struct {
	RequestedTier types.Tier
	Tier          types.Tier
	Prize         *types.Prize
	Exhausted     bool
}

// SelectTier runs the cumulative-bucket draw over the adjusted weights. A
// zero total defaults to the fallback tier.
func SelectTier(w Weights, rng Source) types.Tier {
	total := w.Total()
	if total <= 0 {
		return types.TierFallback
	}
	point := int64(rng.Uint64n(uint64(total)))
	for _, tier := range tierOrder {
		weight := w.Get(tier)
		if weight <= 0 {
			continue
		}
		if point < weight {
			return tier
		}
		point -= weight
	}
	return types.TierFallback
}

// SelectPrize samples a prize starting at the requested tier, demoting
// high→mid→low→fallback while a tier has no eligible candidate. A fallback
// tier with no configured prize at all violates the campaign invariant;
// a fallback tier whose prizes are merely exhausted yields an empty
// Selection the caller commits as a degraded outcome.
func SelectPrize(requested types.Tier, c Candidates, excluded map[uuid.UUID]bool, rng Source) (Selection, error) {
	tier := requested
	for {
		eligible := c.eligible(tier, excluded)
		if len(eligible) > 0 {
			return Selection{
				RequestedTier: requested,
				Tier:          tier,
				Prize:         samplePrize(eligible, rng),
			}, nil
		}
		next, ok := tier.Demote()
		if !ok {
			if !c.hasConfigured(types.TierFallback) {
				return Selection{}, types.NewError(types.CodeConfigViolation,
					"campaign has no active fallback prize")
			}
			return Selection{RequestedTier: requested, Tier: types.TierFallback, Exhausted: true}, nil
		}
		tier = next
	}
}

// eligible filters the tier's prizes by status, stock, per-day cap, and
// affordability, sorted by id so equal inputs build equal buckets.
func (c Candidates) eligible(tier types.Tier, excluded map[uuid.UUID]bool) []types.Prize {
	out := make([]types.Prize, 0, len(c.Prizes))
	for _, prize := range c.Prizes {
		if prize.Tier != tier || prize.Status != types.PrizeActive {
			continue
		}
		if excluded[prize.ID] {
			continue
		}
		if prize.Stock != nil && *prize.Stock <= 0 {
			continue
		}
		if prize.DayCap != nil && c.DayCounts[prize.ID] >= *prize.DayCap {
			continue
		}
		if c.BudgetLimited && prize.ValuePoints > c.RemainingBudget {
			continue
		}
		out = append(out, prize)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// hasConfigured reports whether the tier stocks any active prize at all,
// ignoring stock, caps, and budget.
func (c Candidates) hasConfigured(tier types.Tier) bool {
	for _, prize := range c.Prizes {
		if prize.Tier == tier && prize.Status == types.PrizeActive {
			return true
		}
	}
	return false
}

// samplePrize draws from the win_weight buckets. With an all-zero weight
// set the lexicographically smallest id wins, keeping replays deterministic.
func samplePrize(eligible []types.Prize, rng Source) *types.Prize {
	var total int64
	for _, prize := range eligible {
		if prize.WinWeight > 0 {
			total += prize.WinWeight
		}
	}
	if total <= 0 {
		return &eligible[0]
	}
	point := int64(rng.Uint64n(uint64(total)))
	for i := range eligible {
		weight := eligible[i].WinWeight
		if weight <= 0 {
			continue
		}
		if point < weight {
			return &eligible[i]
		}
		point -= weight
	}
	return &eligible[len(eligible)-1]
}
