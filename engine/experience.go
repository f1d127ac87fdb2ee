package engine

import (
	"time"

	"fortuna/core/types"
)

// ApplyDrawOutcome folds one committed decision into the per-campaign
// counters. Rule order matters: the cooldown decrement applies to the value
// the corrections observed, so a cooldown armed by this same draw survives
// the commit intact.
func ApplyDrawOutcome(state *types.UserExperienceState, tier types.Tier, pityFired bool, p Params, now time.Time) {
	cooling := state.AntiHighCooldown > 0

	state.TotalDraws++
	if tier.Empty() {
		state.EmptyStreak++
		state.TotalEmpties++
		state.RecentHighCount = 0
	} else {
		state.EmptyStreak = 0
		if tier == types.TierHigh {
			state.RecentHighCount++
		} else {
			state.RecentHighCount = 0
		}
	}

	if cooling {
		state.AntiHighCooldown--
	}

	if pityFired {
		state.PityTriggerCount++
		state.EmptyStreak = 0
	}

	if p.AntiHighThreshold > 0 && state.RecentHighCount >= p.AntiHighThreshold {
		state.AntiHighCooldown = p.AntiHighCooldown
		state.RecentHighCount = 0
	}

	state.UpdatedAt = now
}

// ApplyGlobalOutcome advances the cross-campaign luck state: an EMA over the
// empty indicator and the derived high-tier multiplier. Everything stays in
// integer ppm.
func ApplyGlobalOutcome(global *types.UserGlobalState, tier types.Tier, p LuckDebtParams, now time.Time) {
	outcome := int64(0)
	if tier.Empty() {
		outcome = Ppm
	}
	global.EmptyRateEMAPpm = mulDivRound(
		p.AlphaPpm*outcome+(Ppm-p.AlphaPpm)*global.EmptyRateEMAPpm, 1, Ppm)

	excess := global.EmptyRateEMAPpm - p.TargetPpm
	if excess < 0 {
		excess = 0
	}
	bump := mulDivRound(p.GainPpm, excess, Ppm)
	global.LuckDebtMultiplierPpm = ClampPpm(Ppm+bump, Ppm, p.MaxPpm)

	global.TotalDraws++
	if tier == types.TierHigh {
		global.TotalHighWins++
	}
	global.UpdatedAt = now
}
