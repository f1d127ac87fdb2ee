package engine

import (
	"github.com/google/uuid"

	"fortuna/core/types"
)

// Params carries the system-wide correction knobs. Campaign-declared pieces
// (the guarantee block) live on the campaign itself.
type Params struct {
	PityThreshold        int64
	AntiEmptyThreshold   int64
	AntiEmptyFallbackPpm int64
	AntiEmptyBoostPpm    int64
	AntiHighThreshold    int64
	AntiHighCooldown     int64
	AntiHighFactorPpm    int64
	LuckDebt             LuckDebtParams
}

// LuckDebtParams tunes the slow per-user EMA that raises high-tier odds for
// historically unlucky users.
type LuckDebtParams struct {
	AlphaPpm  int64
	TargetPpm int64
	GainPpm   int64
	MaxPpm    int64
}

// DefaultParams returns the stock correction tuning.
func DefaultParams() Params {
	return Params{
		PityThreshold:        10,
		AntiEmptyThreshold:   5,
		AntiEmptyFallbackPpm: 500_000,
		AntiEmptyBoostPpm:    1_500_000,
		AntiHighThreshold:    2,
		AntiHighCooldown:     3,
		AntiHighFactorPpm:    200_000,
		LuckDebt: LuckDebtParams{
			AlphaPpm:  100_000,
			TargetPpm: 600_000,
			GainPpm:   2_000_000,
			MaxPpm:    2_000_000,
		},
	}
}

// Override pins the selected tier (and optionally the prize) and
// short-circuits sampling.
type Override struct {
	Module   string
	Tier     types.Tier
	PrizeID  *uuid.UUID
	Pipeline types.PipelineType
}

// Adjustment multiplies one tier's weight by a ppm factor.
type Adjustment struct {
	Tier types.Tier
	Ppm  int64
}

// Outcome is what one correction produces: at most one of Override or
// Adjustments, plus the audit trace.
type Outcome struct {
	Override    *Override
	Adjustments []Adjustment
	Trace       types.CorrectionTrace
}

// EvalContext is the read-only view a correction sees.
type EvalContext struct {
	Campaign  *types.Campaign
	State     *types.UserExperienceState
	Global    *types.UserGlobalState
	Snapshot  Snapshot
	Params    Params
	Directive *types.AdminDirective
	PrizeByID map[uuid.UUID]*types.Prize
}

// Module evaluates one correction. Implementations are pure: they never
// mutate state or touch storage.
type Module interface {
	Name() string
	Evaluate(ctx *EvalContext) (Outcome, error)
}

// Modules returns the correction stack in its fixed evaluation order. The
// admin directive outranks everything; the remaining order is
// Guarantee, Pity, AntiEmpty, AntiHigh, LuckDebt.
func Modules() []Module {
	return []Module{
		adminIntent{},
		guarantee{},
		pity{},
		antiEmpty{},
		antiHigh{},
		luckDebt{},
	}
}

// BaseWeights folds segment tier rules into the sampler's starting weights.
// Rules arrive highest priority first; the first rule per tier wins. The
// pressure cell's empty-weight multiplier lands on the fallback tier here so
// every downstream adjustment sees the hardened base.
func BaseWeights(rules []types.TierRule, cell Cell) Weights {
	var w Weights
	seen := make(map[types.Tier]bool, 4)
	for _, rule := range rules {
		if !rule.Tier.Valid() || seen[rule.Tier] {
			continue
		}
		seen[rule.Tier] = true
		w.Set(rule.Tier, rule.TierWeight)
	}
	if cell.EmptyWeightPpm > 0 {
		w.Scale(types.TierFallback, cell.EmptyWeightPpm)
	}
	return w
}

// EvaluateCorrections runs the module stack in order. The first override
// wins; later modules still contribute traces. Per-tier adjustment
// multipliers compose multiplicatively and are clamped into
// [0, cell cap] before they touch the weights.
func EvaluateCorrections(ctx *EvalContext, base Weights) (*Override, Weights, types.CorrectionTraces, []string, error) {
	var override *Override
	multipliers := make(map[types.Tier]int64, 4)
	traces := make(types.CorrectionTraces, 0, 6)
	var triggered []string
	for _, module := range Modules() {
		outcome, err := module.Evaluate(ctx)
		if err != nil {
			return nil, Weights{}, nil, nil, err
		}
		traces = append(traces, outcome.Trace)
		if outcome.Trace.Triggered {
			triggered = append(triggered, module.Name())
		}
		if outcome.Override != nil && override == nil {
			override = outcome.Override
		}
		for _, adj := range outcome.Adjustments {
			current, ok := multipliers[adj.Tier]
			if !ok {
				current = Ppm
			}
			multipliers[adj.Tier] = ComposePpm(current, adj.Ppm)
		}
	}
	adjusted := base
	capPpm := ctx.Snapshot.Cell.CapPpm
	if capPpm <= 0 {
		capPpm = Ppm
	}
	for tier, multiplier := range multipliers {
		adjusted.Scale(tier, ClampPpm(multiplier, 0, capPpm))
	}
	return override, adjusted, traces, triggered, nil
}

type adminIntent struct{}

func (adminIntent) Name() string { return "admin_intent" }

func (adminIntent) Evaluate(ctx *EvalContext) (Outcome, error) {
	trace := types.CorrectionTrace{Module: "admin_intent"}
	if ctx.Directive == nil {
		return Outcome{Trace: trace}, nil
	}
	trace.Triggered = true
	trace.Note = "forced by " + ctx.Directive.CreatedBy
	return Outcome{
		Override: &Override{
			Module:   "admin_intent",
			Tier:     ctx.Directive.Tier,
			PrizeID:  ctx.Directive.PrizeID,
			Pipeline: types.PipelineAdmin,
		},
		Trace: trace,
	}, nil
}

type guarantee struct{}

func (guarantee) Name() string { return "guarantee" }

func (guarantee) Evaluate(ctx *EvalContext) (Outcome, error) {
	block := ctx.Campaign.Guarantee
	trace := types.CorrectionTrace{
		Module: "guarantee",
		Inputs: map[string]int64{"empty_streak": ctx.State.EmptyStreak},
	}
	if !block.Enabled {
		return Outcome{Trace: trace}, nil
	}
	tier, err := guaranteeTier(ctx.Campaign, ctx.PrizeByID)
	if err != nil {
		return Outcome{}, err
	}
	trace.Inputs["threshold_draws"] = block.ThresholdDraws
	// Fires when this draw would reach the threshold if it came up empty.
	if ctx.State.EmptyStreak+1 < block.ThresholdDraws {
		return Outcome{Trace: trace}, nil
	}
	trace.Triggered = true
	return Outcome{
		Override: &Override{
			Module:   "guarantee",
			Tier:     tier,
			PrizeID:  block.PrizeID,
			Pipeline: types.PipelineGuarantee,
		},
		Trace: trace,
	}, nil
}

// guaranteeTier validates an enabled guarantee block and resolves the tier it
// pins. Shared between the guarantee module and the executor's pre-debit
// check, so a broken block is reported identically on both paths.
func guaranteeTier(campaign *types.Campaign, prizeByID map[uuid.UUID]*types.Prize) (types.Tier, error) {
	block := campaign.Guarantee
	if block.ThresholdDraws <= 0 {
		return "", types.NewError(types.CodeGuaranteeMisconfigured,
			"campaign %s guarantee threshold %d", campaign.Code, block.ThresholdDraws)
	}
	tier := block.GuaranteeTier
	if block.PrizeID != nil {
		prize, ok := prizeByID[*block.PrizeID]
		if !ok || prize.Status != types.PrizeActive {
			return "", types.NewError(types.CodeGuaranteeMisconfigured,
				"campaign %s guarantee prize %s unavailable", campaign.Code, block.PrizeID)
		}
		tier = prize.Tier
	}
	if !tier.Valid() {
		return "", types.NewError(types.CodeGuaranteeMisconfigured,
			"campaign %s guarantee tier %q", campaign.Code, tier)
	}
	return tier, nil
}

type pity struct{}

func (pity) Name() string { return "pity" }

func (pity) Evaluate(ctx *EvalContext) (Outcome, error) {
	trace := types.CorrectionTrace{
		Module: "pity",
		Inputs: map[string]int64{
			"empty_streak": ctx.State.EmptyStreak,
			"threshold":    ctx.Params.PityThreshold,
		},
	}
	if ctx.Params.PityThreshold <= 0 || ctx.State.EmptyStreak < ctx.Params.PityThreshold {
		return Outcome{Trace: trace}, nil
	}
	tier := types.TierHigh
	if ctx.Campaign.Guarantee.Enabled && ctx.Campaign.Guarantee.GuaranteeTier.Valid() {
		tier = ctx.Campaign.Guarantee.GuaranteeTier
	}
	trace.Triggered = true
	return Outcome{
		Override: &Override{Module: "pity", Tier: tier, Pipeline: types.PipelinePity},
		Trace:    trace,
	}, nil
}

type antiEmpty struct{}

func (antiEmpty) Name() string { return "anti_empty" }

func (antiEmpty) Evaluate(ctx *EvalContext) (Outcome, error) {
	trace := types.CorrectionTrace{
		Module: "anti_empty",
		Inputs: map[string]int64{
			"empty_streak": ctx.State.EmptyStreak,
			"threshold":    ctx.Params.AntiEmptyThreshold,
		},
	}
	if ctx.Params.AntiEmptyThreshold <= 0 || ctx.State.EmptyStreak < ctx.Params.AntiEmptyThreshold {
		return Outcome{Trace: trace}, nil
	}
	trace.Triggered = true
	trace.Outputs = map[string]int64{
		"fallback_ppm": ctx.Params.AntiEmptyFallbackPpm,
		"boost_ppm":    ctx.Params.AntiEmptyBoostPpm,
	}
	return Outcome{
		Adjustments: []Adjustment{
			{Tier: types.TierFallback, Ppm: ctx.Params.AntiEmptyFallbackPpm},
			{Tier: types.TierHigh, Ppm: ctx.Params.AntiEmptyBoostPpm},
			{Tier: types.TierMid, Ppm: ctx.Params.AntiEmptyBoostPpm},
		},
		Trace: trace,
	}, nil
}

type antiHigh struct{}

func (antiHigh) Name() string { return "anti_high" }

func (antiHigh) Evaluate(ctx *EvalContext) (Outcome, error) {
	trace := types.CorrectionTrace{
		Module: "anti_high",
		Inputs: map[string]int64{"cooldown": ctx.State.AntiHighCooldown},
	}
	if ctx.State.AntiHighCooldown <= 0 {
		return Outcome{Trace: trace}, nil
	}
	trace.Triggered = true
	trace.Outputs = map[string]int64{"high_ppm": ctx.Params.AntiHighFactorPpm}
	return Outcome{
		Adjustments: []Adjustment{{Tier: types.TierHigh, Ppm: ctx.Params.AntiHighFactorPpm}},
		Trace:       trace,
	}, nil
}

type luckDebt struct{}

func (luckDebt) Name() string { return "luck_debt" }

func (luckDebt) Evaluate(ctx *EvalContext) (Outcome, error) {
	multiplier := int64(Ppm)
	if ctx.Global != nil && ctx.Global.LuckDebtMultiplierPpm > Ppm {
		multiplier = ctx.Global.LuckDebtMultiplierPpm
	}
	trace := types.CorrectionTrace{
		Module: "luck_debt",
		Inputs: map[string]int64{"multiplier_ppm": multiplier},
	}
	if multiplier <= Ppm {
		return Outcome{Trace: trace}, nil
	}
	trace.Triggered = true
	trace.Outputs = map[string]int64{"high_ppm": multiplier}
	return Outcome{
		Adjustments: []Adjustment{{Tier: types.TierHigh, Ppm: multiplier}},
		Trace:       trace,
	}, nil
}
