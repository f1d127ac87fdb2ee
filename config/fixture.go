package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// CampaignBundle is the operator-facing TOML document lotteryctl applies to
// seed or update a campaign: the campaign itself, its initial pricing, its
// prize table, tier rules, and quota rules in one reviewable file.
type CampaignBundle struct {
	Campaign   BundleCampaign    `toml:"campaign" json:"campaign"`
	Pricing    *BundlePricing    `toml:"pricing" json:"pricing"`
	Prizes     []BundlePrize     `toml:"prizes" json:"prizes"`
	TierRules  []BundleTierRule  `toml:"tier_rules" json:"tier_rules"`
	QuotaRules []BundleQuotaRule `toml:"quota_rules" json:"quota_rules"`
}

// BundleCampaign mirrors the campaign row.
type BundleCampaign struct {
	Code        string           `toml:"code" json:"code"`
	Name        string           `toml:"name" json:"name"`
	BudgetMode  string           `toml:"budget_mode" json:"budget_mode"`
	TotalBudget int64            `toml:"total_budget" json:"total_budget"`
	StartsAt    time.Time        `toml:"starts_at" json:"starts_at"`
	EndsAt      time.Time        `toml:"ends_at" json:"ends_at"`
	Guarantee   *BundleGuarantee `toml:"guarantee" json:"guarantee"`
}

// BundleGuarantee mirrors the campaign guarantee block.
type BundleGuarantee struct {
	Enabled        bool   `toml:"enabled" json:"enabled"`
	ThresholdDraws int64  `toml:"threshold_draws" json:"threshold_draws"`
	GuaranteeTier  string `toml:"guarantee_tier" json:"guarantee_tier"`
	PrizeName      string `toml:"prize_name" json:"prize_name"`
}

// BundlePricing mirrors the initial pricing version.
type BundlePricing struct {
	SingleCost         int64 `toml:"single_cost" json:"single_cost"`
	Multi10Cost        int64 `toml:"multi_10_cost" json:"multi_10_cost"`
	Multi10DiscountPpm int64 `toml:"multi_10_discount_ppm" json:"multi_10_discount_ppm"`
}

// BundlePrize mirrors one prize row. Stock and DayCap are omitted for
// unlimited prizes.
type BundlePrize struct {
	Name        string `toml:"name" json:"name"`
	Tier        string `toml:"tier" json:"tier"`
	WinWeight   int64  `toml:"win_weight" json:"win_weight"`
	ValuePoints int64  `toml:"value_points" json:"value_points"`
	Stock       *int64 `toml:"stock" json:"stock"`
	DayCap      *int64 `toml:"day_cap" json:"day_cap"`
}

// BundleTierRule mirrors one tier weight row.
type BundleTierRule struct {
	SegmentKey string `toml:"segment_key" json:"segment_key"`
	Tier       string `toml:"tier" json:"tier"`
	WeightPpm  int64  `toml:"weight_ppm" json:"weight_ppm"`
	Priority   int64  `toml:"priority" json:"priority"`
}

// BundleQuotaRule mirrors one quota rule row.
type BundleQuotaRule struct {
	Scope      string `toml:"scope" json:"scope"`
	Subject    string `toml:"subject" json:"subject"`
	DailyLimit int64  `toml:"daily_limit" json:"daily_limit"`
	Priority   int64  `toml:"priority" json:"priority"`
}

// LoadBundle parses and validates a campaign bundle.
func LoadBundle(path string) (*CampaignBundle, error) {
	bundle := &CampaignBundle{}
	if _, err := toml.DecodeFile(path, bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	return bundle, nil
}

// Validate rejects bundles that would violate campaign invariants once
// applied: a missing fallback prize, negative weights, or oversubscribed
// tier weights.
func (b *CampaignBundle) Validate() error {
	if strings.TrimSpace(b.Campaign.Code) == "" {
		return fmt.Errorf("bundle: campaign code required")
	}
	switch b.Campaign.BudgetMode {
	case "unlimited", "budget_pool":
	default:
		return fmt.Errorf("bundle: budget_mode %q not supported", b.Campaign.BudgetMode)
	}
	if b.Campaign.BudgetMode == "budget_pool" && b.Campaign.TotalBudget <= 0 {
		return fmt.Errorf("bundle: budget_pool campaigns need a positive total_budget")
	}
	if !b.Campaign.EndsAt.IsZero() && !b.Campaign.EndsAt.After(b.Campaign.StartsAt) {
		return fmt.Errorf("bundle: ends_at must follow starts_at")
	}
	fallbackSeen := false
	names := make(map[string]struct{}, len(b.Prizes))
	for i, prize := range b.Prizes {
		if strings.TrimSpace(prize.Name) == "" {
			return fmt.Errorf("bundle: prize %d has no name", i)
		}
		if _, dup := names[prize.Name]; dup {
			return fmt.Errorf("bundle: duplicate prize name %q", prize.Name)
		}
		names[prize.Name] = struct{}{}
		if !validTierName(prize.Tier) {
			return fmt.Errorf("bundle: prize %q has unknown tier %q", prize.Name, prize.Tier)
		}
		if prize.WinWeight < 0 {
			return fmt.Errorf("bundle: prize %q has negative weight", prize.Name)
		}
		if prize.Stock != nil && *prize.Stock < 0 {
			return fmt.Errorf("bundle: prize %q has negative stock", prize.Name)
		}
		if prize.Tier == "fallback" {
			fallbackSeen = true
		}
	}
	if len(b.Prizes) > 0 && !fallbackSeen {
		return fmt.Errorf("bundle: at least one fallback prize is required")
	}
	segmentTotals := make(map[string]int64)
	for _, rule := range b.TierRules {
		if !validTierName(rule.Tier) {
			return fmt.Errorf("bundle: tier rule references unknown tier %q", rule.Tier)
		}
		if rule.WeightPpm < 0 {
			return fmt.Errorf("bundle: tier %q weight cannot be negative", rule.Tier)
		}
		segmentTotals[rule.SegmentKey] += rule.WeightPpm
	}
	for segment, total := range segmentTotals {
		if total > 1_000_000 {
			return fmt.Errorf("bundle: segment %q tier weights sum to %d ppm (over 1000000)", segment, total)
		}
	}
	for _, rule := range b.QuotaRules {
		switch rule.Scope {
		case "global", "campaign", "role", "user":
		default:
			return fmt.Errorf("bundle: quota scope %q not supported", rule.Scope)
		}
		if rule.DailyLimit <= 0 {
			return fmt.Errorf("bundle: quota rules need a positive daily_limit")
		}
	}
	if g := b.Campaign.Guarantee; g != nil && g.Enabled {
		if g.ThresholdDraws <= 0 {
			return fmt.Errorf("bundle: guarantee threshold_draws must be positive")
		}
		if g.GuaranteeTier != "" && !validTierName(g.GuaranteeTier) {
			return fmt.Errorf("bundle: guarantee tier %q unknown", g.GuaranteeTier)
		}
		if g.PrizeName != "" {
			if _, ok := names[g.PrizeName]; !ok {
				return fmt.Errorf("bundle: guarantee prize %q not in prize list", g.PrizeName)
			}
		}
	}
	return nil
}

func validTierName(name string) bool {
	switch name {
	case "high", "mid", "low", "fallback":
		return true
	default:
		return false
	}
}
