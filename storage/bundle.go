package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fortuna/config"
	"fortuna/core/types"
)

// ApplyBundle creates or updates a campaign and its satellite configuration
// from one operator bundle, atomically. Prizes match existing rows by name
// so re-applying a bundle updates weights and stock instead of duplicating;
// budgets of existing campaigns are deliberately untouched (updateBudget is
// the audited path for moving money).
func (s *Store) ApplyBundle(ctx context.Context, bundle *config.CampaignBundle, createdBy string) (*types.Campaign, error) {
	if err := bundle.Validate(); err != nil {
		return nil, types.WrapError(types.CodeConfigViolation, err, "bundle rejected")
	}
	var applied types.Campaign
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		campaign, err := bundleCampaignTx(tx, bundle, now)
		if err != nil {
			return err
		}
		prizeIDs, err := bundlePrizesTx(tx, campaign.ID, bundle.Prizes, now)
		if err != nil {
			return err
		}
		if err := bundleGuaranteeTx(tx, campaign, bundle.Campaign.Guarantee, prizeIDs); err != nil {
			return err
		}
		if err := bundleTierRulesTx(tx, campaign.ID, bundle.TierRules, now); err != nil {
			return err
		}
		if err := bundleQuotaRulesTx(tx, campaign.ID, bundle.QuotaRules, now); err != nil {
			return err
		}
		if bundle.Pricing != nil {
			if err := bundlePricingTx(tx, campaign.ID, *bundle.Pricing, createdBy, now); err != nil {
				return err
			}
		}
		applied = *campaign
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &applied, nil
}

func bundleCampaignTx(tx *gorm.DB, bundle *config.CampaignBundle, now time.Time) (*types.Campaign, error) {
	var campaign types.Campaign
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&campaign, "code = ?", bundle.Campaign.Code).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		campaign = types.Campaign{
			ID:              uuid.New(),
			Code:            bundle.Campaign.Code,
			Name:            bundle.Campaign.Name,
			Status:          types.CampaignDraft,
			BudgetMode:      types.BudgetMode(bundle.Campaign.BudgetMode),
			TotalBudget:     bundle.Campaign.TotalBudget,
			RemainingBudget: bundle.Campaign.TotalBudget,
			StartsAt:        bundle.Campaign.StartsAt,
			EndsAt:          bundle.Campaign.EndsAt,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.Create(&campaign).Error; err != nil {
			return nil, wrapStore(err, "create campaign %s", campaign.Code)
		}
		return &campaign, nil
	case err != nil:
		return nil, wrapStore(err, "load campaign %s", bundle.Campaign.Code)
	}
	campaign.Name = bundle.Campaign.Name
	campaign.StartsAt = bundle.Campaign.StartsAt
	campaign.EndsAt = bundle.Campaign.EndsAt
	campaign.UpdatedAt = now
	if err := tx.Save(&campaign).Error; err != nil {
		return nil, wrapStore(err, "update campaign %s", campaign.Code)
	}
	return &campaign, nil
}

func bundlePrizesTx(tx *gorm.DB, campaignID uuid.UUID, prizes []config.BundlePrize, now time.Time) (map[string]uuid.UUID, error) {
	existing, err := PrizesTx(tx, campaignID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]uuid.UUID, len(existing))
	for _, prize := range existing {
		byName[prize.Name] = prize.ID
	}
	ids := make(map[string]uuid.UUID, len(prizes))
	for _, entry := range prizes {
		prize := types.Prize{
			ID:          byName[entry.Name],
			CampaignID:  campaignID,
			Name:        entry.Name,
			Tier:        types.Tier(entry.Tier),
			WinWeight:   entry.WinWeight,
			ValuePoints: entry.ValuePoints,
			Stock:       entry.Stock,
			DayCap:      entry.DayCap,
			Status:      types.PrizeActive,
			UpdatedAt:   now,
		}
		if prize.ID == uuid.Nil {
			prize.ID = uuid.New()
			prize.CreatedAt = now
		}
		if err := tx.Save(&prize).Error; err != nil {
			return nil, wrapStore(err, "apply prize %s", entry.Name)
		}
		ids[entry.Name] = prize.ID
	}
	return ids, nil
}

func bundleGuaranteeTx(tx *gorm.DB, campaign *types.Campaign, guarantee *config.BundleGuarantee, prizeIDs map[string]uuid.UUID) error {
	block := types.GuaranteeBlock{}
	if guarantee != nil && guarantee.Enabled {
		block.Enabled = true
		block.ThresholdDraws = guarantee.ThresholdDraws
		block.GuaranteeTier = types.Tier(guarantee.GuaranteeTier)
		if guarantee.PrizeName != "" {
			id, ok := prizeIDs[guarantee.PrizeName]
			if !ok {
				return types.NewError(types.CodeGuaranteeMisconfigured, "guarantee prize %q not applied", guarantee.PrizeName)
			}
			block.PrizeID = &id
		}
	}
	campaign.Guarantee = block
	if err := tx.Model(&types.Campaign{}).Where("id = ?", campaign.ID).Update("guarantee", block).Error; err != nil {
		return wrapStore(err, "apply guarantee for %s", campaign.Code)
	}
	return nil
}

func bundleTierRulesTx(tx *gorm.DB, campaignID uuid.UUID, rules []config.BundleTierRule, now time.Time) error {
	if len(rules) == 0 {
		return nil
	}
	segments := make(map[string]struct{})
	for _, rule := range rules {
		segments[rule.SegmentKey] = struct{}{}
	}
	for segment := range segments {
		if err := tx.Where("campaign_id = ? AND segment_key = ?", campaignID, segment).
			Delete(&types.TierRule{}).Error; err != nil {
			return wrapStore(err, "clear tier rules for campaign %s", campaignID)
		}
	}
	for _, entry := range rules {
		rule := types.TierRule{
			ID:         uuid.New(),
			CampaignID: campaignID,
			SegmentKey: entry.SegmentKey,
			Tier:       types.Tier(entry.Tier),
			TierWeight: entry.WeightPpm,
			Priority:   entry.Priority,
			CreatedAt:  now,
		}
		if err := tx.Create(&rule).Error; err != nil {
			return wrapStore(err, "apply tier rule %s/%s", entry.SegmentKey, entry.Tier)
		}
	}
	return nil
}

func bundleQuotaRulesTx(tx *gorm.DB, campaignID uuid.UUID, rules []config.BundleQuotaRule, now time.Time) error {
	for _, entry := range rules {
		subject := entry.Subject
		if entry.Scope == string(types.QuotaCampaign) {
			subject = campaignID.String()
		}
		var rule types.QuotaRule
		err := tx.Where("scope = ? AND subject = ?", entry.Scope, subject).First(&rule).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rule = types.QuotaRule{ID: uuid.New(), CreatedAt: now}
		case err != nil:
			return wrapStore(err, "load quota rule %s/%s", entry.Scope, subject)
		}
		rule.Scope = types.QuotaScope(entry.Scope)
		rule.Subject = subject
		rule.DailyLimit = entry.DailyLimit
		rule.Priority = entry.Priority
		rule.Enabled = true
		rule.UpdatedAt = now
		if err := tx.Save(&rule).Error; err != nil {
			return wrapStore(err, "apply quota rule %s/%s", entry.Scope, subject)
		}
	}
	return nil
}

// bundlePricingTx records the bundle's pricing as the next version. The
// first version of a campaign activates immediately; later versions stay
// draft so activation remains an explicit, audited step.
func bundlePricingTx(tx *gorm.DB, campaignID uuid.UUID, pricing config.BundlePricing, createdBy string, now time.Time) error {
	next := types.Pricing{
		SingleCost:         pricing.SingleCost,
		Multi10Cost:        pricing.Multi10Cost,
		Multi10DiscountPpm: pricing.Multi10DiscountPpm,
	}
	if next.SingleCost <= 0 || next.Multi10Cost <= 0 {
		return types.NewError(types.CodeConfigViolation, "pricing costs must be positive")
	}
	var last types.PricingVersion
	version := int64(1)
	hasVersions := true
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("campaign_id = ?", campaignID).
		Order("version DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		hasVersions = false
	} else if err != nil {
		return wrapStore(err, "load pricing for campaign %s", campaignID)
	} else {
		if last.Pricing == next {
			return nil
		}
		version = last.Version + 1
	}
	status := types.PricingDraft
	var effective *time.Time
	if !hasVersions {
		status = types.PricingActive
		effective = &now
	}
	record := types.PricingVersion{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		Version:     version,
		Status:      status,
		Pricing:     next,
		EffectiveAt: effective,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.Create(&record).Error; err != nil {
		return wrapStore(err, "create pricing version %d", version)
	}
	return nil
}
