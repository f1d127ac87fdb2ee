package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fortuna/core/types"
)

// CreatePricingVersion appends the next draft version of a campaign's
// pricing. Versions are monotonic per campaign and never reused.
func (s *Store) CreatePricingVersion(ctx context.Context, campaignID uuid.UUID, pricing types.Pricing, createdBy string) (*types.PricingVersion, error) {
	if pricing.SingleCost <= 0 || pricing.Multi10Cost <= 0 {
		return nil, types.NewError(types.CodeConfigViolation, "pricing costs must be positive")
	}
	var version types.PricingVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&types.Campaign{}, "id = ?", campaignID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewError(types.CodeCampaignNotFound, "campaign %s", campaignID)
			}
			return wrapStore(err, "load campaign %s", campaignID)
		}
		var latest types.PricingVersion
		next := int64(1)
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("campaign_id = ?", campaignID).
			Order("version DESC").
			First(&latest).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return wrapStore(err, "load latest pricing for %s", campaignID)
		default:
			next = latest.Version + 1
		}
		version = types.PricingVersion{
			ID:         uuid.New(),
			CampaignID: campaignID,
			Version:    next,
			Status:     types.PricingDraft,
			Pricing:    pricing,
			CreatedBy:  createdBy,
		}
		if err := tx.Create(&version).Error; err != nil {
			return wrapStore(err, "create pricing version %d for %s", next, campaignID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &version, nil
}

// ActivatePricingVersion atomically archives the currently active version
// and activates the target. Concurrent activations serialize on the row
// locks; losers observe the winner's state and either no-op (same target) or
// proceed against it.
func (s *Store) ActivatePricingVersion(ctx context.Context, campaignID uuid.UUID, version int64) (*types.PricingVersion, error) {
	var target types.PricingVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return activateVersionTx(tx, campaignID, version, &target)
	})
	if err != nil {
		return nil, err
	}
	return &target, nil
}

func activateVersionTx(tx *gorm.DB, campaignID uuid.UUID, version int64, target *types.PricingVersion) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("campaign_id = ? AND version = ?", campaignID, version).
		First(target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewError(types.CodeConfigViolation,
			"pricing version %d not found for campaign %s", version, campaignID)
	}
	if err != nil {
		return wrapStore(err, "lock pricing version %d", version)
	}
	if target.Status == types.PricingActive {
		// Already active: a concurrent activation won with the same target.
		return nil
	}
	if target.Status == types.PricingArchived {
		return types.NewError(types.CodeConfigViolation,
			"pricing version %d for campaign %s is archived", version, campaignID)
	}
	now := time.Now().UTC()
	if err := tx.Model(&types.PricingVersion{}).
		Where("campaign_id = ? AND status = ?", campaignID, types.PricingActive).
		Updates(map[string]interface{}{"status": types.PricingArchived, "expired_at": now}).Error; err != nil {
		return wrapStore(err, "archive active pricing for %s", campaignID)
	}
	res := tx.Model(&types.PricingVersion{}).
		Where("id = ? AND status <> ?", target.ID, types.PricingArchived).
		Updates(map[string]interface{}{"status": types.PricingActive, "effective_at": now})
	if res.Error != nil {
		return wrapStore(res.Error, "activate pricing version %d", version)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.CodeConfigViolation,
			"pricing version %d for campaign %s was archived concurrently", version, campaignID)
	}
	target.Status = types.PricingActive
	target.EffectiveAt = &now
	return nil
}

// SchedulePricingActivation marks a draft version for automatic activation
// at a future instant. The scheduler promotes it once due.
func (s *Store) SchedulePricingActivation(ctx context.Context, campaignID uuid.UUID, version int64, effectiveAt time.Time) (*types.PricingVersion, error) {
	if !effectiveAt.After(time.Now()) {
		return nil, types.NewError(types.CodeConfigViolation, "effective_at must be in the future")
	}
	var target types.PricingVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("campaign_id = ? AND version = ?", campaignID, version).
			First(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.NewError(types.CodeConfigViolation,
				"pricing version %d not found for campaign %s", version, campaignID)
		}
		if err != nil {
			return wrapStore(err, "lock pricing version %d", version)
		}
		if target.Status != types.PricingDraft && target.Status != types.PricingScheduled {
			return types.NewError(types.CodeConfigViolation,
				"pricing version %d is %s, only drafts can be scheduled", version, target.Status)
		}
		at := effectiveAt.UTC()
		if err := tx.Model(&types.PricingVersion{}).
			Where("id = ?", target.ID).
			Updates(map[string]interface{}{"status": types.PricingScheduled, "effective_at": at}).Error; err != nil {
			return wrapStore(err, "schedule pricing version %d", version)
		}
		target.Status = types.PricingScheduled
		target.EffectiveAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &target, nil
}

// RollbackPricing copies an earlier version's pricing into a new version
// carrying rollback audit metadata and activates it in the same transaction.
func (s *Store) RollbackPricing(ctx context.Context, campaignID uuid.UUID, version int64, createdBy string) (*types.PricingVersion, error) {
	var replacement types.PricingVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var source types.PricingVersion
		err := tx.Where("campaign_id = ? AND version = ?", campaignID, version).First(&source).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.NewError(types.CodeConfigViolation,
				"pricing version %d not found for campaign %s", version, campaignID)
		}
		if err != nil {
			return wrapStore(err, "load pricing version %d", version)
		}
		var latest types.PricingVersion
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("campaign_id = ?", campaignID).
			Order("version DESC").
			First(&latest).Error; err != nil {
			return wrapStore(err, "load latest pricing for %s", campaignID)
		}
		rollbackOf := source.Version
		replacement = types.PricingVersion{
			ID:         uuid.New(),
			CampaignID: campaignID,
			Version:    latest.Version + 1,
			Status:     types.PricingDraft,
			Pricing:    source.Pricing,
			CreatedBy:  createdBy,
			RollbackOf: &rollbackOf,
		}
		if err := tx.Create(&replacement).Error; err != nil {
			return wrapStore(err, "create rollback version for %s", campaignID)
		}
		return activateVersionTx(tx, campaignID, replacement.Version, &replacement)
	})
	if err != nil {
		return nil, err
	}
	return &replacement, nil
}

// ActivePricing returns the campaign's single active version.
func (s *Store) ActivePricing(ctx context.Context, campaignID uuid.UUID) (*types.PricingVersion, error) {
	var version types.PricingVersion
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, types.PricingActive).
		First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.CodeNoActivePricing, "campaign %s has no active pricing", campaignID)
	}
	if err != nil {
		return nil, wrapStore(err, "load active pricing for %s", campaignID)
	}
	return &version, nil
}

// ListPricingVersions returns all versions of a campaign, newest first.
func (s *Store) ListPricingVersions(ctx context.Context, campaignID uuid.UUID) ([]types.PricingVersion, error) {
	var versions []types.PricingVersion
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("version DESC").
		Find(&versions).Error
	if err != nil {
		return nil, wrapStore(err, "list pricing versions for %s", campaignID)
	}
	return versions, nil
}

// PromoteScheduledPricing activates every scheduled version whose
// effective_at has passed. Returns the number of promotions.
func (s *Store) PromoteScheduledPricing(ctx context.Context, now time.Time) (int, error) {
	var due []types.PricingVersion
	err := s.db.WithContext(ctx).
		Where("status = ? AND effective_at <= ?", types.PricingScheduled, now.UTC()).
		Order("effective_at").
		Find(&due).Error
	if err != nil {
		return 0, wrapStore(err, "load scheduled pricing")
	}
	promoted := 0
	for _, version := range due {
		v := version
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return activateVersionTx(tx, v.CampaignID, v.Version, &v)
		})
		if err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}
