// Package storage is the relational authority for campaigns, pricing,
// prizes, draws, and user state. Hot counters live in the hotstore package;
// everything long-lived lands here.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"fortuna/core/types"
)

// Store wraps the gorm handle. All mutating draw-path writes run through
// Transaction so the executor owns the commit boundary.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured relational store and migrates the schema.
// Driver is "postgres" in production; "sqlite" keeps local development and
// tests self-contained.
func Open(driver, dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: dsn required")
	}
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(trimmed)
	case "sqlite":
		dialector = sqlite.Open(trimmed)
	default:
		return nil, fmt.Errorf("storage: driver %q not supported", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	return Wrap(db)
}

// Wrap adopts an existing gorm handle (tests) and migrates the schema.
func Wrap(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: nil database handle")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// AutoMigrate applies all schema migrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Campaign{},
		&types.PricingVersion{},
		&types.Prize{},
		&types.TierRule{},
		&types.QuotaRule{},
		&types.UserExperienceState{},
		&types.UserGlobalState{},
		&types.DrawRecord{},
		&types.DrawDecision{},
		&types.AdminDirective{},
		&types.HourlyMetric{},
		&types.OutboxEntry{},
	)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the raw handle for callers composing their own queries inside a
// transaction the store opened.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn inside one database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// wrapStore classifies a driver failure as transient so callers may retry.
func wrapStore(err error, format string, args ...interface{}) error {
	return types.WrapError(types.CodeTransientStore, err, format, args...)
}

// --- Campaigns ---

// CreateCampaign inserts a new campaign in draft status unless one is given.
func (s *Store) CreateCampaign(ctx context.Context, campaign *types.Campaign) error {
	if campaign.ID == uuid.Nil {
		campaign.ID = uuid.New()
	}
	if campaign.Status == "" {
		campaign.Status = types.CampaignDraft
	}
	if campaign.BudgetMode == types.BudgetPool && campaign.RemainingBudget == 0 {
		campaign.RemainingBudget = campaign.TotalBudget
	}
	if err := s.db.WithContext(ctx).Create(campaign).Error; err != nil {
		return wrapStore(err, "create campaign %s", campaign.Code)
	}
	return nil
}

// CampaignByID loads one campaign.
func (s *Store) CampaignByID(ctx context.Context, id uuid.UUID) (*types.Campaign, error) {
	var campaign types.Campaign
	err := s.db.WithContext(ctx).First(&campaign, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.CodeCampaignNotFound, "campaign %s", id)
	}
	if err != nil {
		return nil, wrapStore(err, "load campaign %s", id)
	}
	return &campaign, nil
}

// CampaignByCode loads one campaign by its human code.
func (s *Store) CampaignByCode(ctx context.Context, code string) (*types.Campaign, error) {
	var campaign types.Campaign
	err := s.db.WithContext(ctx).First(&campaign, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.CodeCampaignNotFound, "campaign %q", code)
	}
	if err != nil {
		return nil, wrapStore(err, "load campaign %q", code)
	}
	return &campaign, nil
}

// ListCampaigns returns campaigns ordered by creation time.
func (s *Store) ListCampaigns(ctx context.Context) ([]types.Campaign, error) {
	var campaigns []types.Campaign
	if err := s.db.WithContext(ctx).Order("created_at").Find(&campaigns).Error; err != nil {
		return nil, wrapStore(err, "list campaigns")
	}
	return campaigns, nil
}

// LockCampaignTx reloads a campaign under a row lock so the executor
// re-validates status and budget against the committed truth, not a cached
// snapshot.
func LockCampaignTx(tx *gorm.DB, id uuid.UUID) (*types.Campaign, error) {
	var campaign types.Campaign
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&campaign, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.CodeCampaignNotFound, "campaign %s", id)
	}
	if err != nil {
		return nil, wrapStore(err, "lock campaign %s", id)
	}
	return &campaign, nil
}

// SetCampaignStatus moves a campaign through its lifecycle.
func (s *Store) SetCampaignStatus(ctx context.Context, id uuid.UUID, status types.CampaignStatus) error {
	res := s.db.WithContext(ctx).Model(&types.Campaign{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return wrapStore(res.Error, "set campaign %s status", id)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.CodeCampaignNotFound, "campaign %s", id)
	}
	return nil
}

// UpdateCampaignBudget rewrites the budget envelope. Remaining budget moves
// by the same delta as the total so consumed spend is preserved.
func (s *Store) UpdateCampaignBudget(ctx context.Context, id uuid.UUID, totalBudget int64) (*types.Campaign, error) {
	var campaign types.Campaign
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&campaign, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewError(types.CodeCampaignNotFound, "campaign %s", id)
			}
			return wrapStore(err, "lock campaign %s", id)
		}
		delta := totalBudget - campaign.TotalBudget
		remaining := campaign.RemainingBudget + delta
		if remaining < 0 {
			return types.NewError(types.CodeConfigViolation,
				"campaign %s budget %d below consumed spend", campaign.Code, totalBudget)
		}
		campaign.TotalBudget = totalBudget
		campaign.RemainingBudget = remaining
		if err := tx.Model(&types.Campaign{}).Where("id = ?", id).Updates(map[string]interface{}{
			"total_budget":     totalBudget,
			"remaining_budget": remaining,
		}).Error; err != nil {
			return wrapStore(err, "update campaign %s budget", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

// ConsumeBudget atomically decrements a budget-pool campaign's remaining
// budget. It reports false when the pool cannot cover the amount, leaving
// the row untouched.
func ConsumeBudget(tx *gorm.DB, campaignID uuid.UUID, amount int64) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	res := tx.Model(&types.Campaign{}).
		Where("id = ? AND remaining_budget >= ?", campaignID, amount).
		Update("remaining_budget", gorm.Expr("remaining_budget - ?", amount))
	if res.Error != nil {
		return false, wrapStore(res.Error, "consume budget for campaign %s", campaignID)
	}
	return res.RowsAffected == 1, nil
}

// --- Prizes ---

// UpsertPrize inserts or rewrites one prize row.
func (s *Store) UpsertPrize(ctx context.Context, prize *types.Prize) error {
	if prize.ID == uuid.Nil {
		prize.ID = uuid.New()
	}
	if prize.Status == "" {
		prize.Status = types.PrizeActive
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(prize).Error
	if err != nil {
		return wrapStore(err, "upsert prize %s", prize.Name)
	}
	return nil
}

// PrizeByID loads one prize.
func (s *Store) PrizeByID(ctx context.Context, id uuid.UUID) (*types.Prize, error) {
	var prize types.Prize
	err := s.db.WithContext(ctx).First(&prize, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.CodeConfigViolation, "prize %s not found", id)
	}
	if err != nil {
		return nil, wrapStore(err, "load prize %s", id)
	}
	return &prize, nil
}

// PrizesByCampaign returns every prize of a campaign ordered by id so
// downstream sampling sees a stable candidate order.
func (s *Store) PrizesByCampaign(ctx context.Context, campaignID uuid.UUID) ([]types.Prize, error) {
	var prizes []types.Prize
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("id").
		Find(&prizes).Error
	if err != nil {
		return nil, wrapStore(err, "load prizes for campaign %s", campaignID)
	}
	return prizes, nil
}

// PrizesTx reloads a campaign's prizes inside a transaction so the executor
// samples against committed stock, not the cached admission view.
func PrizesTx(tx *gorm.DB, campaignID uuid.UUID) ([]types.Prize, error) {
	var prizes []types.Prize
	err := tx.Where("campaign_id = ?", campaignID).Order("id").Find(&prizes).Error
	if err != nil {
		return nil, wrapStore(err, "load prizes for campaign %s", campaignID)
	}
	return prizes, nil
}

// DecrementStock takes one unit off a finite-stock prize. False means the
// stock raced to zero and the caller must demote.
func DecrementStock(tx *gorm.DB, prizeID uuid.UUID) (bool, error) {
	res := tx.Model(&types.Prize{}).
		Where("id = ? AND stock IS NOT NULL AND stock > 0", prizeID).
		Update("stock", gorm.Expr("stock - 1"))
	if res.Error != nil {
		return false, wrapStore(res.Error, "decrement stock for prize %s", prizeID)
	}
	return res.RowsAffected == 1, nil
}

// RestoreStock gives one unit back after a settlement that decremented stock
// and then lost the budget race. Only meaningful inside the same transaction.
func RestoreStock(tx *gorm.DB, prizeID uuid.UUID) error {
	err := tx.Model(&types.Prize{}).
		Where("id = ? AND stock IS NOT NULL", prizeID).
		Update("stock", gorm.Expr("stock + 1")).Error
	if err != nil {
		return wrapStore(err, "restore stock for prize %s", prizeID)
	}
	return nil
}

// --- Tier rules ---

// ReplaceTierRules swaps the full rule set of one campaign segment.
func (s *Store) ReplaceTierRules(ctx context.Context, campaignID uuid.UUID, segment string, rules []types.TierRule) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("campaign_id = ? AND segment_key = ?", campaignID, segment).
			Delete(&types.TierRule{}).Error; err != nil {
			return wrapStore(err, "clear tier rules for campaign %s", campaignID)
		}
		for i := range rules {
			rules[i].CampaignID = campaignID
			rules[i].SegmentKey = segment
			if rules[i].ID == uuid.Nil {
				rules[i].ID = uuid.New()
			}
			if err := tx.Create(&rules[i]).Error; err != nil {
				return wrapStore(err, "insert tier rule for campaign %s", campaignID)
			}
		}
		return nil
	})
}

// TierRulesForSegment returns the campaign's rules for the segment, falling
// back to the default (empty) segment when the segment has no rules.
func (s *Store) TierRulesForSegment(ctx context.Context, campaignID uuid.UUID, segment string) ([]types.TierRule, error) {
	var rules []types.TierRule
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND segment_key = ?", campaignID, segment).
		Order("priority DESC").
		Find(&rules).Error
	if err != nil {
		return nil, wrapStore(err, "load tier rules for campaign %s", campaignID)
	}
	if len(rules) == 0 && segment != "" {
		return s.TierRulesForSegment(ctx, campaignID, "")
	}
	return rules, nil
}

// --- Quota rules ---

// UpsertQuotaRule inserts or rewrites one quota rule.
func (s *Store) UpsertQuotaRule(ctx context.Context, rule *types.QuotaRule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(rule).Error
	if err != nil {
		return wrapStore(err, "upsert quota rule %s", rule.ID)
	}
	return nil
}

// ListQuotaRules returns every quota rule, enabled or not.
func (s *Store) ListQuotaRules(ctx context.Context) ([]types.QuotaRule, error) {
	var rules []types.QuotaRule
	if err := s.db.WithContext(ctx).Order("priority DESC, created_at").Find(&rules).Error; err != nil {
		return nil, wrapStore(err, "list quota rules")
	}
	return rules, nil
}

// EnabledQuotaRules returns the rules admission evaluates.
func (s *Store) EnabledQuotaRules(ctx context.Context) ([]types.QuotaRule, error) {
	var rules []types.QuotaRule
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("priority DESC").
		Find(&rules).Error
	if err != nil {
		return nil, wrapStore(err, "load quota rules")
	}
	return rules, nil
}

// --- User state ---

// ExperienceState loads the per-campaign counters, returning a zero-valued
// state when the user has never drawn.
func (s *Store) ExperienceState(ctx context.Context, userID string, campaignID uuid.UUID) (*types.UserExperienceState, error) {
	return experienceState(s.db.WithContext(ctx), userID, campaignID)
}

// ExperienceStateTx is the in-transaction variant used by the executor.
func ExperienceStateTx(tx *gorm.DB, userID string, campaignID uuid.UUID) (*types.UserExperienceState, error) {
	return experienceState(tx, userID, campaignID)
}

func experienceState(db *gorm.DB, userID string, campaignID uuid.UUID) (*types.UserExperienceState, error) {
	var state types.UserExperienceState
	err := db.First(&state, "user_id = ? AND campaign_id = ?", userID, campaignID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &types.UserExperienceState{UserID: userID, CampaignID: campaignID}, nil
	}
	if err != nil {
		return nil, wrapStore(err, "load experience state %s/%s", userID, campaignID)
	}
	return &state, nil
}

// GlobalState loads a user's cross-campaign luck state, zero-valued when
// absent. A fresh user starts at a neutral 1x multiplier.
func (s *Store) GlobalState(ctx context.Context, userID string) (*types.UserGlobalState, error) {
	return globalState(s.db.WithContext(ctx), userID)
}

// GlobalStateTx is the in-transaction variant used by the executor.
func GlobalStateTx(tx *gorm.DB, userID string) (*types.UserGlobalState, error) {
	return globalState(tx, userID)
}

func globalState(db *gorm.DB, userID string) (*types.UserGlobalState, error) {
	var state types.UserGlobalState
	err := db.First(&state, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &types.UserGlobalState{UserID: userID, LuckDebtMultiplierPpm: 1_000_000}, nil
	}
	if err != nil {
		return nil, wrapStore(err, "load global state %s", userID)
	}
	return &state, nil
}

// SaveExperienceState upserts the per-campaign counters inside tx.
func SaveExperienceState(tx *gorm.DB, state *types.UserExperienceState) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "campaign_id"}},
		UpdateAll: true,
	}).Create(state).Error
	if err != nil {
		return wrapStore(err, "save experience state %s/%s", state.UserID, state.CampaignID)
	}
	return nil
}

// SaveGlobalState upserts the cross-campaign luck state inside tx.
func SaveGlobalState(tx *gorm.DB, state *types.UserGlobalState) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(state).Error
	if err != nil {
		return wrapStore(err, "save global state %s", state.UserID)
	}
	return nil
}

// --- Draws ---

// InsertDrawTx persists one draw record and its decision trace atomically
// with the rest of the execution. The unique (idempotency_key, seq) index
// turns a double execution into a constraint error instead of a double award.
func InsertDrawTx(tx *gorm.DB, record *types.DrawRecord, decision *types.DrawDecision) error {
	if err := tx.Create(record).Error; err != nil {
		return wrapStore(err, "insert draw %s seq %d", record.IdempotencyKey, record.Seq)
	}
	decision.DrawID = record.ID
	if err := tx.Create(decision).Error; err != nil {
		return wrapStore(err, "insert decision for draw %s", record.ID)
	}
	return nil
}

// CountQuotaDrawsTx counts the user's committed draws for one business day
// under the scope of the governing quota rule. Campaign-scoped rules count
// only that campaign; the wider scopes count the user across campaigns.
func CountQuotaDrawsTx(tx *gorm.DB, rule *types.QuotaRule, userID string, campaignID uuid.UUID, day string) (int64, error) {
	q := tx.Model(&types.DrawRecord{}).
		Where("user_id = ? AND day_bucket = ?", userID, day)
	if rule.Scope == types.QuotaCampaign {
		q = q.Where("campaign_id = ?", campaignID)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, wrapStore(err, "count draws for user %s", userID)
	}
	return count, nil
}

// DrawsByRequestKey returns the committed records of one client request in
// seq order, with their decisions.
func (s *Store) DrawsByRequestKey(ctx context.Context, key string) ([]types.DrawRecord, []types.DrawDecision, error) {
	var draws []types.DrawRecord
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Order("seq").
		Find(&draws).Error
	if err != nil {
		return nil, nil, wrapStore(err, "load draws for request %s", key)
	}
	if len(draws) == 0 {
		return nil, nil, nil
	}
	ids := make([]uuid.UUID, 0, len(draws))
	for _, d := range draws {
		ids = append(ids, d.ID)
	}
	var decisions []types.DrawDecision
	if err := s.db.WithContext(ctx).Where("draw_id IN ?", ids).Find(&decisions).Error; err != nil {
		return nil, nil, wrapStore(err, "load decisions for request %s", key)
	}
	byDraw := make(map[uuid.UUID]types.DrawDecision, len(decisions))
	for _, d := range decisions {
		byDraw[d.DrawID] = d
	}
	ordered := make([]types.DrawDecision, 0, len(draws))
	for _, d := range draws {
		ordered = append(ordered, byDraw[d.ID])
	}
	return draws, ordered, nil
}

// --- Admin directives ---

// CreateDirective records an operator-forced outcome for a user's next draw.
func (s *Store) CreateDirective(ctx context.Context, directive *types.AdminDirective) error {
	if directive.ID == uuid.Nil {
		directive.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(directive).Error; err != nil {
		return wrapStore(err, "create directive for %s", directive.UserID)
	}
	return nil
}

// PendingDirectiveTx locks and returns the oldest unconsumed directive for
// the draw coordinates, or nil when none is pending.
func PendingDirectiveTx(tx *gorm.DB, campaignID uuid.UUID, userID string) (*types.AdminDirective, error) {
	var directive types.AdminDirective
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("campaign_id = ? AND user_id = ? AND consumed_at IS NULL", campaignID, userID).
		Order("created_at").
		First(&directive).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStore(err, "load directive for %s", userID)
	}
	return &directive, nil
}

// ConsumeDirectiveTx marks a directive honored by the given draw.
func ConsumeDirectiveTx(tx *gorm.DB, directiveID, drawID uuid.UUID, now time.Time) error {
	err := tx.Model(&types.AdminDirective{}).
		Where("id = ? AND consumed_at IS NULL", directiveID).
		Updates(map[string]interface{}{"consumed_at": now, "consumed_by": drawID}).Error
	if err != nil {
		return wrapStore(err, "consume directive %s", directiveID)
	}
	return nil
}

// --- Hourly metrics ---

// UpsertHourlyMetrics persists rolled-up hour buckets, overwriting earlier
// rollups of the same bucket so reruns converge.
func (s *Store) UpsertHourlyMetrics(ctx context.Context, metrics []types.HourlyMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	for i := range metrics {
		if metrics[i].ID == uuid.Nil {
			metrics[i].ID = uuid.New()
		}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "campaign_id"}, {Name: "hour_bucket"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_draws", "high_count", "mid_count", "low_count", "fallback_count",
			"budget_tier_counts", "correction_counts", "budget_consumed",
			"prize_value_sum", "unique_users",
		}),
	}).Create(&metrics).Error
	if err != nil {
		return wrapStore(err, "upsert %d hourly metrics", len(metrics))
	}
	return nil
}

// HourlyMetricsRange returns persisted buckets for a campaign between two
// hour keys inclusive.
func (s *Store) HourlyMetricsRange(ctx context.Context, campaignID uuid.UUID, fromHour, untilHour string) ([]types.HourlyMetric, error) {
	var metrics []types.HourlyMetric
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND hour_bucket >= ? AND hour_bucket <= ?", campaignID, fromHour, untilHour).
		Order("hour_bucket").
		Find(&metrics).Error
	if err != nil {
		return nil, wrapStore(err, "load hourly metrics for %s", campaignID)
	}
	return metrics, nil
}
