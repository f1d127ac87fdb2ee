package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CampaignStatus tracks the lifecycle of a lottery campaign.
type CampaignStatus string

// All campaign lifecycle states.
const (
	CampaignDraft  CampaignStatus = "draft"
	CampaignActive CampaignStatus = "active"
	CampaignPaused CampaignStatus = "paused"
	CampaignEnded  CampaignStatus = "ended"
)

// BudgetMode selects how a campaign accounts for prize spend.
type BudgetMode string

const (
	BudgetUnlimited BudgetMode = "unlimited"
	BudgetPool      BudgetMode = "budget_pool"
)

// Tier is the coarse quality class of a prize. Fallback is the non-empty
// consolation tier every active campaign must stock.
type Tier string

const (
	TierHigh     Tier = "high"
	TierMid      Tier = "mid"
	TierLow      Tier = "low"
	TierFallback Tier = "fallback"
)

// Rank orders tiers from fallback (0) to high (3).
func (t Tier) Rank() int {
	switch t {
	case TierHigh:
		return 3
	case TierMid:
		return 2
	case TierLow:
		return 1
	case TierFallback:
		return 0
	default:
		return -1
	}
}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool { return t.Rank() >= 0 }

// Demote returns the next-lower tier. The second result is false once the
// fallback tier has been reached.
func (t Tier) Demote() (Tier, bool) {
	switch t {
	case TierHigh:
		return TierMid, true
	case TierMid:
		return TierLow, true
	case TierLow:
		return TierFallback, true
	default:
		return TierFallback, false
	}
}

// Empty reports whether t counts as an empty outcome for streak accounting.
func (t Tier) Empty() bool { return t == TierFallback }

// DrawType distinguishes a single draw from a discounted ten-draw batch.
type DrawType string

const (
	DrawSingle  DrawType = "single"
	DrawMulti10 DrawType = "multi10"
)

// Count returns the number of decisions produced by one request of this type.
func (d DrawType) Count() int {
	if d == DrawMulti10 {
		return 10
	}
	return 1
}

// Valid reports whether d is a known draw type.
func (d DrawType) Valid() bool { return d == DrawSingle || d == DrawMulti10 }

// PricingStatus tracks the lifecycle of a pricing configuration version.
type PricingStatus string

const (
	PricingDraft     PricingStatus = "draft"
	PricingScheduled PricingStatus = "scheduled"
	PricingActive    PricingStatus = "active"
	PricingArchived  PricingStatus = "archived"
)

// PrizeStatus gates prize eligibility.
type PrizeStatus string

const (
	PrizeActive   PrizeStatus = "active"
	PrizeDisabled PrizeStatus = "disabled"
)

// QuotaScope identifies which population a quota rule constrains. Narrower
// scopes break priority ties.
type QuotaScope string

const (
	QuotaGlobal   QuotaScope = "global"
	QuotaCampaign QuotaScope = "campaign"
	QuotaRole     QuotaScope = "role"
	QuotaUser     QuotaScope = "user"
)

// Narrowness orders scopes for tie-breaking: user (3) beats role (2) beats
// campaign (1) beats global (0).
func (s QuotaScope) Narrowness() int {
	switch s {
	case QuotaUser:
		return 3
	case QuotaRole:
		return 2
	case QuotaCampaign:
		return 1
	case QuotaGlobal:
		return 0
	default:
		return -1
	}
}

// BudgetTier classifies how much of a campaign's budget pool remains.
type BudgetTier string

const (
	BudgetTierB0 BudgetTier = "B0" // under 25% remaining
	BudgetTierB1 BudgetTier = "B1" // 25-50%
	BudgetTierB2 BudgetTier = "B2" // 50-75%
	BudgetTierB3 BudgetTier = "B3" // over 75%
)

// PressureTier classifies actual spend rate against the expected rate.
type PressureTier string

const (
	PressureTierP0 PressureTier = "P0" // under 0.9x expected
	PressureTierP1 PressureTier = "P1" // 0.9x - 1.1x
	PressureTierP2 PressureTier = "P2" // over 1.1x
)

// PipelineType labels which path produced a committed decision.
type PipelineType string

const (
	PipelineNormal    PipelineType = "normal"
	PipelineGuarantee PipelineType = "guarantee"
	PipelinePity      PipelineType = "pity"
	PipelineAdmin     PipelineType = "admin"
)

// OutboxStatus tracks deferred prize issuance retries.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxAbandoned OutboxStatus = "abandoned"
)

// GuaranteeBlock is the campaign-declared guarantee: once a user accumulates
// threshold_draws consecutive empties the next draw is pinned to the
// guarantee tier (or a specific prize when GuaranteePrizeID is set).
type GuaranteeBlock struct {
	Enabled        bool       `json:"enabled"`
	ThresholdDraws int64      `json:"threshold_draws"`
	GuaranteeTier  Tier       `json:"guarantee_tier"`
	PrizeID        *uuid.UUID `json:"prize_id,omitempty"`
}

// Value implements driver.Valuer so the block persists as a JSON column.
func (g GuaranteeBlock) Value() (driver.Value, error) { return json.Marshal(g) }

// Scan implements sql.Scanner.
func (g *GuaranteeBlock) Scan(src interface{}) error { return scanJSON(src, g) }

// Campaign is the root aggregate of the lottery: budget accounting, status,
// and the optional guarantee block hang off it.
type Campaign struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Code            string         `gorm:"size:64;uniqueIndex" json:"code"`
	Name            string         `gorm:"size:128" json:"name"`
	Status          CampaignStatus `gorm:"size:16;index" json:"status"`
	BudgetMode      BudgetMode     `gorm:"size:16" json:"budget_mode"`
	TotalBudget     int64          `json:"total_budget"`
	RemainingBudget int64          `json:"remaining_budget"`
	Guarantee       GuaranteeBlock `gorm:"type:text" json:"guarantee"`
	StartsAt        time.Time      `json:"starts_at"`
	EndsAt          time.Time      `json:"ends_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Pricing enumerates the cost knobs a pricing version carries. Costs are
// value-points; the discount is parts-per-million of the undiscounted
// ten-draw price and is informational once Multi10Cost is materialized.
type Pricing struct {
	SingleCost         int64 `json:"single_cost"`
	Multi10Cost        int64 `json:"multi_10_cost"`
	Multi10DiscountPpm int64 `json:"multi_10_discount_ppm"`
}

// CostFor returns the points price of one request of the given draw type.
func (p Pricing) CostFor(dt DrawType) int64 {
	if dt == DrawMulti10 {
		return p.Multi10Cost
	}
	return p.SingleCost
}

// Value implements driver.Valuer.
func (p Pricing) Value() (driver.Value, error) { return json.Marshal(p) }

// Scan implements sql.Scanner.
func (p *Pricing) Scan(src interface{}) error { return scanJSON(src, p) }

// PricingVersion is one immutable revision of a campaign's pricing. At most
// one version per campaign is active at a time; activation archives the
// previous active version in the same transaction.
type PricingVersion struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	CampaignID  uuid.UUID     `gorm:"type:uuid;index:idx_pricing_campaign_version,unique" json:"campaign_id"`
	Version     int64         `gorm:"index:idx_pricing_campaign_version,unique" json:"version"`
	Status      PricingStatus `gorm:"size:16;index" json:"status"`
	Pricing     Pricing       `gorm:"type:text" json:"pricing"`
	EffectiveAt *time.Time    `json:"effective_at,omitempty"`
	ExpiredAt   *time.Time    `json:"expired_at,omitempty"`
	CreatedBy   string        `gorm:"size:64" json:"created_by"`
	RollbackOf  *int64        `json:"rollback_of,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Prize is one winnable item within a campaign tier. Stock and DayCap are
// nil for unlimited; a zero stock makes the prize ineligible.
type Prize struct {
	ID          uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	CampaignID  uuid.UUID   `gorm:"type:uuid;index" json:"campaign_id"`
	Name        string      `gorm:"size:128" json:"name"`
	Tier        Tier        `gorm:"size:16;index" json:"tier"`
	WinWeight   int64       `json:"win_weight"`
	ValuePoints int64       `json:"value_points"`
	Stock       *int64      `json:"stock,omitempty"`
	DayCap      *int64      `json:"day_cap,omitempty"`
	Status      PrizeStatus `gorm:"size:16;index" json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TierRule assigns a sampling weight (ppm) to a tier for a campaign segment.
// The empty segment key is the default segment.
type TierRule struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CampaignID uuid.UUID `gorm:"type:uuid;index" json:"campaign_id"`
	SegmentKey string    `gorm:"size:64;index" json:"segment_key"`
	Tier       Tier      `gorm:"size:16" json:"tier"`
	TierWeight int64     `json:"tier_weight"`
	Priority   int64     `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// QuotaRule caps draws per calendar day (Asia/Shanghai). Subject carries the
// campaign id, role name, or user id the scope binds to; global rules leave
// it empty. Highest priority wins, narrowest scope breaks ties.
type QuotaRule struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Scope      QuotaScope `gorm:"size:16;index" json:"scope"`
	Subject    string     `gorm:"size:64;index" json:"subject"`
	DailyLimit int64      `json:"daily_limit"`
	Priority   int64      `json:"priority"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Enabled    bool       `gorm:"index" json:"enabled"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Matches reports whether the rule applies to the given draw coordinates at
// the supplied instant.
func (q QuotaRule) Matches(userID string, campaignID uuid.UUID, role string, now time.Time) bool {
	if !q.Enabled {
		return false
	}
	if q.ValidFrom != nil && now.Before(*q.ValidFrom) {
		return false
	}
	if q.ValidUntil != nil && !now.Before(*q.ValidUntil) {
		return false
	}
	switch q.Scope {
	case QuotaGlobal:
		return true
	case QuotaCampaign:
		return q.Subject == campaignID.String()
	case QuotaRole:
		return role != "" && q.Subject == role
	case QuotaUser:
		return q.Subject == userID
	default:
		return false
	}
}

// UserExperienceState holds the per-user-per-campaign counters the
// correction modules read. All counters stay non-negative.
type UserExperienceState struct {
	UserID           string    `gorm:"size:64;primaryKey" json:"user_id"`
	CampaignID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"campaign_id"`
	EmptyStreak      int64     `json:"empty_streak"`
	RecentHighCount  int64     `json:"recent_high_count"`
	AntiHighCooldown int64     `json:"anti_high_cooldown"`
	TotalDraws       int64     `json:"total_draws"`
	TotalEmpties     int64     `json:"total_empties"`
	PityTriggerCount int64     `json:"pity_trigger_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UserGlobalState aggregates a user's luck across campaigns. The empty-rate
// EMA and the luck-debt multiplier are stored as parts-per-million.
type UserGlobalState struct {
	UserID                string    `gorm:"size:64;primaryKey" json:"user_id"`
	EmptyRateEMAPpm       int64     `json:"empty_rate_ema_ppm"`
	LuckDebtMultiplierPpm int64     `json:"luck_debt_multiplier_ppm"`
	TotalDraws            int64     `json:"total_draws"`
	TotalHighWins         int64     `json:"total_high_wins"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// DrawRecord is the committed outcome of one decision. Multi-draw batches
// produce one record per seq; the batch cost is carried on seq 0. PrizeID is
// nil for fallback-exhaustion empties.
type DrawRecord struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CampaignID     uuid.UUID  `gorm:"type:uuid;index" json:"campaign_id"`
	UserID         string     `gorm:"size:64;index:idx_draws_user_campaign_day" json:"user_id"`
	DrawType       DrawType   `gorm:"size:16" json:"draw_type"`
	Seq            int        `gorm:"uniqueIndex:idx_draws_request_seq" json:"seq"`
	CostPoints     int64      `json:"cost_points"`
	RewardTier     Tier       `gorm:"size:16;index" json:"reward_tier"`
	PrizeID        *uuid.UUID `gorm:"type:uuid" json:"prize_id,omitempty"`
	PrizeValue     int64      `json:"prize_value"`
	IdempotencyKey string     `gorm:"size:128;uniqueIndex:idx_draws_request_seq" json:"idempotency_key"`
	PendingIssue   bool       `json:"pending_issue"`
	DayBucket      string     `gorm:"size:8;index:idx_draws_user_campaign_day" json:"day_bucket"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CorrectionTrace records one correction module's evaluation for audit.
type CorrectionTrace struct {
	Module    string           `json:"module"`
	Triggered bool             `json:"triggered"`
	Inputs    map[string]int64 `json:"inputs,omitempty"`
	Outputs   map[string]int64 `json:"outputs,omitempty"`
	Note      string           `json:"note,omitempty"`
}

// CorrectionTraces is the JSON column wrapper for the per-module audit list.
type CorrectionTraces []CorrectionTrace

// Value implements driver.Valuer.
func (c CorrectionTraces) Value() (driver.Value, error) { return json.Marshal(c) }

// Scan implements sql.Scanner.
func (c *CorrectionTraces) Scan(src interface{}) error { return scanJSON(src, c) }

// WeightSnapshot freezes the per-tier candidate weights that entered the
// sampler, after all adjustments.
type WeightSnapshot map[Tier]int64

// Value implements driver.Valuer.
func (w WeightSnapshot) Value() (driver.Value, error) { return json.Marshal(w) }

// Scan implements sql.Scanner.
func (w *WeightSnapshot) Scan(src interface{}) error { return scanJSON(src, w) }

// DrawDecision is the full trace persisted next to its DrawRecord.
type DrawDecision struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	DrawID          uuid.UUID        `gorm:"type:uuid;uniqueIndex" json:"draw_id"`
	CampaignID      uuid.UUID        `gorm:"type:uuid;index" json:"campaign_id"`
	UserID          string           `gorm:"size:64;index" json:"user_id"`
	BudgetTier      BudgetTier       `gorm:"size:4" json:"budget_tier"`
	PressureTier    PressureTier     `gorm:"size:4" json:"pressure_tier"`
	EffectiveBudget int64            `json:"effective_budget"`
	PipelineType    PipelineType     `gorm:"size:16" json:"pipeline_type"`
	Corrections     CorrectionTraces `gorm:"type:text" json:"corrections"`
	SelectedTier    Tier             `gorm:"size:16" json:"selected_tier"`
	Weights         WeightSnapshot   `gorm:"type:text" json:"weights"`
	RNGSeedHint     string           `gorm:"size:64" json:"rng_seed_hint,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// HourlyMetric is the durable rollup of one campaign-hour of hot counters.
// UniqueUsers is the HLL estimate taken at rollup time.
type HourlyMetric struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CampaignID       uuid.UUID `gorm:"type:uuid;index:idx_hourly_campaign_bucket,unique" json:"campaign_id"`
	HourBucket       string    `gorm:"size:10;index:idx_hourly_campaign_bucket,unique" json:"hour_bucket"`
	TotalDraws       int64     `json:"total_draws"`
	HighCount        int64     `json:"high_count"`
	MidCount         int64     `json:"mid_count"`
	LowCount         int64     `json:"low_count"`
	FallbackCount    int64     `json:"fallback_count"`
	BudgetTierCounts string    `gorm:"size:256" json:"budget_tier_counts"`
	CorrectionCounts string    `gorm:"size:256" json:"correction_counts"`
	BudgetConsumed   int64     `json:"budget_consumed"`
	PrizeValueSum    int64     `json:"prize_value_sum"`
	UniqueUsers      int64     `json:"unique_users"`
	CreatedAt        time.Time `json:"created_at"`
}

// AdminDirective is an operator-forced outcome for one user's next draw on a
// campaign. It is consumed inside the executor transaction that honors it.
type AdminDirective struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CampaignID uuid.UUID  `gorm:"type:uuid;index:idx_directives_campaign_user" json:"campaign_id"`
	UserID     string     `gorm:"size:64;index:idx_directives_campaign_user" json:"user_id"`
	Tier       Tier       `gorm:"size:16" json:"tier"`
	PrizeID    *uuid.UUID `gorm:"type:uuid" json:"prize_id,omitempty"`
	Note       string     `gorm:"size:256" json:"note,omitempty"`
	CreatedBy  string     `gorm:"size:64" json:"created_by"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	ConsumedBy *uuid.UUID `gorm:"type:uuid" json:"consumed_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// OutboxEntry is a deferred prize issuance awaiting at-least-once delivery.
// It is inserted in the same transaction as its draw.
type OutboxEntry struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	DrawID         uuid.UUID    `gorm:"type:uuid;index" json:"draw_id"`
	UserID         string       `gorm:"size:64" json:"user_id"`
	PrizeRef       string       `gorm:"size:128" json:"prize_ref"`
	IdempotencyKey string       `gorm:"size:128;uniqueIndex" json:"idempotency_key"`
	Attempts       int64        `json:"attempts"`
	NextAttemptAt  time.Time    `gorm:"index" json:"next_attempt_at"`
	Status         OutboxStatus `gorm:"size:16;index" json:"status"`
	LastError      string       `gorm:"size:512" json:"last_error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("types: cannot scan %T into %T", src, dst)
	}
}
