package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fortuna/core/types"
	"fortuna/observability"
)

// Cell is one entry of the budget-by-pressure matrix: how hard the fallback
// tier is boosted and how far downstream corrections may swing weights.
type Cell struct {
	EmptyWeightPpm int64
	CapPpm         int64
}

// Snapshot is the frozen classification handed to one draw decision.
type Snapshot struct {
	Budget          types.BudgetTier
	Pressure        types.PressureTier
	Cell            Cell
	EffectiveBudget int64
	TakenAt         time.Time
}

// defaultMatrix hardens the fallback tier and narrows correction headroom as
// budget drains and spend runs hot. Rows are B3..B0, columns P0..P2.
var defaultMatrix = map[types.BudgetTier]map[types.PressureTier]Cell{
	types.BudgetTierB3: {
		types.PressureTierP0: {EmptyWeightPpm: 1_000_000, CapPpm: 3_000_000},
		types.PressureTierP1: {EmptyWeightPpm: 1_000_000, CapPpm: 2_500_000},
		types.PressureTierP2: {EmptyWeightPpm: 1_200_000, CapPpm: 2_000_000},
	},
	types.BudgetTierB2: {
		types.PressureTierP0: {EmptyWeightPpm: 1_000_000, CapPpm: 2_500_000},
		types.PressureTierP1: {EmptyWeightPpm: 1_100_000, CapPpm: 2_000_000},
		types.PressureTierP2: {EmptyWeightPpm: 1_500_000, CapPpm: 1_800_000},
	},
	types.BudgetTierB1: {
		types.PressureTierP0: {EmptyWeightPpm: 1_200_000, CapPpm: 2_000_000},
		types.PressureTierP1: {EmptyWeightPpm: 1_500_000, CapPpm: 1_800_000},
		types.PressureTierP2: {EmptyWeightPpm: 2_000_000, CapPpm: 1_500_000},
	},
	types.BudgetTierB0: {
		types.PressureTierP0: {EmptyWeightPpm: 1_500_000, CapPpm: 1_500_000},
		types.PressureTierP1: {EmptyWeightPpm: 2_000_000, CapPpm: 1_300_000},
		types.PressureTierP2: {EmptyWeightPpm: 3_000_000, CapPpm: 1_200_000},
	},
}

// SpendReader reports how many budget points a campaign consumed between two
// instants. The hot store implements it from hourly counter buckets.
type SpendReader interface {
	BudgetConsumedBetween(ctx context.Context, campaignID uuid.UUID, from, until time.Time) (int64, error)
}

// Controller classifies campaigns into (budget, pressure) tiers and caches
// the result for a bounded staleness window.
type Controller struct {
	spend     SpendReader
	staleness time.Duration
	window    time.Duration
	matrix    map[types.BudgetTier]map[types.PressureTier]Cell
	clock     func() time.Time
	metrics   *observability.PressureMetrics

	mu    sync.RWMutex
	cache map[uuid.UUID]Snapshot
}

// ControllerOption tunes the controller.
type ControllerOption func(*Controller)

// WithControllerClock overrides the time source.
func WithControllerClock(clock func() time.Time) ControllerOption {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMatrixOverrides replaces individual matrix cells. Keys look like
// "B2P1"; zero-valued fields of a cell keep their defaults.
func WithMatrixOverrides(overrides map[string]Cell) ControllerOption {
	return func(c *Controller) {
		for key, cell := range overrides {
			budget, pressure, err := parseCellKey(key)
			if err != nil {
				continue
			}
			current := c.matrix[budget][pressure]
			if cell.EmptyWeightPpm > 0 {
				current.EmptyWeightPpm = cell.EmptyWeightPpm
			}
			if cell.CapPpm > 0 {
				current.CapPpm = cell.CapPpm
			}
			c.matrix[budget][pressure] = current
		}
	}
}

// WithPressureMetrics attaches the prometheus registry.
func WithPressureMetrics(m *observability.PressureMetrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// NewController builds a pressure controller reading spend from the supplied
// reader. Staleness bounds how old a cached snapshot may get; window is the
// trailing period the spend rate is measured over.
func NewController(spend SpendReader, staleness, window time.Duration, opts ...ControllerOption) *Controller {
	if staleness <= 0 {
		staleness = 60 * time.Second
	}
	if window <= 0 {
		window = time.Hour
	}
	matrix := make(map[types.BudgetTier]map[types.PressureTier]Cell, len(defaultMatrix))
	for budget, row := range defaultMatrix {
		cloned := make(map[types.PressureTier]Cell, len(row))
		for pressure, cell := range row {
			cloned[pressure] = cell
		}
		matrix[budget] = cloned
	}
	ctrl := &Controller{
		spend:     spend,
		staleness: staleness,
		window:    window,
		matrix:    matrix,
		clock:     time.Now,
		cache:     make(map[uuid.UUID]Snapshot),
	}
	for _, opt := range opts {
		opt(ctrl)
	}
	return ctrl
}

// Snapshot returns the current classification for the campaign, refreshing
// the cached cell once it is older than the staleness bound. Staleness never
// threatens correctness: the executor re-validates the budget inside its
// transaction.
func (c *Controller) Snapshot(ctx context.Context, campaign *types.Campaign) (Snapshot, error) {
	if campaign == nil {
		return Snapshot{}, types.NewError(types.CodeInternal, "pressure snapshot without campaign")
	}
	now := c.clock()
	c.mu.RLock()
	cached, ok := c.cache[campaign.ID]
	c.mu.RUnlock()
	if ok && now.Sub(cached.TakenAt) < c.staleness {
		return cached, nil
	}
	snap, err := c.refresh(ctx, campaign, now)
	if c.metrics != nil {
		c.metrics.RecordRefresh(err)
	}
	if err != nil {
		if ok {
			// Serve the stale cell rather than failing the draw.
			return cached, nil
		}
		return Snapshot{}, err
	}
	c.mu.Lock()
	c.cache[campaign.ID] = snap
	c.mu.Unlock()
	return snap, nil
}

func (c *Controller) refresh(ctx context.Context, campaign *types.Campaign, now time.Time) (Snapshot, error) {
	budget := classifyBudget(campaign)
	pressure := types.PressureTierP1
	if campaign.BudgetMode == types.BudgetPool {
		actual, err := c.spend.BudgetConsumedBetween(ctx, campaign.ID, now.Add(-c.window), now)
		if err != nil {
			return Snapshot{}, types.WrapError(types.CodeTransientStore, err, "read spend window")
		}
		pressure = classifyPressure(actual, expectedSpend(campaign, c.window))
	}
	snap := Snapshot{
		Budget:          budget,
		Pressure:        pressure,
		Cell:            c.matrix[budget][pressure],
		EffectiveBudget: campaign.RemainingBudget,
		TakenAt:         now,
	}
	if c.metrics != nil {
		c.metrics.RecordTiers(campaign.Code, budgetRank(budget), pressureRank(pressure))
	}
	return snap, nil
}

// classifyBudget buckets the remaining/total ratio: B3 above 75%, B2 above
// 50%, B1 above 25%, else B0. Unlimited campaigns always report B3.
func classifyBudget(campaign *types.Campaign) types.BudgetTier {
	if campaign.BudgetMode != types.BudgetPool || campaign.TotalBudget <= 0 {
		return types.BudgetTierB3
	}
	ratioPpm := mulDivRound(campaign.RemainingBudget, Ppm, campaign.TotalBudget)
	switch {
	case ratioPpm > 750_000:
		return types.BudgetTierB3
	case ratioPpm > 500_000:
		return types.BudgetTierB2
	case ratioPpm > 250_000:
		return types.BudgetTierB1
	default:
		return types.BudgetTierB0
	}
}

// classifyPressure buckets actual/expected spend: P0 below 0.9x, P2 above
// 1.1x, P1 between. A zero expected rate reads as neutral.
func classifyPressure(actual, expected int64) types.PressureTier {
	if expected <= 0 {
		return types.PressureTierP1
	}
	ratioPpm := mulDivRound(actual, Ppm, expected)
	switch {
	case ratioPpm < 900_000:
		return types.PressureTierP0
	case ratioPpm > 1_100_000:
		return types.PressureTierP2
	default:
		return types.PressureTierP1
	}
}

// expectedSpend prorates the total budget over the campaign's lifetime to
// the measurement window.
func expectedSpend(campaign *types.Campaign, window time.Duration) int64 {
	duration := campaign.EndsAt.Sub(campaign.StartsAt)
	if duration <= 0 {
		return 0
	}
	return mulDivRound(campaign.TotalBudget, int64(window), int64(duration))
}

func budgetRank(t types.BudgetTier) int {
	switch t {
	case types.BudgetTierB0:
		return 0
	case types.BudgetTierB1:
		return 1
	case types.BudgetTierB2:
		return 2
	default:
		return 3
	}
}

func pressureRank(t types.PressureTier) int {
	switch t {
	case types.PressureTierP0:
		return 0
	case types.PressureTierP1:
		return 1
	default:
		return 2
	}
}

func parseCellKey(key string) (types.BudgetTier, types.PressureTier, error) {
	if len(key) != 4 || key[0] != 'B' || key[2] != 'P' {
		return "", "", fmt.Errorf("engine: malformed matrix key %q", key)
	}
	budget := types.BudgetTier("B" + string(key[1]))
	pressure := types.PressureTier("P" + string(key[3]))
	if _, ok := defaultMatrix[budget]; !ok {
		return "", "", fmt.Errorf("engine: unknown budget tier in %q", key)
	}
	if _, ok := defaultMatrix[budget][pressure]; !ok {
		return "", "", fmt.Errorf("engine: unknown pressure tier in %q", key)
	}
	return budget, pressure, nil
}
