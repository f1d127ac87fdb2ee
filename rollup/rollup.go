// Package rollup drains the hot store's closed hour buckets into durable
// hourly metrics, exports finished business days as parquet, and prunes
// counters past their retention. It also promotes scheduled pricing versions
// whose effective time has arrived.
package rollup

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"fortuna/core/types"
	"fortuna/hotstore"
	"fortuna/observability"
	"fortuna/storage"
)

// Config wires the rollup service. Zero durations fall back to defaults.
type Config struct {
	Store *storage.Store
	Hot   *hotstore.Store

	Interval     time.Duration
	HotRetention time.Duration
	HLLRetention time.Duration
	ExportDir    string
}

// Service runs the periodic rollup. One instance per process; the hourly
// metric upsert makes overlapping runs converge instead of double-counting.
type Service struct {
	store *storage.Store
	hot   *hotstore.Store

	interval     time.Duration
	hotRetention time.Duration
	hllRetention time.Duration
	exportDir    string

	clock   func() time.Time
	log     *slog.Logger
	metrics *observability.RollupMetrics

	lastExportDay string
}

// Option tweaks service construction.
type Option func(*Service)

// WithClock overrides the business clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger overrides the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New builds the rollup service.
func New(cfg Config, opts ...Option) *Service {
	s := &Service{
		store:        cfg.Store,
		hot:          cfg.Hot,
		interval:     cfg.Interval,
		hotRetention: cfg.HotRetention,
		hllRetention: cfg.HLLRetention,
		exportDir:    cfg.ExportDir,
		clock:        time.Now,
		log:          slog.Default().With("component", "rollup"),
		metrics:      observability.Rollup(),
	}
	if s.interval <= 0 {
		s.interval = 5 * time.Minute
	}
	if s.hotRetention <= 0 {
		s.hotRetention = 25 * time.Hour
	}
	if s.hllRetention <= 0 {
		s.hllRetention = 49 * time.Hour
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the rollup on its interval until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("rollup started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx, s.clock())
		}
	}
}

// RunOnce performs one full pass: pricing promotion, bucket persistence,
// day export, prune. Each step logs and continues on failure so a bad
// export never blocks the prune.
func (s *Service) RunOnce(ctx context.Context, now time.Time) {
	if promoted, err := s.store.PromoteScheduledPricing(ctx, now); err != nil {
		s.metrics.RecordFailure("promote")
		s.log.Error("scheduled pricing promotion failed", "error", err)
	} else if promoted > 0 {
		s.log.Info("promoted scheduled pricing", "versions", promoted)
	}

	if err := s.persistClosed(ctx, now); err != nil {
		s.metrics.RecordFailure("persist")
		s.log.Error("hourly rollup failed", "error", err)
	}

	s.exportRolledDay(ctx, now)

	if pruned, err := s.hot.Prune(ctx, now, s.hotRetention, s.hllRetention); err != nil {
		s.metrics.RecordFailure("prune")
		s.log.Error("hot store prune failed", "error", err)
	} else if pruned > 0 {
		s.metrics.RecordPruned(pruned)
		s.log.Debug("pruned hot store keys", "keys", pruned)
	}
}

// persistClosed upserts every closed hour bucket into SQL. The daily HLL
// estimate rides along on each hour row of that day.
func (s *Service) persistClosed(ctx context.Context, now time.Time) error {
	currentHour := types.HourKey(now)
	buckets, err := s.hot.ClosedHourBuckets(ctx, currentHour)
	if err != nil {
		return err
	}
	if len(buckets) == 0 {
		return nil
	}
	metrics := make([]types.HourlyMetric, 0, len(buckets))
	for key, counters := range buckets {
		uniques, err := s.hot.UniqueUsers(key.CampaignID, dayOfHour(key.Hour))
		if err != nil {
			s.log.Warn("unique user estimate failed", "campaign", key.CampaignID, "error", err)
		}
		metrics = append(metrics, types.HourlyMetric{
			CampaignID:       key.CampaignID,
			HourBucket:       key.Hour,
			TotalDraws:       counters.TotalDraws,
			HighCount:        counters.TierCounts[string(types.TierHigh)],
			MidCount:         counters.TierCounts[string(types.TierMid)],
			LowCount:         counters.TierCounts[string(types.TierLow)],
			FallbackCount:    counters.TierCounts[string(types.TierFallback)],
			BudgetTierCounts: encodeCounts(counters.BudgetTiers),
			CorrectionCounts: encodeCounts(counters.Corrections),
			BudgetConsumed:   counters.BudgetConsumed,
			PrizeValueSum:    counters.PrizeValueSum,
			UniqueUsers:      uniques,
			CreatedAt:        now,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].CampaignID != metrics[j].CampaignID {
			return metrics[i].CampaignID.String() < metrics[j].CampaignID.String()
		}
		return metrics[i].HourBucket < metrics[j].HourBucket
	})
	if err := s.store.UpsertHourlyMetrics(ctx, metrics); err != nil {
		return err
	}
	s.metrics.RecordPersisted(len(metrics))
	return nil
}

// exportRolledDay writes the previous business day's parquet once the day
// key moves. The first pass only arms the marker so a restart mid-day does
// not re-export history.
func (s *Service) exportRolledDay(ctx context.Context, now time.Time) {
	if s.exportDir == "" {
		return
	}
	day := types.DayKey(now)
	if s.lastExportDay == "" {
		s.lastExportDay = day
		return
	}
	if day == s.lastExportDay {
		return
	}
	closed := s.lastExportDay
	s.lastExportDay = day
	if err := s.ExportDay(ctx, closed); err != nil {
		s.metrics.RecordFailure("export")
		s.log.Error("day export failed", "day", closed, "error", err)
	}
}

func dayOfHour(hour string) string {
	if len(hour) < 8 {
		return hour
	}
	return hour[:8]
}

func encodeCounts(counts map[string]int64) string {
	if len(counts) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(counts)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
