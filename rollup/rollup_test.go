package rollup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fortuna/core/types"
	"fortuna/hotstore"
	"fortuna/storage"
)

var rollNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type rollupEnv struct {
	store     *storage.Store
	hot       *hotstore.Store
	svc       *Service
	exportDir string
}

func newRollupEnv(t *testing.T) *rollupEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open("sqlite", filepath.Join(dir, "fortuna.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	hot, err := hotstore.Open(filepath.Join(dir, "hot"))
	if err != nil {
		t.Fatalf("open hotstore: %v", err)
	}
	t.Cleanup(func() {
		hot.Close()
		store.Close()
	})
	exportDir := filepath.Join(dir, "exports")
	svc := New(Config{
		Store:     store,
		Hot:       hot,
		ExportDir: exportDir,
	}, WithClock(func() time.Time { return rollNow }))
	return &rollupEnv{store: store, hot: hot, svc: svc, exportDir: exportDir}
}

func (e *rollupEnv) addCampaign(t *testing.T, code string) *types.Campaign {
	t.Helper()
	campaign := &types.Campaign{
		Code:       code,
		Name:       code,
		Status:     types.CampaignActive,
		BudgetMode: types.BudgetUnlimited,
		StartsAt:   rollNow.Add(-24 * time.Hour),
		EndsAt:     rollNow.Add(24 * time.Hour),
	}
	if err := e.store.CreateCampaign(context.Background(), campaign); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return campaign
}

func TestRunOncePersistsClosedHours(t *testing.T) {
	env := newRollupEnv(t)
	ctx := context.Background()
	campaign := env.addCampaign(t, "spring")

	// Hour buckets follow the business zone, so pin the samples there.
	tenAM := time.Date(2026, 3, 14, 10, 0, 0, 0, types.BusinessZone)
	elevenAM := tenAM.Add(time.Hour)
	err := env.hot.RecordDecisions([]hotstore.DecisionSample{
		{CampaignID: campaign.ID, UserID: "u-1", Tier: types.TierHigh, BudgetTier: types.BudgetTierB3,
			Corrections: []string{"luck_debt"}, BudgetSpent: 100, PrizeValue: 5_000, At: tenAM},
		{CampaignID: campaign.ID, UserID: "u-2", Tier: types.TierFallback, BudgetTier: types.BudgetTierB3,
			BudgetSpent: 100, At: tenAM},
		{CampaignID: campaign.ID, UserID: "u-1", Tier: types.TierFallback, BudgetTier: types.BudgetTierB2,
			BudgetSpent: 50, At: elevenAM},
		// Current hour stays hot until it closes.
		{CampaignID: campaign.ID, UserID: "u-3", Tier: types.TierMid, BudgetTier: types.BudgetTierB3,
			BudgetSpent: 100, At: rollNow},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	env.svc.RunOnce(ctx, rollNow)

	rows, err := env.store.HourlyMetricsRange(ctx, campaign.ID, "2026031400", "2026031423")
	if err != nil {
		t.Fatalf("load rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("persisted %d rows, want hours 10 and 11 only", len(rows))
	}

	ten := rows[0]
	if ten.HourBucket != "2026031410" {
		t.Fatalf("first bucket = %s, want 2026031410", ten.HourBucket)
	}
	if ten.TotalDraws != 2 || ten.HighCount != 1 || ten.FallbackCount != 1 || ten.MidCount != 0 {
		t.Fatalf("hour 10 counts = %+v, want 2 draws / 1 high / 1 fallback", ten)
	}
	if ten.BudgetConsumed != 200 || ten.PrizeValueSum != 5_000 {
		t.Fatalf("hour 10 sums = %d/%d, want 200 consumed / 5000 value",
			ten.BudgetConsumed, ten.PrizeValueSum)
	}
	if ten.BudgetTierCounts != `{"B3":2}` {
		t.Fatalf("hour 10 budget tiers = %s, want {\"B3\":2}", ten.BudgetTierCounts)
	}
	if ten.CorrectionCounts != `{"luck_debt":1}` {
		t.Fatalf("hour 10 corrections = %s, want {\"luck_debt\":1}", ten.CorrectionCounts)
	}
	// The daily unique estimate rides on every hour row of the day.
	if ten.UniqueUsers != 3 {
		t.Fatalf("hour 10 uniques = %d, want the 3 users seen that day", ten.UniqueUsers)
	}

	eleven := rows[1]
	if eleven.HourBucket != "2026031411" || eleven.TotalDraws != 1 {
		t.Fatalf("hour 11 = %s/%d draws, want 2026031411 with 1", eleven.HourBucket, eleven.TotalDraws)
	}
	if eleven.BudgetTierCounts != `{"B2":1}` || eleven.CorrectionCounts != "{}" {
		t.Fatalf("hour 11 encodings = %s / %s", eleven.BudgetTierCounts, eleven.CorrectionCounts)
	}

	// A rerun converges on the same rows.
	env.svc.RunOnce(ctx, rollNow)
	rows, err = env.store.HourlyMetricsRange(ctx, campaign.ID, "2026031400", "2026031423")
	if err != nil {
		t.Fatalf("reload rows: %v", err)
	}
	if len(rows) != 2 || rows[0].TotalDraws != 2 {
		t.Fatalf("rerun produced %d rows with %d draws, want unchanged 2/2",
			len(rows), rows[0].TotalDraws)
	}
}

func TestRunOncePromotesScheduledPricing(t *testing.T) {
	env := newRollupEnv(t)
	ctx := context.Background()
	campaign := env.addCampaign(t, "autumn")

	if _, err := env.store.CreatePricingVersion(ctx, campaign.ID, types.Pricing{SingleCost: 100, Multi10Cost: 950}, "ops@example"); err != nil {
		t.Fatalf("create pricing: %v", err)
	}
	effectiveAt := time.Now().Add(time.Hour)
	if _, err := env.store.SchedulePricingActivation(ctx, campaign.ID, 1, effectiveAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	env.svc.RunOnce(ctx, time.Now())
	if _, err := env.store.ActivePricing(ctx, campaign.ID); !types.HasCode(err, types.CodeNoActivePricing) {
		t.Fatalf("premature promotion: %v", err)
	}

	env.svc.RunOnce(ctx, effectiveAt.Add(time.Minute))
	active, err := env.store.ActivePricing(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("active pricing: %v", err)
	}
	if active.Version != 1 {
		t.Fatalf("active version = %d, want promoted 1", active.Version)
	}
}

func TestExportDayWritesParquetPerCampaign(t *testing.T) {
	env := newRollupEnv(t)
	ctx := context.Background()
	spring := env.addCampaign(t, "spring")
	env.addCampaign(t, "idle")

	rows := []types.HourlyMetric{
		{CampaignID: spring.ID, HourBucket: "2026031410", TotalDraws: 5, HighCount: 1,
			FallbackCount: 4, BudgetTierCounts: `{"B3":5}`, CorrectionCounts: "{}",
			BudgetConsumed: 500, PrizeValueSum: 700, UniqueUsers: 3},
		{CampaignID: spring.ID, HourBucket: "2026031411", TotalDraws: 2,
			FallbackCount: 2, BudgetTierCounts: `{"B3":2}`, CorrectionCounts: "{}",
			BudgetConsumed: 200, UniqueUsers: 3},
	}
	if err := env.store.UpsertHourlyMetrics(ctx, rows); err != nil {
		t.Fatalf("seed metrics: %v", err)
	}

	if err := env.svc.ExportDay(ctx, "20260314"); err != nil {
		t.Fatalf("export: %v", err)
	}

	path := filepath.Join(env.exportDir, "spring-20260314.parquet")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Fatal("export is not a parquet file")
	}

	// Campaigns without metrics produce no file.
	if _, err := os.Stat(filepath.Join(env.exportDir, "idle-20260314.parquet")); !os.IsNotExist(err) {
		t.Fatalf("idle campaign export stat = %v, want absent", err)
	}

	if err := env.svc.ExportDay(ctx, "2026-03-14"); err == nil {
		t.Fatal("malformed day key must be rejected")
	}

	// Re-export overwrites in place.
	if err := env.svc.ExportDay(ctx, "20260314"); err != nil {
		t.Fatalf("re-export: %v", err)
	}
}

func TestExportArmsOnFirstPassThenFollowsDayRollover(t *testing.T) {
	env := newRollupEnv(t)
	ctx := context.Background()
	campaign := env.addCampaign(t, "spring")

	rows := []types.HourlyMetric{{CampaignID: campaign.ID, HourBucket: "2026031410",
		TotalDraws: 1, FallbackCount: 1, BudgetTierCounts: "{}", CorrectionCounts: "{}"}}
	if err := env.store.UpsertHourlyMetrics(ctx, rows); err != nil {
		t.Fatalf("seed metrics: %v", err)
	}
	path := filepath.Join(env.exportDir, "spring-20260314.parquet")

	// First pass arms the marker; nothing is exported yet.
	env.svc.RunOnce(ctx, rollNow)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("first pass stat = %v, want no export", err)
	}

	// Same-day passes stay quiet.
	env.svc.RunOnce(ctx, rollNow.Add(time.Hour))
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("same-day stat = %v, want no export", err)
	}

	// Crossing midnight exports the closed day.
	env.svc.RunOnce(ctx, rollNow.Add(13*time.Hour))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("rollover stat = %v, want exported file", err)
	}
}
