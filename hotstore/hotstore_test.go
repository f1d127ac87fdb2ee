package hotstore

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"fortuna/core/types"
)

var hotNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func openHot(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open hotstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBeginCommitReplay(t *testing.T) {
	hot := openHot(t)

	record, began, err := hot.BeginRequest("req-1", "fp-a", time.Minute)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !began || record.Status != StatusInFlight {
		t.Fatalf("first begin = %v/%s, want fresh in_flight reservation", began, record.Status)
	}
	if record.Fingerprint != "fp-a" {
		t.Fatalf("fingerprint = %q, want fp-a", record.Fingerprint)
	}

	// A duplicate racing the first attempt sees the reservation.
	record, began, err = hot.BeginRequest("req-1", "fp-a", time.Minute)
	if err != nil {
		t.Fatalf("duplicate begin: %v", err)
	}
	if began || record.Status != StatusInFlight {
		t.Fatalf("duplicate = %v/%s, want existing in_flight record", began, record.Status)
	}

	response := []byte(`{"request_id":"req-1","results":[]}`)
	if err := hot.CommitRequest("req-1", response, time.Hour); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Replays after commit carry the canonical response bytes.
	record, began, err = hot.BeginRequest("req-1", "fp-a", time.Minute)
	if err != nil {
		t.Fatalf("replay begin: %v", err)
	}
	if began || record.Status != StatusCommitted {
		t.Fatalf("replay = %v/%s, want committed record", began, record.Status)
	}
	if !bytes.Equal(record.Response, response) {
		t.Fatalf("response = %s, want stored %s", record.Response, response)
	}

	loaded, err := hot.Request("req-1")
	if err != nil {
		t.Fatalf("request lookup: %v", err)
	}
	if loaded == nil || loaded.Status != StatusCommitted {
		t.Fatalf("lookup = %+v, want committed record", loaded)
	}
}

func TestReleaseRequest(t *testing.T) {
	hot := openHot(t)

	if _, _, err := hot.BeginRequest("req-2", "fp-a", time.Minute); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := hot.ReleaseRequest("req-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, began, err := hot.BeginRequest("req-2", "fp-b", time.Minute)
	if err != nil {
		t.Fatalf("re-begin: %v", err)
	}
	if !began {
		t.Fatal("released key must accept a fresh reservation")
	}

	// Commit wins over a late release.
	if err := hot.CommitRequest("req-2", []byte(`{}`), time.Hour); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := hot.ReleaseRequest("req-2"); err != nil {
		t.Fatalf("post-commit release: %v", err)
	}
	loaded, err := hot.Request("req-2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if loaded == nil || loaded.Status != StatusCommitted {
		t.Fatalf("lookup = %+v, committed records must survive release", loaded)
	}

	if err := hot.ReleaseRequest("req-unknown"); err != nil {
		t.Fatalf("releasing an unknown key: %v", err)
	}
}

func TestBeginRequestReplacesExpired(t *testing.T) {
	hot := openHot(t)
	current := hotNow
	hot.SetClock(func() time.Time { return current })

	if _, _, err := hot.BeginRequest("req-3", "fp-a", time.Minute); err != nil {
		t.Fatalf("begin: %v", err)
	}

	current = hotNow.Add(2 * time.Minute)
	loaded, err := hot.Request("req-3")
	if err != nil {
		t.Fatalf("expired lookup: %v", err)
	}
	if loaded != nil {
		t.Fatalf("lookup = %+v, expired records must read as absent", loaded)
	}

	record, began, err := hot.BeginRequest("req-3", "fp-b", time.Minute)
	if err != nil {
		t.Fatalf("re-begin: %v", err)
	}
	if !began || record.Fingerprint != "fp-b" {
		t.Fatalf("re-begin = %v/%q, want fresh reservation with new fingerprint",
			began, record.Fingerprint)
	}
}

func TestRecordDecisionsAggregates(t *testing.T) {
	hot := openHot(t)
	campaignID := uuid.New()
	at := hotNow.Add(30 * time.Minute)

	samples := []DecisionSample{
		{CampaignID: campaignID, UserID: "u-1", Tier: types.TierHigh, BudgetTier: types.BudgetTierB3,
			Corrections: []string{"luck_debt"}, BudgetSpent: 100, PrizeValue: 5_000, At: at},
		{CampaignID: campaignID, UserID: "u-2", Tier: types.TierFallback, BudgetTier: types.BudgetTierB3,
			BudgetSpent: 100, At: at},
		{CampaignID: campaignID, UserID: "u-1", Tier: types.TierFallback, BudgetTier: types.BudgetTierB2,
			Corrections: []string{"anti_empty", "luck_debt"}, At: at},
	}
	if err := hot.RecordDecisions(samples); err != nil {
		t.Fatalf("record: %v", err)
	}

	counters, err := hot.HourBucket(campaignID, types.HourKey(at))
	if err != nil {
		t.Fatalf("bucket: %v", err)
	}
	if counters.TotalDraws != 3 {
		t.Fatalf("total draws = %d, want 3", counters.TotalDraws)
	}
	if counters.TierCounts["high"] != 1 || counters.TierCounts["fallback"] != 2 {
		t.Fatalf("tier counts = %v, want high 1 / fallback 2", counters.TierCounts)
	}
	if counters.BudgetTiers["B3"] != 2 || counters.BudgetTiers["B2"] != 1 {
		t.Fatalf("budget tiers = %v, want B3 2 / B2 1", counters.BudgetTiers)
	}
	if counters.Corrections["luck_debt"] != 2 || counters.Corrections["anti_empty"] != 1 {
		t.Fatalf("corrections = %v, want luck_debt 2 / anti_empty 1", counters.Corrections)
	}
	if counters.BudgetConsumed != 200 || counters.PrizeValueSum != 5_000 {
		t.Fatalf("sums = %d/%d, want 200 consumed / 5000 value",
			counters.BudgetConsumed, counters.PrizeValueSum)
	}

	// Later batches fold into the same bucket.
	more := []DecisionSample{{CampaignID: campaignID, UserID: "u-3", Tier: types.TierMid,
		BudgetTier: types.BudgetTierB3, BudgetSpent: 100, PrizeValue: 500, At: at}}
	if err := hot.RecordDecisions(more); err != nil {
		t.Fatalf("second record: %v", err)
	}
	counters, err = hot.HourBucket(campaignID, types.HourKey(at))
	if err != nil {
		t.Fatalf("rebucket: %v", err)
	}
	if counters.TotalDraws != 4 {
		t.Fatalf("total draws = %d, want accumulated 4", counters.TotalDraws)
	}

	uniques, err := hot.UniqueUsers(campaignID, types.DayKey(at))
	if err != nil {
		t.Fatalf("uniques: %v", err)
	}
	if uniques != 3 {
		t.Fatalf("unique users = %d, want 3", uniques)
	}

	if err := hot.RecordDecisions(nil); err != nil {
		t.Fatalf("empty batch must no-op, got %v", err)
	}
}

func TestClosedHourBucketsExcludesOpenHour(t *testing.T) {
	hot := openHot(t)
	ctx := context.Background()
	campaignID := uuid.New()
	tenAM := hotNow.Add(-2 * time.Hour)
	elevenAM := hotNow.Add(-time.Hour)

	err := hot.RecordDecisions([]DecisionSample{
		{CampaignID: campaignID, UserID: "u-1", Tier: types.TierFallback, BudgetSpent: 100, At: tenAM},
		{CampaignID: campaignID, UserID: "u-1", Tier: types.TierFallback, BudgetSpent: 100, At: elevenAM},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	closed, err := hot.ClosedHourBuckets(ctx, types.HourKey(elevenAM))
	if err != nil {
		t.Fatalf("closed buckets: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("closed count = %d, want only the strictly older hour", len(closed))
	}
	counters, ok := closed[BucketKey{CampaignID: campaignID, Hour: types.HourKey(tenAM)}]
	if !ok {
		t.Fatalf("closed set %v missing the 10:00 bucket", closed)
	}
	if counters.TotalDraws != 1 {
		t.Fatalf("bucket draws = %d, want 1", counters.TotalDraws)
	}

	closed, err = hot.ClosedHourBuckets(ctx, types.HourKey(hotNow))
	if err != nil {
		t.Fatalf("wider window: %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("closed count = %d, want both past hours", len(closed))
	}
}

func TestBudgetConsumedBetween(t *testing.T) {
	hot := openHot(t)
	ctx := context.Background()
	campaignID := uuid.New()
	tenFifteen := hotNow.Add(-2*time.Hour + 15*time.Minute)
	elevenTwenty := hotNow.Add(-time.Hour + 20*time.Minute)

	err := hot.RecordDecisions([]DecisionSample{
		{CampaignID: campaignID, UserID: "u-1", Tier: types.TierFallback, BudgetSpent: 300, At: tenFifteen},
		{CampaignID: campaignID, UserID: "u-2", Tier: types.TierFallback, BudgetSpent: 500, At: elevenTwenty},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	tenAM := hotNow.Add(-2 * time.Hour)
	elevenAM := hotNow.Add(-time.Hour)
	spent, err := hot.BudgetConsumedBetween(ctx, campaignID, tenAM, elevenAM)
	if err != nil {
		t.Fatalf("one-hour window: %v", err)
	}
	if spent != 300 {
		t.Fatalf("spend = %d, want the 10:00 bucket only", spent)
	}

	spent, err = hot.BudgetConsumedBetween(ctx, campaignID, tenAM, hotNow)
	if err != nil {
		t.Fatalf("two-hour window: %v", err)
	}
	if spent != 800 {
		t.Fatalf("spend = %d, want both buckets", spent)
	}

	// Mid-hour starts cover their whole bucket.
	spent, err = hot.BudgetConsumedBetween(ctx, campaignID, tenFifteen.Add(10*time.Minute), elevenAM)
	if err != nil {
		t.Fatalf("mid-hour window: %v", err)
	}
	if spent != 300 {
		t.Fatalf("spend = %d, truncated window must still see hour 10", spent)
	}

	spent, err = hot.BudgetConsumedBetween(ctx, campaignID, elevenAM, elevenAM)
	if err != nil {
		t.Fatalf("empty window: %v", err)
	}
	if spent != 0 {
		t.Fatalf("spend = %d, want 0 for an empty window", spent)
	}
}

func TestDayCounters(t *testing.T) {
	hot := openHot(t)
	prizeID := uuid.New()
	ruleID := uuid.New()
	day := types.DayKey(hotNow)
	nextDay := types.DayKey(hotNow.Add(24 * time.Hour))

	count, err := hot.PrizeDayCount(prizeID, day)
	if err != nil {
		t.Fatalf("fresh prize count: %v", err)
	}
	if count != 0 {
		t.Fatalf("fresh count = %d, want 0", count)
	}

	if err := hot.IncrementPrizeDay(prizeID, day, 2); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := hot.IncrementPrizeDay(prizeID, day, 3); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := hot.IncrementPrizeDay(prizeID, day, 0); err != nil {
		t.Fatalf("zero increment: %v", err)
	}
	count, err = hot.PrizeDayCount(prizeID, day)
	if err != nil {
		t.Fatalf("prize count: %v", err)
	}
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}
	count, err = hot.PrizeDayCount(prizeID, nextDay)
	if err != nil {
		t.Fatalf("next-day count: %v", err)
	}
	if count != 0 {
		t.Fatalf("next-day count = %d, days must not bleed", count)
	}

	if err := hot.IncrementQuota(ruleID, day, "u-1", 1); err != nil {
		t.Fatalf("quota increment: %v", err)
	}
	if err := hot.IncrementQuota(ruleID, day, "u-1", 1); err != nil {
		t.Fatalf("quota increment: %v", err)
	}
	count, err = hot.QuotaCount(ruleID, day, "u-1")
	if err != nil {
		t.Fatalf("quota count: %v", err)
	}
	if count != 2 {
		t.Fatalf("quota count = %d, want 2", count)
	}
	count, err = hot.QuotaCount(ruleID, day, "u-2")
	if err != nil {
		t.Fatalf("other-user count: %v", err)
	}
	if count != 0 {
		t.Fatalf("other-user count = %d, users must not share usage", count)
	}
}

func TestPruneDropsStaleKeys(t *testing.T) {
	hot := openHot(t)
	ctx := context.Background()
	campaignID := uuid.New()
	prizeID := uuid.New()
	ruleID := uuid.New()
	stale := hotNow.Add(-72 * time.Hour)

	err := hot.RecordDecisions([]DecisionSample{
		{CampaignID: campaignID, UserID: "u-1", Tier: types.TierFallback, BudgetSpent: 100, At: stale},
		{CampaignID: campaignID, UserID: "u-1", Tier: types.TierFallback, BudgetSpent: 100, At: hotNow},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := hot.IncrementPrizeDay(prizeID, types.DayKey(stale), 1); err != nil {
		t.Fatalf("stale prize counter: %v", err)
	}
	if err := hot.IncrementPrizeDay(prizeID, types.DayKey(hotNow), 1); err != nil {
		t.Fatalf("fresh prize counter: %v", err)
	}
	if err := hot.IncrementQuota(ruleID, types.DayKey(stale), "u-1", 1); err != nil {
		t.Fatalf("stale quota counter: %v", err)
	}
	if err := hot.IncrementQuota(ruleID, types.DayKey(hotNow), "u-1", 1); err != nil {
		t.Fatalf("fresh quota counter: %v", err)
	}

	current := hotNow.Add(-2 * time.Hour)
	hot.SetClock(func() time.Time { return current })
	if _, _, err := hot.BeginRequest("req-old", "fp", time.Hour); err != nil {
		t.Fatalf("expired reservation: %v", err)
	}
	current = hotNow
	if _, _, err := hot.BeginRequest("req-live", "fp", time.Hour); err != nil {
		t.Fatalf("live reservation: %v", err)
	}

	deleted, err := hot.Prune(ctx, hotNow, 48*time.Hour, 48*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 5 {
		t.Fatalf("deleted = %d, want stale bucket + sketch + 2 day counters + expired reservation", deleted)
	}

	counters, err := hot.HourBucket(campaignID, types.HourKey(hotNow))
	if err != nil {
		t.Fatalf("fresh bucket: %v", err)
	}
	if counters.TotalDraws != 1 {
		t.Fatalf("fresh bucket draws = %d, want untouched 1", counters.TotalDraws)
	}
	counters, err = hot.HourBucket(campaignID, types.HourKey(stale))
	if err != nil {
		t.Fatalf("stale bucket: %v", err)
	}
	if counters.TotalDraws != 0 {
		t.Fatalf("stale bucket draws = %d, want pruned", counters.TotalDraws)
	}

	count, err := hot.PrizeDayCount(prizeID, types.DayKey(hotNow))
	if err != nil {
		t.Fatalf("fresh prize count: %v", err)
	}
	if count != 1 {
		t.Fatalf("fresh prize count = %d, want untouched 1", count)
	}

	record, err := hot.Request("req-live")
	if err != nil {
		t.Fatalf("live lookup: %v", err)
	}
	if record == nil {
		t.Fatal("live reservation pruned")
	}
}
