package types

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTierDemoteChain(t *testing.T) {
	tier := TierHigh
	want := []Tier{TierMid, TierLow, TierFallback}
	for _, expected := range want {
		next, ok := tier.Demote()
		if !ok {
			t.Fatalf("unexpected demotion stop at %s", tier)
		}
		if next != expected {
			t.Fatalf("demote %s: got %s want %s", tier, next, expected)
		}
		tier = next
	}
	if _, ok := tier.Demote(); ok {
		t.Fatalf("fallback must not demote further")
	}
}

func TestBusinessDayBoundary(t *testing.T) {
	// 16:30 UTC is already the next business day in UTC+8.
	ts := time.Date(2026, 3, 1, 16, 30, 0, 0, time.UTC)
	if got := DayKey(ts); got != "20260302" {
		t.Fatalf("day key: got %s want 20260302", got)
	}
	if got := HourKey(ts); got != "2026030200" {
		t.Fatalf("hour key: got %s want 2026030200", got)
	}
	parsed, err := ParseHourKey("2026030200")
	if err != nil {
		t.Fatalf("parse hour key: %v", err)
	}
	if DayKey(parsed) != "20260302" {
		t.Fatalf("parsed hour key lost its day: %s", DayKey(parsed))
	}
}

func TestQuotaRuleMatching(t *testing.T) {
	campaign := uuid.New()
	now := time.Now()
	until := now.Add(-time.Hour)
	cases := []struct {
		name string
		rule QuotaRule
		want bool
	}{
		{"global", QuotaRule{Scope: QuotaGlobal, Enabled: true}, true},
		{"disabled", QuotaRule{Scope: QuotaGlobal, Enabled: false}, false},
		{"campaign match", QuotaRule{Scope: QuotaCampaign, Subject: campaign.String(), Enabled: true}, true},
		{"campaign miss", QuotaRule{Scope: QuotaCampaign, Subject: uuid.NewString(), Enabled: true}, false},
		{"user match", QuotaRule{Scope: QuotaUser, Subject: "u1", Enabled: true}, true},
		{"role without role", QuotaRule{Scope: QuotaRole, Subject: "vip", Enabled: true}, false},
		{"expired window", QuotaRule{Scope: QuotaGlobal, Enabled: true, ValidUntil: &until}, false},
	}
	for _, tc := range cases {
		if got := tc.rule.Matches("u1", campaign, "", now); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestErrorCodeClassification(t *testing.T) {
	err := NewError(CodeQuotaExceeded, "daily limit %d reached", 5)
	if CodeOf(err) != CodeQuotaExceeded {
		t.Fatalf("code of: got %s", CodeOf(err))
	}
	if err.Retryable() {
		t.Fatalf("quota exceeded must not be retryable")
	}
	wrapped := WrapError(CodeTransientStore, err, "load state")
	if !wrapped.Retryable() {
		t.Fatalf("transient store errors are retryable")
	}
	if !HasCode(wrapped, CodeTransientStore) {
		t.Fatalf("wrapped error lost its code")
	}
	if CodeOf(nil) != CodeInternal {
		t.Fatalf("nil errors classify as internal")
	}
}
