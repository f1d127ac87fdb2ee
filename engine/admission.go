package engine

import (
	"time"

	"github.com/google/uuid"

	"fortuna/core/types"
)

// ResolveQuota picks the rule governing one draw from the enabled set: the
// highest priority matching rule wins and ties break toward the narrowest
// scope, so a user override beats a role rule beats the campaign default.
func ResolveQuota(rules []types.QuotaRule, userID string, campaignID uuid.UUID, role string, now time.Time) *types.QuotaRule {
	var best *types.QuotaRule
	for i := range rules {
		rule := &rules[i]
		if !rule.Matches(userID, campaignID, role, now) {
			continue
		}
		if best == nil ||
			rule.Priority > best.Priority ||
			(rule.Priority == best.Priority && rule.Scope.Narrowness() > best.Scope.Narrowness()) {
			best = rule
		}
	}
	return best
}
