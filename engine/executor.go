package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fortuna/core/types"
	"fortuna/hotstore"
	"fortuna/locks"
	"fortuna/storage"
)

// txOutcome accumulates everything one execution commits, so the post-commit
// emission never re-reads the transaction's writes.
type txOutcome struct {
	awards       []PrizeAward
	decisions    []types.DrawDecision
	samples      []hotstore.DecisionSample
	prizeDayIncs map[uuid.UUID]int64
	triggered    []string
	pipelines    []string
	tiers        []string
	newBalance   int64
	remaining    int64
	pendingIssue bool
	exhausted    bool
	decisionN    int64
}

// execute serializes the draw on its (user, campaign) lease and commits every
// decision of the request in one transaction. Post-commit effects (hot
// counters, metrics) are advisory and never fail the draw.
func (p *Pipeline) execute(ctx context.Context, req DrawRequest, view *drawView) (*DrawResult, error) {
	lockKey := locks.Key(req.CampaignID, req.UserID)
	waitStart := p.clock()
	owner, err := p.locks.Acquire(ctx, lockKey, p.lockTTL, p.lockWaitTimeout)
	if err != nil {
		return nil, err
	}
	p.exec.ObserveLockWait(p.clock().Sub(waitStart))

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	go p.holdLease(hbCtx, lockKey, owner)
	defer func() {
		stopHeartbeat()
		if err := p.locks.Release(lockKey, owner); err != nil {
			p.log.Warn("lease release failed", "key", lockKey, "error", err)
		}
	}()

	out := &txOutcome{prizeDayIncs: make(map[uuid.UUID]int64)}
	err = p.store.Transaction(ctx, func(tx *gorm.DB) error {
		return p.executeTx(ctx, tx, req, view, out)
	})
	if err != nil {
		return nil, err
	}

	p.emit(req, view, out)

	return &DrawResult{
		RequestID:    req.ClientRequestID,
		Prizes:       out.awards,
		NewBalance:   out.newBalance,
		PendingIssue: out.pendingIssue,
		Trace:        out.decisions,
	}, nil
}

// holdLease renews the lock lease until the execution completes. A failed
// renewal means the lease expired under us; the transaction still decides
// correctness, the lease only reduces contention.
func (p *Pipeline) holdLease(ctx context.Context, key, owner string) {
	ticker := time.NewTicker(p.lockHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.locks.Heartbeat(key, owner, p.lockTTL); err != nil {
				p.log.Warn("lease heartbeat failed", "key", key, "error", err)
				return
			}
		}
	}
}

func (p *Pipeline) executeTx(ctx context.Context, tx *gorm.DB, req DrawRequest, view *drawView, out *txOutcome) error {
	now := p.clock().UTC()
	day := types.DayKey(now)
	count := req.DrawType.Count()

	// Re-validate under the row lock: admission ran against cached reads
	// that may trail the committed truth by the staleness window.
	campaign, err := storage.LockCampaignTx(tx, req.CampaignID)
	if err != nil {
		return err
	}
	if campaign.Status != types.CampaignActive {
		return types.NewError(types.CodeCampaignInactive, "campaign %s is %s", campaign.Code, campaign.Status)
	}
	if view.quota != nil {
		used, err := storage.CountQuotaDrawsTx(tx, view.quota, req.UserID, req.CampaignID, day)
		if err != nil {
			return err
		}
		if used+int64(count) > view.quota.DailyLimit {
			return types.NewError(types.CodeQuotaExceeded, "daily limit %d reached (%s scope)", view.quota.DailyLimit, view.quota.Scope)
		}
	}

	state, err := storage.ExperienceStateTx(tx, req.UserID, req.CampaignID)
	if err != nil {
		return err
	}
	global, err := storage.GlobalStateTx(tx, req.UserID)
	if err != nil {
		return err
	}
	prizes, err := storage.PrizesTx(tx, req.CampaignID)
	if err != nil {
		return err
	}
	directive, err := storage.PendingDirectiveTx(tx, req.CampaignID, req.UserID)
	if err != nil {
		return err
	}

	prizeByID := make(map[uuid.UUID]*types.Prize, len(prizes))
	dayCounts := make(map[uuid.UUID]int64)
	for i := range prizes {
		prize := &prizes[i]
		prizeByID[prize.ID] = prize
		if prize.DayCap != nil {
			n, err := p.hot.PrizeDayCount(prize.ID, day)
			if err != nil {
				return err
			}
			dayCounts[prize.ID] = n
		}
	}

	// Configuration faults must surface before the debit. The transaction
	// rolls back on its own, but the asset-side charge would not.
	if !(Candidates{Prizes: prizes}).hasConfigured(types.TierFallback) {
		return types.NewError(types.CodeConfigViolation,
			"campaign %s has no active fallback prize", campaign.Code)
	}
	if campaign.Guarantee.Enabled {
		if _, err := guaranteeTier(campaign, prizeByID); err != nil {
			return err
		}
	}

	// The debit key is stable per request: a replayed execution reuses the
	// same debit on the asset side instead of charging twice.
	debit, err := p.assets.Debit(ctx, req.UserID, view.cost, req.ClientRequestID+":debit")
	if err != nil {
		p.exec.RecordAssetError("debit", string(types.CodeOf(err)))
		return err
	}
	out.newBalance = debit.BalanceAfter

	remaining := campaign.RemainingBudget
	budgetLimited := campaign.BudgetMode == types.BudgetPool

	for seq := 0; seq < count; seq++ {
		campaign.RemainingBudget = remaining
		evalCtx := &EvalContext{
			Campaign:  campaign,
			State:     state,
			Global:    global,
			Snapshot:  view.snapshot,
			Params:    p.params,
			Directive: directive,
			PrizeByID: prizeByID,
		}
		override, weights, traces, triggered, err := EvaluateCorrections(evalCtx, BaseWeights(view.tierRules, view.snapshot.Cell))
		if err != nil {
			return err
		}

		candidates := Candidates{
			Prizes:          prizes,
			DayCounts:       dayCounts,
			RemainingBudget: remaining,
			BudgetLimited:   budgetLimited,
		}

		pipelineType := types.PipelineNormal
		var selection Selection
		if override != nil {
			pipelineType = override.Pipeline
			selection, err = selectPinned(override, candidates, p.rng)
		} else {
			selection, err = SelectPrize(SelectTier(weights, p.rng), candidates, nil, p.rng)
		}
		if err != nil {
			return err
		}

		selection, spend, err := p.settle(tx, campaign, candidates, selection)
		if err != nil {
			return err
		}

		record := &types.DrawRecord{
			ID:             uuid.New(),
			CampaignID:     campaign.ID,
			UserID:         req.UserID,
			DrawType:       req.DrawType,
			Seq:            seq,
			RewardTier:     selection.Tier,
			IdempotencyKey: req.ClientRequestID,
			DayBucket:      day,
			CreatedAt:      now,
		}
		if seq == 0 {
			record.CostPoints = view.cost
		}
		award := PrizeAward{Tier: selection.Tier}
		if selection.Prize != nil {
			record.PrizeID = &selection.Prize.ID
			record.PrizeValue = selection.Prize.ValuePoints
			award.PrizeID = &selection.Prize.ID
			award.Name = selection.Prize.Name
			award.ValuePoints = selection.Prize.ValuePoints
		}

		decision := &types.DrawDecision{
			ID:              uuid.New(),
			CampaignID:      campaign.ID,
			UserID:          req.UserID,
			BudgetTier:      view.snapshot.Budget,
			PressureTier:    view.snapshot.Pressure,
			EffectiveBudget: remaining,
			PipelineType:    pipelineType,
			Corrections:     traces,
			SelectedTier:    selection.Tier,
			Weights:         weights.Snapshot(),
			RNGSeedHint:     p.rngHint,
			CreatedAt:       now,
		}

		// Issue before the insert so a deferred issuance lands on the
		// record, not after it. The per-seq key keeps retries exact.
		if selection.Prize != nil {
			issueKey := fmt.Sprintf("%s:issue:%d", req.ClientRequestID, seq)
			prizeRef := "prize:" + selection.Prize.ID.String()
			if _, err := p.assets.Issue(ctx, req.UserID, prizeRef, issueKey); err != nil {
				p.exec.RecordAssetError("issue", string(types.CodeOf(err)))
				record.PendingIssue = true
				award.PendingIssue = true
				out.pendingIssue = true
				entry := &types.OutboxEntry{
					DrawID:         record.ID,
					UserID:         req.UserID,
					PrizeRef:       prizeRef,
					IdempotencyKey: issueKey,
					NextAttemptAt:  now,
					LastError:      err.Error(),
					CreatedAt:      now,
					UpdatedAt:      now,
				}
				if err := storage.EnqueueIssueTx(tx, entry); err != nil {
					return err
				}
			}
		}

		if err := storage.InsertDrawTx(tx, record, decision); err != nil {
			return err
		}

		pityFired := override != nil && override.Module == "pity"
		ApplyDrawOutcome(state, selection.Tier, pityFired, p.params, now)
		ApplyGlobalOutcome(global, selection.Tier, p.params.LuckDebt, now)

		if directive != nil && override != nil && override.Module == "admin_intent" {
			if err := storage.ConsumeDirectiveTx(tx, directive.ID, record.ID, now); err != nil {
				return err
			}
			directive = nil
		}

		if selection.Prize != nil {
			if selection.Prize.DayCap != nil {
				dayCounts[selection.Prize.ID]++
				out.prizeDayIncs[selection.Prize.ID]++
			}
			remaining -= spend
		}
		if selection.Prize == nil {
			out.exhausted = true
		}

		out.awards = append(out.awards, award)
		out.decisions = append(out.decisions, *decision)
		out.samples = append(out.samples, hotstore.DecisionSample{
			CampaignID:  campaign.ID,
			UserID:      req.UserID,
			Tier:        selection.Tier,
			BudgetTier:  view.snapshot.Budget,
			Corrections: triggered,
			BudgetSpent: spend,
			PrizeValue:  record.PrizeValue,
			At:          now,
		})
		out.triggered = append(out.triggered, triggered...)
		out.pipelines = append(out.pipelines, string(pipelineType))
		out.tiers = append(out.tiers, string(selection.Tier))
	}

	if err := storage.SaveExperienceState(tx, state); err != nil {
		return err
	}
	if err := storage.SaveGlobalState(tx, global); err != nil {
		return err
	}

	out.remaining = remaining
	out.decisionN = int64(count)
	return nil
}

// selectPinned honors an override that names a concrete prize, provided it is
// still eligible; otherwise it samples within the override tier.
func selectPinned(ov *Override, c Candidates, rng Source) (Selection, error) {
	if ov.PrizeID != nil {
		for i := range c.Prizes {
			if c.Prizes[i].ID != *ov.PrizeID {
				continue
			}
			for _, candidate := range c.eligible(c.Prizes[i].Tier, nil) {
				if candidate.ID == *ov.PrizeID {
					pick := candidate
					return Selection{RequestedTier: ov.Tier, Tier: pick.Tier, Prize: &pick}, nil
				}
			}
			break
		}
	}
	return SelectPrize(ov.Tier, c, nil, rng)
}

// settle makes a sampled selection durable. Finite stock and pooled budget
// move through conditional updates; a lost race demotes once and a second
// loss commits an explicit empty instead of failing the request.
func (p *Pipeline) settle(tx *gorm.DB, campaign *types.Campaign, c Candidates, sel Selection) (Selection, int64, error) {
	excluded := make(map[uuid.UUID]bool)
	for attempt := 0; attempt < 2; attempt++ {
		if sel.Prize == nil {
			return sel, 0, nil
		}
		prize := sel.Prize
		settledStock := false
		if prize.Stock != nil {
			ok, err := storage.DecrementStock(tx, prize.ID)
			if err != nil {
				return sel, 0, err
			}
			if !ok {
				p.exec.RecordDemotion("stock_race")
				next, err := p.reselect(sel.RequestedTier, c, excluded, prize.ID)
				if err != nil {
					return sel, 0, err
				}
				sel = next
				continue
			}
			settledStock = true
		}
		if campaign.BudgetMode == types.BudgetPool && prize.ValuePoints > 0 {
			ok, err := storage.ConsumeBudget(tx, campaign.ID, prize.ValuePoints)
			if err != nil {
				return sel, 0, err
			}
			if !ok {
				if settledStock {
					if err := storage.RestoreStock(tx, prize.ID); err != nil {
						return sel, 0, err
					}
				}
				p.exec.RecordDemotion("budget_race")
				next, err := p.reselect(sel.RequestedTier, c, excluded, prize.ID)
				if err != nil {
					return sel, 0, err
				}
				sel = next
				continue
			}
			return sel, prize.ValuePoints, nil
		}
		return sel, 0, nil
	}
	return Selection{RequestedTier: sel.RequestedTier, Tier: types.TierFallback, Exhausted: true}, 0, nil
}

func (p *Pipeline) reselect(requested types.Tier, c Candidates, excluded map[uuid.UUID]bool, lost uuid.UUID) (Selection, error) {
	excluded[lost] = true
	return SelectPrize(requested, c, excluded, p.rng)
}

// emit publishes post-commit effects: hot counters feeding pressure and
// rollup, quota and day-cap tallies, and the Prometheus series. Failures are
// logged and dropped; the committed draw is already the truth.
func (p *Pipeline) emit(req DrawRequest, view *drawView, out *txOutcome) {
	now := p.clock()
	day := types.DayKey(now)
	code := view.campaign.Code

	if err := p.hot.RecordDecisions(out.samples); err != nil {
		p.log.Warn("hot counter update failed", "campaign", code, "error", err)
	}
	if view.quota != nil {
		if err := p.hot.IncrementQuota(view.quota.ID, day, req.UserID, out.decisionN); err != nil {
			p.log.Warn("quota counter update failed", "rule", view.quota.ID, "error", err)
		}
	}
	for prizeID, n := range out.prizeDayIncs {
		if err := p.hot.IncrementPrizeDay(prizeID, day, n); err != nil {
			p.log.Warn("day cap counter update failed", "prize", prizeID, "error", err)
		}
	}

	for i := range out.tiers {
		p.metrics.RecordDecision(code, out.tiers[i], out.pipelines[i])
	}
	for _, module := range out.triggered {
		p.metrics.RecordCorrection(module)
	}
	if out.exhausted {
		p.exec.RecordExhaustion(code)
	}
	if view.campaign.BudgetMode == types.BudgetPool {
		p.exec.RecordBudget(code, out.remaining)
	}
}
