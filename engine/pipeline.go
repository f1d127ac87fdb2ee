package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"lukechampine.com/blake3"

	"fortuna/assets"
	"fortuna/core/types"
	"fortuna/hotstore"
	"fortuna/locks"
	"fortuna/observability"
	"fortuna/storage"
)

// idemPollInterval paces the bounded wait on an in-flight duplicate.
const idemPollInterval = 50 * time.Millisecond

// AssetService is the slice of the external points service the pipeline
// consumes. Every mutation is idempotent by caller-supplied key so a retried
// request never double-charges or double-issues.
type AssetService interface {
	Balance(ctx context.Context, account string) (int64, error)
	Debit(ctx context.Context, account string, amount int64, idemKey string) (assets.DebitResult, error)
	Issue(ctx context.Context, account, itemRef, idemKey string) (string, error)
}

// DrawRequest is one client draw attempt. ClientRequestID is the caller's
// idempotency key: the same id always produces the same response.
type DrawRequest struct {
	UserID          string
	CampaignID      uuid.UUID
	DrawType        types.DrawType
	ClientRequestID string
	Segment         string
	Role            string
}

func (r DrawRequest) validate() error {
	if r.UserID == "" {
		return types.NewError(types.CodeConfigViolation, "user id required")
	}
	if r.CampaignID == uuid.Nil {
		return types.NewError(types.CodeConfigViolation, "campaign id required")
	}
	if !r.DrawType.Valid() {
		return types.NewError(types.CodeConfigViolation, "draw type %q not supported", r.DrawType)
	}
	if r.ClientRequestID == "" {
		return types.NewError(types.CodeConfigViolation, "client request id required")
	}
	return nil
}

// Fingerprint binds a client request id to the request's semantic content so
// a reused id with different coordinates is rejected instead of replayed.
func (r DrawRequest) Fingerprint() string {
	sum := blake3.Sum256([]byte(r.UserID + "|" + r.CampaignID.String() + "|" + string(r.DrawType)))
	return hex.EncodeToString(sum[:])
}

// PrizeAward is one decision's outcome as returned to the caller. A nil
// PrizeID with tier fallback is an explicit empty after full exhaustion.
type PrizeAward struct {
	PrizeID      *uuid.UUID `json:"prize_id,omitempty"`
	Name         string     `json:"name,omitempty"`
	Tier         types.Tier `json:"tier"`
	ValuePoints  int64      `json:"value_points"`
	PendingIssue bool       `json:"pending_issue,omitempty"`
}

// DrawResult is the committed response of one draw request. The canonical
// bytes stored for replay marshal exactly this shape.
type DrawResult struct {
	RequestID    string               `json:"request_id"`
	Prizes       []PrizeAward         `json:"prizes"`
	NewBalance   int64                `json:"new_balance"`
	PendingIssue bool                 `json:"pending_issue"`
	Trace        []types.DrawDecision `json:"trace"`
	Replayed     bool                 `json:"-"`

	canonical json.RawMessage
}

// Canonical returns the exact response bytes committed under the client
// request id. Transports write these verbatim so retries stay byte-identical.
func (r *DrawResult) Canonical() json.RawMessage {
	return r.canonical
}

// Config wires the pipeline's collaborators and tuning. Zero durations fall
// back to conservative defaults in New.
type Config struct {
	Store    *storage.Store
	Hot      *hotstore.Store
	Locks    *locks.Service
	Assets   AssetService
	Pressure *Controller

	DrawDeadline         time.Duration
	IdempotencyTTL       time.Duration
	IdempotencyWait      time.Duration
	IdempotencyRetention time.Duration
	PricingCacheTTL      time.Duration
	LockTTL              time.Duration
	LockHeartbeat        time.Duration
	LockAcquireTimeout   time.Duration
	Params               Params
}

// Pipeline turns draw requests into committed decisions. It is safe for
// concurrent use; per-(user, campaign) serialization happens via the lock
// service, not here.
type Pipeline struct {
	store    *storage.Store
	hot      *hotstore.Store
	locks    *locks.Service
	assets   AssetService
	pressure *Controller

	deadline        time.Duration
	idemTTL         time.Duration
	idemWait        time.Duration
	idemRetention   time.Duration
	pricingTTL      time.Duration
	lockTTL         time.Duration
	lockHeartbeat   time.Duration
	lockWaitTimeout time.Duration
	params          Params

	rng     Source
	rngHint string
	clock   func() time.Time
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *observability.PipelineMetrics
	exec    *observability.ExecutorMetrics

	pricingMu    sync.RWMutex
	pricingCache map[uuid.UUID]pricingEntry
}

type pricingEntry struct {
	version   *types.PricingVersion
	fetchedAt time.Time
}

// Option tweaks pipeline construction, mostly for tests.
type Option func(*Pipeline)

// WithClock overrides the business clock.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// WithRNG swaps the sampling source. The hint is recorded on every decision
// so replays can name the stream that produced them.
func WithRNG(src Source, hint string) Option {
	return func(p *Pipeline) {
		p.rng = src
		p.rngHint = hint
	}
}

// WithLogger overrides the pipeline logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// New builds a Pipeline from its collaborators.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.Store == nil || cfg.Hot == nil || cfg.Locks == nil || cfg.Assets == nil || cfg.Pressure == nil {
		return nil, fmt.Errorf("engine: store, hot store, locks, assets and pressure controller are all required")
	}
	p := &Pipeline{
		store:           cfg.Store,
		hot:             cfg.Hot,
		locks:           cfg.Locks,
		assets:          cfg.Assets,
		pressure:        cfg.Pressure,
		deadline:        cfg.DrawDeadline,
		idemTTL:         cfg.IdempotencyTTL,
		idemWait:        cfg.IdempotencyWait,
		idemRetention:   cfg.IdempotencyRetention,
		pricingTTL:      cfg.PricingCacheTTL,
		lockTTL:         cfg.LockTTL,
		lockHeartbeat:   cfg.LockHeartbeat,
		lockWaitTimeout: cfg.LockAcquireTimeout,
		params:          cfg.Params,
		rng:             NewCryptoSource(),
		rngHint:         "crypto",
		clock:           time.Now,
		log:             slog.Default().With("component", "pipeline"),
		tracer:          otel.Tracer("fortuna/engine"),
		metrics:         observability.Pipeline(),
		exec:            observability.Executor(),
		pricingCache:    make(map[uuid.UUID]pricingEntry),
	}
	if p.deadline <= 0 {
		p.deadline = 3 * time.Second
	}
	if p.idemTTL <= 0 {
		p.idemTTL = 5 * time.Second
	}
	if p.idemWait <= 0 {
		p.idemWait = 700 * time.Millisecond
	}
	if p.idemRetention <= 0 {
		p.idemRetention = 24 * time.Hour
	}
	if p.pricingTTL <= 0 {
		p.pricingTTL = 30 * time.Second
	}
	if p.lockTTL <= 0 {
		p.lockTTL = 5 * time.Second
	}
	if p.lockHeartbeat <= 0 {
		p.lockHeartbeat = p.lockTTL / 3
	}
	if p.lockWaitTimeout <= 0 {
		p.lockWaitTimeout = 2 * time.Second
	}
	if p.params == (Params{}) {
		p.params = DefaultParams()
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// drawView is the frozen read set one request decides against.
type drawView struct {
	campaign  *types.Campaign
	pricing   *types.PricingVersion
	state     *types.UserExperienceState
	global    *types.UserGlobalState
	snapshot  Snapshot
	tierRules []types.TierRule
	quota     *types.QuotaRule
	cost      int64
}

// Decide runs the full decision pipeline for one request: load, admission,
// idempotency, corrections, selection, execution, emission. Every error
// carries a stable code from the taxonomy in core/types.
func (p *Pipeline) Decide(ctx context.Context, req DrawRequest) (*DrawResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "pipeline.decide", trace.WithAttributes(
		attribute.String("lottery.campaign_id", req.CampaignID.String()),
		attribute.String("lottery.draw_type", string(req.DrawType)),
	))
	defer span.End()

	result, err := p.run(ctx, req)
	if err != nil {
		code := types.CodeOf(err)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(code))
		p.metrics.RecordFailure(req.CampaignID.String(), string(code))
		return nil, err
	}
	if result.Replayed {
		span.SetAttributes(attribute.Bool("lottery.replayed", true))
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, req DrawRequest) (*DrawResult, error) {
	fingerprint := req.Fingerprint()

	// Committed duplicates replay before any gate runs so a retry stays
	// byte-identical even after quotas or budgets moved underneath it.
	if cached, err := p.hot.Request(req.ClientRequestID); err == nil && cached != nil && cached.Status == hotstore.StatusCommitted {
		return p.replay(req, fingerprint, cached)
	}

	view, err := p.load(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := p.admit(ctx, req, view); err != nil {
		return nil, err
	}
	if replayed, err := p.reserve(ctx, req, fingerprint); replayed != nil || err != nil {
		return replayed, err
	}

	// The reservation is ours. If the durable draws already exist the hot
	// store lost a previous commit; rebuild the response instead of drawing
	// twice. Correctness never leans on the hot store surviving.
	if rebuilt, err := p.rebuildFromStore(ctx, req); err != nil {
		p.releaseQuietly(req.ClientRequestID)
		return nil, err
	} else if rebuilt != nil {
		return rebuilt, nil
	}

	start := p.clock()
	result, err := p.execute(ctx, req, view)
	p.metrics.ObserveStage("execute", p.clock().Sub(start))
	if err != nil {
		p.releaseQuietly(req.ClientRequestID)
		if errors.Is(err, context.DeadlineExceeded) {
			switch types.CodeOf(err) {
			case types.CodeInternal, types.CodeTransientStore:
				return nil, types.WrapError(types.CodeTimeout, err, "draw deadline exceeded")
			}
		}
		return nil, err
	}

	canonical, err := json.Marshal(result)
	if err != nil {
		p.releaseQuietly(req.ClientRequestID)
		return nil, types.WrapError(types.CodeInternal, err, "encode draw response")
	}
	result.canonical = canonical
	if err := p.hot.CommitRequest(req.ClientRequestID, canonical, p.idemRetention); err != nil {
		// The draw is durable; losing the replay cache only degrades
		// duplicates to the slower store-backed rebuild.
		p.log.Warn("idempotency commit failed", "request_id", req.ClientRequestID, "error", err)
	}
	return result, nil
}

// load assembles the read view: campaign, active pricing, user state and the
// budget/pressure snapshot.
func (p *Pipeline) load(ctx context.Context, req DrawRequest) (*drawView, error) {
	start := p.clock()
	defer func() { p.metrics.ObserveStage("load", p.clock().Sub(start)) }()

	campaign, err := p.store.CampaignByID(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	now := p.clock()
	if campaign.Status != types.CampaignActive {
		return nil, types.NewError(types.CodeCampaignInactive, "campaign %s is %s", campaign.Code, campaign.Status)
	}
	if !campaign.EndsAt.IsZero() && now.After(campaign.EndsAt) {
		return nil, types.NewError(types.CodeCampaignInactive, "campaign %s ended %s", campaign.Code, campaign.EndsAt.Format(time.RFC3339))
	}
	pricing, err := p.activePricing(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	state, err := p.store.ExperienceState(ctx, req.UserID, campaign.ID)
	if err != nil {
		return nil, err
	}
	global, err := p.store.GlobalState(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	snapshot, err := p.pressure.Snapshot(ctx, campaign)
	if err != nil {
		return nil, err
	}
	rules, err := p.store.TierRulesForSegment(ctx, campaign.ID, req.Segment)
	if err != nil {
		return nil, err
	}
	return &drawView{
		campaign:  campaign,
		pricing:   pricing,
		state:     state,
		global:    global,
		snapshot:  snapshot,
		tierRules: rules,
	}, nil
}

// admit runs the cheap pre-checks: pricing cost, quota headroom and balance.
// All are advisory; the executor re-validates under the transaction.
func (p *Pipeline) admit(ctx context.Context, req DrawRequest, view *drawView) error {
	start := p.clock()
	defer func() { p.metrics.ObserveStage("admission", p.clock().Sub(start)) }()

	cost := view.pricing.Pricing.CostFor(req.DrawType)
	if cost <= 0 {
		return types.NewError(types.CodeConfigViolation, "pricing version %d has no %s cost", view.pricing.Version, req.DrawType)
	}
	view.cost = cost

	now := p.clock()
	draws := int64(req.DrawType.Count())
	rules, err := p.store.EnabledQuotaRules(ctx)
	if err != nil {
		return err
	}
	if rule := ResolveQuota(rules, req.UserID, req.CampaignID, req.Role, now); rule != nil {
		view.quota = rule
		used, err := p.hot.QuotaCount(rule.ID, types.DayKey(now), req.UserID)
		if err != nil {
			return err
		}
		if used+draws > rule.DailyLimit {
			return types.NewError(types.CodeQuotaExceeded, "daily limit %d reached (%s scope)", rule.DailyLimit, rule.Scope)
		}
	}

	balance, err := p.assets.Balance(ctx, req.UserID)
	if err != nil {
		return types.WrapError(types.CodeTransientStore, err, "read balance for %s", req.UserID)
	}
	if balance < cost {
		return types.NewError(types.CodeInsufficientPoints, "balance %d below cost %d", balance, cost)
	}
	return nil
}

// reserve claims the client request id or resolves a duplicate: committed
// records replay, in-flight records get a bounded wait then IN_PROGRESS.
// A (nil, nil) return means the reservation is ours and execution proceeds.
func (p *Pipeline) reserve(ctx context.Context, req DrawRequest, fingerprint string) (*DrawResult, error) {
	start := p.clock()
	defer func() { p.metrics.ObserveStage("idempotency", p.clock().Sub(start)) }()

	record, began, err := p.hot.BeginRequest(req.ClientRequestID, fingerprint, p.idemTTL)
	if err != nil {
		return nil, err
	}
	if began {
		return nil, nil
	}
	if record.Fingerprint != fingerprint {
		return nil, types.NewError(types.CodeConfigViolation, "client request id %s reused with different parameters", req.ClientRequestID)
	}
	if record.Status == hotstore.StatusCommitted {
		return p.replay(req, fingerprint, record)
	}

	deadline := p.clock().Add(p.idemWait)
	for {
		select {
		case <-ctx.Done():
			return nil, types.WrapError(types.CodeTimeout, ctx.Err(), "waiting on in-flight duplicate %s", req.ClientRequestID)
		case <-time.After(idemPollInterval):
		}
		current, err := p.hot.Request(req.ClientRequestID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			// The first attempt released its claim; take over.
			record, began, err = p.hot.BeginRequest(req.ClientRequestID, fingerprint, p.idemTTL)
			if err != nil {
				return nil, err
			}
			if began {
				return nil, nil
			}
			current = record
		}
		if current.Status == hotstore.StatusCommitted {
			return p.replay(req, fingerprint, current)
		}
		if !p.clock().Before(deadline) {
			return nil, types.NewError(types.CodeInProgress, "request %s is still in flight", req.ClientRequestID)
		}
	}
}

// replay rehydrates a committed response from its canonical bytes.
func (p *Pipeline) replay(req DrawRequest, fingerprint string, record *hotstore.IdempotencyRecord) (*DrawResult, error) {
	if record.Fingerprint != fingerprint {
		return nil, types.NewError(types.CodeConfigViolation, "client request id %s reused with different parameters", req.ClientRequestID)
	}
	var result DrawResult
	if err := json.Unmarshal(record.Response, &result); err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "decode committed response %s", req.ClientRequestID)
	}
	result.canonical = record.Response
	result.Replayed = true
	p.metrics.RecordReplay()
	return &result, nil
}

// rebuildFromStore reconstructs a response from durable draw records after
// the hot store forgot a commit. NewBalance is re-read, the rest is exact.
func (p *Pipeline) rebuildFromStore(ctx context.Context, req DrawRequest) (*DrawResult, error) {
	draws, decisions, err := p.store.DrawsByRequestKey(ctx, req.ClientRequestID)
	if err != nil {
		return nil, err
	}
	if len(draws) == 0 {
		return nil, nil
	}
	balance, err := p.assets.Balance(ctx, req.UserID)
	if err != nil {
		return nil, types.WrapError(types.CodeTransientStore, err, "read balance for %s", req.UserID)
	}
	result := &DrawResult{
		RequestID:  req.ClientRequestID,
		Prizes:     make([]PrizeAward, 0, len(draws)),
		NewBalance: balance,
		Trace:      decisions,
		Replayed:   true,
	}
	for _, draw := range draws {
		award := PrizeAward{
			PrizeID:      draw.PrizeID,
			Tier:         draw.RewardTier,
			ValuePoints:  draw.PrizeValue,
			PendingIssue: draw.PendingIssue,
		}
		if draw.PrizeID != nil {
			if prize, perr := p.store.PrizeByID(ctx, *draw.PrizeID); perr == nil {
				award.Name = prize.Name
			}
		}
		if draw.PendingIssue {
			result.PendingIssue = true
		}
		result.Prizes = append(result.Prizes, award)
	}
	canonical, err := json.Marshal(result)
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, err, "encode rebuilt response %s", req.ClientRequestID)
	}
	result.canonical = canonical
	if err := p.hot.CommitRequest(req.ClientRequestID, canonical, p.idemRetention); err != nil {
		p.log.Warn("idempotency recommit failed", "request_id", req.ClientRequestID, "error", err)
	}
	p.metrics.RecordReplay()
	p.log.Warn("rebuilt committed response from store", "request_id", req.ClientRequestID)
	return result, nil
}

func (p *Pipeline) releaseQuietly(key string) {
	if err := p.hot.ReleaseRequest(key); err != nil {
		p.log.Warn("idempotency release failed", "request_id", key, "error", err)
	}
}

// activePricing serves the campaign's active pricing from a short cache; a
// mid-request activation lands within the cache TTL, never mid-batch.
func (p *Pipeline) activePricing(ctx context.Context, campaignID uuid.UUID) (*types.PricingVersion, error) {
	now := p.clock()
	p.pricingMu.RLock()
	entry, ok := p.pricingCache[campaignID]
	p.pricingMu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) < p.pricingTTL {
		return entry.version, nil
	}
	version, err := p.store.ActivePricing(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	p.pricingMu.Lock()
	p.pricingCache[campaignID] = pricingEntry{version: version, fetchedAt: now}
	p.pricingMu.Unlock()
	return version, nil
}

// InvalidatePricing drops the cached pricing for one campaign. The admin
// plane calls it after activations so operators see changes immediately.
func (p *Pipeline) InvalidatePricing(campaignID uuid.UUID) {
	p.pricingMu.Lock()
	delete(p.pricingCache, campaignID)
	p.pricingMu.Unlock()
}
