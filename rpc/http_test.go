package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"fortuna/assets"
	"fortuna/config"
	"fortuna/core/types"
	"fortuna/engine"
	"fortuna/hotstore"
	"fortuna/locks"
	"fortuna/rollup"
	"fortuna/storage"
)

const testAdminToken = "test-admin-token"

var rpcTestNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

// stubAssets satisfies the pipeline's points service with idempotent
// in-memory debits and issues.
type stubAssets struct {
	mu       sync.Mutex
	balances map[string]int64
	debits   map[string]int64
	issues   map[string]string
}

func newStubAssets(balances map[string]int64) *stubAssets {
	return &stubAssets{balances: balances, debits: make(map[string]int64), issues: make(map[string]string)}
}

func (f *stubAssets) Balance(ctx context.Context, account string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[account], nil
}

func (f *stubAssets) Debit(ctx context.Context, account string, amount int64, idemKey string) (assets.DebitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance := f.balances[account]
	if _, done := f.debits[idemKey]; done {
		return assets.DebitResult{BalanceBefore: balance + amount, BalanceAfter: balance}, nil
	}
	if balance < amount {
		return assets.DebitResult{}, types.NewError(types.CodeInsufficientPoints, "balance %d below %d", balance, amount)
	}
	f.debits[idemKey] = amount
	f.balances[account] = balance - amount
	return assets.DebitResult{BalanceBefore: balance, BalanceAfter: balance - amount}, nil
}

func (f *stubAssets) Issue(ctx context.Context, account, itemRef, idemKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref, done := f.issues[idemKey]; done {
		return ref, nil
	}
	f.issues[idemKey] = itemRef
	return itemRef, nil
}

func (f *stubAssets) debitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.debits)
}

type testEnv struct {
	server *Server
	store  *storage.Store
	assets *stubAssets
	export string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "fortuna.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hot, err := hotstore.Open(filepath.Join(t.TempDir(), "hot"))
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })

	lockSvc, err := locks.Open(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lockSvc.Close() })

	stub := newStubAssets(map[string]int64{"u1": 10_000})
	clock := func() time.Time { return rpcTestNow }
	pipeline, err := engine.New(engine.Config{
		Store:    store,
		Hot:      hot,
		Locks:    lockSvc,
		Assets:   stub,
		Pressure: engine.NewController(hot, time.Minute, time.Hour, engine.WithControllerClock(clock)),
	}, engine.WithClock(clock), engine.WithRNG(engine.NewSeededSource(7), "seed:7"))
	require.NoError(t, err)

	exportDir := t.TempDir()
	rollupSvc := rollup.New(rollup.Config{Store: store, Hot: hot, ExportDir: exportDir})

	server := NewServer(Config{
		Pipeline:     pipeline,
		Store:        store,
		Rollup:       rollupSvc,
		AdminToken:   testAdminToken,
		RateDisabled: true,
	})
	return &testEnv{server: server, store: store, assets: stub, export: exportDir}
}

// newRequest returns an authorized POST the direct handler tests pass in.
func (env *testEnv) newRequest() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return req
}

// seedCampaign provisions an active campaign with activated pricing, all tier
// weight on low, a low prize, and a fallback prize.
func (env *testEnv) seedCampaign(t *testing.T) (*types.Campaign, *types.Prize) {
	t.Helper()
	ctx := context.Background()
	campaign := &types.Campaign{
		Code:       fmt.Sprintf("camp-%s", uuid.NewString()[:8]),
		Name:       "rpc test campaign",
		Status:     types.CampaignActive,
		BudgetMode: types.BudgetUnlimited,
		StartsAt:   rpcTestNow.Add(-time.Hour),
		EndsAt:     rpcTestNow.Add(100 * time.Hour),
	}
	require.NoError(t, env.store.CreateCampaign(ctx, campaign))

	version, err := env.store.CreatePricingVersion(ctx, campaign.ID,
		types.Pricing{SingleCost: 100, Multi10Cost: 950}, "tests")
	require.NoError(t, err)
	_, err = env.store.ActivatePricingVersion(ctx, campaign.ID, version.Version)
	require.NoError(t, err)

	require.NoError(t, env.store.ReplaceTierRules(ctx, campaign.ID, "", []types.TierRule{
		{Tier: types.TierLow, TierWeight: 1_000_000},
	}))
	low := &types.Prize{
		CampaignID: campaign.ID, Name: "sticker", Tier: types.TierLow,
		WinWeight: 100, ValuePoints: 50,
	}
	require.NoError(t, env.store.UpsertPrize(ctx, low))
	fallback := &types.Prize{
		CampaignID: campaign.ID, Name: "thanks", Tier: types.TierFallback,
		WinWeight: 100,
	}
	require.NoError(t, env.store.UpsertPrize(ctx, fallback))
	return campaign, low
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func rpcReq(t *testing.T, params interface{}) *RPCRequest {
	t.Helper()
	return &RPCRequest{JSONRPC: jsonRPCVersion, ID: 1, Params: []json.RawMessage{marshalParam(t, params)}}
}

func decodeRPCResponse(t *testing.T, rec *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "body: %s", rec.Body.String())
	return resp.Result, resp.Error
}

// post runs one envelope through the full router, middleware included.
func (env *testEnv) post(t *testing.T, body string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	}
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	return rec
}

func envelope(t *testing.T, method string, params interface{}) string {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"id":      1,
		"method":  method,
		"params":  []interface{}{params},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return string(raw)
}

func TestRouterHealthz(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouterRejectsInvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	rec := env.post(t, `{"jsonrpc": "2.0", "method": `, false)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)
	require.Equal(t, codeParseError, rpcErr.Code)
}

func TestRouterRejectsUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	rec := env.post(t, envelope(t, "lottery_unknown", map[string]string{}), false)

	require.Equal(t, http.StatusNotFound, rec.Code)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)
	require.Equal(t, codeMethodNotFound, rpcErr.Code)
}

func TestRouterRejectsWrongVersion(t *testing.T) {
	env := newTestEnv(t)
	rec := env.post(t, `{"jsonrpc":"1.0","id":1,"method":"lottery_draw","params":[]}`, false)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)
	require.Equal(t, codeInvalidRequest, rpcErr.Code)
}

func TestRouterRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t)
	padding := strings.Repeat("x", maxRequestBytes+1)
	rec := env.post(t, `{"jsonrpc":"2.0","id":1,"method":"lottery_draw","params":["`+padding+`"]}`, false)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)
	require.Equal(t, codeInvalidRequest, rpcErr.Code)
}

func TestAdminMethodsRequireBearerToken(t *testing.T) {
	env := newTestEnv(t)
	campaign, _ := env.seedCampaign(t)
	body := envelope(t, "campaign_get", map[string]string{"campaign_id": campaign.ID.String()})

	// No Authorization header.
	rec := env.post(t, body, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)
	require.Equal(t, codeUnauthorized, rpcErr.Code)

	// Wrong token.
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer not-the-token")
	rec = httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct token resolves the campaign.
	rec = env.post(t, body, true)
	require.Equal(t, http.StatusOK, rec.Code)
	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var got types.Campaign
	require.NoError(t, json.Unmarshal(result, &got))
	require.Equal(t, campaign.ID, got.ID)
}

func TestAdminMethodsRejectedWhenTokenUnconfigured(t *testing.T) {
	env := newTestEnv(t)
	unconfigured := NewServer(Config{
		Pipeline:     env.server.pipeline,
		Store:        env.store,
		AdminToken:   "",
		RateDisabled: true,
	})
	req := httptest.NewRequest(http.MethodPost, "/rpc",
		strings.NewReader(envelope(t, "quota_list", map[string]string{})))
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	unconfigured.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)
	require.Contains(t, rpcErr.Message, "not configured")
}

func TestHandleDrawReturnsCommittedResult(t *testing.T) {
	env := newTestEnv(t)
	campaign, low := env.seedCampaign(t)
	body := envelope(t, "lottery_draw", map[string]string{
		"user_id":           "u1",
		"campaign_id":       campaign.ID.String(),
		"draw_type":         "single",
		"client_request_id": "rpc-req-1",
	})

	rec := env.post(t, body, false)
	require.Equal(t, http.StatusOK, rec.Code)
	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)

	var draw struct {
		RequestID  string              `json:"request_id"`
		Prizes     []engine.PrizeAward `json:"prizes"`
		NewBalance int64               `json:"new_balance"`
	}
	require.NoError(t, json.Unmarshal(result, &draw))
	require.Equal(t, "rpc-req-1", draw.RequestID)
	require.Len(t, draw.Prizes, 1)
	require.NotNil(t, draw.Prizes[0].PrizeID)
	require.Equal(t, low.ID, *draw.Prizes[0].PrizeID)
	require.EqualValues(t, 9_900, draw.NewBalance)
}

func TestHandleDrawReplayIsByteIdentical(t *testing.T) {
	env := newTestEnv(t)
	campaign, _ := env.seedCampaign(t)
	body := envelope(t, "lottery_draw", map[string]string{
		"user_id":           "u1",
		"campaign_id":       campaign.ID.String(),
		"draw_type":         "single",
		"client_request_id": "rpc-replay",
	})

	first, rpcErr := decodeRPCResponse(t, env.post(t, body, false))
	require.Nil(t, rpcErr)
	second, rpcErr := decodeRPCResponse(t, env.post(t, body, false))
	require.Nil(t, rpcErr)

	require.True(t, bytes.Equal(first, second),
		"replayed result diverged:\n%s\n%s", first, second)
	require.Equal(t, 1, env.assets.debitCount())
}

func TestHandleDrawDomainErrorShape(t *testing.T) {
	env := newTestEnv(t)
	body := envelope(t, "lottery_draw", map[string]string{
		"user_id":           "u1",
		"campaign_id":       uuid.NewString(),
		"draw_type":         "single",
		"client_request_id": "rpc-missing",
	})

	rec := env.post(t, body, false)
	require.Equal(t, http.StatusNotFound, rec.Code)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)
	require.Equal(t, domainCodes[types.CodeCampaignNotFound], rpcErr.Code)

	data, err := json.Marshal(rpcErr.Data)
	require.NoError(t, err)
	var payload struct {
		Code      string `json:"code"`
		Retryable bool   `json:"retryable"`
	}
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Equal(t, string(types.CodeCampaignNotFound), payload.Code)
	require.False(t, payload.Retryable)
}

func TestHandleDrawRejectsMalformedCampaignID(t *testing.T) {
	env := newTestEnv(t)
	req := rpcReq(t, map[string]string{
		"user_id":           "u1",
		"campaign_id":       "not-a-uuid",
		"draw_type":         "single",
		"client_request_id": "rpc-bad-id",
	})
	rec := httptest.NewRecorder()
	env.server.handleDraw(rec, env.newRequest(), req)

	_, rpcErr := decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)
	require.Equal(t, codeInvalidParams, rpcErr.Code)
}

func TestHandleGetDrawReturnsDurableRecords(t *testing.T) {
	env := newTestEnv(t)
	campaign, _ := env.seedCampaign(t)
	_, rpcErr := decodeRPCResponse(t, env.post(t, envelope(t, "lottery_draw", map[string]string{
		"user_id":           "u1",
		"campaign_id":       campaign.ID.String(),
		"draw_type":         "single",
		"client_request_id": "rpc-get",
	}), false))
	require.Nil(t, rpcErr)

	req := rpcReq(t, map[string]string{"client_request_id": "rpc-get"})
	rec := httptest.NewRecorder()
	env.server.handleGetDraw(rec, env.newRequest(), req)

	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var got GetDrawResult
	require.NoError(t, json.Unmarshal(result, &got))
	require.Equal(t, "rpc-get", got.RequestID)
	require.Len(t, got.Draws, 1)
	require.Len(t, got.Trace, 1)
	require.Equal(t, campaign.ID, got.Draws[0].CampaignID)
}

func TestHandleGetDrawUnknownRequest(t *testing.T) {
	env := newTestEnv(t)
	req := rpcReq(t, map[string]string{"client_request_id": "never-seen"})
	rec := httptest.NewRecorder()
	env.server.handleGetDraw(rec, env.newRequest(), req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)
}

func TestHandleForceOutcomeCreatesDirective(t *testing.T) {
	env := newTestEnv(t)
	campaign, low := env.seedCampaign(t)
	req := rpcReq(t, map[string]string{
		"campaign_id": campaign.ID.String(),
		"user_id":     "u1",
		"tier":        "low",
		"prize_id":    low.ID.String(),
		"created_by":  "ops@example",
	})
	rec := httptest.NewRecorder()
	env.server.handleForceOutcome(rec, env.newRequest(), req)

	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var directive types.AdminDirective
	require.NoError(t, json.Unmarshal(result, &directive))
	require.Equal(t, campaign.ID, directive.CampaignID)
	require.NotNil(t, directive.PrizeID)
	require.Equal(t, low.ID, *directive.PrizeID)
	require.Nil(t, directive.ConsumedAt)
}

func TestHandleForceOutcomeValidation(t *testing.T) {
	env := newTestEnv(t)
	campaign, low := env.seedCampaign(t)
	other, _ := env.seedCampaign(t)

	cases := []map[string]string{
		// Unknown tier.
		{"campaign_id": campaign.ID.String(), "user_id": "u1", "tier": "legendary", "created_by": "ops"},
		// Missing created_by.
		{"campaign_id": campaign.ID.String(), "user_id": "u1", "tier": "low"},
		// Prize from another campaign.
		{"campaign_id": other.ID.String(), "user_id": "u1", "tier": "low", "prize_id": low.ID.String(), "created_by": "ops"},
	}
	for i, params := range cases {
		rec := httptest.NewRecorder()
		env.server.handleForceOutcome(rec, env.newRequest(), rpcReq(t, params))
		_, rpcErr := decodeRPCResponse(t, rec)
		require.NotNilf(t, rpcErr, "case %d should be rejected", i)
	}
}

func TestHandleCampaignCreateFromBundle(t *testing.T) {
	env := newTestEnv(t)
	bundle := config.CampaignBundle{
		Campaign: config.BundleCampaign{
			Code:       "spring-festival",
			Name:       "Spring Festival",
			BudgetMode: "unlimited",
			StartsAt:   rpcTestNow.Add(-time.Hour),
			EndsAt:     rpcTestNow.Add(240 * time.Hour),
		},
		Pricing: &config.BundlePricing{SingleCost: 100, Multi10Cost: 950},
		Prizes: []config.BundlePrize{
			{Name: "plush", Tier: "low", WinWeight: 100, ValuePoints: 50},
			{Name: "thanks", Tier: "fallback", WinWeight: 100},
		},
		TierRules: []config.BundleTierRule{
			{Tier: "low", WeightPpm: 200_000},
		},
	}
	req := rpcReq(t, map[string]interface{}{"bundle": bundle, "created_by": "ops"})
	rec := httptest.NewRecorder()
	env.server.handleCampaignCreate(rec, env.newRequest(), req)

	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var campaign types.Campaign
	require.NoError(t, json.Unmarshal(result, &campaign))
	require.Equal(t, "spring-festival", campaign.Code)

	// The bundle's pricing auto-activated, so the campaign is drawable.
	version, err := env.store.ActivePricing(context.Background(), campaign.ID)
	require.NoError(t, err)
	require.EqualValues(t, 100, version.Pricing.SingleCost)
	prizes, err := env.store.PrizesByCampaign(context.Background(), campaign.ID)
	require.NoError(t, err)
	require.Len(t, prizes, 2)
}

func TestHandleCampaignSetStatusAndBudget(t *testing.T) {
	env := newTestEnv(t)
	campaign, _ := env.seedCampaign(t)

	rec := httptest.NewRecorder()
	env.server.handleCampaignSetStatus(rec, env.newRequest(), rpcReq(t, map[string]string{
		"code":   campaign.Code,
		"status": "paused",
	}))
	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var updated types.Campaign
	require.NoError(t, json.Unmarshal(result, &updated))
	require.Equal(t, types.CampaignPaused, updated.Status)

	rec = httptest.NewRecorder()
	env.server.handleCampaignSetStatus(rec, env.newRequest(), rpcReq(t, map[string]string{
		"code":   campaign.Code,
		"status": "archived",
	}))
	_, rpcErr = decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr, "unknown status must be rejected")

	rec = httptest.NewRecorder()
	env.server.handleCampaignUpdateBudget(rec, env.newRequest(), rpcReq(t, map[string]interface{}{
		"code":         campaign.Code,
		"total_budget": 50_000,
	}))
	result, rpcErr = decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	require.NoError(t, json.Unmarshal(result, &updated))
	require.EqualValues(t, 50_000, updated.TotalBudget)
}

func TestHandlePricingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	campaign, _ := env.seedCampaign(t)

	// Create a second version.
	rec := httptest.NewRecorder()
	env.server.handlePricingCreateVersion(rec, env.newRequest(), rpcReq(t, map[string]interface{}{
		"campaign_id": campaign.ID.String(),
		"pricing":     types.Pricing{SingleCost: 120, Multi10Cost: 1_100},
		"created_by":  "ops",
	}))
	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var created types.PricingVersion
	require.NoError(t, json.Unmarshal(result, &created))
	require.EqualValues(t, 2, created.Version)
	require.Equal(t, types.PricingDraft, created.Status)

	// Activate it and read it back as the active version.
	rec = httptest.NewRecorder()
	env.server.handlePricingActivateVersion(rec, env.newRequest(), rpcReq(t, map[string]interface{}{
		"campaign_id": campaign.ID.String(),
		"version":     2,
	}))
	result, rpcErr = decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var active types.PricingVersion
	require.NoError(t, json.Unmarshal(result, &active))
	require.Equal(t, types.PricingActive, active.Status)

	rec = httptest.NewRecorder()
	env.server.handlePricingGetActive(rec, env.newRequest(), rpcReq(t, map[string]string{
		"campaign_id": campaign.ID.String(),
	}))
	result, rpcErr = decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	require.NoError(t, json.Unmarshal(result, &active))
	require.EqualValues(t, 2, active.Version)
	require.EqualValues(t, 120, active.Pricing.SingleCost)

	// Both versions are listed, v1 now archived.
	rec = httptest.NewRecorder()
	env.server.handlePricingListVersions(rec, env.newRequest(), rpcReq(t, map[string]string{
		"campaign_id": campaign.ID.String(),
	}))
	result, rpcErr = decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var versions []types.PricingVersion
	require.NoError(t, json.Unmarshal(result, &versions))
	require.Len(t, versions, 2)
}

func TestHandleQuotaUpsertAndList(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.server.handleQuotaUpsert(rec, env.newRequest(), rpcReq(t, map[string]interface{}{
		"rule": types.QuotaRule{Scope: types.QuotaGlobal, DailyLimit: 20, Enabled: true},
	}))
	_, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)

	// Invalid scope and non-positive limit are rejected before storage.
	rec = httptest.NewRecorder()
	env.server.handleQuotaUpsert(rec, env.newRequest(), rpcReq(t, map[string]interface{}{
		"rule": map[string]interface{}{"scope": "galaxy", "daily_limit": 5},
	}))
	_, rpcErr = decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)

	rec = httptest.NewRecorder()
	env.server.handleQuotaUpsert(rec, env.newRequest(), rpcReq(t, map[string]interface{}{
		"rule": map[string]interface{}{"scope": "global", "daily_limit": 0},
	}))
	_, rpcErr = decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)

	rec = httptest.NewRecorder()
	env.server.handleQuotaList(rec, env.newRequest(), &RPCRequest{JSONRPC: jsonRPCVersion, ID: 1})
	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var rules []types.QuotaRule
	require.NoError(t, json.Unmarshal(result, &rules))
	require.Len(t, rules, 1)
	require.EqualValues(t, 20, rules[0].DailyLimit)
}

func TestHandleMetricsHourly(t *testing.T) {
	env := newTestEnv(t)
	campaign, _ := env.seedCampaign(t)
	require.NoError(t, env.store.UpsertHourlyMetrics(context.Background(), []types.HourlyMetric{
		{CampaignID: campaign.ID, HourBucket: "2026031410", TotalDraws: 42, LowCount: 12, FallbackCount: 30},
		{CampaignID: campaign.ID, HourBucket: "2026031411", TotalDraws: 7, FallbackCount: 7},
	}))

	rec := httptest.NewRecorder()
	env.server.handleMetricsHourly(rec, env.newRequest(), rpcReq(t, map[string]string{
		"campaign_id": campaign.ID.String(),
		"from_hour":   "2026031410",
		"until_hour":  "2026031410",
	}))
	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var metrics []types.HourlyMetric
	require.NoError(t, json.Unmarshal(result, &metrics))
	require.Len(t, metrics, 1)
	require.EqualValues(t, 42, metrics[0].TotalDraws)

	// Malformed bucket keys never reach storage.
	rec = httptest.NewRecorder()
	env.server.handleMetricsHourly(rec, env.newRequest(), rpcReq(t, map[string]string{
		"campaign_id": campaign.ID.String(),
		"from_hour":   "20260314",
		"until_hour":  "2026031410",
	}))
	_, rpcErr = decodeRPCResponse(t, rec)
	require.NotNil(t, rpcErr)
}

func TestHandleMetricsExportWritesParquet(t *testing.T) {
	env := newTestEnv(t)
	campaign, _ := env.seedCampaign(t)
	require.NoError(t, env.store.UpsertHourlyMetrics(context.Background(), []types.HourlyMetric{
		{CampaignID: campaign.ID, HourBucket: "2026031409", TotalDraws: 5, FallbackCount: 5},
	}))

	rec := httptest.NewRecorder()
	env.server.handleMetricsExport(rec, env.newRequest(), rpcReq(t, map[string]string{"day": "20260314"}))
	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var exported metricsExportResult
	require.NoError(t, json.Unmarshal(result, &exported))
	require.True(t, exported.Exported)

	files, err := filepath.Glob(filepath.Join(env.export, campaign.Code+"-20260314.parquet"))
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestRateLimitExceeded(t *testing.T) {
	env := newTestEnv(t)
	limited := NewServer(Config{
		Pipeline:      env.server.pipeline,
		Store:         env.store,
		AdminToken:    testAdminToken,
		RatePerMinute: 60,
		RateBurst:     1,
	})
	body := envelope(t, "lottery_getDraw", map[string]string{"client_request_id": "any"})
	router := limited.Router()

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:4000"
	router.ServeHTTP(first, req)
	require.NotEqual(t, http.StatusTooManyRequests, first.Code)

	second := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:4000"
	router.ServeHTTP(second, req)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	_, rpcErr := decodeRPCResponse(t, second)
	require.NotNil(t, rpcErr)
	require.Equal(t, codeRateLimited, rpcErr.Code)

	// A different client has its own bucket.
	third := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.RemoteAddr = "198.51.100.9:4000"
	router.ServeHTTP(third, req)
	require.NotEqual(t, http.StatusTooManyRequests, third.Code)
}
