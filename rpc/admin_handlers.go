package rpc

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"fortuna/config"
	"fortuna/core/types"
)

// --- Campaigns ---

type campaignCreateParams struct {
	Bundle    config.CampaignBundle `json:"bundle"`
	CreatedBy string                `json:"created_by"`
}

// handleCampaignCreate applies a full campaign bundle: campaign row, prizes,
// tier rules, quota rules, and the initial pricing version.
func (s *Server) handleCampaignCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params campaignCreateParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaign, err := s.store.ApplyBundle(r.Context(), &params.Bundle, params.CreatedBy)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, campaign)
}

type campaignRefParams struct {
	CampaignID string `json:"campaign_id,omitempty"`
	Code       string `json:"code,omitempty"`
}

func (s *Server) resolveCampaign(r *http.Request, ref campaignRefParams) (*types.Campaign, error) {
	if ref.CampaignID != "" {
		id, err := uuid.Parse(ref.CampaignID)
		if err != nil {
			return nil, types.NewError(types.CodeConfigViolation, "campaign_id must be a uuid")
		}
		return s.store.CampaignByID(r.Context(), id)
	}
	if ref.Code != "" {
		return s.store.CampaignByCode(r.Context(), ref.Code)
	}
	return nil, types.NewError(types.CodeConfigViolation, "campaign_id or code required")
}

func (s *Server) handleCampaignGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params campaignRefParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaign, err := s.resolveCampaign(r, params)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, campaign)
}

type campaignStatusParams struct {
	campaignRefParams
	Status string `json:"status"`
}

func (s *Server) handleCampaignSetStatus(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params campaignStatusParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	switch types.CampaignStatus(params.Status) {
	case types.CampaignDraft, types.CampaignActive, types.CampaignPaused, types.CampaignEnded:
	default:
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "status must be one of draft, active, paused, ended", nil)
		return
	}
	campaign, err := s.resolveCampaign(r, params.campaignRefParams)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	if err := s.store.SetCampaignStatus(r.Context(), campaign.ID, types.CampaignStatus(params.Status)); err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	campaign.Status = types.CampaignStatus(params.Status)
	writeResult(w, req.ID, campaign)
}

type campaignBudgetParams struct {
	campaignRefParams
	TotalBudget int64 `json:"total_budget"`
}

func (s *Server) handleCampaignUpdateBudget(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params campaignBudgetParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaign, err := s.resolveCampaign(r, params.campaignRefParams)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	updated, err := s.store.UpdateCampaignBudget(r.Context(), campaign.ID, params.TotalBudget)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, updated)
}

// --- Pricing ---

type pricingCreateParams struct {
	campaignRefParams
	Pricing   types.Pricing `json:"pricing"`
	CreatedBy string        `json:"created_by"`
}

func (s *Server) handlePricingCreateVersion(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params pricingCreateParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaign, err := s.resolveCampaign(r, params.campaignRefParams)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	version, err := s.store.CreatePricingVersion(r.Context(), campaign.ID, params.Pricing, params.CreatedBy)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, version)
}

type pricingVersionParams struct {
	campaignRefParams
	Version int64 `json:"version"`
}

func (s *Server) handlePricingActivateVersion(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params pricingVersionParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaign, err := s.resolveCampaign(r, params.campaignRefParams)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	version, err := s.store.ActivatePricingVersion(r.Context(), campaign.ID, params.Version)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	s.pipeline.InvalidatePricing(campaign.ID)
	writeResult(w, req.ID, version)
}

type pricingScheduleParams struct {
	campaignRefParams
	Version     int64     `json:"version"`
	EffectiveAt time.Time `json:"effective_at"`
}

func (s *Server) handlePricingScheduleActivation(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params pricingScheduleParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaign, err := s.resolveCampaign(r, params.campaignRefParams)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	version, err := s.store.SchedulePricingActivation(r.Context(), campaign.ID, params.Version, params.EffectiveAt)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, version)
}

type pricingRollbackParams struct {
	campaignRefParams
	Version   int64  `json:"version"`
	CreatedBy string `json:"created_by"`
}

func (s *Server) handlePricingRollback(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params pricingRollbackParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaign, err := s.resolveCampaign(r, params.campaignRefParams)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	version, err := s.store.RollbackPricing(r.Context(), campaign.ID, params.Version, params.CreatedBy)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	s.pipeline.InvalidatePricing(campaign.ID)
	writeResult(w, req.ID, version)
}

func (s *Server) handlePricingGetActive(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params campaignRefParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaign, err := s.resolveCampaign(r, params)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	version, err := s.store.ActivePricing(r.Context(), campaign.ID)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, version)
}

func (s *Server) handlePricingListVersions(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params campaignRefParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaign, err := s.resolveCampaign(r, params)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	versions, err := s.store.ListPricingVersions(r.Context(), campaign.ID)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, versions)
}

// --- Prizes ---

type prizeUpsertParams struct {
	campaignRefParams
	Prize types.Prize `json:"prize"`
}

func (s *Server) handlePrizeUpsert(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params prizeUpsertParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaign, err := s.resolveCampaign(r, params.campaignRefParams)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	prize := params.Prize
	prize.CampaignID = campaign.ID
	if prize.Name == "" || !prize.Tier.Valid() {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "prize needs a name and a valid tier", nil)
		return
	}
	if err := s.store.UpsertPrize(r.Context(), &prize); err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, prize)
}

func (s *Server) handlePrizeList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params campaignRefParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaign, err := s.resolveCampaign(r, params)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	prizes, err := s.store.PrizesByCampaign(r.Context(), campaign.ID)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, prizes)
}

// --- Quotas ---

type quotaUpsertParams struct {
	Rule types.QuotaRule `json:"rule"`
}

func (s *Server) handleQuotaUpsert(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params quotaUpsertParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	rule := params.Rule
	if rule.Scope.Narrowness() < 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "scope must be one of global, campaign, role, user", nil)
		return
	}
	if rule.DailyLimit <= 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "daily_limit must be positive", nil)
		return
	}
	if err := s.store.UpsertQuotaRule(r.Context(), &rule); err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, rule)
}

func (s *Server) handleQuotaList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params struct{}
	if len(req.Params) > 0 {
		if err := decodeParams(req.Params, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	rules, err := s.store.ListQuotaRules(r.Context())
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, rules)
}

// --- Metrics ---

type metricsHourlyParams struct {
	campaignRefParams
	FromHour  string `json:"from_hour"`
	UntilHour string `json:"until_hour"`
}

type metricsExportParams struct {
	Day string `json:"day"`
}

type metricsExportResult struct {
	Day      string `json:"day"`
	Exported bool   `json:"exported"`
}

// handleMetricsExport writes the parquet files for one business day on demand.
// The rollup job exports closed days on its own; this is the operator override.
func (s *Server) handleMetricsExport(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params metricsExportParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if s.rollup == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "metrics export not configured", nil)
		return
	}
	if err := s.rollup.ExportDay(r.Context(), params.Day); err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, metricsExportResult{Day: params.Day, Exported: true})
}

// handleMetricsHourly reads persisted hourly rollups between two YYYYMMDDHH
// bucket keys inclusive.
func (s *Server) handleMetricsHourly(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params metricsHourlyParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if len(params.FromHour) != 10 || len(params.UntilHour) != 10 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "from_hour and until_hour must be YYYYMMDDHH", nil)
		return
	}
	campaign, err := s.resolveCampaign(r, params.campaignRefParams)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	metrics, err := s.store.HourlyMetricsRange(r.Context(), campaign.ID, params.FromHour, params.UntilHour)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, metrics)
}
