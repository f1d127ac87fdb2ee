package rpc

import (
	"net/http"

	"github.com/google/uuid"

	"fortuna/core/types"
	"fortuna/engine"
)

type drawParams struct {
	UserID          string `json:"user_id"`
	CampaignID      string `json:"campaign_id"`
	DrawType        string `json:"draw_type"`
	ClientRequestID string `json:"client_request_id"`
	Segment         string `json:"segment,omitempty"`
	Role            string `json:"role,omitempty"`
}

// handleDraw runs one decision request. The committed canonical bytes are
// written verbatim so a retried request id observes an identical response.
func (s *Server) handleDraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params drawParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaignID, err := uuid.Parse(params.CampaignID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "campaign_id must be a uuid", nil)
		return
	}
	result, err := s.pipeline.Decide(r.Context(), engine.DrawRequest{
		UserID:          params.UserID,
		CampaignID:      campaignID,
		DrawType:        types.DrawType(params.DrawType),
		ClientRequestID: params.ClientRequestID,
		Segment:         params.Segment,
		Role:            params.Role,
	})
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, result.Canonical())
}

type getDrawParams struct {
	ClientRequestID string `json:"client_request_id"`
}

// GetDrawResult is the durable view of one committed request.
type GetDrawResult struct {
	RequestID string               `json:"request_id"`
	Draws     []types.DrawRecord   `json:"draws"`
	Trace     []types.DrawDecision `json:"trace"`
}

func (s *Server) handleGetDraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params getDrawParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if params.ClientRequestID == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "client_request_id required", nil)
		return
	}
	draws, decisions, err := s.store.DrawsByRequestKey(r.Context(), params.ClientRequestID)
	if err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	if len(draws) == 0 {
		writeError(w, http.StatusNotFound, req.ID, codeServerError, "no committed draws for request "+params.ClientRequestID, nil)
		return
	}
	writeResult(w, req.ID, GetDrawResult{
		RequestID: params.ClientRequestID,
		Draws:     draws,
		Trace:     decisions,
	})
}

type forceOutcomeParams struct {
	CampaignID string `json:"campaign_id"`
	UserID     string `json:"user_id"`
	Tier       string `json:"tier"`
	PrizeID    string `json:"prize_id,omitempty"`
	Note       string `json:"note,omitempty"`
	CreatedBy  string `json:"created_by"`
}

// handleForceOutcome records an admin directive consumed by the user's next
// draw on the campaign.
func (s *Server) handleForceOutcome(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params forceOutcomeParams
	if err := decodeParams(req.Params, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	campaignID, err := uuid.Parse(params.CampaignID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "campaign_id must be a uuid", nil)
		return
	}
	if params.UserID == "" || params.CreatedBy == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "user_id and created_by required", nil)
		return
	}
	tier := types.Tier(params.Tier)
	if !tier.Valid() {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "tier must be one of high, mid, low, fallback", nil)
		return
	}
	directive := &types.AdminDirective{
		CampaignID: campaignID,
		UserID:     params.UserID,
		Tier:       tier,
		Note:       params.Note,
		CreatedBy:  params.CreatedBy,
	}
	if params.PrizeID != "" {
		prizeID, err := uuid.Parse(params.PrizeID)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "prize_id must be a uuid", nil)
			return
		}
		prize, err := s.store.PrizeByID(r.Context(), prizeID)
		if err != nil {
			writeDomainError(w, req.ID, err)
			return
		}
		if prize.CampaignID != campaignID {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "prize belongs to a different campaign", nil)
			return
		}
		directive.PrizeID = &prizeID
	}
	if err := s.store.CreateDirective(r.Context(), directive); err != nil {
		writeDomainError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, directive)
}
