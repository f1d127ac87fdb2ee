package rpc

import (
	"net/http"

	"fortuna/core/types"
)

// domainCodes maps the taxonomy onto stable JSON-RPC error numbers. The
// string code in Data is the real contract; the numbers exist for clients
// that switch on them.
var domainCodes = map[types.Code]int{
	types.CodeCampaignNotFound:       -32040,
	types.CodeCampaignInactive:       -32041,
	types.CodeNoActivePricing:        -32042,
	types.CodeConfigViolation:        -32043,
	types.CodeGuaranteeMisconfigured: -32044,
	types.CodeQuotaExceeded:          -32045,
	types.CodeInsufficientPoints:     -32046,
	types.CodeInProgress:             -32047,
	types.CodeLockTimeout:            -32048,
	types.CodeTimeout:                -32049,
	types.CodeFallbackExhaustion:     -32050,
	types.CodeAssetDebitFailed:       -32051,
	types.CodeAssetIssueDeferred:     -32052,
	types.CodeTransientStore:         -32053,
}

var domainStatus = map[types.Code]int{
	types.CodeCampaignNotFound:       http.StatusNotFound,
	types.CodeCampaignInactive:       http.StatusConflict,
	types.CodeNoActivePricing:        http.StatusConflict,
	types.CodeConfigViolation:        http.StatusBadRequest,
	types.CodeGuaranteeMisconfigured: http.StatusConflict,
	types.CodeQuotaExceeded:          http.StatusTooManyRequests,
	types.CodeInsufficientPoints:     http.StatusPaymentRequired,
	types.CodeInProgress:             http.StatusConflict,
	types.CodeLockTimeout:            http.StatusServiceUnavailable,
	types.CodeTimeout:                http.StatusGatewayTimeout,
	types.CodeAssetDebitFailed:       http.StatusBadGateway,
	types.CodeTransientStore:         http.StatusServiceUnavailable,
}

// writeDomainError renders a pipeline error: numeric code, message, and a
// data object carrying the taxonomy code plus the retry contract.
func writeDomainError(w http.ResponseWriter, id interface{}, err error) {
	code := types.CodeOf(err)
	rpcCode, ok := domainCodes[code]
	if !ok {
		rpcCode = codeServerError
	}
	status, ok := domainStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeError(w, status, id, rpcCode, err.Error(), map[string]interface{}{
		"code":      string(code),
		"retryable": code.Retryable(),
	})
}
