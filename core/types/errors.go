package types

import (
	"errors"
	"fmt"
)

// Code identifies one failure class of the decision pipeline. The string
// values are the wire contract and must not change.
type Code string

const (
	// Configuration failures: surfaced immediately, no state change.
	CodeCampaignNotFound       Code = "CAMPAIGN_NOT_FOUND"
	CodeCampaignInactive       Code = "CAMPAIGN_INACTIVE"
	CodeNoActivePricing        Code = "NO_ACTIVE_PRICING"
	CodeConfigViolation        Code = "CONFIG_VIOLATION"
	CodeGuaranteeMisconfigured Code = "GUARANTEE_MISCONFIGURED"

	// Admission failures: surfaced immediately, no state change.
	CodeQuotaExceeded      Code = "QUOTA_EXCEEDED"
	CodeInsufficientPoints Code = "INSUFFICIENT_POINTS"

	// Concurrency failures: retryable with the same client request id.
	CodeInProgress  Code = "IN_PROGRESS"
	CodeLockTimeout Code = "LOCK_TIMEOUT"
	CodeTimeout     Code = "TIMEOUT"

	// Degradation: the draw commits as an explicit empty outcome.
	CodeFallbackExhaustion Code = "FALLBACK_EXHAUSTION"

	// Integrity failures around asset movement.
	CodeAssetDebitFailed   Code = "ASSET_DEBIT_FAILED"
	CodeAssetIssueDeferred Code = "ASSET_ISSUE_DEFERRED"

	// Internal failures.
	CodeTransientStore Code = "TRANSIENT_STORE_ERROR"
	CodeInternal       Code = "INTERNAL"
)

var retryableCodes = map[Code]bool{
	CodeInProgress:     true,
	CodeLockTimeout:    true,
	CodeTimeout:        true,
	CodeTransientStore: true,
}

// Retryable reports whether a caller may safely retry with the same client
// request id.
func (c Code) Retryable() bool { return retryableCodes[c] }

// Error is the typed failure every exported operation returns. It wraps an
// optional cause for logging while the Code carries the caller contract.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// NewError builds a coded error with a formatted message.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a coded error.
func WrapError(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports the retry contract of the error's code.
func (e *Error) Retryable() bool { return e != nil && e.Code.Retryable() }

// CodeOf extracts the taxonomy code from err, or CodeInternal when err does
// not carry one.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) && coded != nil {
		return coded.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
