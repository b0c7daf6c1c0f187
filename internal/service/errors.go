package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/myterms/consentledger/internal/ledger"
	"github.com/myterms/consentledger/internal/storage"
)

const (
	CodeInvalidRecord         = "INVALID_RECORD"
	CodeEmptyBatch            = "EMPTY_BATCH"
	CodeNoCandidates          = "NO_CANDIDATES"
	CodeSettlementInFlight    = "SETTLEMENT_IN_FLIGHT"
	CodeSettlementThrottled   = "SETTLEMENT_THROTTLED"
	CodeSettlementDisabled    = "SETTLEMENT_DISABLED"
	CodePlanConflict          = "PLAN_CONFLICT"
	CodeUserRejected          = "USER_REJECTED"
	CodeInsufficientResources = "INSUFFICIENT_RESOURCES"
	CodeNetworkUnavailable    = "NETWORK_UNAVAILABLE"
	CodeSubmitUnknown         = "SUBMIT_UNKNOWN"
	CodeReconcileFailed       = "RECONCILE_FAILED"
	CodeSignerUnavailable     = "SIGNER_UNAVAILABLE"
	CodeBadRequest            = "BAD_REQUEST"
	CodeInternal              = "INTERNAL_ERROR"
)

type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(status int, code, msg string, retryable bool, cause error) *AppError {
	return &AppError{
		HTTPStatus: status,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      cause,
	}
}

func IsCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

func Internal(msg string, cause error) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternal, msg, true, cause)
}

func BadRequest(msg string, cause error) *AppError {
	return NewAppError(http.StatusBadRequest, CodeBadRequest, msg, false, cause)
}

// statusForCode is used when an error comes back over the bridge and only
// its code survived.
func statusForCode(code string) int {
	switch code {
	case CodeInvalidRecord, CodeBadRequest, CodeEmptyBatch:
		return http.StatusBadRequest
	case CodeNoCandidates:
		return http.StatusUnprocessableEntity
	case CodeSettlementInFlight, CodePlanConflict:
		return http.StatusConflict
	case CodeSettlementThrottled:
		return http.StatusTooManyRequests
	case CodeSettlementDisabled, CodeUserRejected:
		return http.StatusForbidden
	case CodeInsufficientResources:
		return http.StatusPaymentRequired
	case CodeNetworkUnavailable, CodeSignerUnavailable:
		return http.StatusServiceUnavailable
	case CodeSubmitUnknown:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromWire rebuilds an AppError from a code/message/retryable triple.
func FromWire(code, message string, retryable bool) *AppError {
	if code == "" {
		code = CodeInternal
	}
	return NewAppError(statusForCode(code), code, message, retryable, nil)
}

func invalidRecord(cause error) *AppError {
	return NewAppError(http.StatusBadRequest, CodeInvalidRecord, "invalid decision record", false, cause)
}

func isInvalidRecord(err error) bool {
	return errors.Is(err, storage.ErrInvalidRecord)
}

func submitFailed(err error) *AppError {
	switch ledger.Classify(err) {
	case ledger.KindUserRejected:
		return NewAppError(http.StatusForbidden, CodeUserRejected, "settlement rejected by user", false, err)
	case ledger.KindInsufficientResources:
		return NewAppError(http.StatusPaymentRequired, CodeInsufficientResources, "insufficient resources to pay for settlement", false, err)
	case ledger.KindNetworkUnavailable:
		return NewAppError(http.StatusServiceUnavailable, CodeNetworkUnavailable, "ledger network unavailable", true, err)
	default:
		return NewAppError(http.StatusBadGateway, CodeSubmitUnknown, "ledger submission failed", false, err)
	}
}

func reconcileFailed(err error) *AppError {
	if errors.Is(err, storage.ErrMemberAlreadyBatched) || errors.Is(err, storage.ErrBatchConflict) {
		return NewAppError(http.StatusConflict, CodePlanConflict, "plan conflicts with an already settled batch", false, err)
	}
	return NewAppError(http.StatusInternalServerError, CodeReconcileFailed, "submission mined but local settlement failed; finalize again with the same receipt", true, err)
}
