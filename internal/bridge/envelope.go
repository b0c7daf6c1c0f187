// Package bridge carries pipeline operations between front ends and the
// process that owns the store. Every call is a typed envelope correlated to
// its reply by request id.
package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Operation string

const (
	OpDecisionCaptured     Operation = "DECISION_CAPTURED"
	OpGetQueueSummary      Operation = "GET_QUEUE_SUMMARY"
	OpGetRecords           Operation = "GET_RECORDS"
	OpPrepareSettlement    Operation = "PREPARE_SETTLEMENT"
	OpFinalizeSettlement   Operation = "FINALIZE_SETTLEMENT"
	OpAbortSettlement      Operation = "ABORT_SETTLEMENT"
	OpSettleNow            Operation = "SETTLE_NOW"
	OpPurgeOld             Operation = "PURGE_OLD"
	OpGetBatches           Operation = "GET_BATCHES"
	OpSetSettlementEnabled Operation = "SET_SETTLEMENT_ENABLED"
)

const (
	CodeBridgeTimeout     = "BRIDGE_TIMEOUT"
	CodeBridgeUnavailable = "BRIDGE_UNAVAILABLE"
	CodeUnknownOperation  = "UNKNOWN_OPERATION"
	CodeUnauthorized      = "UNAUTHORIZED"
)

// Envelope is one request. ReplyTo and Token are only set by transports that
// route replies over a separate channel and carry no HTTP headers.
type Envelope struct {
	RequestID string          `json:"requestId"`
	Operation Operation       `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	Token     string          `json:"token,omitempty"`
}

type Reply struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ReplyError     `json:"error,omitempty"`
}

type ReplyError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func NewEnvelope(op Operation, payload any) (Envelope, error) {
	env := Envelope{RequestID: uuid.NewString(), Operation: op}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", op, err)
		}
		env.Payload = raw
	}
	return env, nil
}

func errorReply(requestID, code, message string, retryable bool) Reply {
	return Reply{
		RequestID: requestID,
		Error:     &ReplyError{Code: code, Message: message, Retryable: retryable},
	}
}

// BridgeTimeoutError means no correlated reply arrived in time. The
// operation may still have run on the other side.
type BridgeTimeoutError struct {
	Operation Operation
	RequestID string
	After     time.Duration
	Fallback  string
}

func (e *BridgeTimeoutError) Error() string {
	msg := fmt.Sprintf("bridge %s (%s) timed out after %s", e.Operation, e.RequestID, e.After)
	if e.Fallback != "" {
		msg += "; " + e.Fallback
	}
	return msg
}
