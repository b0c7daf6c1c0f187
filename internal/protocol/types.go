package protocol

import (
	"strings"
	"time"
)

// Decision is the user's answer to one consent prompt.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// ParseDecision accepts the canonical values plus the capitalised forms the
// detector historically emitted.
func ParseDecision(raw string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accept", "accepted", "allow":
		return DecisionAccept, true
	case "decline", "declined", "reject", "rejected", "deny":
		return DecisionDecline, true
	default:
		return "", false
	}
}

// NormalizeOrigin trims and lower-cases an origin so the same site always
// lands in the same batch group.
func NormalizeOrigin(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// DecisionRecord is one captured consent decision about one page visit.
type DecisionRecord struct {
	ID           int64      `json:"id"`
	OriginDomain string     `json:"originDomain"`
	ContentHash  Digest     `json:"contentHash"`
	Decision     Decision   `json:"decision"`
	CapturedAt   time.Time  `json:"capturedAt"`
	Settled      bool       `json:"settled"`
	BatchRef     *string    `json:"batchRef,omitempty"`
	SettledAt    *time.Time `json:"settledAt,omitempty"`
}

// OriginDigest pairs an origin with the aggregate digest of its members.
type OriginDigest struct {
	Origin string `json:"origin"`
	Digest Digest `json:"digest"`
}

// SettledBatch is the local record of one successful ledger submission.
type SettledBatch struct {
	BatchRef          string         `json:"batchRef"`
	LedgerTxRef       string         `json:"ledgerTxRef"`
	MemberRecordIDs   []int64        `json:"memberRecordIds"`
	PerOriginDigest   []OriginDigest `json:"perOriginDigest"`
	BatchRoot         string         `json:"batchRoot"`
	LedgerBlockHeight uint64         `json:"ledgerBlockHeight"`
	LedgerCost        uint64         `json:"ledgerCost"`
	SettledAt         time.Time      `json:"settledAt"`
}

// BatchPlan is a single-use settlement plan. Origins and PerOriginDigest are
// index-aligned because the ledger call takes them as two parallel lists.
type BatchPlan struct {
	PlanID          string    `json:"planId"`
	Origins         []string  `json:"origins"`
	PerOriginDigest []Digest  `json:"perOriginDigest"`
	MemberIDs       []int64   `json:"memberIds"`
	Force           bool      `json:"force"`
	PreparedAt      time.Time `json:"preparedAt"`
}

// Receipt is what the external signer returns for a mined submission.
type Receipt struct {
	LedgerTxRef string `json:"ledgerTxRef"`
	BlockHeight uint64 `json:"blockHeight"`
	Cost        uint64 `json:"cost"`
}

type DecisionCapturedRequest struct {
	OriginDomain string `json:"originDomain"`
	ContentHash  string `json:"contentHash"`
	Decision     string `json:"decision"`
}

type DecisionCapturedResponse struct {
	Accepted bool  `json:"accepted"`
	ID       int64 `json:"id,omitempty"`
}

type QueueSummary struct {
	UnsettledCount          int        `json:"unsettledCount"`
	SettledBatchCount       int        `json:"settledBatchCount"`
	LastSettlementAttemptAt *time.Time `json:"lastSettlementAttemptAt,omitempty"`
	SettlementEnabled       bool       `json:"settlementEnabled"`
	SettlementInFlight      bool       `json:"settlementInFlight"`
}

type GetRecordsRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type GetRecordsResponse struct {
	Records []DecisionRecord `json:"records"`
}

type PrepareSettlementRequest struct {
	Force bool `json:"force"`
}

type FinalizeSettlementRequest struct {
	Receipt Receipt   `json:"receipt"`
	Plan    BatchPlan `json:"plan"`
}

type FinalizeSettlementResponse struct {
	SettledBatch SettledBatch `json:"settledBatch"`
}

type AbortSettlementRequest struct {
	PlanID string `json:"planId"`
	Reason string `json:"reason,omitempty"`
}

type AbortSettlementResponse struct {
	Aborted bool `json:"aborted"`
}

type PurgeOldRequest struct {
	AgeDays int `json:"ageDays"`
}

type PurgeOldResponse struct {
	PurgedCount int64  `json:"purgedCount"`
	ArchiveRef  string `json:"archiveRef,omitempty"`
}

type GetBatchesRequest struct {
	Since time.Time `json:"since"`
}

type GetBatchesResponse struct {
	Batches []SettledBatch `json:"batches"`
}

type SetSettlementEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type SetSettlementEnabledResponse struct {
	SettlementEnabled bool `json:"settlementEnabled"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	Version        string `json:"version"`
	StoreDriver    string `json:"storeDriver"`
	UnsettledCount int    `json:"unsettledCount"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
