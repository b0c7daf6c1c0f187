package storage

import (
	"context"
	"errors"
	"time"

	"github.com/myterms/consentledger/internal/protocol"
)

var (
	ErrInvalidRecord        = errors.New("invalid decision record")
	ErrNotFound             = errors.New("not found")
	ErrMemberAlreadyBatched = errors.New("record already belongs to another batch")
	ErrBatchConflict        = errors.New("batch ref already stored with different contents")
)

const (
	MetaLastSettlementAttempt = "last_settlement_attempt_at"
	MetaSettlementEnabled     = "settlement_enabled"
)

// NewDecisionRecord is the producer-supplied part of a record; the store
// assigns the id and the settlement columns.
type NewDecisionRecord struct {
	OriginDomain string
	ContentHash  []byte
	Decision     protocol.Decision
	CapturedAt   time.Time
}

// Filter selects decision records. With UnsettledOnly set, records are
// returned oldest first and CapturedBefore (when non-zero) bounds their age.
// Unsettled records already named by a stored batch are left out; they are
// waiting on recovery, not on a new plan.
// Otherwise all records are paged newest first by Limit/Offset.
type Filter struct {
	UnsettledOnly  bool
	CapturedBefore time.Time
	Limit          int
	Offset         int
}

// UnsettledOlderThan is the candidate filter used by the batch policy.
func UnsettledOlderThan(now time.Time, age time.Duration) Filter {
	f := Filter{UnsettledOnly: true}
	if age > 0 {
		f.CapturedBefore = now.Add(-age)
	}
	return f
}

// Page is the paginated UI filter.
func Page(limit, offset int) Filter {
	return Filter{Limit: limit, Offset: offset}
}

// Store is the durable record and batch store. MarkSettled and PutBatch are
// separate calls; the reconciler orders them and makes the pair replayable.
type Store interface {
	Close()
	Driver() string

	Insert(ctx context.Context, rec NewDecisionRecord) (int64, error)
	Query(ctx context.Context, filter Filter) ([]protocol.DecisionRecord, error)
	MarkSettled(ctx context.Context, ids []int64, batchRef string, settledAt time.Time) (int64, error)

	PutBatch(ctx context.Context, batch protocol.SettledBatch) error
	GetBatchesSince(ctx context.Context, since time.Time) ([]protocol.SettledBatch, error)
	GetBatchByTxRef(ctx context.Context, ledgerTxRef string) (protocol.SettledBatch, bool, error)
	ListUnreconciledBatches(ctx context.Context) ([]protocol.SettledBatch, error)

	ListSettledBefore(ctx context.Context, cutoff time.Time) ([]protocol.DecisionRecord, error)
	PurgeSettledOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Summary(ctx context.Context) (unsettled int, batches int, err error)

	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, bool, error)
}

// ValidateNewRecord applies the insert-time checks shared by all backends.
func ValidateNewRecord(rec NewDecisionRecord) error {
	if len(rec.ContentHash) == 0 {
		return errors.Join(ErrInvalidRecord, errors.New("content hash is required"))
	}
	if len(rec.ContentHash) != protocol.DigestSize {
		return errors.Join(ErrInvalidRecord, protocol.ErrInvalidDigest)
	}
	if rec.OriginDomain == "" {
		return errors.Join(ErrInvalidRecord, errors.New("origin domain is required"))
	}
	if rec.Decision == "" {
		return errors.Join(ErrInvalidRecord, errors.New("decision is required"))
	}
	if rec.CapturedAt.IsZero() {
		return errors.Join(ErrInvalidRecord, errors.New("captured_at is required"))
	}
	return nil
}
