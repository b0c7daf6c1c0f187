package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/myterms/consentledger/internal/protocol"
	"github.com/myterms/consentledger/internal/storage"
)

// Reconciler writes a mined submission back to the store. The batch row goes
// in first and the member records are marked second; a crash between the two
// is repaired by Recover, and replaying Finalize with the same receipt only
// repeats the second step.
type Reconciler struct {
	Store  storage.Store
	Now    func() time.Time
	Logger *slog.Logger
}

func (r Reconciler) Finalize(ctx context.Context, plan protocol.BatchPlan, receipt protocol.Receipt) (protocol.SettledBatch, error) {
	if receipt.LedgerTxRef == "" {
		return protocol.SettledBatch{}, BadRequest("receipt has no ledger tx ref", nil)
	}
	if err := checkPlanShape(plan); err != nil {
		return protocol.SettledBatch{}, err
	}

	existing, found, err := r.Store.GetBatchByTxRef(ctx, receipt.LedgerTxRef)
	if err != nil {
		return protocol.SettledBatch{}, reconcileFailed(err)
	}
	if found {
		if !slices.Equal(existing.MemberRecordIDs, plan.MemberIDs) {
			return protocol.SettledBatch{}, NewAppError(http.StatusConflict, CodePlanConflict, "receipt already settled a different batch", false, nil)
		}
		if _, err := r.Store.MarkSettled(ctx, existing.MemberRecordIDs, existing.BatchRef, existing.SettledAt); err != nil {
			return protocol.SettledBatch{}, reconcileFailed(err)
		}
		r.logger().Info("finalize replayed",
			slog.String("batch_ref", existing.BatchRef),
			slog.String("ledger_tx_ref", existing.LedgerTxRef),
		)
		return existing, nil
	}

	if err := r.checkPlanAgainstStore(ctx, plan); err != nil {
		return protocol.SettledBatch{}, err
	}

	// Postgres keeps microseconds; truncating keeps both backends identical.
	settledAt := r.now().Truncate(time.Microsecond)
	entries := PerOrigin(plan)
	batch := protocol.SettledBatch{
		BatchRef:          protocol.NewBatchRef(settledAt),
		LedgerTxRef:       receipt.LedgerTxRef,
		MemberRecordIDs:   slices.Clone(plan.MemberIDs),
		PerOriginDigest:   entries,
		BatchRoot:         protocol.ComputeBatchRoot(entries).String(),
		LedgerBlockHeight: receipt.BlockHeight,
		LedgerCost:        receipt.Cost,
		SettledAt:         settledAt,
	}
	if err := r.Store.PutBatch(ctx, batch); err != nil {
		return protocol.SettledBatch{}, reconcileFailed(err)
	}
	marked, err := r.Store.MarkSettled(ctx, batch.MemberRecordIDs, batch.BatchRef, batch.SettledAt)
	if err != nil {
		r.logger().Error("batch stored but records not marked; recovery will finish it",
			slog.String("batch_ref", batch.BatchRef),
			slog.String("error", err.Error()),
		)
		return protocol.SettledBatch{}, reconcileFailed(err)
	}
	r.logger().Info("batch settled",
		slog.String("batch_ref", batch.BatchRef),
		slog.String("ledger_tx_ref", batch.LedgerTxRef),
		slog.Int("origin_count", len(entries)),
		slog.Int64("records_marked", marked),
	)
	return batch, nil
}

// Recover finishes every batch whose members were not all marked settled.
func (r Reconciler) Recover(ctx context.Context) (int, error) {
	pending, err := r.Store.ListUnreconciledBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unreconciled batches: %w", err)
	}
	var errs []error
	repaired := 0
	for _, batch := range pending {
		marked, err := r.Store.MarkSettled(ctx, batch.MemberRecordIDs, batch.BatchRef, batch.SettledAt)
		if err != nil {
			errs = append(errs, fmt.Errorf("batch %s: %w", batch.BatchRef, err))
			continue
		}
		repaired++
		r.logger().Warn("recovered partially settled batch",
			slog.String("batch_ref", batch.BatchRef),
			slog.String("ledger_tx_ref", batch.LedgerTxRef),
			slog.Int64("records_marked", marked),
		)
	}
	return repaired, errors.Join(errs...)
}

// checkPlanAgainstStore re-derives the plan from the records it names. A plan
// travels through the UI between prepare and finalize, so it is not trusted.
func (r Reconciler) checkPlanAgainstStore(ctx context.Context, plan protocol.BatchPlan) error {
	unsettled, err := r.Store.Query(ctx, storage.Filter{UnsettledOnly: true})
	if err != nil {
		return reconcileFailed(err)
	}
	byID := make(map[int64]protocol.DecisionRecord, len(unsettled))
	for _, rec := range unsettled {
		byID[rec.ID] = rec
	}
	members := make([]protocol.DecisionRecord, 0, len(plan.MemberIDs))
	for _, id := range plan.MemberIDs {
		rec, ok := byID[id]
		if !ok {
			return NewAppError(http.StatusConflict, CodePlanConflict, fmt.Sprintf("record %d is settled or missing", id), false, nil)
		}
		members = append(members, rec)
	}
	derived, err := Assemble(members, plan.Force, plan.PreparedAt)
	if err != nil {
		return err
	}
	if !samePlanContents(derived, plan) {
		return NewAppError(http.StatusConflict, CodePlanConflict, "plan digests do not match the stored records", false, nil)
	}
	return nil
}

func checkPlanShape(plan protocol.BatchPlan) error {
	if len(plan.MemberIDs) == 0 || len(plan.Origins) == 0 {
		return NewAppError(http.StatusBadRequest, CodeEmptyBatch, "plan has no members", false, nil)
	}
	if len(plan.Origins) != len(plan.PerOriginDigest) {
		return BadRequest("plan origins and digests are not aligned", nil)
	}
	seen := make(map[int64]struct{}, len(plan.MemberIDs))
	for _, id := range plan.MemberIDs {
		if _, dup := seen[id]; dup {
			return BadRequest(fmt.Sprintf("record %d appears twice in plan", id), nil)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (r Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

func (r Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
