package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/myterms/consentledger/internal/archive"
	"github.com/myterms/consentledger/internal/ledger"
	"github.com/myterms/consentledger/internal/protocol"
	"github.com/myterms/consentledger/internal/storage"
)

const instrumentationName = "github.com/myterms/consentledger/internal/service"

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type SettlementOptions struct {
	// Enabled is the preference used until the user changes it; the stored
	// value wins afterwards.
	Enabled          bool
	AgeThreshold     time.Duration
	MinInterval      time.Duration
	ForceMinInterval time.Duration
	AttemptLease     time.Duration
	SubmitTimeout    time.Duration
}

type Params struct {
	Store      storage.Store
	Signer     ledger.Signer
	Archiver   *archive.Archiver
	Logger     *slog.Logger
	Now        func() time.Time
	Settlement SettlementOptions
}

// Service owns the settlement pipeline for one process. Every front end
// (scheduler, HTTP bridge, Redis bridge, CLI) calls into the same instance.
type Service struct {
	store      storage.Store
	archiver   *archive.Archiver
	logger     *slog.Logger
	now        func() time.Time
	enabled    bool
	policy     Policy
	submitter  Submitter
	reconciler Reconciler
	lease      *attemptLease
	throttle   *forceThrottle

	tracer   trace.Tracer
	attempts metric.Int64Counter
	settled  metric.Int64Counter
	captured metric.Int64Counter
}

func New(p Params) (*Service, error) {
	if p.Store == nil {
		return nil, fmt.Errorf("service requires a store")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := p.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	opts := p.Settlement
	if opts.AgeThreshold <= 0 {
		opts.AgeThreshold = DefaultAgeThreshold
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.ForceMinInterval < 0 {
		opts.ForceMinInterval = 0
	}

	meter := otel.Meter(instrumentationName)
	attempts, err := meter.Int64Counter("consentledger.settlement.attempts",
		metric.WithDescription("Settlement attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create attempts counter: %w", err)
	}
	settled, err := meter.Int64Counter("consentledger.records.settled",
		metric.WithDescription("Decision records marked settled"))
	if err != nil {
		return nil, fmt.Errorf("create settled counter: %w", err)
	}
	captured, err := meter.Int64Counter("consentledger.records.captured",
		metric.WithDescription("Decision records accepted into the queue"))
	if err != nil {
		return nil, fmt.Errorf("create captured counter: %w", err)
	}

	return &Service{
		store:    p.Store,
		archiver: p.Archiver,
		logger:   logger,
		now:      now,
		enabled:  opts.Enabled,
		policy: Policy{
			Store:        p.Store,
			AgeThreshold: opts.AgeThreshold,
			MinInterval:  opts.MinInterval,
		},
		submitter:  Submitter{Signer: p.Signer, Timeout: opts.SubmitTimeout, Logger: logger},
		reconciler: Reconciler{Store: p.Store, Now: now, Logger: logger},
		lease:      newAttemptLease(opts.AttemptLease),
		throttle:   newForceThrottle(opts.ForceMinInterval),
		tracer:     otel.Tracer(instrumentationName),
		attempts:   attempts,
		settled:    settled,
		captured:   captured,
	}, nil
}

func (s *Service) SignerConfigured() bool { return s.submitter.Available() }

// CaptureDecision validates and stores one decision event from the detector.
func (s *Service) CaptureDecision(ctx context.Context, req protocol.DecisionCapturedRequest) (protocol.DecisionCapturedResponse, error) {
	req.OriginDomain = protocol.NormalizeOrigin(req.OriginDomain)
	decision, ok := protocol.ParseDecision(req.Decision)
	if !ok {
		s.logger.Warn("decision rejected", slog.String("origin", req.OriginDomain), slog.String("reason", "unknown decision"))
		return protocol.DecisionCapturedResponse{Accepted: false}, invalidRecord(fmt.Errorf("unknown decision %q", req.Decision))
	}
	digest, err := protocol.ParseDigest(req.ContentHash)
	if err != nil {
		s.logger.Warn("decision rejected", slog.String("origin", req.OriginDomain), slog.String("reason", err.Error()))
		return protocol.DecisionCapturedResponse{Accepted: false}, invalidRecord(err)
	}
	id, err := s.store.Insert(ctx, storage.NewDecisionRecord{
		OriginDomain: req.OriginDomain,
		ContentHash:  digest[:],
		Decision:     decision,
		CapturedAt:   s.now(),
	})
	if err != nil {
		if isInvalidRecord(err) {
			s.logger.Warn("decision rejected", slog.String("origin", req.OriginDomain), slog.String("reason", err.Error()))
			return protocol.DecisionCapturedResponse{Accepted: false}, invalidRecord(err)
		}
		return protocol.DecisionCapturedResponse{}, Internal("store decision record", err)
	}
	s.captured.Add(ctx, 1)
	return protocol.DecisionCapturedResponse{Accepted: true, ID: id}, nil
}

func (s *Service) QueueSummary(ctx context.Context) (protocol.QueueSummary, error) {
	unsettled, batches, err := s.store.Summary(ctx)
	if err != nil {
		return protocol.QueueSummary{}, Internal("summarize queue", err)
	}
	out := protocol.QueueSummary{
		UnsettledCount:    unsettled,
		SettledBatchCount: batches,
		SettlementEnabled: s.settlementEnabled(ctx),
	}
	if wm := s.watermark(ctx); !wm.IsZero() {
		out.LastSettlementAttemptAt = &wm
	}
	_, out.SettlementInFlight = s.lease.holder(s.now())
	return out, nil
}

func (s *Service) Records(ctx context.Context, req protocol.GetRecordsRequest) (protocol.GetRecordsResponse, error) {
	if req.Limit < 0 || req.Offset < 0 {
		return protocol.GetRecordsResponse{}, BadRequest("limit and offset must be non-negative", nil)
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	records, err := s.store.Query(ctx, storage.Page(limit, req.Offset))
	if err != nil {
		return protocol.GetRecordsResponse{}, Internal("query records", err)
	}
	return protocol.GetRecordsResponse{Records: records}, nil
}

func (s *Service) BatchesSince(ctx context.Context, since time.Time) (protocol.GetBatchesResponse, error) {
	batches, err := s.store.GetBatchesSince(ctx, since)
	if err != nil {
		return protocol.GetBatchesResponse{}, Internal("query batches", err)
	}
	return protocol.GetBatchesResponse{Batches: batches}, nil
}

// CheckReadiness evaluates the policy without starting an attempt.
func (s *Service) CheckReadiness(ctx context.Context, force bool) (Readiness, error) {
	r, err := s.policy.IsReady(ctx, s.now(), s.watermark(ctx), force)
	if err != nil {
		return Readiness{}, Internal("evaluate settlement policy", err)
	}
	return r, nil
}

// PrepareSettlement starts a split attempt: the returned plan is signed
// elsewhere and comes back through FinalizeSettlement or AbortSettlement.
// The attempt holds the single-flight lease until then.
func (s *Service) PrepareSettlement(ctx context.Context, force bool) (plan protocol.BatchPlan, err error) {
	ctx, span := s.tracer.Start(ctx, "settlement.prepare", trace.WithAttributes(attribute.Bool("force", force)))
	defer func() { endSpan(span, err) }()

	if err := s.requireEnabled(ctx); err != nil {
		return protocol.BatchPlan{}, err
	}
	planID := protocol.NewPlanID()
	if !s.lease.acquire(planID, s.now()) {
		s.countAttempt(ctx, CodeSettlementInFlight, force)
		return protocol.BatchPlan{}, inFlight()
	}
	plan, err = s.prepareLocked(ctx, planID, force)
	if err != nil {
		s.lease.release(planID)
		return protocol.BatchPlan{}, err
	}
	s.logger.Info("settlement prepared",
		slog.String("plan_id", plan.PlanID),
		slog.Bool("force", force),
		slog.Int("origin_count", len(plan.Origins)),
		slog.Int("member_count", len(plan.MemberIDs)),
	)
	return plan, nil
}

// FinalizeSettlement records a receipt for a plan that was signed elsewhere.
func (s *Service) FinalizeSettlement(ctx context.Context, req protocol.FinalizeSettlementRequest) (batch protocol.SettledBatch, err error) {
	ctx, span := s.tracer.Start(ctx, "settlement.finalize", trace.WithAttributes(
		attribute.String("plan_id", req.Plan.PlanID),
		attribute.String("ledger_tx_ref", req.Receipt.LedgerTxRef),
	))
	defer func() { endSpan(span, err) }()

	batch, err = s.reconciler.Finalize(ctx, req.Plan, req.Receipt)
	if err != nil {
		// A reconcile failure keeps the lease so nobody re-plans these records
		// before the same receipt is finalized again.
		if !IsCode(err, CodeReconcileFailed) {
			s.lease.release(req.Plan.PlanID)
		}
		s.countAttempt(ctx, codeOf(err), req.Plan.Force)
		return protocol.SettledBatch{}, err
	}
	s.lease.release(req.Plan.PlanID)
	s.countAttempt(ctx, "SETTLED", req.Plan.Force)
	s.settled.Add(ctx, int64(len(batch.MemberRecordIDs)))
	return batch, nil
}

// AbortSettlement gives up a split attempt, for example after the signer
// reported a rejection. The watermark stays where prepare put it.
func (s *Service) AbortSettlement(ctx context.Context, req protocol.AbortSettlementRequest) (protocol.AbortSettlementResponse, error) {
	if req.PlanID == "" {
		return protocol.AbortSettlementResponse{}, BadRequest("plan id is required", nil)
	}
	released := s.lease.release(req.PlanID)
	if released {
		s.logger.Info("settlement aborted", slog.String("plan_id", req.PlanID), slog.String("reason", req.Reason))
		s.countAttempt(ctx, "ABORTED", false)
	}
	return protocol.AbortSettlementResponse{Aborted: released}, nil
}

// SettleNow runs the whole attempt in process against the configured signer.
func (s *Service) SettleNow(ctx context.Context, force bool) (batch protocol.SettledBatch, err error) {
	ctx, span := s.tracer.Start(ctx, "settlement.settle_now", trace.WithAttributes(attribute.Bool("force", force)))
	defer func() { endSpan(span, err) }()

	if !s.submitter.Available() {
		return protocol.SettledBatch{}, NewAppError(http.StatusServiceUnavailable, CodeSignerUnavailable, "no ledger signer configured", false, nil)
	}
	if err := s.requireEnabled(ctx); err != nil {
		return protocol.SettledBatch{}, err
	}
	planID := protocol.NewPlanID()
	if !s.lease.hold(planID, s.now()) {
		s.countAttempt(ctx, CodeSettlementInFlight, force)
		return protocol.SettledBatch{}, inFlight()
	}
	defer s.lease.release(planID)

	plan, err := s.prepareLocked(ctx, planID, force)
	if err != nil {
		return protocol.SettledBatch{}, err
	}
	receipt, err := s.submitter.Submit(ctx, plan)
	if err != nil {
		s.countAttempt(ctx, codeOf(err), force)
		return protocol.SettledBatch{}, err
	}
	batch, err = s.reconciler.Finalize(ctx, plan, receipt)
	if err != nil {
		s.countAttempt(ctx, codeOf(err), force)
		return protocol.SettledBatch{}, err
	}
	s.countAttempt(ctx, "SETTLED", force)
	s.settled.Add(ctx, int64(len(batch.MemberRecordIDs)))
	return batch, nil
}

// prepareLocked runs policy and assembly. The caller holds the lease.
// Batches left half reconciled by an earlier attempt are finished first.
func (s *Service) prepareLocked(ctx context.Context, planID string, force bool) (protocol.BatchPlan, error) {
	repaired, err := s.reconciler.Recover(ctx)
	if err != nil {
		return protocol.BatchPlan{}, reconcileFailed(err)
	}
	if repaired > 0 {
		s.logger.Warn("repaired unreconciled batches before planning", slog.Int("count", repaired))
	}
	now := s.now()
	readiness, err := s.policy.IsReady(ctx, now, s.watermark(ctx), force)
	if err != nil {
		return protocol.BatchPlan{}, Internal("evaluate settlement policy", err)
	}
	if !readiness.Ready {
		return protocol.BatchPlan{}, NewAppError(http.StatusUnprocessableEntity, CodeNoCandidates,
			"no records ready for settlement: "+readiness.Reason, false, nil)
	}
	if force && !s.throttle.allow(now) {
		s.countAttempt(ctx, CodeSettlementThrottled, force)
		return protocol.BatchPlan{}, NewAppError(http.StatusTooManyRequests, CodeSettlementThrottled,
			"forced settlement attempted too soon after the previous one", true, nil)
	}
	plan, err := Assemble(readiness.Candidates, force, now)
	if err != nil {
		return protocol.BatchPlan{}, err
	}
	plan.PlanID = planID
	s.advanceWatermark(ctx, now)
	return plan, nil
}

// Recover finishes partially reconciled batches. Run it once at startup
// before anything else touches the store; every new plan repeats it.
func (s *Service) Recover(ctx context.Context) (int, error) {
	repaired, err := s.reconciler.Recover(ctx)
	if err != nil {
		return repaired, Internal("recover unreconciled batches", err)
	}
	if repaired > 0 {
		s.logger.Warn("startup recovery repaired batches", slog.Int("count", repaired))
	}
	return repaired, nil
}

// PurgeOld archives and deletes settled records older than ageDays.
func (s *Service) PurgeOld(ctx context.Context, ageDays int) (protocol.PurgeOldResponse, error) {
	if ageDays <= 0 {
		return protocol.PurgeOldResponse{}, BadRequest("ageDays must be positive", nil)
	}
	now := s.now()
	cutoff := now.Add(-time.Duration(ageDays) * 24 * time.Hour)

	var archiveRef string
	if s.archiver != nil {
		doomed, err := s.store.ListSettledBefore(ctx, cutoff)
		if err != nil {
			return protocol.PurgeOldResponse{}, Internal("list records to archive", err)
		}
		if len(doomed) > 0 {
			batches, err := s.batchesFor(ctx, doomed)
			if err != nil {
				return protocol.PurgeOldResponse{}, err
			}
			archiveRef, err = s.archiver.Archive(ctx, archive.Bundle{
				BundleID:  fmt.Sprintf("purge_%d", now.UnixNano()),
				CreatedAt: now,
				Cutoff:    cutoff,
				Records:   doomed,
				Batches:   batches,
			})
			if err != nil {
				return protocol.PurgeOldResponse{}, Internal("archive records before purge", err)
			}
		}
	}

	purged, err := s.store.PurgeSettledOlderThan(ctx, cutoff)
	if err != nil {
		return protocol.PurgeOldResponse{}, Internal("purge settled records", err)
	}
	s.logger.Info("retention sweep finished",
		slog.Int("age_days", ageDays),
		slog.Int64("purged", purged),
		slog.String("archive_ref", archiveRef),
	)
	return protocol.PurgeOldResponse{PurgedCount: purged, ArchiveRef: archiveRef}, nil
}

func (s *Service) batchesFor(ctx context.Context, records []protocol.DecisionRecord) ([]protocol.SettledBatch, error) {
	earliest := time.Time{}
	refs := make(map[string]struct{})
	for _, rec := range records {
		if rec.BatchRef != nil {
			refs[*rec.BatchRef] = struct{}{}
		}
		if rec.SettledAt != nil && (earliest.IsZero() || rec.SettledAt.Before(earliest)) {
			earliest = *rec.SettledAt
		}
	}
	all, err := s.store.GetBatchesSince(ctx, earliest)
	if err != nil {
		return nil, Internal("load batches to archive", err)
	}
	out := make([]protocol.SettledBatch, 0, len(refs))
	for _, b := range all {
		if _, ok := refs[b.BatchRef]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Service) SetSettlementEnabled(ctx context.Context, enabled bool) (protocol.SetSettlementEnabledResponse, error) {
	if err := s.store.SetMeta(ctx, storage.MetaSettlementEnabled, strconv.FormatBool(enabled)); err != nil {
		return protocol.SetSettlementEnabledResponse{}, Internal("store settlement preference", err)
	}
	s.logger.Info("settlement preference changed", slog.Bool("enabled", enabled))
	return protocol.SetSettlementEnabledResponse{SettlementEnabled: enabled}, nil
}

// settlementEnabled reads the stored preference. An unreadable or malformed
// value counts as disabled.
func (s *Service) settlementEnabled(ctx context.Context) bool {
	raw, found, err := s.store.GetMeta(ctx, storage.MetaSettlementEnabled)
	if err != nil {
		s.logger.Error("settlement preference unreadable; treating as disabled", slog.String("error", err.Error()))
		return false
	}
	if !found {
		return s.enabled
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		s.logger.Error("settlement preference malformed; treating as disabled", slog.String("value", raw))
		return false
	}
	return enabled
}

func (s *Service) requireEnabled(ctx context.Context) error {
	if s.settlementEnabled(ctx) {
		return nil
	}
	return NewAppError(http.StatusForbidden, CodeSettlementDisabled, "settlement is disabled", false, nil)
}

func (s *Service) watermark(ctx context.Context) time.Time {
	raw, found, err := s.store.GetMeta(ctx, storage.MetaLastSettlementAttempt)
	if err != nil {
		s.logger.Warn("settlement watermark unreadable", slog.String("error", err.Error()))
		return time.Time{}
	}
	if !found {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.logger.Warn("settlement watermark malformed", slog.String("value", raw))
		return time.Time{}
	}
	return t.UTC()
}

func (s *Service) advanceWatermark(ctx context.Context, at time.Time) {
	if err := s.store.SetMeta(ctx, storage.MetaLastSettlementAttempt, at.UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Error("failed to persist settlement watermark", slog.String("error", err.Error()))
	}
}

func (s *Service) countAttempt(ctx context.Context, outcome string, force bool) {
	s.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("force", force),
	))
}

func inFlight() *AppError {
	return NewAppError(http.StatusConflict, CodeSettlementInFlight, "a settlement attempt is already in flight", true, nil)
}

func codeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
