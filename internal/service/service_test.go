package service

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myterms/consentledger/internal/archive"
	"github.com/myterms/consentledger/internal/ledger"
	"github.com/myterms/consentledger/internal/protocol"
	"github.com/myterms/consentledger/internal/storage"
	"github.com/myterms/consentledger/internal/storage/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore lets a test fail selected store calls.
type flakyStore struct {
	storage.Store
	failMarkSettled atomic.Bool
	failGetMeta     atomic.Bool
}

func (f *flakyStore) MarkSettled(ctx context.Context, ids []int64, batchRef string, settledAt time.Time) (int64, error) {
	if f.failMarkSettled.Load() {
		return 0, errors.New("disk full")
	}
	return f.Store.MarkSettled(ctx, ids, batchRef, settledAt)
}

func (f *flakyStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	if f.failGetMeta.Load() {
		return "", false, errors.New("database is locked")
	}
	return f.Store.GetMeta(ctx, key)
}

type harness struct {
	svc    *Service
	store  *flakyStore
	clock  *fakeClock
	signer *countingSigner
}

type countingSigner struct {
	calls  atomic.Int32
	submit func(origins []string, digests []protocol.Digest) (protocol.Receipt, error)
}

func (c *countingSigner) Submit(_ context.Context, origins []string, digests []protocol.Digest) (protocol.Receipt, error) {
	c.calls.Add(1)
	if c.submit != nil {
		return c.submit(origins, digests)
	}
	return protocol.Receipt{LedgerTxRef: "0xabc", BlockHeight: 10, Cost: 21000}, nil
}

type harnessOption func(*Params)

func withArchiver(a *archive.Archiver) harnessOption {
	return func(p *Params) { p.Archiver = a }
}

func withoutSigner() harnessOption {
	return func(p *Params) { p.Signer = nil }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	backing, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(backing.Close)

	store := &flakyStore{Store: backing}
	clock := newFakeClock(time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC))
	signer := &countingSigner{}
	params := Params{
		Store:  store,
		Signer: signer,
		Now:    clock.Now,
		Settlement: SettlementOptions{
			Enabled:          true,
			ForceMinInterval: DefaultForceMinBetween,
			AttemptLease:     DefaultAttemptLease,
		},
	}
	for _, opt := range opts {
		opt(&params)
	}
	svc, err := New(params)
	require.NoError(t, err)
	return &harness{svc: svc, store: store, clock: clock, signer: signer}
}

func (h *harness) insert(t *testing.T, origin, content string, age time.Duration) int64 {
	t.Helper()
	digest := protocol.HashContent([]byte(content))
	id, err := h.store.Insert(context.Background(), storage.NewDecisionRecord{
		OriginDomain: origin,
		ContentHash:  digest[:],
		Decision:     protocol.DecisionAccept,
		CapturedAt:   h.clock.Now().Add(-age),
	})
	require.NoError(t, err)
	return id
}

func TestNormalBatchPrepareAndFinalize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, content := range []string{"a1", "a2", "a3"} {
		h.insert(t, "a.com", content, 30*time.Hour-time.Duration(i)*time.Minute)
	}
	h.insert(t, "b.com", "b1", 26*time.Hour)
	h.insert(t, "b.com", "b2", 25*time.Hour)

	plan, err := h.svc.PrepareSettlement(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.com", "b.com"}, plan.Origins)
	assert.Len(t, plan.PerOriginDigest, 2)
	assert.Len(t, plan.MemberIDs, 5)

	batch, err := h.svc.FinalizeSettlement(ctx, protocol.FinalizeSettlementRequest{
		Plan:    plan,
		Receipt: protocol.Receipt{LedgerTxRef: "0xabc", BlockHeight: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", batch.LedgerTxRef)
	assert.Equal(t, plan.MemberIDs, batch.MemberRecordIDs)
	assert.Equal(t, protocol.ComputeBatchRoot(batch.PerOriginDigest).String(), batch.BatchRoot)

	summary, err := h.svc.QueueSummary(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.UnsettledCount)
	assert.Equal(t, 1, summary.SettledBatchCount)
	assert.False(t, summary.SettlementInFlight)
	require.NotNil(t, summary.LastSettlementAttemptAt)

	records, err := h.svc.Records(ctx, protocol.GetRecordsRequest{Limit: 10})
	require.NoError(t, err)
	for _, rec := range records.Records {
		assert.True(t, rec.Settled)
		require.NotNil(t, rec.BatchRef)
		assert.Equal(t, batch.BatchRef, *rec.BatchRef)
	}
}

func TestNotReadyUnlessForced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.insert(t, "a.com", "fresh", 2*time.Hour)

	_, err := h.svc.PrepareSettlement(ctx, false)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeNoCandidates))

	plan, err := h.svc.PrepareSettlement(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, plan.MemberIDs)
}

func TestMinIntervalThrottlesAutomaticAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "a.com", "old", 48*time.Hour)

	plan, err := h.svc.PrepareSettlement(ctx, false)
	require.NoError(t, err)
	_, err = h.svc.AbortSettlement(ctx, protocol.AbortSettlementRequest{PlanID: plan.PlanID, Reason: "user closed wallet"})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	_, err = h.svc.PrepareSettlement(ctx, false)
	assert.True(t, IsCode(err, CodeNoCandidates))

	h.clock.Advance(23 * time.Hour)
	_, err = h.svc.PrepareSettlement(ctx, false)
	assert.NoError(t, err)
}

func TestRejectedSubmissionLeavesRecordsUnsettled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.insert(t, "a.com", "old", 48*time.Hour)
	h.signer.submit = func([]string, []protocol.Digest) (protocol.Receipt, error) {
		return protocol.Receipt{}, ledger.NewSubmitError(ledger.KindUserRejected, "declined", nil)
	}

	_, err := h.svc.SettleNow(ctx, false)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeUserRejected))

	summary, err := h.svc.QueueSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UnsettledCount)
	assert.Zero(t, summary.SettledBatchCount)
	assert.False(t, summary.SettlementInFlight)

	plan, err := h.svc.PrepareSettlement(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, plan.MemberIDs)
}

func TestNetworkFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.insert(t, "a.com", "old", 48*time.Hour)
	h.signer.submit = func([]string, []protocol.Digest) (protocol.Receipt, error) {
		return protocol.Receipt{}, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	_, err := h.svc.SettleNow(context.Background(), false)
	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, CodeNetworkUnavailable, appErr.Code)
	assert.True(t, appErr.Retryable)
}

func TestTimeoutAfterDispatchIsNotRetryable(t *testing.T) {
	for name, failure := range map[string]error{
		"deadline":   context.DeadlineExceeded,
		"reset":      &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET},
		"gateway504": ledger.NewSubmitError(ledger.KindUnknown, "status 504", nil),
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.insert(t, "a.com", "old", 48*time.Hour)
			h.signer.submit = func([]string, []protocol.Digest) (protocol.Receipt, error) {
				return protocol.Receipt{}, failure
			}
			_, err := h.svc.SettleNow(context.Background(), false)
			var appErr *AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, CodeSubmitUnknown, appErr.Code)
			assert.False(t, appErr.Retryable)
		})
	}
}

func TestConcurrentForcedPreparesAreSingleFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "a.com", "one", time.Minute)

	const callers = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		inFlight  atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.PrepareSettlement(ctx, true)
			switch {
			case err == nil:
				succeeded.Add(1)
			case IsCode(err, CodeSettlementInFlight):
				inFlight.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, succeeded.Load())
	assert.EqualValues(t, callers-1, inFlight.Load())

	_, err := h.svc.SettleNow(ctx, true)
	assert.True(t, IsCode(err, CodeSettlementInFlight))
	assert.Zero(t, h.signer.calls.Load())
}

func TestAttemptLeaseExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "a.com", "one", time.Minute)

	_, err := h.svc.PrepareSettlement(ctx, true)
	require.NoError(t, err)

	h.clock.Advance(DefaultAttemptLease + time.Second)
	_, err = h.svc.PrepareSettlement(ctx, true)
	require.NoError(t, err)
}

func TestSettleNowKeepsGuardPastLeaseTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "a.com", "one", 48*time.Hour)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.signer.submit = func([]string, []protocol.Digest) (protocol.Receipt, error) {
		close(entered)
		<-unblock
		return protocol.Receipt{LedgerTxRef: "0xabc", BlockHeight: 10}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.SettleNow(ctx, true)
		done <- err
	}()
	<-entered

	h.clock.Advance(DefaultAttemptLease + time.Minute)
	_, err := h.svc.SettleNow(ctx, true)
	assert.True(t, IsCode(err, CodeSettlementInFlight))
	_, err = h.svc.PrepareSettlement(ctx, true)
	assert.True(t, IsCode(err, CodeSettlementInFlight))

	close(unblock)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, h.signer.calls.Load())

	summary, err := h.svc.QueueSummary(ctx)
	require.NoError(t, err)
	assert.False(t, summary.SettlementInFlight)
	assert.Zero(t, summary.UnsettledCount)
}

func TestForcedAttemptsAreRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "a.com", "one", time.Minute)
	h.signer.submit = func([]string, []protocol.Digest) (protocol.Receipt, error) {
		return protocol.Receipt{}, ledger.NewSubmitError(ledger.KindUserRejected, "", nil)
	}

	_, err := h.svc.SettleNow(ctx, true)
	require.True(t, IsCode(err, CodeUserRejected))

	_, err = h.svc.SettleNow(ctx, true)
	require.True(t, IsCode(err, CodeSettlementThrottled))
	assert.EqualValues(t, 1, h.signer.calls.Load())

	h.clock.Advance(DefaultForceMinBetween)
	_, err = h.svc.SettleNow(ctx, true)
	require.True(t, IsCode(err, CodeUserRejected))
	assert.EqualValues(t, 2, h.signer.calls.Load())
}

func TestCrashBetweenPutBatchAndMarkSettledIsRecovered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "a.com", "one", 48*time.Hour)
	h.insert(t, "b.com", "two", 48*time.Hour)

	h.store.failMarkSettled.Store(true)
	_, err := h.svc.SettleNow(ctx, false)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeReconcileFailed))
	assert.EqualValues(t, 1, h.signer.calls.Load())

	unsettled, batches, err := h.store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, unsettled)
	assert.Equal(t, 1, batches)

	// Simulated restart: a fresh service over the same store runs recovery.
	h.store.failMarkSettled.Store(false)
	restarted, err := New(Params{Store: h.store, Signer: h.signer, Now: h.clock.Now, Settlement: SettlementOptions{Enabled: true}})
	require.NoError(t, err)
	repaired, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	unsettled, batches, err = h.store.Summary(ctx)
	require.NoError(t, err)
	assert.Zero(t, unsettled)
	assert.Equal(t, 1, batches)
	assert.EqualValues(t, 1, h.signer.calls.Load())
}

func TestReconcileFailureIsNotResubmitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "a.com", "one", time.Minute)
	h.insert(t, "b.com", "two", time.Minute)

	h.store.failMarkSettled.Store(true)
	_, err := h.svc.SettleNow(ctx, true)
	require.True(t, IsCode(err, CodeReconcileFailed))
	assert.EqualValues(t, 1, h.signer.calls.Load())

	h.store.failMarkSettled.Store(false)
	h.clock.Advance(5 * time.Minute)
	_, err = h.svc.SettleNow(ctx, true)
	assert.True(t, IsCode(err, CodeNoCandidates))
	assert.EqualValues(t, 1, h.signer.calls.Load())

	unsettled, batches, err := h.store.Summary(ctx)
	require.NoError(t, err)
	assert.Zero(t, unsettled)
	assert.Equal(t, 1, batches)
}

func TestFinalizeReplayWithSameReceiptIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "a.com", "one", 48*time.Hour)

	plan, err := h.svc.PrepareSettlement(ctx, false)
	require.NoError(t, err)
	req := protocol.FinalizeSettlementRequest{Plan: plan, Receipt: protocol.Receipt{LedgerTxRef: "0xabc"}}

	h.store.failMarkSettled.Store(true)
	_, err = h.svc.FinalizeSettlement(ctx, req)
	require.True(t, IsCode(err, CodeReconcileFailed))

	summary, err := h.svc.QueueSummary(ctx)
	require.NoError(t, err)
	assert.True(t, summary.SettlementInFlight)

	h.store.failMarkSettled.Store(false)
	first, err := h.svc.FinalizeSettlement(ctx, req)
	require.NoError(t, err)
	second, err := h.svc.FinalizeSettlement(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.BatchRef, second.BatchRef)

	_, batches, err := h.store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, batches)
}

func TestFinalizeRejectsTamperedOrStalePlans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "a.com", "one", 48*time.Hour)
	h.insert(t, "b.com", "two", 48*time.Hour)

	plan, err := h.svc.PrepareSettlement(ctx, false)
	require.NoError(t, err)

	tampered := plan
	tampered.PerOriginDigest = []protocol.Digest{plan.PerOriginDigest[1], plan.PerOriginDigest[0]}
	_, err = h.svc.FinalizeSettlement(ctx, protocol.FinalizeSettlementRequest{Plan: tampered, Receipt: protocol.Receipt{LedgerTxRef: "0x1"}})
	assert.True(t, IsCode(err, CodePlanConflict))

	_, err = h.svc.FinalizeSettlement(ctx, protocol.FinalizeSettlementRequest{Plan: plan, Receipt: protocol.Receipt{LedgerTxRef: "0x2"}})
	require.NoError(t, err)

	_, err = h.svc.FinalizeSettlement(ctx, protocol.FinalizeSettlementRequest{Plan: plan, Receipt: protocol.Receipt{LedgerTxRef: "0x3"}})
	assert.True(t, IsCode(err, CodePlanConflict))
}

func TestSettlementDisabledFailsClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.insert(t, "a.com", "one", 48*time.Hour)

	_, err := h.svc.SetSettlementEnabled(ctx, false)
	require.NoError(t, err)
	_, err = h.svc.PrepareSettlement(ctx, true)
	assert.True(t, IsCode(err, CodeSettlementDisabled))

	_, err = h.svc.SetSettlementEnabled(ctx, true)
	require.NoError(t, err)
	h.store.failGetMeta.Store(true)
	_, err = h.svc.SettleNow(ctx, true)
	assert.True(t, IsCode(err, CodeSettlementDisabled))
	assert.Zero(t, h.signer.calls.Load())
}

func TestSettleNowWithoutSigner(t *testing.T) {
	h := newHarness(t, withoutSigner())
	h.insert(t, "a.com", "one", 48*time.Hour)
	_, err := h.svc.SettleNow(context.Background(), true)
	assert.True(t, IsCode(err, CodeSignerUnavailable))
}

func TestCaptureDecisionValidatesInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	digest := protocol.HashContent([]byte("banner"))

	resp, err := h.svc.CaptureDecision(ctx, protocol.DecisionCapturedRequest{
		OriginDomain: "a.com",
		ContentHash:  digest.String(),
		Decision:     "Accepted",
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.NotZero(t, resp.ID)

	cases := []protocol.DecisionCapturedRequest{
		{OriginDomain: "a.com", ContentHash: "", Decision: "accept"},
		{OriginDomain: "a.com", ContentHash: "0x1234", Decision: "accept"},
		{OriginDomain: "a.com", ContentHash: digest.String(), Decision: "maybe"},
		{OriginDomain: "", ContentHash: digest.String(), Decision: "decline"},
		{OriginDomain: "   ", ContentHash: digest.String(), Decision: "decline"},
	}
	for _, req := range cases {
		resp, err := h.svc.CaptureDecision(ctx, req)
		assert.True(t, IsCode(err, CodeInvalidRecord), "request %+v", req)
		assert.False(t, resp.Accepted)
	}

	summary, err := h.svc.QueueSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UnsettledCount)

	_, err = h.svc.CaptureDecision(ctx, protocol.DecisionCapturedRequest{
		OriginDomain: "  A.COM ",
		ContentHash:  digest.String(),
		Decision:     "decline",
	})
	require.NoError(t, err)
	page, err := h.svc.Records(ctx, protocol.GetRecordsRequest{Limit: 10})
	require.NoError(t, err)
	for _, rec := range page.Records {
		assert.Equal(t, "a.com", rec.OriginDomain)
	}
}

func TestPurgeOldArchivesThenDeletesSettledRecords(t *testing.T) {
	sink, err := archive.NewFileSink(t.TempDir())
	require.NoError(t, err)
	h := newHarness(t, withArchiver(archive.New(sink, nil)))
	ctx := context.Background()
	h.insert(t, "a.com", "one", 48*time.Hour)

	_, err = h.svc.SettleNow(ctx, false)
	require.NoError(t, err)
	h.insert(t, "a.com", "two", time.Hour)

	_, err = h.svc.PurgeOld(ctx, 0)
	assert.True(t, IsCode(err, CodeBadRequest))

	resp, err := h.svc.PurgeOld(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, resp.PurgedCount)

	h.clock.Advance(31 * 24 * time.Hour)
	resp, err = h.svc.PurgeOld(ctx, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 1, resp.PurgedCount)
	assert.NotEmpty(t, resp.ArchiveRef)

	raw, err := sink.Get(ctx, resp.ArchiveRef)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "a.com")

	unsettled, batches, err := h.store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unsettled)
	assert.Equal(t, 1, batches)
}
