package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myterms/consentledger/internal/protocol"
	"github.com/myterms/consentledger/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func insertRecord(t *testing.T, store *Store, origin string, content string, at time.Time) int64 {
	t.Helper()
	digest := protocol.HashContent([]byte(content))
	id, err := store.Insert(context.Background(), storage.NewDecisionRecord{
		OriginDomain: origin,
		ContentHash:  digest[:],
		Decision:     protocol.DecisionAccept,
		CapturedAt:   at,
	})
	require.NoError(t, err)
	return id
}

func TestInsertAndQueryUnsettledOldestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := insertRecord(t, store, "a.example", "one", base)
	second := insertRecord(t, store, "b.example", "two", base.Add(time.Hour))
	require.Greater(t, second, first)

	recs, err := store.Query(ctx, storage.Filter{UnsettledOnly: true})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, first, recs[0].ID)
	assert.Equal(t, "a.example", recs[0].OriginDomain)
	assert.Equal(t, protocol.HashContent([]byte("one")), recs[0].ContentHash)
	assert.True(t, recs[0].CapturedAt.Equal(base))
	assert.False(t, recs[0].Settled)
	assert.Nil(t, recs[0].BatchRef)

	recs, err = store.Query(ctx, storage.UnsettledOlderThan(base.Add(90*time.Minute), time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, first, recs[0].ID)
}

func TestInsertRejectsInvalidRecord(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Insert(context.Background(), storage.NewDecisionRecord{
		OriginDomain: "a.example",
		ContentHash:  []byte{1, 2, 3},
		Decision:     protocol.DecisionAccept,
		CapturedAt:   time.Now(),
	})
	require.ErrorIs(t, err, storage.ErrInvalidRecord)

	unsettled, _, err := store.Summary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, unsettled)
}

func TestPageNewestFirst(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, insertRecord(t, store, "a.example", string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute)))
	}

	page, err := store.Query(context.Background(), storage.Page(2, 1))
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)
}

func TestMarkSettledOnlyTouchesUnsettledRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	a := insertRecord(t, store, "a.example", "one", now.Add(-48*time.Hour))
	b := insertRecord(t, store, "a.example", "two", now.Add(-47*time.Hour))

	n, err := store.MarkSettled(ctx, []int64{a, b}, "batch_1", now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = store.MarkSettled(ctx, []int64{a, b}, "batch_2", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	recs, err := store.Query(ctx, storage.Page(10, 0))
	require.NoError(t, err)
	for _, rec := range recs {
		require.True(t, rec.Settled)
		require.NotNil(t, rec.BatchRef)
		assert.Equal(t, "batch_1", *rec.BatchRef)
		require.NotNil(t, rec.SettledAt)
		assert.True(t, rec.SettledAt.Equal(now))
	}
}

func TestSettledRowsRejectDirectUpdates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := insertRecord(t, store, "a.example", "one", now)
	_, err := store.MarkSettled(ctx, []int64{id}, "batch_1", now)
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx, `UPDATE decision_records SET batch_ref = 'other' WHERE id = ?`, id)
	require.Error(t, err)

	other := insertRecord(t, store, "b.example", "two", now)
	_, err = store.db.ExecContext(ctx, `UPDATE decision_records SET origin_domain = 'c.example' WHERE id = ?`, other)
	require.Error(t, err)
}

func TestPutBatchIsIdempotentAndPartitioned(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	a := insertRecord(t, store, "a.example", "one", now)
	b := insertRecord(t, store, "b.example", "two", now)

	entries := []protocol.OriginDigest{
		{Origin: "a.example", Digest: protocol.AggregateDigest([]protocol.Digest{protocol.HashContent([]byte("one"))})},
		{Origin: "b.example", Digest: protocol.AggregateDigest([]protocol.Digest{protocol.HashContent([]byte("two"))})},
	}
	batch := protocol.SettledBatch{
		BatchRef:          "batch_1",
		LedgerTxRef:       "0xabc",
		MemberRecordIDs:   []int64{b, a},
		PerOriginDigest:   entries,
		BatchRoot:         protocol.ComputeBatchRoot(entries).String(),
		LedgerBlockHeight: 42,
		LedgerCost:        21000,
		SettledAt:         now,
	}
	require.NoError(t, store.PutBatch(ctx, batch))
	require.NoError(t, store.PutBatch(ctx, batch))

	conflicting := batch
	conflicting.LedgerTxRef = "0xdef"
	require.ErrorIs(t, store.PutBatch(ctx, conflicting), storage.ErrBatchConflict)

	stealing := batch
	stealing.BatchRef = "batch_2"
	stealing.LedgerTxRef = "0x123"
	require.ErrorIs(t, store.PutBatch(ctx, stealing), storage.ErrMemberAlreadyBatched)

	got, ok, err := store.GetBatchByTxRef(ctx, "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int64{b, a}, got.MemberRecordIDs)
	assert.Equal(t, entries, got.PerOriginDigest)
	assert.EqualValues(t, 42, got.LedgerBlockHeight)
	assert.True(t, got.SettledAt.Equal(now))

	_, ok, err = store.GetBatchByTxRef(ctx, "0xmissing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, batches, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, batches)
}

func TestListUnreconciledBatches(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	a := insertRecord(t, store, "a.example", "one", now)

	require.NoError(t, store.PutBatch(ctx, protocol.SettledBatch{
		BatchRef:        "batch_1",
		LedgerTxRef:     "0xabc",
		MemberRecordIDs: []int64{a},
		PerOriginDigest: []protocol.OriginDigest{{Origin: "a.example"}},
		SettledAt:       now,
	}))

	pending, err := store.ListUnreconciledBatches(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "batch_1", pending[0].BatchRef)

	_, err = store.MarkSettled(ctx, pending[0].MemberRecordIDs, pending[0].BatchRef, pending[0].SettledAt)
	require.NoError(t, err)

	pending, err = store.ListUnreconciledBatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPutBatchRejectsReusedLedgerTxRef(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	a := insertRecord(t, store, "a.example", "one", now)
	b := insertRecord(t, store, "b.example", "two", now)

	require.NoError(t, store.PutBatch(ctx, protocol.SettledBatch{
		BatchRef:        "batch_1",
		LedgerTxRef:     "0xabc",
		MemberRecordIDs: []int64{a},
		PerOriginDigest: []protocol.OriginDigest{{Origin: "a.example"}},
		SettledAt:       now,
	}))
	err := store.PutBatch(ctx, protocol.SettledBatch{
		BatchRef:        "batch_2",
		LedgerTxRef:     "0xabc",
		MemberRecordIDs: []int64{b},
		PerOriginDigest: []protocol.OriginDigest{{Origin: "b.example"}},
		SettledAt:       now,
	})
	require.ErrorIs(t, err, storage.ErrBatchConflict)

	_, batches, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, batches)
}

func TestUnsettledQuerySkipsRecordsAwaitingRecovery(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	batched := insertRecord(t, store, "a.example", "one", now)
	free := insertRecord(t, store, "a.example", "two", now)

	require.NoError(t, store.PutBatch(ctx, protocol.SettledBatch{
		BatchRef:        "batch_1",
		LedgerTxRef:     "0xabc",
		MemberRecordIDs: []int64{batched},
		PerOriginDigest: []protocol.OriginDigest{{Origin: "a.example"}},
		SettledAt:       now,
	}))

	recs, err := store.Query(ctx, storage.Filter{UnsettledOnly: true})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, free, recs[0].ID)

	unsettled, _, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, unsettled)
}

func TestGetBatchesSinceOrdersBySettleTime(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, ref := range []string{"batch_late", "batch_early"} {
		id := insertRecord(t, store, "a.example", ref, base)
		require.NoError(t, store.PutBatch(ctx, protocol.SettledBatch{
			BatchRef:        ref,
			LedgerTxRef:     "0x" + ref,
			MemberRecordIDs: []int64{id},
			PerOriginDigest: []protocol.OriginDigest{},
			SettledAt:       base.Add(time.Duration(2-i) * time.Hour),
		}))
	}

	batches, err := store.GetBatchesSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "batch_early", batches[0].BatchRef)

	batches, err = store.GetBatchesSince(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "batch_late", batches[0].BatchRef)
}

func TestPurgeOnlyRemovesOldSettledRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := insertRecord(t, store, "a.example", "old", now.AddDate(0, 0, -120))
	recent := insertRecord(t, store, "a.example", "recent", now.AddDate(0, 0, -10))
	insertRecord(t, store, "a.example", "unsettled", now.AddDate(0, 0, -200))

	_, err := store.MarkSettled(ctx, []int64{old}, "batch_old", now.AddDate(0, 0, -100))
	require.NoError(t, err)
	_, err = store.MarkSettled(ctx, []int64{recent}, "batch_recent", now.AddDate(0, 0, -5))
	require.NoError(t, err)

	cutoff := now.AddDate(0, 0, -90)
	doomed, err := store.ListSettledBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, doomed, 1)
	assert.Equal(t, old, doomed[0].ID)

	n, err := store.PurgeSettledOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	unsettled, _, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unsettled)
}

func TestMetaRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetMeta(ctx, storage.MetaSettlementEnabled)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetMeta(ctx, storage.MetaSettlementEnabled, "false"))
	require.NoError(t, store.SetMeta(ctx, storage.MetaSettlementEnabled, "true"))
	value, ok, err := store.GetMeta(ctx, storage.MetaSettlementEnabled)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", value)
}

func TestMarkSettledRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := &Store{db: db}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE decision_records").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = store.MarkSettled(context.Background(), []int64{1, 2}, "batch_1", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark records settled")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMetaPropagatesQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store := &Store{db: db}

	mock.ExpectQuery("SELECT value FROM meta").WillReturnError(errors.New("database is locked"))

	_, ok, err := store.GetMeta(context.Background(), storage.MetaSettlementEnabled)
	require.Error(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
