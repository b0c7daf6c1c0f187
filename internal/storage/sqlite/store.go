// Package sqlite is the embedded record store used by single-user installs.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/myterms/consentledger/internal/protocol"
	"github.com/myterms/consentledger/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

// maxParams keeps IN lists well under SQLite's bound-variable limit.
const maxParams = 500

type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path. ":memory:" gives a private
// in-memory database, which is what the tests use.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer, and an in-memory database
	// only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	store := &Store{db: db}
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) Driver() string { return "sqlite" }

func (s *Store) Insert(ctx context.Context, rec storage.NewDecisionRecord) (int64, error) {
	if err := storage.ValidateNewRecord(rec); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO decision_records (origin_domain, content_hash, decision, captured_at, settled)
VALUES (?, ?, ?, ?, 0)
`, rec.OriginDomain, rec.ContentHash, string(rec.Decision), toNanos(rec.CapturedAt))
	if err != nil {
		return 0, fmt.Errorf("insert decision record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted record id: %w", err)
	}
	return id, nil
}

func (s *Store) Query(ctx context.Context, filter storage.Filter) ([]protocol.DecisionRecord, error) {
	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT id, origin_domain, content_hash, decision, captured_at, settled, batch_ref, settled_at FROM decision_records`)
	if filter.UnsettledOnly {
		query.WriteString(` WHERE settled = 0 AND NOT EXISTS (SELECT 1 FROM batch_members m WHERE m.record_id = decision_records.id)`)
		if !filter.CapturedBefore.IsZero() {
			query.WriteString(` AND captured_at <= ?`)
			args = append(args, toNanos(filter.CapturedBefore))
		}
		query.WriteString(` ORDER BY id ASC`)
	} else {
		query.WriteString(` ORDER BY id DESC`)
	}
	if filter.Limit > 0 {
		query.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, filter.Limit, max(filter.Offset, 0))
	} else if filter.Offset > 0 {
		query.WriteString(` LIMIT -1 OFFSET ?`)
		args = append(args, filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query decision records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *Store) MarkSettled(ctx context.Context, ids []int64, batchRef string, settledAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if batchRef == "" {
		return 0, errors.New("batch ref is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark settled: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, chunk := range chunkIDs(ids, maxParams) {
		args := make([]any, 0, len(chunk)+2)
		args = append(args, batchRef, toNanos(settledAt))
		for _, id := range chunk {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx, `
UPDATE decision_records
SET settled = 1, batch_ref = ?, settled_at = ?
WHERE settled = 0 AND id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return 0, fmt.Errorf("mark records settled: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("mark records settled: %w", err)
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark settled: %w", err)
	}
	return total, nil
}

func (s *Store) PutBatch(ctx context.Context, batch protocol.SettledBatch) error {
	if batch.BatchRef == "" || batch.LedgerTxRef == "" {
		return errors.New("batch ref and ledger tx ref are required")
	}
	perOrigin, err := json.Marshal(batch.PerOriginDigest)
	if err != nil {
		return fmt.Errorf("marshal per-origin digests: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingTx string
	err = tx.QueryRowContext(ctx, `SELECT ledger_tx_ref FROM settled_batches WHERE batch_ref = ?`, batch.BatchRef).Scan(&existingTx)
	switch {
	case err == nil:
		if existingTx != batch.LedgerTxRef {
			return storage.ErrBatchConflict
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("lookup batch: %w", err)
	}

	var txTaken int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM settled_batches WHERE ledger_tx_ref = ?`, batch.LedgerTxRef).Scan(&txTaken); err != nil {
		return fmt.Errorf("lookup ledger tx ref: %w", err)
	}
	if txTaken > 0 {
		return storage.ErrBatchConflict
	}

	for _, chunk := range chunkIDs(batch.MemberRecordIDs, maxParams) {
		args := make([]any, 0, len(chunk))
		for _, id := range chunk {
			args = append(args, id)
		}
		var taken int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_members WHERE record_id IN (`+placeholders(len(chunk))+`)`, args...).Scan(&taken); err != nil {
			return fmt.Errorf("check batch members: %w", err)
		}
		if taken > 0 {
			return storage.ErrMemberAlreadyBatched
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO settled_batches (batch_ref, ledger_tx_ref, per_origin_json, batch_root, block_height, cost, settled_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, batch.BatchRef, batch.LedgerTxRef, string(perOrigin), batch.BatchRoot, int64(batch.LedgerBlockHeight), int64(batch.LedgerCost), toNanos(batch.SettledAt)); err != nil {
		return fmt.Errorf("insert settled batch: %w", err)
	}
	for pos, id := range batch.MemberRecordIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO batch_members (record_id, batch_ref, position) VALUES (?, ?, ?)`, id, batch.BatchRef, pos); err != nil {
			return fmt.Errorf("insert batch member %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put batch: %w", err)
	}
	return nil
}

func (s *Store) GetBatchesSince(ctx context.Context, since time.Time) ([]protocol.SettledBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT batch_ref, ledger_tx_ref, per_origin_json, batch_root, block_height, cost, settled_at
FROM settled_batches
WHERE settled_at >= ?
ORDER BY settled_at ASC, batch_ref ASC
`, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("query settled batches: %w", err)
	}
	batches, err := scanBatches(rows)
	if err != nil {
		return nil, err
	}
	return s.withMembers(ctx, batches)
}

func (s *Store) GetBatchByTxRef(ctx context.Context, ledgerTxRef string) (protocol.SettledBatch, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT batch_ref, ledger_tx_ref, per_origin_json, batch_root, block_height, cost, settled_at
FROM settled_batches
WHERE ledger_tx_ref = ?
`, ledgerTxRef)
	if err != nil {
		return protocol.SettledBatch{}, false, fmt.Errorf("query batch by tx ref: %w", err)
	}
	batches, err := scanBatches(rows)
	if err != nil {
		return protocol.SettledBatch{}, false, err
	}
	if len(batches) == 0 {
		return protocol.SettledBatch{}, false, nil
	}
	batches, err = s.withMembers(ctx, batches)
	if err != nil {
		return protocol.SettledBatch{}, false, err
	}
	return batches[0], true, nil
}

func (s *Store) ListUnreconciledBatches(ctx context.Context) ([]protocol.SettledBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT b.batch_ref, b.ledger_tx_ref, b.per_origin_json, b.batch_root, b.block_height, b.cost, b.settled_at
FROM settled_batches b
WHERE EXISTS (
  SELECT 1
  FROM batch_members m
  JOIN decision_records r ON r.id = m.record_id
  WHERE m.batch_ref = b.batch_ref AND r.settled = 0
)
ORDER BY b.settled_at ASC
`)
	if err != nil {
		return nil, fmt.Errorf("query unreconciled batches: %w", err)
	}
	batches, err := scanBatches(rows)
	if err != nil {
		return nil, err
	}
	return s.withMembers(ctx, batches)
}

func (s *Store) ListSettledBefore(ctx context.Context, cutoff time.Time) ([]protocol.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, origin_domain, content_hash, decision, captured_at, settled, batch_ref, settled_at
FROM decision_records
WHERE settled = 1 AND settled_at < ?
ORDER BY id ASC
`, toNanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query settled records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *Store) PurgeSettledOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decision_records WHERE settled = 1 AND settled_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge settled records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge settled records: %w", err)
	}
	return n, nil
}

func (s *Store) Summary(ctx context.Context) (int, int, error) {
	var unsettled, batches int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_records WHERE settled = 0`).Scan(&unsettled); err != nil {
		return 0, 0, fmt.Errorf("count unsettled records: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settled_batches`).Scan(&batches); err != nil {
		return 0, 0, fmt.Errorf("count settled batches: %w", err)
	}
	return unsettled, batches, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, key, value, toNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) withMembers(ctx context.Context, batches []protocol.SettledBatch) ([]protocol.SettledBatch, error) {
	for i := range batches {
		rows, err := s.db.QueryContext(ctx, `SELECT record_id FROM batch_members WHERE batch_ref = ? ORDER BY position ASC`, batches[i].BatchRef)
		if err != nil {
			return nil, fmt.Errorf("query batch members: %w", err)
		}
		ids := make([]int64, 0)
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
		batches[i].MemberRecordIDs = ids
	}
	return batches, nil
}

func scanRecords(rows *sql.Rows) ([]protocol.DecisionRecord, error) {
	out := make([]protocol.DecisionRecord, 0)
	for rows.Next() {
		var (
			rec        protocol.DecisionRecord
			hash       []byte
			decision   string
			capturedAt int64
			settled    int
			batchRef   sql.NullString
			settledAt  sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.OriginDomain, &hash, &decision, &capturedAt, &settled, &batchRef, &settledAt); err != nil {
			return nil, err
		}
		digest, err := protocol.DigestFromBytes(hash)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", rec.ID, err)
		}
		rec.ContentHash = digest
		rec.Decision = protocol.Decision(decision)
		rec.CapturedAt = fromNanos(capturedAt)
		rec.Settled = settled == 1
		if batchRef.Valid {
			ref := batchRef.String
			rec.BatchRef = &ref
		}
		if settledAt.Valid {
			t := fromNanos(settledAt.Int64)
			rec.SettledAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanBatches(rows *sql.Rows) ([]protocol.SettledBatch, error) {
	defer func() { _ = rows.Close() }()
	out := make([]protocol.SettledBatch, 0)
	for rows.Next() {
		var (
			b           protocol.SettledBatch
			perOrigin   string
			blockHeight int64
			cost        int64
			settledAt   int64
		)
		if err := rows.Scan(&b.BatchRef, &b.LedgerTxRef, &perOrigin, &b.BatchRoot, &blockHeight, &cost, &settledAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(perOrigin), &b.PerOriginDigest); err != nil {
			return nil, fmt.Errorf("corrupt per-origin digests in batch %s: %w", b.BatchRef, err)
		}
		b.LedgerBlockHeight = uint64(blockHeight)
		b.LedgerCost = uint64(cost)
		b.SettledAt = fromNanos(settledAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

var (
	minNanosTime = time.Unix(0, math.MinInt64)
	maxNanosTime = time.Unix(0, math.MaxInt64)
)

// toNanos clamps to the representable range so a zero time means "since
// forever" rather than an overflowed value.
func toNanos(t time.Time) int64 {
	switch {
	case t.Before(minNanosTime):
		return math.MinInt64
	case t.After(maxNanosTime):
		return math.MaxInt64
	default:
		return t.UnixNano()
	}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunkIDs(ids []int64, size int) [][]int64 {
	out := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}
