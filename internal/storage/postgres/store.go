package postgres

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/myterms/consentledger/internal/protocol"
	"github.com/myterms/consentledger/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Driver() string { return "postgres" }

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, rec storage.NewDecisionRecord) (int64, error) {
	if err := storage.ValidateNewRecord(rec); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO decision_records (origin_domain, content_hash, decision, captured_at, settled)
VALUES ($1, $2, $3, $4, FALSE)
RETURNING id
`, rec.OriginDomain, rec.ContentHash, string(rec.Decision), rec.CapturedAt.UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert decision record: %w", err)
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
		query.WriteString(` WHERE NOT settled AND NOT EXISTS (SELECT 1 FROM batch_members m WHERE m.record_id = decision_records.id)`)
		if !filter.CapturedBefore.IsZero() {
			args = append(args, filter.CapturedBefore.UTC())
			fmt.Fprintf(&query, ` AND captured_at <= $%d`, len(args))
		}
		query.WriteString(` ORDER BY id ASC`)
	} else {
		query.WriteString(` ORDER BY id DESC`)
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&query, ` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&query, ` OFFSET $%d`, len(args))
	}
	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query decision records: %w", err)
	}
	return scanRecords(rows)
}

func (s *Store) MarkSettled(ctx context.Context, ids []int64, batchRef string, settledAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if batchRef == "" {
		return 0, errors.New("batch ref is required")
	}
	cmd, err := s.pool.Exec(ctx, `
UPDATE decision_records
SET settled = TRUE, batch_ref = $2, settled_at = $3
WHERE NOT settled AND id = ANY($1)
`, ids, batchRef, settledAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark records settled: %w", err)
	}
	return cmd.RowsAffected(), nil
}

func (s *Store) PutBatch(ctx context.Context, batch protocol.SettledBatch) error {
	if batch.BatchRef == "" || batch.LedgerTxRef == "" {
		return errors.New("batch ref and ledger tx ref are required")
	}
	perOrigin, err := protocol.CanonicalJSON(batch.PerOriginDigest)
	if err != nil {
		return fmt.Errorf("marshal per-origin digests: %w", err)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin put batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var existingTx string
	err = tx.QueryRow(ctx, `SELECT ledger_tx_ref FROM settled_batches WHERE batch_ref = $1`, batch.BatchRef).Scan(&existingTx)
	switch {
	case err == nil:
		if existingTx != batch.LedgerTxRef {
			return storage.ErrBatchConflict
		}
		return nil
	case !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("lookup batch: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO settled_batches (batch_ref, ledger_tx_ref, per_origin_json, batch_root, block_height, cost, settled_at)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
`, batch.BatchRef, batch.LedgerTxRef, perOrigin, batch.BatchRoot, int64(batch.LedgerBlockHeight), int64(batch.LedgerCost), batch.SettledAt.UTC())
	if err != nil {
		if isUniqueViolationFor(err, "ledger_tx_ref") {
			return storage.ErrBatchConflict
		}
		return fmt.Errorf("insert settled batch: %w", err)
	}

	rows := make([][]any, 0, len(batch.MemberRecordIDs))
	for pos, id := range batch.MemberRecordIDs {
		rows = append(rows, []any{id, batch.BatchRef, pos})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"batch_members"}, []string{"record_id", "batch_ref", "position"}, pgx.CopyFromRows(rows)); err != nil {
		if isUniqueViolationFor(err, "record_id") {
			return storage.ErrMemberAlreadyBatched
		}
		return fmt.Errorf("insert batch members: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit put batch: %w", err)
	}
	return nil
}

const batchColumns = `batch_ref, ledger_tx_ref, per_origin_json, batch_root, block_height, cost, settled_at,
  COALESCE((SELECT array_agg(m.record_id ORDER BY m.position) FROM batch_members m WHERE m.batch_ref = b.batch_ref), '{}')`

func (s *Store) GetBatchesSince(ctx context.Context, since time.Time) ([]protocol.SettledBatch, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+batchColumns+`
FROM settled_batches b
WHERE settled_at >= $1
ORDER BY settled_at ASC, batch_ref ASC
`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query settled batches: %w", err)
	}
	return scanBatches(rows)
}

func (s *Store) GetBatchByTxRef(ctx context.Context, ledgerTxRef string) (protocol.SettledBatch, bool, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+batchColumns+`
FROM settled_batches b
WHERE ledger_tx_ref = $1
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
	return batches[0], true, nil
}

func (s *Store) ListUnreconciledBatches(ctx context.Context) ([]protocol.SettledBatch, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+batchColumns+`
FROM settled_batches b
WHERE EXISTS (
  SELECT 1
  FROM batch_members m
  JOIN decision_records r ON r.id = m.record_id
  WHERE m.batch_ref = b.batch_ref AND NOT r.settled
)
ORDER BY settled_at ASC
`)
	if err != nil {
		return nil, fmt.Errorf("query unreconciled batches: %w", err)
	}
	return scanBatches(rows)
}

func (s *Store) ListSettledBefore(ctx context.Context, cutoff time.Time) ([]protocol.DecisionRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, origin_domain, content_hash, decision, captured_at, settled, batch_ref, settled_at
FROM decision_records
WHERE settled AND settled_at < $1
ORDER BY id ASC
`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query settled records: %w", err)
	}
	return scanRecords(rows)
}

func (s *Store) PurgeSettledOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM decision_records WHERE settled AND settled_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge settled records: %w", err)
	}
	return cmd.RowsAffected(), nil
}

func (s *Store) Summary(ctx context.Context) (int, int, error) {
	var unsettled, batches int
	err := s.pool.QueryRow(ctx, `
SELECT
  (SELECT COUNT(*) FROM decision_records WHERE NOT settled),
  (SELECT COUNT(*) FROM settled_batches)
`).Scan(&unsettled, &batches)
	if err != nil {
		return 0, 0, fmt.Errorf("summarize store: %w", err)
	}
	return unsettled, batches, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO meta (key, value, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM meta WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

func scanRecords(rows pgx.Rows) ([]protocol.DecisionRecord, error) {
	defer rows.Close()
	out := make([]protocol.DecisionRecord, 0)
	for rows.Next() {
		var (
			rec       protocol.DecisionRecord
			hash      []byte
			decision  string
			batchRef  *string
			settledAt *time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.OriginDomain, &hash, &decision, &rec.CapturedAt, &rec.Settled, &batchRef, &settledAt); err != nil {
			return nil, err
		}
		digest, err := protocol.DigestFromBytes(hash)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", rec.ID, err)
		}
		rec.ContentHash = digest
		rec.Decision = protocol.Decision(decision)
		rec.CapturedAt = rec.CapturedAt.UTC()
		rec.BatchRef = batchRef
		if settledAt != nil {
			t := settledAt.UTC()
			rec.SettledAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanBatches(rows pgx.Rows) ([]protocol.SettledBatch, error) {
	defer rows.Close()
	out := make([]protocol.SettledBatch, 0)
	for rows.Next() {
		var (
			b           protocol.SettledBatch
			perOrigin   []byte
			blockHeight int64
			cost        int64
			members     []int64
		)
		if err := rows.Scan(&b.BatchRef, &b.LedgerTxRef, &perOrigin, &b.BatchRoot, &blockHeight, &cost, &b.SettledAt, &members); err != nil {
			return nil, err
		}
		if err := decodeStrict(perOrigin, &b.PerOriginDigest); err != nil {
			return nil, fmt.Errorf("corrupt per-origin digests in batch %s: %w", b.BatchRef, err)
		}
		b.LedgerBlockHeight = uint64(blockHeight)
		b.LedgerCost = uint64(cost)
		b.SettledAt = b.SettledAt.UTC()
		b.MemberRecordIDs = members
		out = append(out, b)
	}
	return out, rows.Err()
}

func decodeStrict(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("json payload must contain a single value")
	}
	return nil
}

func isUniqueViolationFor(err error, field string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	if strings.Contains(pgErr.ConstraintName, field) {
		return true
	}
	detail := strings.ToLower(pgErr.Detail)
	if detail == "" {
		return false
	}
	return strings.Contains(detail, "("+strings.ToLower(field)+")")
}
