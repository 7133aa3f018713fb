package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"trustlayer/pkg/platform/sentinel"
)

const (
	pgUniqueViolation     = "23505"
	pgAppendOnlyViolation = "AO001"

	// chainLockKey is the pg_advisory_xact_lock key serializing appends
	// across every instance sharing the database.
	chainLockKey int64 = 0x7472757374 // "trust"
)

const selectRecordColumns = `
	SELECT seq, id, tenant_id, actor_id, action, entity_type, entity_id,
	       before_snapshot, after_snapshot, ip, user_agent, metadata,
	       previous_hash, current_hash, retention_until, created_at
	FROM audit_records`

// PostgresStore persists the ledger in the audit_records table. The table's
// trigger rejects UPDATE and early DELETE independently of this code.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AppendAtHead(ctx context.Context, build BuildFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(fmt.Errorf("begin audit append: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return translateError(fmt.Errorf("acquire chain lock: %w", err))
	}

	head, err := scanRecord(tx.QueryRowContext(ctx, selectRecordColumns+` ORDER BY seq DESC LIMIT 1`))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return translateError(fmt.Errorf("read chain head: %w", err))
	}
	batch, err := build(head)
	if err != nil {
		return err
	}

	for _, r := range batch {
		if err := insertRecord(ctx, tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return translateError(fmt.Errorf("commit audit append: %w", err))
	}
	return nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, r *Record) error {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", sentinel.ErrInvalidInput)
	}
	if r.Metadata == nil {
		metadata = []byte("{}")
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_records (id, tenant_id, actor_id, action, entity_type, entity_id,
		                           before_snapshot, after_snapshot, ip, user_agent, metadata,
		                           previous_hash, current_hash, retention_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING seq
	`,
		r.ID,
		nullString(r.TenantID),
		r.ActorID,
		string(r.Action),
		r.EntityType,
		r.EntityID,
		nullJSON(r.Before),
		nullJSON(r.After),
		r.IP,
		r.UserAgent,
		metadata,
		nullString(r.PreviousHash),
		r.CurrentHash,
		r.RetentionUntil,
		r.CreatedAt,
	).Scan(&r.Seq)
	if err != nil {
		return translateError(fmt.Errorf("insert audit record %s: %w", r.ID, err))
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectRecordColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("audit record %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, translateError(fmt.Errorf("get audit record: %w", err))
	}
	return r, nil
}

func (s *PostgresStore) Predecessor(ctx context.Context, seq int64) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		selectRecordColumns+` WHERE seq < $1 ORDER BY seq DESC LIMIT 1`, seq))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no record before seq %d: %w", seq, sentinel.ErrNotFound)
		}
		return nil, translateError(fmt.Errorf("get predecessor: %w", err))
	}
	return r, nil
}

func (s *PostgresStore) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRecordColumns+` WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, translateError(fmt.Errorf("list audit records: %w", err))
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(fmt.Errorf("iterate audit records: %w", err))
	}
	return out, nil
}

// PurgeExpired deletes the longest expired prefix of the chain and records
// the hash of the last removed record as the purge anchor. The head is always
// kept. It is the external retention job's entry point and never runs on the
// write path.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, translateError(fmt.Errorf("begin audit purge: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return 0, translateError(fmt.Errorf("acquire chain lock: %w", err))
	}

	var cutoff sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT max(seq) FROM audit_records
		WHERE seq < COALESCE(
			(SELECT min(seq) FROM audit_records WHERE retention_until >= $1),
			(SELECT max(seq) FROM audit_records))`, now).Scan(&cutoff)
	if err != nil {
		return 0, translateError(fmt.Errorf("find purge cutoff: %w", err))
	}
	if !cutoff.Valid {
		return 0, nil
	}

	var anchor string
	if err := tx.QueryRowContext(ctx,
		`SELECT current_hash FROM audit_records WHERE seq = $1`, cutoff.Int64).Scan(&anchor); err != nil {
		return 0, translateError(fmt.Errorf("read purge anchor record: %w", err))
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM audit_records WHERE seq <= $1`, cutoff.Int64)
	if err != nil {
		return 0, translateError(fmt.Errorf("purge audit records: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge audit records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_purge_anchor (id, last_hash, last_seq, purged_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET last_hash = EXCLUDED.last_hash, last_seq = EXCLUDED.last_seq, purged_at = EXCLUDED.purged_at`,
		anchor, cutoff.Int64, now); err != nil {
		return 0, translateError(fmt.Errorf("write purge anchor: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return 0, translateError(fmt.Errorf("commit audit purge: %w", err))
	}
	return n, nil
}

func (s *PostgresStore) PurgeAnchor(ctx context.Context) (string, error) {
	var anchor string
	err := s.db.QueryRowContext(ctx, `SELECT last_hash FROM audit_purge_anchor WHERE id = 1`).Scan(&anchor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", translateError(fmt.Errorf("read purge anchor: %w", err))
	}
	return anchor, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r            Record
		tenantID     sql.NullString
		action       string
		before       []byte
		after        []byte
		metadata     []byte
		previousHash sql.NullString
	)
	if err := row.Scan(
		&r.Seq, &r.ID, &tenantID, &r.ActorID, &action, &r.EntityType, &r.EntityID,
		&before, &after, &r.IP, &r.UserAgent, &metadata,
		&previousHash, &r.CurrentHash, &r.RetentionUntil, &r.CreatedAt,
	); err != nil {
		return nil, err
	}
	r.TenantID = tenantID.String
	r.Action = Action(action)
	r.PreviousHash = previousHash.String
	if len(before) > 0 {
		r.Before = json.RawMessage(before)
	}
	if len(after) > 0 {
		r.After = json.RawMessage(after)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.RetentionUntil = r.RetentionUntil.UTC()
	return &r, nil
}

// translateError maps PostgreSQL failures onto sentinel errors. The trigger's
// SQLSTATE becomes ErrAppendOnly; a duplicate predecessor becomes ErrConflict.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgAppendOnlyViolation:
			return fmt.Errorf("%s: %w", pgErr.Message, sentinel.ErrAppendOnly)
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, sentinel.ErrConflict)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
