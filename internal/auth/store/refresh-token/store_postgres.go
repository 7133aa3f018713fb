package refreshtoken

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"trustlayer/internal/auth/models"
	"trustlayer/pkg/platform/sentinel"
)

const pgUniqueViolation = "23505"

const selectColumns = `
	SELECT jti, subject_id, session_start, absolute_expiry, expires_at, created_at,
	       revoked, revoked_at, revoked_reason, replaced_by
	FROM refresh_tokens`

// PostgresStore persists refresh token records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed refresh token store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) Create(ctx context.Context, record *models.RefreshTokenRecord) error {
	if record == nil {
		return fmt.Errorf("refresh token is required: %w", sentinel.ErrInvalidInput)
	}
	return insertRecord(ctx, s.db, record)
}

func insertRecord(ctx context.Context, db execer, record *models.RefreshTokenRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (jti, subject_id, session_start, absolute_expiry, expires_at, created_at,
		                            revoked, revoked_at, revoked_reason, replaced_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		record.JTI,
		record.SubjectID,
		record.SessionStart,
		record.AbsoluteExpiry,
		record.ExpiresAt,
		record.CreatedAt,
		record.Revoked,
		nullTime(record.RevokedAt),
		nullString(string(record.RevokedReason)),
		nullString(record.ReplacedBy),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("refresh token %s: %w", record.JTI, sentinel.ErrConflict)
		}
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByJTI(ctx context.Context, jti string) (*models.RefreshTokenRecord, error) {
	record, err := scanRefreshToken(s.db.QueryRowContext(ctx, selectColumns+` WHERE jti = $1`, jti))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("refresh token not found: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return record, nil
}

// Rotate locks the presented record, revokes it and inserts the replacement
// in one transaction. A concurrent rotation of the same record blocks on the
// row lock and then observes it revoked.
func (s *PostgresStore) Rotate(ctx context.Context, oldJTI string, replacement *models.RefreshTokenRecord, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh token rotate tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	old, err := scanRefreshToken(tx.QueryRowContext(ctx, selectColumns+` WHERE jti = $1 FOR UPDATE`, oldJTI))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("find refresh token for rotate: %w", err)
	}
	if old.Revoked {
		return sentinel.ErrAlreadyRevoked
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2, revoked_reason = $3, replaced_by = $4
		WHERE jti = $1
	`, oldJTI, now, string(models.ReasonRotated), replacement.JTI); err != nil {
		return fmt.Errorf("revoke rotated refresh token: %w", err)
	}
	if err := insertRecord(ctx, tx, replacement); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh token rotate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, jti string, reason models.RevocationReason, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2, revoked_reason = $3
		WHERE jti = $1 AND revoked = FALSE
	`, jti, now, string(reason))
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke refresh token rows: %w", err)
	}
	if rows == 1 {
		return nil
	}
	if _, err := s.FindByJTI(ctx, jti); err != nil {
		return err
	}
	return sentinel.ErrAlreadyRevoked
}

// RevokeAllForSubject revokes every unrevoked record of subjectID in one
// statement.
func (s *PostgresStore) RevokeAllForSubject(ctx context.Context, subjectID string, reason models.RevocationReason, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2, revoked_reason = $3
		WHERE subject_id = $1 AND revoked = FALSE
	`, subjectID, now, string(reason))
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens for subject: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens for subject rows: %w", err)
	}
	return int(rows), nil
}

// DeleteExpired removes records whose rolling expiry or session ceiling has passed.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE expires_at < $1 OR absolute_expiry < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens rows: %w", err)
	}
	return int(rows), nil
}

type refreshTokenRow interface {
	Scan(dest ...any) error
}

func scanRefreshToken(row refreshTokenRow) (*models.RefreshTokenRecord, error) {
	var (
		record     models.RefreshTokenRecord
		revokedAt  sql.NullTime
		reason     sql.NullString
		replacedBy sql.NullString
	)
	if err := row.Scan(
		&record.JTI,
		&record.SubjectID,
		&record.SessionStart,
		&record.AbsoluteExpiry,
		&record.ExpiresAt,
		&record.CreatedAt,
		&record.Revoked,
		&revokedAt,
		&reason,
		&replacedBy,
	); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		record.RevokedAt = &revokedAt.Time
	}
	record.RevokedReason = models.RevocationReason(reason.String)
	record.ReplacedBy = replacedBy.String
	return &record, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
