package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/curricula-app/curricula/internal/database"
	"github.com/curricula-app/curricula/internal/models"
	"github.com/jackc/pgx/v5"
)

// AttemptLedgerRepository is the durable login-attempt ledger. Aggregate state
// is one attempt_records row per (email, ip) pair, maintained with atomic
// upserts so concurrent failures never lose an increment; raw events go to the
// append-only login_attempts table that backs the trailing-window queries.
type AttemptLedgerRepository struct {
	db *database.DB
}

// NewAttemptLedgerRepository creates a new AttemptLedgerRepository
func NewAttemptLedgerRepository(db *database.DB) *AttemptLedgerRepository {
	return &AttemptLedgerRepository{db: db}
}

const attemptRecordColumns = `id, email, ip_address, failed_count, total_attempts,
	last_attempt_at, last_success_at, is_locked, locked_until, lockout_reason,
	user_agent, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttemptRecord(row rowScanner) (*models.AttemptRecord, error) {
	var rec models.AttemptRecord
	err := row.Scan(
		&rec.ID, &rec.Email, &rec.IPAddress, &rec.FailedCount, &rec.TotalAttempts,
		&rec.LastAttemptAt, &rec.LastSuccessAt, &rec.IsLocked, &rec.LockedUntil,
		&rec.LockoutReason, &rec.UserAgent, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &rec, nil
}

// GetOrCreate returns the record for a (email, ip) pair, creating a zeroed row
// on first sight. The no-op DO UPDATE makes RETURNING yield the existing row
// on conflict, so concurrent first attempts cannot create duplicates.
func (r *AttemptLedgerRepository) GetOrCreate(ctx context.Context, email, ip string) (*models.AttemptRecord, error) {
	query := fmt.Sprintf(`
		INSERT INTO attempt_records (email, ip_address)
		VALUES ($1, $2)
		ON CONFLICT (email, ip_address) DO UPDATE SET email = EXCLUDED.email
		RETURNING %s
	`, attemptRecordColumns)

	rec, err := scanAttemptRecord(r.db.Pool.QueryRow(ctx, query, email, ip))
	if err != nil {
		return nil, fmt.Errorf("failed to get or create attempt record: %w", err)
	}
	return rec, nil
}

// RecordSuccess marks a successful login for the pair and clears failure state
// for every row sharing the email. The cross-IP reset and the event insert run
// in one transaction so a failure committed afterwards is never silently lost.
func (r *AttemptLedgerRepository) RecordSuccess(ctx context.Context, email, ip, userAgent string, at time.Time) error {
	userAgent = models.TruncateUserAgent(userAgent)

	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		upsert := `
			INSERT INTO attempt_records (email, ip_address, total_attempts, last_attempt_at, last_success_at, user_agent, updated_at)
			VALUES ($1, $2, 1, $3, $3, $4, $3)
			ON CONFLICT (email, ip_address) DO UPDATE SET
				failed_count    = 0,
				total_attempts  = attempt_records.total_attempts + 1,
				last_attempt_at = $3,
				last_success_at = $3,
				is_locked       = FALSE,
				locked_until    = NULL,
				lockout_reason  = NULL,
				user_agent      = $4,
				updated_at      = $3
		`
		if _, err := tx.Exec(ctx, upsert, email, ip, at, userAgent); err != nil {
			return fmt.Errorf("failed to record success: %w", err)
		}

		// Cross-IP reset: one success anywhere clears the email's failure
		// history everywhere, but never another user's.
		reset := `
			UPDATE attempt_records
			SET failed_count = 0, is_locked = FALSE, locked_until = NULL,
			    lockout_reason = NULL, updated_at = $2
			WHERE email = $1 AND ip_address <> $3
		`
		if _, err := tx.Exec(ctx, reset, email, at, ip); err != nil {
			return fmt.Errorf("failed to reset sibling records: %w", err)
		}

		event := `
			INSERT INTO login_attempts (email, ip_address, user_agent, success, attempt_time)
			VALUES ($1, $2, $3, TRUE, $4)
		`
		if _, err := tx.Exec(ctx, event, email, ip, userAgent, at); err != nil {
			return fmt.Errorf("failed to insert attempt event: %w", err)
		}
		return nil
	})
}

// RecordFailure increments the failure counters for the pair and returns the
// updated record. The increment is a single upsert statement; concurrent
// failures for the same key serialize on the row and both count.
func (r *AttemptLedgerRepository) RecordFailure(ctx context.Context, email, ip, userAgent, reason string, at time.Time) (*models.AttemptRecord, error) {
	userAgent = models.TruncateUserAgent(userAgent)

	var rec *models.AttemptRecord
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		upsert := fmt.Sprintf(`
			INSERT INTO attempt_records (email, ip_address, failed_count, total_attempts, last_attempt_at, user_agent, updated_at)
			VALUES ($1, $2, 1, 1, $3, $4, $3)
			ON CONFLICT (email, ip_address) DO UPDATE SET
				failed_count    = attempt_records.failed_count + 1,
				total_attempts  = attempt_records.total_attempts + 1,
				last_attempt_at = $3,
				user_agent      = $4,
				updated_at      = $3
			RETURNING %s
		`, attemptRecordColumns)

		var err error
		rec, err = scanAttemptRecord(tx.QueryRow(ctx, upsert, email, ip, at, userAgent))
		if err != nil {
			return fmt.Errorf("failed to record failure: %w", err)
		}

		event := `
			INSERT INTO login_attempts (email, ip_address, user_agent, success, failure_reason, attempt_time)
			VALUES ($1, $2, $3, FALSE, $4, $5)
		`
		if _, err := tx.Exec(ctx, event, email, ip, userAgent, reason, at); err != nil {
			return fmt.Errorf("failed to insert attempt event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ApplyLock sets the lock flags on the matching row. A nil until is an
// indefinite lock requiring manual unlock.
func (r *AttemptLedgerRepository) ApplyLock(ctx context.Context, email, ip string, until *time.Time, reason string, at time.Time) error {
	query := `
		UPDATE attempt_records
		SET is_locked = TRUE, locked_until = $3, lockout_reason = $4, updated_at = $5
		WHERE email = $1 AND ip_address = $2
	`

	result, err := r.db.Pool.Exec(ctx, query, email, ip, until, reason, at)
	if err != nil {
		return fmt.Errorf("failed to apply lock: %w", err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Unlock clears the lock flags on every row for an email. Rows themselves are
// retained. Returns false if the email has no ledger rows at all.
func (r *AttemptLedgerRepository) Unlock(ctx context.Context, email string, at time.Time) (bool, error) {
	query := `
		UPDATE attempt_records
		SET is_locked = FALSE, locked_until = NULL, lockout_reason = NULL, updated_at = $2
		WHERE email = $1
	`

	result, err := r.db.Pool.Exec(ctx, query, email, at)
	if err != nil {
		return false, fmt.Errorf("failed to unlock: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// CountFailuresSince returns the number of failed attempts from an IP within
// a trailing window, across all emails
func (r *AttemptLedgerRepository) CountFailuresSince(ctx context.Context, ip string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE ip_address = $1 AND success = FALSE AND attempt_time >= $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, ip, since).Scan(&count)
	return count, err
}

// DistinctEmailsSince returns how many distinct emails an IP has attempted
// within a trailing window
func (r *AttemptLedgerRepository) DistinctEmailsSince(ctx context.Context, ip string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(DISTINCT email) FROM login_attempts
		WHERE ip_address = $1 AND attempt_time >= $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, ip, since).Scan(&count)
	return count, err
}

// CleanupOlderThan removes aggregate rows whose last attempt predates the
// cutoff, plus their aged-out raw events. Rows still locked into the future
// (or locked indefinitely) are never removed. Deletes run in bounded pages so
// the sweep never holds a long transaction against the write path.
func (r *AttemptLedgerRepository) CleanupOlderThan(ctx context.Context, cutoff, now time.Time, batchSize int) (int64, error) {
	recordsQuery := `
		DELETE FROM attempt_records
		WHERE id IN (
			SELECT id FROM attempt_records
			WHERE last_attempt_at IS NOT NULL AND last_attempt_at < $1
			  AND NOT (is_locked AND (locked_until IS NULL OR locked_until > $2))
			LIMIT $3
		)
	`

	var total int64
	for {
		result, err := r.db.Pool.Exec(ctx, recordsQuery, cutoff, now, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to cleanup attempt records: %w", err)
		}
		total += result.RowsAffected()
		if result.RowsAffected() < int64(batchSize) {
			break
		}
	}

	eventsQuery := `
		DELETE FROM login_attempts
		WHERE id IN (
			SELECT id FROM login_attempts WHERE attempt_time < $1 LIMIT $2
		)
	`
	for {
		result, err := r.db.Pool.Exec(ctx, eventsQuery, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to cleanup attempt events: %w", err)
		}
		if result.RowsAffected() < int64(batchSize) {
			break
		}
	}

	return total, nil
}
