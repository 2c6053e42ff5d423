package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/curricula-app/curricula/internal/database"
	"github.com/curricula-app/curricula/internal/models"
	"github.com/jackc/pgx/v5"
)

// CredentialTokenRepository handles verification/reset code data access
type CredentialTokenRepository struct {
	db *database.DB
}

// NewCredentialTokenRepository creates a new CredentialTokenRepository
func NewCredentialTokenRepository(db *database.DB) *CredentialTokenRepository {
	return &CredentialTokenRepository{db: db}
}

const credentialTokenColumns = `id, user_id, purpose, code, created_at, expires_at, used`

func scanCredentialToken(row rowScanner) (*models.CredentialToken, error) {
	var t models.CredentialToken
	err := row.Scan(&t.ID, &t.UserID, &t.Purpose, &t.Code, &t.CreatedAt, &t.ExpiresAt, &t.Used)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &t, nil
}

// Replace invalidates every unused token for (user, purpose) and inserts the
// new one in a single transaction, so at most one live code exists per pair.
// Prior tokens are marked used, not deleted; history is kept for the sweep.
func (r *CredentialTokenRepository) Replace(ctx context.Context, userID, purpose, code string, createdAt, expiresAt time.Time) (*models.CredentialToken, error) {
	var token *models.CredentialToken
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		invalidate := `
			UPDATE credential_tokens SET used = TRUE
			WHERE user_id = $1 AND purpose = $2 AND used = FALSE
		`
		if _, err := tx.Exec(ctx, invalidate, userID, purpose); err != nil {
			return fmt.Errorf("failed to invalidate prior tokens: %w", err)
		}

		insert := fmt.Sprintf(`
			INSERT INTO credential_tokens (user_id, purpose, code, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING %s
		`, credentialTokenColumns)

		var err error
		token, err = scanCredentialToken(tx.QueryRow(ctx, insert, userID, purpose, code, createdAt, expiresAt))
		if err != nil {
			return fmt.Errorf("failed to create credential token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// GetActive returns the unused token matching (user, purpose, code)
func (r *CredentialTokenRepository) GetActive(ctx context.Context, userID, purpose, code string) (*models.CredentialToken, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM credential_tokens
		WHERE user_id = $1 AND purpose = $2 AND code = $3 AND used = FALSE
	`, credentialTokenColumns)

	return scanCredentialToken(r.db.Pool.QueryRow(ctx, query, userID, purpose, code))
}

// MarkUsed marks a token as consumed. The used = FALSE guard makes consumption
// single-use under concurrency; a second caller sees zero rows affected.
func (r *CredentialTokenRepository) MarkUsed(ctx context.Context, id string) error {
	query := `UPDATE credential_tokens SET used = TRUE WHERE id = $1 AND used = FALSE`

	result, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark token as used: %w", err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrTokenAlreadyUsed
	}
	return nil
}

// DeleteExpiredBefore removes tokens whose expiry predates the cutoff, in
// bounded pages. Returns the number removed.
func (r *CredentialTokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	query := `
		DELETE FROM credential_tokens
		WHERE id IN (
			SELECT id FROM credential_tokens WHERE expires_at < $1 LIMIT $2
		)
	`

	var total int64
	for {
		result, err := r.db.Pool.Exec(ctx, query, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to delete expired tokens: %w", err)
		}
		total += result.RowsAffected()
		if result.RowsAffected() < int64(batchSize) {
			break
		}
	}
	return total, nil
}
