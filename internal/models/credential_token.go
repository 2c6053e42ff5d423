package models

import "time"

// Token purposes. One active code exists per (user, purpose).
const (
	PurposeEmailVerification = "email_verification"
	PurposePasswordReset     = "password_reset"
)

// CredentialTokenLength is the number of digits in a generated code
const CredentialTokenLength = 6

// CredentialToken is a short-lived single-use numeric code bound to a user and
// purpose. Issuing a new code marks prior unused codes for the same (user,
// purpose) as used; history is retained until the retention sweep.
type CredentialToken struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Purpose   string    `db:"purpose"`
	Code      string    `db:"code"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
	Used      bool      `db:"used"`
}

// IsExpired checks if the token has expired
func (t *CredentialToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
