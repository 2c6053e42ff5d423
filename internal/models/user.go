package models

import "time"

// User is the minimal account directory entry the security core consults:
// resolve email to an account, verify a password digest, flip the verified
// flag. Profile data for the rest of the platform lives elsewhere.
type User struct {
	ID            string    `db:"id"`
	Email         string    `db:"email"`
	Name          string    `db:"name"`
	PasswordHash  string    `db:"password_hash"`
	EmailVerified bool      `db:"email_verified"`
	IsActive      bool      `db:"is_active"`
	Role          string    `db:"role"` // "user" or "admin"
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}
