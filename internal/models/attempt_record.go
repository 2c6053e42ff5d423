package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxUserAgentLength is the stored length cap for user agent strings
const MaxUserAgentLength = 500

// AttemptRecord is the aggregated login-attempt state for one (email, ip) pair.
// One row exists per pair, created lazily on the first attempt and never deleted
// except by retention cleanup or an admin clearing the lock flags.
type AttemptRecord struct {
	ID            string     `db:"id"`
	Email         string     `db:"email"`
	IPAddress     string     `db:"ip_address"`
	FailedCount   int        `db:"failed_count"`
	TotalAttempts int        `db:"total_attempts"`
	LastAttemptAt *time.Time `db:"last_attempt_at"`
	LastSuccessAt *time.Time `db:"last_success_at"`
	IsLocked      bool       `db:"is_locked"`
	LockedUntil   *time.Time `db:"locked_until"`
	LockoutReason *string    `db:"lockout_reason"`
	UserAgent     string     `db:"user_agent"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// LockExpired reports whether a timed lock has run out.
// A locked record with a nil LockedUntil is an indefinite lock and never expires.
func (r *AttemptRecord) LockExpired(now time.Time) bool {
	if !r.IsLocked {
		return true
	}
	if r.LockedUntil == nil {
		return false
	}
	return !now.Before(*r.LockedUntil)
}

// LoginAttempt is one append-only attempt event. Aggregate state lives in
// AttemptRecord; these rows exist to answer trailing-window queries (failures
// per IP, distinct emails per IP) that a single counter cannot.
type LoginAttempt struct {
	ID            string    `db:"id"`
	Email         string    `db:"email"`
	IPAddress     string    `db:"ip_address"`
	UserAgent     string    `db:"user_agent"`
	Success       bool      `db:"success"`
	FailureReason *string   `db:"failure_reason"`
	AttemptTime   time.Time `db:"attempt_time"`
}

// TruncateUserAgent caps a user agent string at the stored length. The result
// is always valid UTF-8: invalid bytes are dropped and the cut never splits a
// multibyte rune, so the TEXT column insert cannot fail on a crafted header.
func TruncateUserAgent(ua string) string {
	ua = strings.ToValidUTF8(ua, "")
	if len(ua) <= MaxUserAgentLength {
		return ua
	}

	cut := MaxUserAgentLength
	for cut > 0 && !utf8.RuneStart(ua[cut]) {
		cut--
	}
	return ua[:cut]
}
