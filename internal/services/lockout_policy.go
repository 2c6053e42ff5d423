package services

import (
	"fmt"
	"time"

	"github.com/curricula-app/curricula/internal/config"
	"github.com/curricula-app/curricula/internal/models"
)

// Clock supplies the current time. Injected everywhere the core reads time so
// tests can advance it deterministically.
type Clock func() time.Time

// Lockout reasons. Stored on the record when a lock is applied and echoed back
// by Evaluate while the lock holds.
const (
	ReasonTooManyFailures   = "Too many failed attempts"
	ReasonExcessiveFailures = "Excessive failed attempts - extended lockout"
	ReasonIPRateLimited     = "IP address temporarily blocked due to excessive requests"
)

// LockoutDecision is the outcome of a pre-login lockout check
type LockoutDecision struct {
	Locked bool   `json:"locked"`
	Reason string `json:"reason,omitempty"`
	// MinutesRemaining is nil for an indefinite lock requiring manual unlock
	MinutesRemaining *int `json:"minutes_remaining,omitempty"`
}

// Message renders the decision for end users: remaining time in human units,
// an administrator hint for extended lockouts, and nothing that would reveal
// whether the email exists.
func (d LockoutDecision) Message() string {
	if !d.Locked {
		return ""
	}
	if d.MinutesRemaining == nil {
		return "This account is locked. Please contact an administrator."
	}

	m := *d.MinutesRemaining
	var wait string
	switch {
	case m > 60:
		hours := m / 60
		mins := m % 60
		wait = plural(hours, "hour")
		if mins > 0 {
			wait += " and " + plural(mins, "minute")
		}
	default:
		wait = plural(m, "minute")
	}

	msg := fmt.Sprintf("Too many attempts. Please try again in %s.", wait)
	if d.Reason == ReasonExcessiveFailures {
		msg += " If you believe this is a mistake, contact an administrator."
	}
	return msg
}

// LockDirective is ShouldLock's verdict after a recorded failure. The policy
// mutates nothing; the coordinator applies the directive to the ledger.
type LockDirective struct {
	Lock     bool
	Duration time.Duration
	Reason   string
}

// LockoutPolicy is the pure decision function over ledger state. It combines
// email-level progressive lockout with fixed-window IP rate limiting. All
// reads happen before the call; Evaluate and ShouldLock have no side effects.
type LockoutPolicy struct {
	cfg config.SecurityConfig
	now Clock
}

// NewLockoutPolicy creates a new LockoutPolicy
func NewLockoutPolicy(cfg config.SecurityConfig, now Clock) *LockoutPolicy {
	return &LockoutPolicy{cfg: cfg, now: now}
}

// Evaluate decides whether the pair may attempt a login. ipFailures is the
// failed-attempt count for the IP over the configured window, already read by
// the caller. Both checks are consulted; an active email lock wins the
// reported reason when both trip.
func (p *LockoutPolicy) Evaluate(record *models.AttemptRecord, ipFailures int) LockoutDecision {
	now := p.now()

	if record.IsLocked && !record.LockExpired(now) {
		reason := ReasonTooManyFailures
		if record.LockoutReason != nil {
			reason = *record.LockoutReason
		}
		if record.LockedUntil == nil {
			// Indefinite lock, manual unlock only
			return LockoutDecision{Locked: true, Reason: reason}
		}
		remaining := minutesUntil(now, *record.LockedUntil)
		return LockoutDecision{Locked: true, Reason: reason, MinutesRemaining: &remaining}
	}

	if !p.cfg.DisableIPRateLimit && ipFailures >= p.cfg.IPMaxFailures {
		// Fixed window: the reported wait is the whole window, not sliding
		// from the oldest offending attempt. Deliberate approximation.
		remaining := int(p.cfg.IPRateWindow / time.Minute)
		return LockoutDecision{Locked: true, Reason: ReasonIPRateLimited, MinutesRemaining: &remaining}
	}

	return LockoutDecision{}
}

// ShouldLock is the progressive policy consulted after each recorded failure.
// Thresholds are monotonic: 5 failures earn the base lockout, 10 the extended
// one. Below the first threshold nothing locks.
func (p *LockoutPolicy) ShouldLock(record *models.AttemptRecord) LockDirective {
	switch {
	case record.FailedCount >= p.cfg.ExtendedFailedAttempts:
		return LockDirective{Lock: true, Duration: p.cfg.ExtendedLockoutDuration, Reason: ReasonExcessiveFailures}
	case record.FailedCount >= p.cfg.MaxFailedAttempts:
		return LockDirective{Lock: true, Duration: p.cfg.LockoutDuration, Reason: ReasonTooManyFailures}
	default:
		return LockDirective{}
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// minutesUntil rounds the remaining duration up to whole minutes
func minutesUntil(now, until time.Time) int {
	d := until.Sub(now)
	if d <= 0 {
		return 0
	}
	mins := int(d / time.Minute)
	if d%time.Minute != 0 {
		mins++
	}
	return mins
}
