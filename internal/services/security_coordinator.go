package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/curricula-app/curricula/internal/config"
	"github.com/curricula-app/curricula/internal/models"
	"github.com/curricula-app/curricula/pkg/logger"
)

// AttemptLedger is the durable ledger interface the coordinator mutates.
// No other component writes to it; the detector sees only the read slice.
type AttemptLedger interface {
	AttemptReader
	GetOrCreate(ctx context.Context, email, ip string) (*models.AttemptRecord, error)
	RecordSuccess(ctx context.Context, email, ip, userAgent string, at time.Time) error
	RecordFailure(ctx context.Context, email, ip, userAgent, reason string, at time.Time) (*models.AttemptRecord, error)
	ApplyLock(ctx context.Context, email, ip string, until *time.Time, reason string, at time.Time) error
	Unlock(ctx context.Context, email string, at time.Time) (bool, error)
	CleanupOlderThan(ctx context.Context, cutoff, now time.Time, batchSize int) (int64, error)
}

// TokenSweeper is the slice of the token service the retention sweep needs
type TokenSweeper interface {
	SweepExpired(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CleanupStats reports what a retention sweep removed
type CleanupStats struct {
	AttemptsRemoved int64 `json:"attempts_removed"`
	TokensRemoved   int64 `json:"tokens_removed"`
}

// SecurityCoordinator orchestrates the ledger, lockout policy, and suspicion
// detector for each authentication attempt. It is the only entry point route
// handlers call and the single mutation surface over the ledger.
type SecurityCoordinator struct {
	ledger   AttemptLedger
	policy   *LockoutPolicy
	detector *SuspicionDetector
	sweeper  TokenSweeper
	audit    *logger.AuditLogger
	logger   *slog.Logger
	cfg      config.SecurityConfig
	now      Clock
}

// NewSecurityCoordinator creates a new SecurityCoordinator
func NewSecurityCoordinator(
	ledger AttemptLedger,
	policy *LockoutPolicy,
	detector *SuspicionDetector,
	sweeper TokenSweeper,
	audit *logger.AuditLogger,
	log *slog.Logger,
	cfg config.SecurityConfig,
	now Clock,
) *SecurityCoordinator {
	return &SecurityCoordinator{
		ledger:   ledger,
		policy:   policy,
		detector: detector,
		sweeper:  sweeper,
		audit:    audit,
		logger:   log,
		cfg:      cfg,
		now:      now,
	}
}

// NormalizeEmail lower-cases and trims an email for use as a ledger key
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// failClosed is the decision returned when persistence breaks during a
// lockout check. Denying is safer than admitting an attacker mid-outage; the
// caller reports an opaque retry-later message.
func failClosed() LockoutDecision {
	return LockoutDecision{Locked: true, Reason: "Login temporarily unavailable"}
}

// PreCheck decides whether a login attempt may proceed. Callers must reject a
// locked decision before any password comparison so lockouts cost no hashing
// work and emit no timing signal.
func (c *SecurityCoordinator) PreCheck(ctx context.Context, email, ip string) LockoutDecision {
	email = NormalizeEmail(email)

	record, err := c.ledger.GetOrCreate(ctx, email, ip)
	if err != nil {
		c.logger.Error("precheck ledger read failed, denying",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.String("ip_address", ip),
			slog.String("operation", "get_or_create"),
			slog.Any("error", err))
		return failClosed()
	}

	ipFailures := 0
	if !c.cfg.DisableIPRateLimit {
		ipFailures, err = c.ledger.CountFailuresSince(ctx, ip, c.now().Add(-c.cfg.IPRateWindow))
		if err != nil {
			c.logger.Error("precheck ip count failed, denying",
				slog.String("email", logger.SanitizedEmail(email)),
				slog.String("ip_address", ip),
				slog.String("operation", "count_failures"),
				slog.Any("error", err))
			return failClosed()
		}
	}

	decision := c.policy.Evaluate(record, ipFailures)
	if decision.Locked {
		c.audit.LogLockoutEnforced(logger.AuditEvent{
			Email:     email,
			IPAddress: ip,
			Reason:    decision.Reason,
		})
	}
	return decision
}

// PostResult records the outcome of a credential check. On failure it
// consults the progressive policy and applies any lock it directs. This is
// the only path that mutates the ledger.
func (c *SecurityCoordinator) PostResult(ctx context.Context, email, ip, userAgent string, success bool, failureReason string) error {
	email = NormalizeEmail(email)
	now := c.now()

	if success {
		if err := c.ledger.RecordSuccess(ctx, email, ip, userAgent, now); err != nil {
			c.logger.Error("failed to record login success",
				slog.String("email", logger.SanitizedEmail(email)),
				slog.String("ip_address", ip),
				slog.String("operation", "record_success"),
				slog.Any("error", err))
			return err
		}
		c.audit.LogAuthAttempt(logger.AuditEvent{
			Email:     email,
			IPAddress: ip,
			UserAgent: userAgent,
			Success:   true,
		})
		return nil
	}

	record, err := c.ledger.RecordFailure(ctx, email, ip, userAgent, failureReason, now)
	if err != nil {
		c.logger.Error("failed to record login failure",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.String("ip_address", ip),
			slog.String("operation", "record_failure"),
			slog.Any("error", err))
		return err
	}

	c.audit.LogAuthAttempt(logger.AuditEvent{
		Email:     email,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   false,
		Reason:    failureReason,
	})

	directive := c.policy.ShouldLock(record)
	if !directive.Lock {
		return nil
	}

	until := now.Add(directive.Duration)
	if err := c.ledger.ApplyLock(ctx, email, ip, &until, directive.Reason, now); err != nil {
		c.logger.Error("failed to apply lockout",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.String("ip_address", ip),
			slog.String("operation", "apply_lock"),
			slog.Any("error", err))
		return err
	}

	c.audit.LogLockoutApplied(logger.AuditEvent{
		Email:     email,
		IPAddress: ip,
		Reason:    directive.Reason,
		Metadata:  map[string]string{"locked_until": until.UTC().Format(time.RFC3339)},
	})
	return nil
}

// IsSuspicious runs the advisory heuristics. Read-only: any number of calls
// leaves ledger counters and lockout decisions untouched.
func (c *SecurityCoordinator) IsSuspicious(ctx context.Context, email, ip, userAgent string) models.SuspicionSignal {
	return c.detector.Evaluate(ctx, NormalizeEmail(email), ip, userAgent)
}

// ManualUnlock clears lock flags for every ledger row of an email. The admin
// reason lands in the audit log; the rows stay for history.
func (c *SecurityCoordinator) ManualUnlock(ctx context.Context, email, adminReason string) (bool, error) {
	email = NormalizeEmail(email)

	found, err := c.ledger.Unlock(ctx, email, c.now())
	if err != nil {
		c.logger.Error("manual unlock failed",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.String("operation", "unlock"),
			slog.Any("error", err))
		return false, err
	}

	c.audit.LogManualUnlock(logger.AuditEvent{
		Email:  email,
		Reason: adminReason,
	})
	return found, nil
}

// Cleanup removes attempt rows older than daysOld and tokens past their own
// configured retention. Runs in bounded pages; a row locked into the future
// always survives.
func (c *SecurityCoordinator) Cleanup(ctx context.Context, daysOld int) (CleanupStats, error) {
	now := c.now()
	cutoff := now.AddDate(0, 0, -daysOld)

	var stats CleanupStats
	attempts, err := c.ledger.CleanupOlderThan(ctx, cutoff, now, c.cfg.CleanupBatchSize)
	stats.AttemptsRemoved = attempts
	if err != nil {
		return stats, err
	}

	tokens, err := c.sweeper.SweepExpired(ctx, time.Duration(c.cfg.TokenRetentionDays)*24*time.Hour)
	stats.TokensRemoved = tokens
	if err != nil {
		return stats, err
	}

	c.logger.Info("retention cleanup completed",
		slog.Int64("attempts_removed", stats.AttemptsRemoved),
		slog.Int64("tokens_removed", stats.TokensRemoved))
	return stats, nil
}
