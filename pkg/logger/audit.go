package logger

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	Email     string
	UserID    string
	IPAddress string
	UserAgent string
	Success   bool
	Reason    string
	Metadata  map[string]string
}

// AuditLogger emits structured security events. It is the observable audit
// trail for attempts, lockouts, and unlocks.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

func (al *AuditLogger) log(eventType string, event AuditEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "security"),
		slog.String("event_type", eventType),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.Email != "" {
		attrs = append(attrs, slog.String("email", SanitizedEmail(event.Email)))
	}
	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "security_audit", attrs...)
}

// LogAuthAttempt logs the outcome of a credential check
func (al *AuditLogger) LogAuthAttempt(event AuditEvent) {
	eventType := "login_failure"
	if event.Success {
		eventType = "login_success"
	}
	al.log(eventType, event)
}

// LogLockoutApplied logs a lock being placed on a ledger record
func (al *AuditLogger) LogLockoutApplied(event AuditEvent) {
	al.log("lockout_applied", event)
}

// LogLockoutEnforced logs a precheck rejecting an attempt against an active lock
func (al *AuditLogger) LogLockoutEnforced(event AuditEvent) {
	al.log("lockout_enforced", event)
}

// LogManualUnlock logs an administrator clearing lock flags
func (al *AuditLogger) LogManualUnlock(event AuditEvent) {
	al.log("manual_unlock", event)
}

// LogSuspicion logs an advisory suspicion signal
func (al *AuditLogger) LogSuspicion(event AuditEvent) {
	al.log("suspicious_activity", event)
}
