package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/curricula-app/curricula/internal/config"
	"github.com/curricula-app/curricula/internal/models"
)

// AttemptReader is the read-only slice of the ledger the detector may touch.
// Keeping the detector off every mutation path makes it safe to call
// speculatively or in parallel with the write path.
type AttemptReader interface {
	CountFailuresSince(ctx context.Context, ip string, since time.Time) (int, error)
	DistinctEmailsSince(ctx context.Context, ip string, since time.Time) (int, error)
}

// Substrings that mark an automated client, matched case-insensitively
var botSignatures = []string{"bot", "crawler", "spider", "scraper", "curl", "wget"}

// SuspicionDetector scores recent attempt activity. Its output is advisory:
// it feeds logging and alerting and never blocks a login by itself.
type SuspicionDetector struct {
	reader AttemptReader
	cfg    config.SecurityConfig
	logger *slog.Logger
	now    Clock
}

// NewSuspicionDetector creates a new SuspicionDetector
func NewSuspicionDetector(reader AttemptReader, cfg config.SecurityConfig, logger *slog.Logger, now Clock) *SuspicionDetector {
	return &SuspicionDetector{reader: reader, cfg: cfg, logger: logger, now: now}
}

// Evaluate runs the heuristics in order and returns the first match: rapid
// fire, account enumeration, then bot user agent. Persistence errors fail
// open (not suspicious) and are logged, never propagated.
func (d *SuspicionDetector) Evaluate(ctx context.Context, email, ip, userAgent string) models.SuspicionSignal {
	now := d.now()

	rapid, err := d.reader.CountFailuresSince(ctx, ip, now.Add(-d.cfg.RapidAttemptWindow))
	if err != nil {
		d.logger.Error("suspicion check failed reading attempt counts",
			slog.String("ip_address", ip),
			slog.Any("error", err))
	} else if rapid >= d.cfg.RapidAttemptThreshold {
		return models.SuspicionSignal{IsSuspicious: true, Reason: "Too many rapid attempts from same IP"}
	}

	distinct, err := d.reader.DistinctEmailsSince(ctx, ip, now.Add(-d.cfg.EnumerationWindow))
	if err != nil {
		d.logger.Error("suspicion check failed reading distinct emails",
			slog.String("ip_address", ip),
			slog.Any("error", err))
	} else if distinct >= d.cfg.EnumerationThreshold {
		return models.SuspicionSignal{IsSuspicious: true, Reason: "Multiple account enumeration from same IP"}
	}

	ua := strings.ToLower(userAgent)
	for _, sig := range botSignatures {
		if strings.Contains(ua, sig) {
			return models.SuspicionSignal{IsSuspicious: true, Reason: "Automated tool detected"}
		}
	}

	return models.SuspicionSignal{}
}
