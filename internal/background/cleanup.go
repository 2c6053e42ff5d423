package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/curricula-app/curricula/internal/services"
)

// Sweeper is the coordinator surface the cleanup task needs
type Sweeper interface {
	Cleanup(ctx context.Context, daysOld int) (services.CleanupStats, error)
}

// CleanupManager periodically removes aged attempt records and expired
// credential tokens. It runs independently of request handling; the
// coordinator's paged deletes keep each pass short.
type CleanupManager struct {
	sweeper       Sweeper
	logger        *slog.Logger
	interval      time.Duration
	retentionDays int
	stopCh        chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(sweeper Sweeper, logger *slog.Logger, interval time.Duration, retentionDays int) *CleanupManager {
	return &CleanupManager{
		sweeper:       sweeper,
		logger:        logger,
		interval:      interval,
		retentionDays: retentionDays,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// runCleanup performs one retention sweep
func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stats, err := cm.sweeper.Cleanup(cleanupCtx, cm.retentionDays)
	if err != nil {
		cm.logger.Error("retention cleanup failed", slog.Any("error", err))
		return
	}

	if stats.AttemptsRemoved > 0 || stats.TokensRemoved > 0 {
		cm.logger.Info("retention cleanup pass completed",
			slog.Int64("attempts_removed", stats.AttemptsRemoved),
			slog.Int64("tokens_removed", stats.TokensRemoved))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
