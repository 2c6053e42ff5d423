package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curricula-app/curricula/internal/models"
	"github.com/curricula-app/curricula/internal/services"
)

const (
	testEmail = "user@example.com"
	testIP    = "10.0.0.1"
	testUA    = "Mozilla/5.0"
)

func failTimes(t *testing.T, c *services.SecurityCoordinator, email, ip string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, c.PostResult(context.Background(), email, ip, testUA, false, "invalid password"))
	}
}

func TestCoordinatorLocksAfterFiveFailures(t *testing.T) {
	clock := newTestClock()
	coordinator, _, _ := newTestCoordinator(testSecurityConfig(), clock)
	ctx := context.Background()

	failTimes(t, coordinator, testEmail, testIP, 4)
	decision := coordinator.PreCheck(ctx, testEmail, testIP)
	assert.False(t, decision.Locked, "four failures must not lock")

	failTimes(t, coordinator, testEmail, testIP, 1)
	decision = coordinator.PreCheck(ctx, testEmail, testIP)
	assert.True(t, decision.Locked)
	assert.Contains(t, decision.Reason, "failed attempts")
	if assert.NotNil(t, decision.MinutesRemaining) {
		assert.Equal(t, 15, *decision.MinutesRemaining)
	}
}

func TestCoordinatorLockExpires(t *testing.T) {
	clock := newTestClock()
	coordinator, _, _ := newTestCoordinator(testSecurityConfig(), clock)
	ctx := context.Background()

	failTimes(t, coordinator, testEmail, testIP, 5)
	require.True(t, coordinator.PreCheck(ctx, testEmail, testIP).Locked)

	clock.Advance(16 * time.Minute)
	decision := coordinator.PreCheck(ctx, testEmail, testIP)
	assert.False(t, decision.Locked, "lock must expire after its duration")
}

func TestCoordinatorExtendedLock(t *testing.T) {
	clock := newTestClock()
	coordinator, _, _ := newTestCoordinator(testSecurityConfig(), clock)
	ctx := context.Background()

	failTimes(t, coordinator, testEmail, testIP, 10)
	decision := coordinator.PreCheck(ctx, testEmail, testIP)
	assert.True(t, decision.Locked)
	assert.Contains(t, decision.Reason, "Excessive")
	if assert.NotNil(t, decision.MinutesRemaining) {
		assert.Equal(t, 60, *decision.MinutesRemaining)
	}

	// 15 minutes is no longer enough; the extended tier holds for an hour
	clock.Advance(16 * time.Minute)
	assert.True(t, coordinator.PreCheck(ctx, testEmail, testIP).Locked)

	clock.Advance(45 * time.Minute)
	assert.False(t, coordinator.PreCheck(ctx, testEmail, testIP).Locked)
}

func TestCoordinatorSuccessResetsCounters(t *testing.T) {
	clock := newTestClock()
	coordinator, ledger, _ := newTestCoordinator(testSecurityConfig(), clock)
	ctx := context.Background()

	failTimes(t, coordinator, testEmail, testIP, 4)
	require.NoError(t, coordinator.PostResult(ctx, testEmail, testIP, testUA, true, ""))

	record, ok := ledger.Record(testEmail, testIP)
	require.True(t, ok)
	assert.Equal(t, 0, record.FailedCount)
	assert.Equal(t, 5, record.TotalAttempts)
	assert.NotNil(t, record.LastSuccessAt)

	// Counting restarts from zero
	failTimes(t, coordinator, testEmail, testIP, 4)
	assert.False(t, coordinator.PreCheck(ctx, testEmail, testIP).Locked)
}

func TestCoordinatorSuccessResetsAcrossIPs(t *testing.T) {
	clock := newTestClock()
	coordinator, ledger, _ := newTestCoordinator(testSecurityConfig(), clock)
	ctx := context.Background()

	// Failures pile up from two addresses; the second one trips the lock
	failTimes(t, coordinator, testEmail, "10.0.0.2", 4)
	failTimes(t, coordinator, testEmail, testIP, 5)
	require.True(t, coordinator.PreCheck(ctx, testEmail, testIP).Locked)

	clock.Advance(16 * time.Minute)
	require.NoError(t, coordinator.PostResult(ctx, testEmail, testIP, testUA, true, ""))

	// The owner proved the credential; every row for the email resets
	decision := coordinator.PreCheck(ctx, testEmail, "10.0.0.2")
	assert.False(t, decision.Locked)

	record, ok := ledger.Record(testEmail, "10.0.0.2")
	require.True(t, ok)
	assert.Equal(t, 0, record.FailedCount)
	assert.False(t, record.IsLocked)
}

func TestCoordinatorIPRateLimit(t *testing.T) {
	clock := newTestClock()
	coordinator, _, _ := newTestCoordinator(testSecurityConfig(), clock)
	ctx := context.Background()

	// One failure per target keeps every per-email counter below its
	// threshold; only the shared IP accumulates.
	for i := 0; i < 19; i++ {
		email := fmt.Sprintf("victim%d@example.com", i)
		require.NoError(t, coordinator.PostResult(ctx, email, testIP, testUA, false, "invalid password"))
	}
	decision := coordinator.PreCheck(ctx, "victim0@example.com", testIP)
	assert.False(t, decision.Locked, "19 failures must stay under the IP limit")

	require.NoError(t, coordinator.PostResult(ctx, "victim19@example.com", testIP, testUA, false, "invalid password"))
	decision = coordinator.PreCheck(ctx, "victim0@example.com", testIP)
	assert.True(t, decision.Locked)
	assert.Equal(t, services.ReasonIPRateLimited, decision.Reason)

	// A different address is unaffected
	assert.False(t, coordinator.PreCheck(ctx, "victim0@example.com", "10.0.0.9").Locked)

	// The fixed window slides the whole block away at once
	clock.Advance(16 * time.Minute)
	assert.False(t, coordinator.PreCheck(ctx, "victim0@example.com", testIP).Locked)
}

func TestCoordinatorIsSuspiciousIsReadOnly(t *testing.T) {
	clock := newTestClock()
	coordinator, ledger, _ := newTestCoordinator(testSecurityConfig(), clock)
	ctx := context.Background()

	failTimes(t, coordinator, testEmail, testIP, 3)
	before, ok := ledger.Record(testEmail, testIP)
	require.True(t, ok)
	events := ledger.EventCount()

	for i := 0; i < 10; i++ {
		coordinator.IsSuspicious(ctx, testEmail, testIP, "curl/8.4.0")
	}

	after, ok := ledger.Record(testEmail, testIP)
	require.True(t, ok)
	assert.Equal(t, before.FailedCount, after.FailedCount)
	assert.Equal(t, before.TotalAttempts, after.TotalAttempts)
	assert.Equal(t, events, ledger.EventCount())
	assert.False(t, coordinator.PreCheck(ctx, testEmail, testIP).Locked)
}

func TestCoordinatorRecordsFailuresWithOversizedUserAgent(t *testing.T) {
	clock := newTestClock()
	coordinator, ledger, _ := newTestCoordinator(testSecurityConfig(), clock)
	ctx := context.Background()

	// A user agent whose byte cap lands mid-rune must still be stored and
	// counted, not break the write path
	ua := strings.Repeat("a", models.MaxUserAgentLength-1) + "é"
	for i := 0; i < 5; i++ {
		require.NoError(t, coordinator.PostResult(ctx, testEmail, testIP, ua, false, "invalid password"))
	}

	record, ok := ledger.Record(testEmail, testIP)
	require.True(t, ok)
	assert.Equal(t, 5, record.FailedCount)
	assert.True(t, utf8.ValidString(record.UserAgent))
	assert.True(t, coordinator.PreCheck(ctx, testEmail, testIP).Locked)
}

func TestCoordinatorPreCheckFailsClosed(t *testing.T) {
	clock := newTestClock()
	coordinator, ledger, _ := newTestCoordinator(testSecurityConfig(), clock)

	ledger.Err = errors.New("connection refused")

	decision := coordinator.PreCheck(context.Background(), testEmail, testIP)
	assert.True(t, decision.Locked)
	assert.Equal(t, "Login temporarily unavailable", decision.Reason)
}

func TestCoordinatorEmailNormalization(t *testing.T) {
	clock := newTestClock()
	coordinator, ledger, _ := newTestCoordinator(testSecurityConfig(), clock)
	ctx := context.Background()

	failTimes(t, coordinator, "  User@Example.COM ", testIP, 5)

	// Case and whitespace variants hit the same ledger row
	assert.Equal(t, 1, ledger.RecordCount())
	assert.True(t, coordinator.PreCheck(ctx, "user@example.com", testIP).Locked)
}

func TestCoordinatorManualUnlock(t *testing.T) {
	clock := newTestClock()
	coordinator, ledger, _ := newTestCoordinator(testSecurityConfig(), clock)
	ctx := context.Background()

	failTimes(t, coordinator, testEmail, testIP, 10)
	failTimes(t, coordinator, testEmail, "10.0.0.2", 5)
	require.True(t, coordinator.PreCheck(ctx, testEmail, testIP).Locked)

	found, err := coordinator.ManualUnlock(ctx, testEmail, "verified with account owner")
	require.NoError(t, err)
	assert.True(t, found)

	assert.False(t, coordinator.PreCheck(ctx, testEmail, testIP).Locked)
	assert.False(t, coordinator.PreCheck(ctx, testEmail, "10.0.0.2").Locked)

	// Unlock clears flags but keeps history
	record, ok := ledger.Record(testEmail, testIP)
	require.True(t, ok)
	assert.Equal(t, 10, record.FailedCount)

	found, err = coordinator.ManualUnlock(ctx, "nobody@example.com", "typo")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCoordinatorCleanupRemovesStaleRows(t *testing.T) {
	cfg := testSecurityConfig()
	clock := newTestClock()
	coordinator, ledger, _ := newTestCoordinator(cfg, clock)
	ctx := context.Background()

	failTimes(t, coordinator, "old@example.com", testIP, 2)

	clock.Advance(31 * 24 * time.Hour)
	failTimes(t, coordinator, "fresh@example.com", testIP, 2)

	stats, err := coordinator.Cleanup(ctx, cfg.AttemptRetentionDays)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AttemptsRemoved)

	_, ok := ledger.Record("old@example.com", testIP)
	assert.False(t, ok)
	_, ok = ledger.Record("fresh@example.com", testIP)
	assert.True(t, ok)
}

func TestCoordinatorCleanupUsesTokenRetention(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.TokenRetentionDays = 5
	clock := newTestClock()
	coordinator, _, tokenRepo := newTestCoordinator(cfg, clock)
	ctx := context.Background()

	now := clock.Now()
	_, err := tokenRepo.Replace(ctx, "user-1", models.PurposeEmailVerification, "123456", now, now.Add(time.Hour))
	require.NoError(t, err)

	// Ten days out: past the 5-day token retention, well inside the 30-day
	// attempt retention the sweep is invoked with
	clock.Advance(10 * 24 * time.Hour)

	stats, err := coordinator.Cleanup(ctx, cfg.AttemptRetentionDays)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TokensRemoved)
	assert.Equal(t, 0, tokenRepo.TokenCount())
}

func TestCoordinatorCleanupKeepsActiveLocks(t *testing.T) {
	cfg := testSecurityConfig()
	clock := newTestClock()
	coordinator, ledger, _ := newTestCoordinator(cfg, clock)
	ctx := context.Background()

	// Stale by age, but locked with no expiry pending admin review
	failTimes(t, coordinator, testEmail, testIP, 2)
	require.NoError(t, ledger.ApplyLock(ctx, testEmail, testIP, nil, "manual investigation", clock.Now()))

	clock.Advance(31 * 24 * time.Hour)

	stats, err := coordinator.Cleanup(ctx, cfg.AttemptRetentionDays)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.AttemptsRemoved)

	record, ok := ledger.Record(testEmail, testIP)
	require.True(t, ok)
	assert.True(t, record.IsLocked)
}
