package services_test

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/curricula-app/curricula/internal/config"
	"github.com/curricula-app/curricula/internal/services"
	"github.com/curricula-app/curricula/pkg/logger"
)

// testClock is a movable clock shared by the deterministic tests
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		MaxFailedAttempts:       5,
		ExtendedFailedAttempts:  10,
		LockoutDuration:         15 * time.Minute,
		ExtendedLockoutDuration: 60 * time.Minute,
		IPMaxFailures:           20,
		IPRateWindow:            15 * time.Minute,
		RapidAttemptThreshold:   10,
		RapidAttemptWindow:      5 * time.Minute,
		EnumerationThreshold:    5,
		EnumerationWindow:       60 * time.Minute,
		AttemptRetentionDays:    30,
		TokenRetentionDays:      30,
		CleanupInterval:         time.Hour,
		CleanupBatchSize:        100,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// newTestCoordinator wires a coordinator over in-memory fakes
func newTestCoordinator(cfg config.SecurityConfig, clock *testClock) (*services.SecurityCoordinator, *services.MemoryAttemptLedger, *services.MemoryCredentialTokenRepository) {
	log := testLogger()
	ledger := services.NewMemoryAttemptLedger()
	tokenRepo := services.NewMemoryCredentialTokenRepository()

	policy := services.NewLockoutPolicy(cfg, clock.Now)
	detector := services.NewSuspicionDetector(ledger, cfg, log, clock.Now)
	tokens := services.NewCredentialTokenService(tokenRepo, &services.MockCodeSender{}, log, clock.Now, cfg.CleanupBatchSize)

	coordinator := services.NewSecurityCoordinator(
		ledger, policy, detector, tokens,
		logger.NewAuditLogger(log), log, cfg, clock.Now,
	)
	return coordinator, ledger, tokenRepo
}
