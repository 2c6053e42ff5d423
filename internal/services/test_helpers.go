package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curricula-app/curricula/internal/models"
)

// MemoryAttemptLedger is an in-memory AttemptLedger with the same observable
// semantics as the Postgres repository, used by unit tests. Err fails every
// operation; ReadErr fails only the window reads, for fail-open tests.
type MemoryAttemptLedger struct {
	mu      sync.Mutex
	records map[string]*models.AttemptRecord
	events  []models.LoginAttempt

	Err     error
	ReadErr error
}

// NewMemoryAttemptLedger creates an empty in-memory ledger
func NewMemoryAttemptLedger() *MemoryAttemptLedger {
	return &MemoryAttemptLedger{
		records: make(map[string]*models.AttemptRecord),
	}
}

func ledgerKey(email, ip string) string {
	return email + "|" + ip
}

func copyRecord(rec *models.AttemptRecord) *models.AttemptRecord {
	c := *rec
	return &c
}

func (m *MemoryAttemptLedger) getOrCreateLocked(email, ip string) *models.AttemptRecord {
	key := ledgerKey(email, ip)
	rec, ok := m.records[key]
	if !ok {
		rec = &models.AttemptRecord{
			ID:        uuid.New().String(),
			Email:     email,
			IPAddress: ip,
		}
		m.records[key] = rec
	}
	return rec
}

func (m *MemoryAttemptLedger) GetOrCreate(ctx context.Context, email, ip string) (*models.AttemptRecord, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRecord(m.getOrCreateLocked(email, ip)), nil
}

func (m *MemoryAttemptLedger) RecordSuccess(ctx context.Context, email, ip, userAgent string, at time.Time) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.getOrCreateLocked(email, ip)
	rec.FailedCount = 0
	rec.TotalAttempts++
	rec.LastAttemptAt = &at
	rec.LastSuccessAt = &at
	rec.IsLocked = false
	rec.LockedUntil = nil
	rec.LockoutReason = nil
	rec.UserAgent = models.TruncateUserAgent(userAgent)

	// Cross-IP reset for every row sharing the email
	for _, other := range m.records {
		if other.Email == email && other.IPAddress != ip {
			other.FailedCount = 0
			other.IsLocked = false
			other.LockedUntil = nil
			other.LockoutReason = nil
		}
	}

	m.events = append(m.events, models.LoginAttempt{
		ID:          uuid.New().String(),
		Email:       email,
		IPAddress:   ip,
		UserAgent:   userAgent,
		Success:     true,
		AttemptTime: at,
	})
	return nil
}

func (m *MemoryAttemptLedger) RecordFailure(ctx context.Context, email, ip, userAgent, reason string, at time.Time) (*models.AttemptRecord, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.getOrCreateLocked(email, ip)
	rec.FailedCount++
	rec.TotalAttempts++
	rec.LastAttemptAt = &at
	rec.UserAgent = models.TruncateUserAgent(userAgent)

	m.events = append(m.events, models.LoginAttempt{
		ID:            uuid.New().String(),
		Email:         email,
		IPAddress:     ip,
		UserAgent:     userAgent,
		Success:       false,
		FailureReason: &reason,
		AttemptTime:   at,
	})
	return copyRecord(rec), nil
}

func (m *MemoryAttemptLedger) ApplyLock(ctx context.Context, email, ip string, until *time.Time, reason string, at time.Time) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[ledgerKey(email, ip)]
	if !ok {
		return models.ErrNotFound
	}
	rec.IsLocked = true
	rec.LockedUntil = until
	rec.LockoutReason = &reason
	return nil
}

func (m *MemoryAttemptLedger) Unlock(ctx context.Context, email string, at time.Time) (bool, error) {
	if m.Err != nil {
		return false, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for _, rec := range m.records {
		if rec.Email == email {
			found = true
			rec.IsLocked = false
			rec.LockedUntil = nil
			rec.LockoutReason = nil
		}
	}
	return found, nil
}

func (m *MemoryAttemptLedger) CountFailuresSince(ctx context.Context, ip string, since time.Time) (int, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, e := range m.events {
		if e.IPAddress == ip && !e.Success && !e.AttemptTime.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryAttemptLedger) DistinctEmailsSince(ctx context.Context, ip string, since time.Time) (int, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	for _, e := range m.events {
		if e.IPAddress == ip && !e.AttemptTime.Before(since) {
			seen[e.Email] = struct{}{}
		}
	}
	return len(seen), nil
}

func (m *MemoryAttemptLedger) CleanupOlderThan(ctx context.Context, cutoff, now time.Time, batchSize int) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, rec := range m.records {
		if rec.LastAttemptAt == nil || !rec.LastAttemptAt.Before(cutoff) {
			continue
		}
		if rec.IsLocked && (rec.LockedUntil == nil || rec.LockedUntil.After(now)) {
			continue
		}
		delete(m.records, key)
		removed++
	}

	kept := m.events[:0]
	for _, e := range m.events {
		if !e.AttemptTime.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	m.events = kept
	return removed, nil
}

// Record returns a snapshot of a stored record, for assertions
func (m *MemoryAttemptLedger) Record(email, ip string) (*models.AttemptRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ledgerKey(email, ip)]
	if !ok {
		return nil, false
	}
	return copyRecord(rec), true
}

// RecordCount returns how many aggregate rows exist
func (m *MemoryAttemptLedger) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// EventCount returns how many attempt events have been recorded
func (m *MemoryAttemptLedger) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// MemoryCredentialTokenRepository is an in-memory CredentialTokenRepository
// for unit tests
type MemoryCredentialTokenRepository struct {
	mu     sync.Mutex
	tokens []*models.CredentialToken

	Err error
}

// NewMemoryCredentialTokenRepository creates an empty token repository
func NewMemoryCredentialTokenRepository() *MemoryCredentialTokenRepository {
	return &MemoryCredentialTokenRepository{}
}

func (m *MemoryCredentialTokenRepository) Replace(ctx context.Context, userID, purpose, code string, createdAt, expiresAt time.Time) (*models.CredentialToken, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tokens {
		if t.UserID == userID && t.Purpose == purpose && !t.Used {
			t.Used = true
		}
	}

	token := &models.CredentialToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		Purpose:   purpose,
		Code:      code,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
	m.tokens = append(m.tokens, token)

	c := *token
	return &c, nil
}

func (m *MemoryCredentialTokenRepository) GetActive(ctx context.Context, userID, purpose, code string) (*models.CredentialToken, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tokens {
		if t.UserID == userID && t.Purpose == purpose && t.Code == code && !t.Used {
			c := *t
			return &c, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemoryCredentialTokenRepository) MarkUsed(ctx context.Context, id string) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tokens {
		if t.ID == id {
			if t.Used {
				return models.ErrTokenAlreadyUsed
			}
			t.Used = true
			return nil
		}
	}
	return models.ErrNotFound
}

func (m *MemoryCredentialTokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	kept := m.tokens[:0]
	for _, t := range m.tokens {
		if t.ExpiresAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	m.tokens = kept
	return removed, nil
}

// ActiveCount returns how many unused tokens exist for (user, purpose)
func (m *MemoryCredentialTokenRepository) ActiveCount(userID, purpose string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, t := range m.tokens {
		if t.UserID == userID && t.Purpose == purpose && !t.Used {
			count++
		}
	}
	return count
}

// TokenCount returns the total number of stored tokens, used or not
func (m *MemoryCredentialTokenRepository) TokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// SentCode records one delivery made through MockCodeSender
type SentCode struct {
	Email   string
	Purpose string
	Code    string
	TTL     time.Duration
}

// MockCodeSender records deliveries and can be made to fail
type MockCodeSender struct {
	mu   sync.Mutex
	Sent []SentCode

	Err error
}

func (m *MockCodeSender) SendCredentialCode(ctx context.Context, email, purpose, code string, ttl time.Duration) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, SentCode{Email: email, Purpose: purpose, Code: code, TTL: ttl})
	return nil
}

// LastSent returns the most recent delivery, if any
func (m *MockCodeSender) LastSent() (SentCode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return SentCode{}, false
	}
	return m.Sent[len(m.Sent)-1], true
}
