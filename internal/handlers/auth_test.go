package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/curricula-app/curricula/internal/models"
	"github.com/curricula-app/curricula/internal/services"
	"github.com/curricula-app/curricula/pkg/logger"
)

type mockSecurityGate struct {
	PreCheckFunc     func(ctx context.Context, email, ip string) services.LockoutDecision
	ManualUnlockFunc func(ctx context.Context, email, adminReason string) (bool, error)

	PostResults []postResultCall
}

type postResultCall struct {
	Email   string
	Success bool
	Reason  string
}

func (m *mockSecurityGate) PreCheck(ctx context.Context, email, ip string) services.LockoutDecision {
	if m.PreCheckFunc != nil {
		return m.PreCheckFunc(ctx, email, ip)
	}
	return services.LockoutDecision{}
}

func (m *mockSecurityGate) PostResult(ctx context.Context, email, ip, userAgent string, success bool, failureReason string) error {
	m.PostResults = append(m.PostResults, postResultCall{Email: email, Success: success, Reason: failureReason})
	return nil
}

func (m *mockSecurityGate) IsSuspicious(ctx context.Context, email, ip, userAgent string) models.SuspicionSignal {
	return models.SuspicionSignal{}
}

func (m *mockSecurityGate) ManualUnlock(ctx context.Context, email, adminReason string) (bool, error) {
	if m.ManualUnlockFunc != nil {
		return m.ManualUnlockFunc(ctx, email, adminReason)
	}
	return true, nil
}

type mockTokenIssuer struct {
	IssueFunc   func(ctx context.Context, userID, email, purpose string, ttl time.Duration) (string, error)
	ConsumeFunc func(ctx context.Context, userID, purpose, code string) error

	Issued int
}

func (m *mockTokenIssuer) Issue(ctx context.Context, userID, email, purpose string, ttl time.Duration) (string, error) {
	m.Issued++
	if m.IssueFunc != nil {
		return m.IssueFunc(ctx, userID, email, purpose, ttl)
	}
	return "123456", nil
}

func (m *mockTokenIssuer) Consume(ctx context.Context, userID, purpose, code string) error {
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, userID, purpose, code)
	}
	return nil
}

type mockUserDirectory struct {
	CreateFunc            func(ctx context.Context, user *models.User) (*models.User, error)
	GetByEmailFunc        func(ctx context.Context, email string) (*models.User, error)
	MarkEmailVerifiedFunc func(ctx context.Context, id string) error
	UpdatePasswordFunc    func(ctx context.Context, id, passwordHash string) error

	Verified         []string
	PasswordsUpdated []string
}

func (m *mockUserDirectory) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	u := *user
	u.ID = "user-1"
	return &u, nil
}

func (m *mockUserDirectory) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *mockUserDirectory) MarkEmailVerified(ctx context.Context, id string) error {
	m.Verified = append(m.Verified, id)
	if m.MarkEmailVerifiedFunc != nil {
		return m.MarkEmailVerifiedFunc(ctx, id)
	}
	return nil
}

func (m *mockUserDirectory) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	m.PasswordsUpdated = append(m.PasswordsUpdated, id)
	if m.UpdatePasswordFunc != nil {
		return m.UpdatePasswordFunc(ctx, id, passwordHash)
	}
	return nil
}

type mockSessionIssuer struct{}

func (m *mockSessionIssuer) GenerateAccessToken(userID, email, role string) (string, error) {
	return "access-token", nil
}

func newTestHandler(security *mockSecurityGate, tokens *mockTokenIssuer, users *mockUserDirectory) *AuthHandler {
	audit := logger.NewAuditLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	return NewAuthHandler(security, tokens, users, &mockSessionIssuer{}, audit, nil, time.Hour, 30*time.Minute)
}

func testUser(t *testing.T, password string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return &models.User{
		ID:            "user-1",
		Email:         "user@example.com",
		Name:          "Test User",
		PasswordHash:  string(hash),
		EmailVerified: true,
		IsActive:      true,
		Role:          "user",
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/", bytes.NewReader(payload))
	r.RemoteAddr = "203.0.113.7:51234"
	r.Header.Set("User-Agent", "Mozilla/5.0")
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (code, message string) {
	t.Helper()
	var resp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error, resp.Message
}

func TestLogin_Success(t *testing.T) {
	security := &mockSecurityGate{}
	user := testUser(t, "correct-horse-battery")
	users := &mockUserDirectory{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}
	h := newTestHandler(security, &mockTokenIssuer{}, users)

	w := postJSON(t, h.Login, LoginRequest{Email: "user@example.com", Password: "correct-horse-battery"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "access-token", resp.AccessToken)
	assert.Equal(t, "user-1", resp.UserID)

	require.Len(t, security.PostResults, 1)
	assert.True(t, security.PostResults[0].Success)
}

func TestLogin_LockedAccount(t *testing.T) {
	minutes := 15
	security := &mockSecurityGate{
		PreCheckFunc: func(ctx context.Context, email, ip string) services.LockoutDecision {
			return services.LockoutDecision{
				Locked:           true,
				Reason:           services.ReasonTooManyFailures,
				MinutesRemaining: &minutes,
			}
		},
	}
	h := newTestHandler(security, &mockTokenIssuer{}, &mockUserDirectory{})

	w := postJSON(t, h.Login, LoginRequest{Email: "user@example.com", Password: "whatever1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	code, message := decodeError(t, w)
	assert.Equal(t, "account_locked", code)
	assert.Equal(t, "Too many attempts. Please try again in 15 minutes.", message)

	// Lock rejection happens before the credential check; nothing is recorded
	assert.Empty(t, security.PostResults)
}

func TestLogin_IPRateLimited(t *testing.T) {
	minutes := 15
	security := &mockSecurityGate{
		PreCheckFunc: func(ctx context.Context, email, ip string) services.LockoutDecision {
			return services.LockoutDecision{
				Locked:           true,
				Reason:           services.ReasonIPRateLimited,
				MinutesRemaining: &minutes,
			}
		},
	}
	h := newTestHandler(security, &mockTokenIssuer{}, &mockUserDirectory{})

	w := postJSON(t, h.Login, LoginRequest{Email: "user@example.com", Password: "whatever1"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	code, _ := decodeError(t, w)
	assert.Equal(t, "rate_limit_exceeded", code)
}

func TestLogin_WrongPassword(t *testing.T) {
	security := &mockSecurityGate{}
	user := testUser(t, "correct-horse-battery")
	users := &mockUserDirectory{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}
	h := newTestHandler(security, &mockTokenIssuer{}, users)

	w := postJSON(t, h.Login, LoginRequest{Email: "user@example.com", Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, message := decodeError(t, w)
	assert.Equal(t, "Invalid email or password", message)

	require.Len(t, security.PostResults, 1)
	assert.False(t, security.PostResults[0].Success)
	assert.Equal(t, "invalid password", security.PostResults[0].Reason)
}

func TestLogin_UnknownEmail(t *testing.T) {
	security := &mockSecurityGate{}
	h := newTestHandler(security, &mockTokenIssuer{}, &mockUserDirectory{})

	w := postJSON(t, h.Login, LoginRequest{Email: "nobody@example.com", Password: "whatever1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Same message as a wrong password, but the failure still feeds the ledger
	_, message := decodeError(t, w)
	assert.Equal(t, "Invalid email or password", message)

	require.Len(t, security.PostResults, 1)
	assert.False(t, security.PostResults[0].Success)
	assert.Equal(t, "unknown email", security.PostResults[0].Reason)
}

func TestLogin_UnverifiedEmail(t *testing.T) {
	security := &mockSecurityGate{}
	user := testUser(t, "correct-horse-battery")
	user.EmailVerified = false
	users := &mockUserDirectory{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}
	h := newTestHandler(security, &mockTokenIssuer{}, users)

	w := postJSON(t, h.Login, LoginRequest{Email: "user@example.com", Password: "correct-horse-battery"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	code, _ := decodeError(t, w)
	assert.Equal(t, "forbidden", code)
}

func TestLogin_InvalidBody(t *testing.T) {
	h := newTestHandler(&mockSecurityGate{}, &mockTokenIssuer{}, &mockUserDirectory{})

	w := postJSON(t, h.Login, map[string]string{"email": "not-an-email", "password": "whatever1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegister_WeakPassword(t *testing.T) {
	h := newTestHandler(&mockSecurityGate{}, &mockTokenIssuer{}, &mockUserDirectory{})

	w := postJSON(t, h.Register, RegisterRequest{Email: "user@example.com", Password: "password", Name: "Test"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, message := decodeError(t, w)
	assert.Equal(t, "Invalid password", message)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	users := &mockUserDirectory{
		CreateFunc: func(ctx context.Context, user *models.User) (*models.User, error) {
			return nil, models.ErrConflict
		},
	}
	h := newTestHandler(&mockSecurityGate{}, &mockTokenIssuer{}, users)

	w := postJSON(t, h.Register, RegisterRequest{Email: "user@example.com", Password: "correct-horse-battery", Name: "Test"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegister_SendsVerificationCode(t *testing.T) {
	tokens := &mockTokenIssuer{}
	h := newTestHandler(&mockSecurityGate{}, tokens, &mockUserDirectory{})

	w := postJSON(t, h.Register, RegisterRequest{Email: "user@example.com", Password: "correct-horse-battery", Name: "Test"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, tokens.Issued)
}

func TestRequestPasswordReset_AntiEnumeration(t *testing.T) {
	user := testUser(t, "correct-horse-battery")
	known := &mockUserDirectory{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}
	knownTokens := &mockTokenIssuer{}
	unknownTokens := &mockTokenIssuer{}

	hKnown := newTestHandler(&mockSecurityGate{}, knownTokens, known)
	hUnknown := newTestHandler(&mockSecurityGate{}, unknownTokens, &mockUserDirectory{})

	wKnown := postJSON(t, hKnown.RequestPasswordReset, CodeRequest{Email: "user@example.com"})
	wUnknown := postJSON(t, hUnknown.RequestPasswordReset, CodeRequest{Email: "nobody@example.com"})

	// Identical status and body whether or not the account exists
	assert.Equal(t, http.StatusAccepted, wKnown.Code)
	assert.Equal(t, http.StatusAccepted, wUnknown.Code)
	assert.Equal(t, wKnown.Body.String(), wUnknown.Body.String())

	assert.Equal(t, 1, knownTokens.Issued)
	assert.Equal(t, 0, unknownTokens.Issued)
}

func TestVerifyEmail_Success(t *testing.T) {
	user := testUser(t, "correct-horse-battery")
	user.EmailVerified = false
	users := &mockUserDirectory{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}
	h := newTestHandler(&mockSecurityGate{}, &mockTokenIssuer{}, users)

	w := postJSON(t, h.VerifyEmail, VerifyEmailRequest{Email: "user@example.com", Code: "123456"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"user-1"}, users.Verified)
}

func TestVerifyEmail_BadCode(t *testing.T) {
	user := testUser(t, "correct-horse-battery")
	users := &mockUserDirectory{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}
	tokens := &mockTokenIssuer{
		ConsumeFunc: func(ctx context.Context, userID, purpose, code string) error {
			return models.ErrTokenExpired
		},
	}
	h := newTestHandler(&mockSecurityGate{}, tokens, users)

	w := postJSON(t, h.VerifyEmail, VerifyEmailRequest{Email: "user@example.com", Code: "123456"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Expired, used, and unknown codes all read the same from outside
	_, message := decodeError(t, w)
	assert.Equal(t, "Invalid or expired code", message)
	assert.Empty(t, users.Verified)
}

func TestResetPassword_Success(t *testing.T) {
	user := testUser(t, "old-password-123")
	users := &mockUserDirectory{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}
	h := newTestHandler(&mockSecurityGate{}, &mockTokenIssuer{}, users)

	w := postJSON(t, h.ResetPassword, ResetPasswordRequest{
		Email: "user@example.com", Code: "123456", NewPassword: "new-horse-battery",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"user-1"}, users.PasswordsUpdated)
}

func TestResetPassword_UnknownEmailReadsLikeBadCode(t *testing.T) {
	h := newTestHandler(&mockSecurityGate{}, &mockTokenIssuer{}, &mockUserDirectory{})

	w := postJSON(t, h.ResetPassword, ResetPasswordRequest{
		Email: "nobody@example.com", Code: "123456", NewPassword: "new-horse-battery",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, message := decodeError(t, w)
	assert.Equal(t, "Invalid or expired code", message)
}

func TestUnlock(t *testing.T) {
	var gotEmail, gotReason string
	security := &mockSecurityGate{
		ManualUnlockFunc: func(ctx context.Context, email, adminReason string) (bool, error) {
			gotEmail, gotReason = email, adminReason
			return true, nil
		},
	}
	h := newTestHandler(security, &mockTokenIssuer{}, &mockUserDirectory{})

	w := postJSON(t, h.Unlock, UnlockRequest{Email: "user@example.com", Reason: "verified with account owner"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user@example.com", gotEmail)
	assert.Equal(t, "verified with account owner", gotReason)

	var resp map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp["unlocked"])
}
