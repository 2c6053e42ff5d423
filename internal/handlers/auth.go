package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/curricula-app/curricula/internal/models"
	"github.com/curricula-app/curricula/internal/services"
	pkgauth "github.com/curricula-app/curricula/pkg/auth"
	pkghttp "github.com/curricula-app/curricula/pkg/http"
	"github.com/curricula-app/curricula/pkg/logger"
)

// SecurityGate is the coordinator surface the handlers consume
type SecurityGate interface {
	PreCheck(ctx context.Context, email, ip string) services.LockoutDecision
	PostResult(ctx context.Context, email, ip, userAgent string, success bool, failureReason string) error
	IsSuspicious(ctx context.Context, email, ip, userAgent string) models.SuspicionSignal
	ManualUnlock(ctx context.Context, email, adminReason string) (bool, error)
}

// CredentialTokenIssuer is the token-flow surface the handlers consume
type CredentialTokenIssuer interface {
	Issue(ctx context.Context, userID, email, purpose string, ttl time.Duration) (string, error)
	Consume(ctx context.Context, userID, purpose, code string) error
}

// UserDirectory is the minimal account directory the auth flows consult
type UserDirectory interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	MarkEmailVerified(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// SessionIssuer mints an access token after a successful login
type SessionIssuer interface {
	GenerateAccessToken(userID, email, role string) (string, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	security         SecurityGate
	tokens           CredentialTokenIssuer
	users            UserDirectory
	sessions         SessionIssuer
	audit            *logger.AuditLogger
	ipConfig         *pkghttp.IPConfig
	verificationTTL  time.Duration
	passwordResetTTL time.Duration
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(
	security SecurityGate,
	tokens CredentialTokenIssuer,
	users UserDirectory,
	sessions SessionIssuer,
	audit *logger.AuditLogger,
	ipConfig *pkghttp.IPConfig,
	verificationTTL, passwordResetTTL time.Duration,
) *AuthHandler {
	return &AuthHandler{
		security:         security,
		tokens:           tokens,
		users:            users,
		sessions:         sessions,
		audit:            audit,
		ipConfig:         ipConfig,
		verificationTTL:  verificationTTL,
		passwordResetTTL: passwordResetTTL,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RegisterRequest represents the request body for registration
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"required,min=1,max=200"`
}

// CodeRequest asks for a verification or reset code to be sent
type CodeRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// VerifyEmailRequest confirms an email verification code
type VerifyEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

// ResetPasswordRequest confirms a password reset code and sets a new password
type ResetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Code        string `json:"code" validate:"required,len=6,numeric"`
	NewPassword string `json:"new_password" validate:"required"`
}

// UnlockRequest represents an admin unlock request
type UnlockRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Reason string `json:"reason" validate:"required,min=1,max=500"`
}

// LoginResponse is returned on successful authentication
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return false
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

func (h *AuthHandler) clientInfo(r *http.Request) (ip, userAgent string) {
	return pkghttp.ExtractClientIP(r, h.ipConfig), r.Header.Get("User-Agent")
}

// logSuspicion runs the advisory detector and records any signal. Never
// blocks the request.
func (h *AuthHandler) logSuspicion(ctx context.Context, email, ip, userAgent string) {
	signal := h.security.IsSuspicious(ctx, email, ip, userAgent)
	if signal.IsSuspicious {
		h.audit.LogSuspicion(logger.AuditEvent{
			Email:     email,
			IPAddress: ip,
			UserAgent: userAgent,
			Reason:    signal.Reason,
		})
	}
}

func writeLockout(w http.ResponseWriter, decision services.LockoutDecision) {
	if decision.Reason == services.ReasonIPRateLimited {
		pkghttp.WriteTooManyRequests(w, decision.Message())
		return
	}
	pkghttp.WriteLocked(w, decision.Message())
}

// Login handles user login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	email := services.NormalizeEmail(req.Email)
	ip, userAgent := h.clientInfo(r)
	ctx := r.Context()

	// Reject locked accounts before any password comparison: no wasted
	// hashing work, no timing signal.
	decision := h.security.PreCheck(ctx, email, ip)
	if decision.Locked {
		writeLockout(w, decision)
		return
	}

	user, err := h.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteInternalError(w, "Something went wrong. Please try again later.")
			return
		}
		// Unknown email still counts as a failed attempt for the IP window
		_ = h.security.PostResult(ctx, email, ip, userAgent, false, "unknown email")
		h.logSuspicion(ctx, email, ip, userAgent)
		pkghttp.WriteUnauthorized(w, "Invalid email or password")
		return
	}

	if !user.IsActive {
		_ = h.security.PostResult(ctx, email, ip, userAgent, false, "account disabled")
		pkghttp.WriteForbidden(w, "This account is disabled")
		return
	}

	if !pkgauth.VerifyPassword(req.Password, user.PasswordHash) {
		_ = h.security.PostResult(ctx, email, ip, userAgent, false, "invalid password")
		h.logSuspicion(ctx, email, ip, userAgent)
		pkghttp.WriteUnauthorized(w, "Invalid email or password")
		return
	}

	if !user.EmailVerified {
		_ = h.security.PostResult(ctx, email, ip, userAgent, false, "email not verified")
		pkghttp.WriteForbidden(w, "Please verify your email address first")
		return
	}

	if err := h.security.PostResult(ctx, email, ip, userAgent, true, ""); err != nil {
		pkghttp.WriteInternalError(w, "Something went wrong. Please try again later.")
		return
	}
	h.logSuspicion(ctx, email, ip, userAgent)

	accessToken, err := h.sessions.GenerateAccessToken(user.ID, user.Email, user.Role)
	if err != nil {
		pkghttp.WriteInternalError(w, "Something went wrong. Please try again later.")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		AccessToken: accessToken,
		UserID:      user.ID,
		Email:       user.Email,
	})
}

// Register creates an account and sends a verification code
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := pkgauth.ValidatePassword(req.Password); err != nil {
		// Generic message: requirements leak nothing
		pkghttp.WriteBadRequest(w, "Invalid password")
		return
	}

	hash, err := pkgauth.HashPassword(req.Password)
	if err != nil {
		pkghttp.WriteInternalError(w, "Something went wrong. Please try again later.")
		return
	}

	email := services.NormalizeEmail(req.Email)
	user, err := h.users.Create(r.Context(), &models.User{
		Email:        email,
		Name:         req.Name,
		PasswordHash: hash,
		Role:         "user",
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			pkghttp.WriteConflict(w, "An account with this email already exists")
			return
		}
		pkghttp.WriteInternalError(w, "Something went wrong. Please try again later.")
		return
	}

	if _, err := h.tokens.Issue(r.Context(), user.ID, user.Email, models.PurposeEmailVerification, h.verificationTTL); err != nil {
		// Account exists; the user can request a fresh code
		pkghttp.WriteJSON(w, http.StatusCreated, map[string]string{
			"message": "Account created. Request a verification code to continue.",
		})
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, map[string]string{
		"message": "Account created. Check your email for a verification code.",
	})
}

// requestCode issues a code for an email if the account exists. The response
// is identical either way so the endpoint has no enumeration value.
func (h *AuthHandler) requestCode(w http.ResponseWriter, r *http.Request, purpose string, ttl time.Duration) {
	var req CodeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	email := services.NormalizeEmail(req.Email)
	if user, err := h.users.GetByEmail(r.Context(), email); err == nil {
		_, _ = h.tokens.Issue(r.Context(), user.ID, user.Email, purpose, ttl)
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "If the account exists, a code has been sent.",
	})
}

// RequestEmailVerification sends an email verification code
func (h *AuthHandler) RequestEmailVerification(w http.ResponseWriter, r *http.Request) {
	h.requestCode(w, r, models.PurposeEmailVerification, h.verificationTTL)
}

// RequestPasswordReset sends a password reset code
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	h.requestCode(w, r, models.PurposePasswordReset, h.passwordResetTTL)
}

// consumeCode resolves the account and spends the code. All token failure
// modes surface as one generic message.
func (h *AuthHandler) consumeCode(ctx context.Context, email, purpose, code string) (*models.User, bool) {
	user, err := h.users.GetByEmail(ctx, services.NormalizeEmail(email))
	if err != nil {
		return nil, false
	}
	if err := h.tokens.Consume(ctx, user.ID, purpose, code); err != nil {
		return nil, false
	}
	return user, true
}

// VerifyEmail confirms a verification code and flips the verified flag
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, ok := h.consumeCode(r.Context(), req.Email, models.PurposeEmailVerification, req.Code)
	if !ok {
		pkghttp.WriteBadRequest(w, "Invalid or expired code")
		return
	}

	if err := h.users.MarkEmailVerified(r.Context(), user.ID); err != nil {
		pkghttp.WriteInternalError(w, "Something went wrong. Please try again later.")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "Email verified"})
}

// ResetPassword confirms a reset code and sets the new password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := pkgauth.ValidatePassword(req.NewPassword); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid password")
		return
	}

	user, ok := h.consumeCode(r.Context(), req.Email, models.PurposePasswordReset, req.Code)
	if !ok {
		pkghttp.WriteBadRequest(w, "Invalid or expired code")
		return
	}

	hash, err := pkgauth.HashPassword(req.NewPassword)
	if err != nil {
		pkghttp.WriteInternalError(w, "Something went wrong. Please try again later.")
		return
	}
	if err := h.users.UpdatePassword(r.Context(), user.ID, hash); err != nil {
		pkghttp.WriteInternalError(w, "Something went wrong. Please try again later.")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}

// Unlock clears lockout state for an email. Admin only.
func (h *AuthHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	found, err := h.security.ManualUnlock(r.Context(), req.Email, req.Reason)
	if err != nil {
		pkghttp.WriteInternalError(w, "Something went wrong. Please try again later.")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{"unlocked": found})
}
