package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Account state errors
	ErrAccountDisabled  = errors.New("account is disabled")
	ErrAccountLocked    = errors.New("account is temporarily locked")
	ErrEmailNotVerified = errors.New("email address not verified")

	// Credential token errors. Distinguished internally for logging; the HTTP
	// boundary collapses all three into "invalid or expired code" so the exact
	// failure mode leaks nothing to an attacker.
	ErrTokenNotFound    = errors.New("credential token not found")
	ErrTokenExpired     = errors.New("credential token expired")
	ErrTokenAlreadyUsed = errors.New("credential token already used")

	// Email delivery errors
	ErrDeliveryFailed = errors.New("could not send verification email")
)
