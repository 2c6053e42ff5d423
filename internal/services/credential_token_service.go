package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/curricula-app/curricula/internal/models"
)

// CredentialTokenRepository defines the storage interface for verification
// and reset codes
type CredentialTokenRepository interface {
	Replace(ctx context.Context, userID, purpose, code string, createdAt, expiresAt time.Time) (*models.CredentialToken, error)
	GetActive(ctx context.Context, userID, purpose, code string) (*models.CredentialToken, error)
	MarkUsed(ctx context.Context, id string) error
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// CodeSender delivers a generated code to a user. Implemented by the SES
// email service; tests substitute a recording fake.
type CodeSender interface {
	SendCredentialCode(ctx context.Context, email, purpose, code string, ttl time.Duration) error
}

// CredentialTokenService issues and consumes short-lived single-use numeric
// codes, one active per (user, purpose)
type CredentialTokenService struct {
	repo      CredentialTokenRepository
	sender    CodeSender
	logger    *slog.Logger
	now       Clock
	sweepPage int
}

// NewCredentialTokenService creates a new CredentialTokenService
func NewCredentialTokenService(repo CredentialTokenRepository, sender CodeSender, logger *slog.Logger, now Clock, sweepPage int) *CredentialTokenService {
	return &CredentialTokenService{
		repo:      repo,
		sender:    sender,
		logger:    logger,
		now:       now,
		sweepPage: sweepPage,
	}
}

// Issue generates a fresh code for (user, purpose), invalidating any prior
// unused ones, and hands it to the sender. Issue commits only on confirmed
// delivery: if the send fails the new token is marked used immediately so no
// live, undelivered code remains.
func (s *CredentialTokenService) Issue(ctx context.Context, userID, email, purpose string, ttl time.Duration) (string, error) {
	code, err := generateNumericCode(models.CredentialTokenLength)
	if err != nil {
		s.logger.Error("failed to generate credential code", slog.Any("error", err))
		return "", fmt.Errorf("failed to generate code: %w", err)
	}

	now := s.now()
	token, err := s.repo.Replace(ctx, userID, purpose, code, now, now.Add(ttl))
	if err != nil {
		s.logger.Error("failed to store credential token",
			slog.String("user_id", userID),
			slog.String("purpose", purpose),
			slog.Any("error", err))
		return "", fmt.Errorf("failed to store token: %w", err)
	}

	if err := s.sender.SendCredentialCode(ctx, email, purpose, code, ttl); err != nil {
		s.logger.Error("failed to deliver credential code, rolling back token",
			slog.String("user_id", userID),
			slog.String("purpose", purpose),
			slog.Any("error", err))
		if rbErr := s.repo.MarkUsed(ctx, token.ID); rbErr != nil {
			s.logger.Error("failed to roll back undelivered token",
				slog.String("token_id", token.ID),
				slog.Any("error", rbErr))
		}
		return "", models.ErrDeliveryFailed
	}

	s.logger.Info("credential code issued",
		slog.String("user_id", userID),
		slog.String("purpose", purpose),
		slog.Time("expires_at", token.ExpiresAt))

	return code, nil
}

// Consume validates and spends a code. Failure modes are distinguished here
// for logging; callers at the boundary present them all identically.
func (s *CredentialTokenService) Consume(ctx context.Context, userID, purpose, code string) error {
	token, err := s.repo.GetActive(ctx, userID, purpose, code)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("credential code not found",
				slog.String("user_id", userID),
				slog.String("purpose", purpose))
			return models.ErrTokenNotFound
		}
		s.logger.Error("failed to look up credential token",
			slog.String("user_id", userID),
			slog.String("purpose", purpose),
			slog.Any("error", err))
		return models.ErrInternalServer
	}

	if token.IsExpired(s.now()) {
		s.logger.Info("credential code expired",
			slog.String("token_id", token.ID),
			slog.Time("expires_at", token.ExpiresAt))
		return models.ErrTokenExpired
	}

	if err := s.repo.MarkUsed(ctx, token.ID); err != nil {
		if errors.Is(err, models.ErrTokenAlreadyUsed) {
			// Lost a race with a concurrent consume of the same code
			return models.ErrTokenAlreadyUsed
		}
		s.logger.Error("failed to mark credential token used",
			slog.String("token_id", token.ID),
			slog.Any("error", err))
		return models.ErrInternalServer
	}

	return nil
}

// SweepExpired removes tokens that expired more than the retention window ago
func (s *CredentialTokenService) SweepExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	removed, err := s.repo.DeleteExpiredBefore(ctx, cutoff, s.sweepPage)
	if err != nil {
		return removed, fmt.Errorf("failed to sweep expired tokens: %w", err)
	}
	return removed, nil
}

// generateNumericCode produces a fixed-length random digit string
func generateNumericCode(length int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < length; i++ {
		max.Mul(max, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
