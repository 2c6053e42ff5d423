package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/curricula-app/curricula/internal/models"
)

// AWSSESEmailService delivers credential codes using AWS SES
type AWSSESEmailService struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESEmailService creates a new AWS SES email service
func NewAWSSESEmailService(region, fromAddress string, logger *slog.Logger) (*AWSSESEmailService, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESEmailService{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

func subjectForPurpose(purpose string) string {
	switch purpose {
	case models.PurposePasswordReset:
		return "Your password reset code"
	default:
		return "Your email verification code"
	}
}

func actionForPurpose(purpose string) string {
	switch purpose {
	case models.PurposePasswordReset:
		return "reset your password"
	default:
		return "verify your email address"
	}
}

// SendCredentialCode delivers a verification or reset code to the user
func (s *AWSSESEmailService) SendCredentialCode(ctx context.Context, email, purpose, code string, ttl time.Duration) error {
	minutes := int(ttl / time.Minute)
	action := actionForPurpose(purpose)

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2>Your code</h2>
        <p>Use the code below to %s:</p>
        <p style="font-size: 32px; letter-spacing: 6px; font-weight: bold;">%s</p>
        <p>This code expires in %d minutes and can be used once.</p>
        <p>If you didn't request this, you can ignore this email.</p>
    </div>
</body>
</html>
`, action, code, minutes)

	textBody := fmt.Sprintf(`Your code

Use the code below to %s:

    %s

This code expires in %d minutes and can be used once.

If you didn't request this, you can ignore this email.
`, action, code, minutes)

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subjectForPurpose(purpose)),
			},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(htmlBody)},
				Text: &types.Content{Data: aws.String(textBody)},
			},
		},
	}

	if _, err := s.sesClient.SendEmail(ctx, input); err != nil {
		s.logger.Error("failed to send credential code email", slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("credential code email sent", slog.String("purpose", purpose))
	return nil
}
