package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	pkglogger "github.com/BradenHooton/rampart/pkg/logger"
)

// EmailService is the outbound email collaborator. Dispatch is
// fire-and-forget from the subsystem's perspective: a failed send never
// rolls back the operation that triggered it.
type EmailService interface {
	SendPasswordResetEmail(ctx context.Context, email, firstName, resetURL string, expiryMinutes int) error
	SendPasswordResetConfirmationEmail(ctx context.Context, email, firstName, loginURL string) error
}

// AWSSESEmailService sends emails using AWS SES
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

// SendPasswordResetEmail sends the reset link to the user.
func (s *AWSSESEmailService) SendPasswordResetEmail(ctx context.Context, email, firstName, resetURL string, expiryMinutes int) error {
	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; background-color: #0066cc; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .warning { background-color: #fff3cd; padding: 10px; border-left: 4px solid #ffc107; margin: 10px 0; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Reset Your Password</h1>
        <p>Hi %s,</p>
        <p>We received a request to reset the password on your account. Click the button below to choose a new one:</p>
        <p><a href="%s" class="button">Reset Password</a></p>
        <p>Or copy and paste this link in your browser:<br><code>%s</code></p>
        <div class="warning">
            <strong>Security Notice:</strong> This link will expire in %d minutes.
        </div>
        <p><strong>Didn't request this?</strong><br>
        If you didn't ask to reset your password, you can ignore this email. Your password will not change.</p>
        <div class="footer">
            <p>This is an automated message. Please do not reply to this email.</p>
        </div>
    </div>
</body>
</html>
`, firstName, resetURL, resetURL, expiryMinutes)

	textBody := fmt.Sprintf(`Reset Your Password

Hi %s,

We received a request to reset the password on your account. Open the link below to choose a new one:

%s

Security Notice: This link will expire in %d minutes.

Didn't request this?
If you didn't ask to reset your password, you can ignore this email. Your password will not change.

This is an automated message. Please do not reply to this email.
`, firstName, resetURL, expiryMinutes)

	return s.send(ctx, email, "Reset your password", htmlBody, textBody)
}

// SendPasswordResetConfirmationEmail notifies the user their password changed.
func (s *AWSSESEmailService) SendPasswordResetConfirmationEmail(ctx context.Context, email, firstName, loginURL string) error {
	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; background-color: #0066cc; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Your Password Was Changed</h1>
        <p>Hi %s,</p>
        <p>The password on your account was just reset. You can sign in with your new password here:</p>
        <p><a href="%s" class="button">Sign In</a></p>
        <p><strong>Didn't do this?</strong><br>
        If you did not reset your password, contact support immediately.</p>
        <div class="footer">
            <p>This is an automated message. Please do not reply to this email.</p>
        </div>
    </div>
</body>
</html>
`, firstName, loginURL)

	textBody := fmt.Sprintf(`Your Password Was Changed

Hi %s,

The password on your account was just reset. You can sign in with your new password here:

%s

Didn't do this?
If you did not reset your password, contact support immediately.

This is an automated message. Please do not reply to this email.
`, firstName, loginURL)

	return s.send(ctx, email, "Your password was changed", htmlBody, textBody)
}

func (s *AWSSESEmailService) send(ctx context.Context, email, subject, htmlBody, textBody string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send email via SES",
			slog.String("email", pkglogger.SanitizedEmail(email)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("email sent",
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.String("message_id", *result.MessageId))

	return nil
}
