package accounts

import (
	"context"
	"log/slog"
)

// Mailer delivers password reset secrets. Applications provide their own
// implementation.
type Mailer interface {
	SendPasswordReset(ctx context.Context, to string, resetLink string) error
}

// ConsoleMailer is a development Mailer that logs messages instead of
// sending them.
type ConsoleMailer struct {
	Logger *slog.Logger
}

func (c *ConsoleMailer) SendPasswordReset(ctx context.Context, to string, resetLink string) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email",
		"to", to,
		"subject", "Reset your password",
		"body", "Reset your password by visiting: "+resetLink)
	return nil
}
