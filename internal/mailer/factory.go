package mailer

import (
	"context"
	"fmt"

	"github.com/unclebandit/rallymail-backend/internal/config"
)

// New builds the sender selected by cfg.Driver.
func New(ctx context.Context, cfg config.MailerConfig) (Sender, error) {
	switch cfg.Driver {
	case "smtp":
		return NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SendTimeout()), nil
	case "ses":
		return NewSESSender(ctx, cfg.SESRegion, cfg.SESAccessKey, cfg.SESSecretKey)
	case "mock", "":
		return NewMockSender(cfg.MockFailureRate), nil
	default:
		return nil, fmt.Errorf("unknown mailer driver %q", cfg.Driver)
	}
}
