package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/mail.v2"

	"github.com/unclebandit/rallymail-backend/internal/logger"
)

// SMTPSender dials the relay for every message.
type SMTPSender struct {
	dialer *mail.Dialer
}

func NewSMTPSender(host string, port int, username, password string, timeout time.Duration) *SMTPSender {
	d := mail.NewDialer(host, port, username, password)
	if timeout > 0 {
		d.Timeout = timeout
	}
	d.StartTLSPolicy = mail.OpportunisticStartTLS
	return &SMTPSender{dialer: d}
}

func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	done := make(chan error, 1)
	go func() {
		done <- s.send(msg)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SMTPSender) send(msg *Message) error {
	sc, err := s.dialer.Dial()
	if err != nil {
		return fmt.Errorf("%w: dial %s:%d: %v", ErrUnavailable, s.dialer.Host, s.dialer.Port, err)
	}
	defer sc.Close()

	if err := mail.Send(sc, msg.compose()); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	log.Debug().Str("to", logger.RedactEmail(msg.To)).Msg("[SMTP] sent")
	return nil
}

var _ Sender = (*SMTPSender)(nil)
