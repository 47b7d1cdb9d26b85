// Package mailer turns campaign content into MIME messages and hands them to
// an outbound transport.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/mail.v2"
)

// ErrUnavailable marks a transport-level fault (server unreachable, account
// suspended). Callers treat it as fatal for the whole job, unlike a
// per-recipient rejection.
var ErrUnavailable = errors.New("mail service unavailable")

// Sender delivers one message to one recipient.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Attachment is streamed into the message each time it is rendered.
type Attachment struct {
	Filename    string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

type Message struct {
	FromAddress string
	FromName    string
	To          string
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
}

func (m *Message) compose() *mail.Message {
	out := mail.NewMessage()
	out.SetAddressHeader("From", m.FromAddress, m.FromName)
	out.SetHeader("To", m.To)
	out.SetHeader("Subject", m.Subject)

	switch {
	case m.Text != "" && m.HTML != "":
		out.SetBody("text/plain", m.Text)
		out.AddAlternative("text/html", m.HTML)
	case m.HTML != "":
		out.SetBody("text/html", m.HTML)
	default:
		out.SetBody("text/plain", m.Text)
	}

	for _, att := range m.Attachments {
		att := att
		settings := []mail.FileSetting{
			mail.SetCopyFunc(func(w io.Writer) error {
				rc, err := att.Open()
				if err != nil {
					return fmt.Errorf("open attachment %s: %w", att.Filename, err)
				}
				defer rc.Close()
				_, err = io.Copy(w, rc)
				return err
			}),
		}
		if att.ContentType != "" {
			settings = append(settings, mail.SetHeader(map[string][]string{
				"Content-Type": {att.ContentType},
			}))
		}
		out.Attach(att.Filename, settings...)
	}
	return out
}

// WriteTo renders the full MIME message, reading every attachment.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	return m.compose().WriteTo(w)
}
