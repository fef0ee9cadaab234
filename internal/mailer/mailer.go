// Package mailer delivers admission emails: invitation tokens and
// password-establish links. The HTTP implementation speaks the Resend
// transactional API; LogMailer is the DSN-less fallback that prints the
// message to the structured log instead of sending it.
package mailer

import (
	"context"
	"errors"
	"strings"

	"hadik.org/internal/obs"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer sends messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the structured log instead of delivering
// them. Used in local development and tests.
type LogMailer struct{}

var _ Mailer = LogMailer{}

func (LogMailer) Send(_ context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	obs.Log("info", "mail (log only)", map[string]any{
		"to":      msg.To,
		"subject": msg.Subject,
		"text":    msg.Text,
	})
	return nil
}

func validate(msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("mailer: recipient is required")
	}
	if strings.TrimSpace(msg.Subject) == "" {
		return errors.New("mailer: subject is required")
	}
	if msg.HTML == "" && msg.Text == "" {
		return errors.New("mailer: empty body")
	}
	return nil
}
