package mailer

import (
	"context"
	"fmt"
	"net/url"
)

// InvitationMessage renders the workspace invitation email. The link embeds
// the single-use token; the role is informational copy only.
func InvitationMessage(email, link, role string) Message {
	return Message{
		To:      email,
		Subject: "You're invited to the Hadik workspace",
		Text: fmt.Sprintf(
			"You have been invited to join the Hadik workspace as %s.\n\nAccept the invitation here:\n%s\n\nThe link expires in 7 days. If you were not expecting this email you can ignore it.\n",
			role, link),
		HTML: fmt.Sprintf(
			`<p>You have been invited to join the Hadik workspace as <strong>%s</strong>.</p><p><a href=%q>Accept the invitation</a></p><p>The link expires in 7 days. If you were not expecting this email you can ignore it.</p>`,
			role, link),
	}
}

// PasswordEstablishMessage renders the set-your-password email.
func PasswordEstablishMessage(email, link string) Message {
	return Message{
		To:      email,
		Subject: "Set your Hadik workspace password",
		Text: fmt.Sprintf(
			"Your workspace access is approved. Set a password to finish signing in:\n%s\n\nThe link expires in 1 hour.\n", link),
		HTML: fmt.Sprintf(
			`<p>Your workspace access is approved. <a href=%q>Set a password</a> to finish signing in.</p><p>The link expires in 1 hour.</p>`, link),
	}
}

// InviteLink builds the acceptance URL for a token against the app base URL.
func InviteLink(baseURL, token string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" {
		return baseURL + "?invite_token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("invite_token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// InvitationSender adapts a Mailer to the admission controller's notifier
// shape. Role travels as a plain string to keep this package free of the
// admission types.
type InvitationSender struct {
	mailer  Mailer
	baseURL string
}

func NewInvitationSender(m Mailer, baseURL string) *InvitationSender {
	return &InvitationSender{mailer: m, baseURL: baseURL}
}

func (s *InvitationSender) Send(ctx context.Context, email, token, role string) error {
	return s.mailer.Send(ctx, InvitationMessage(email, InviteLink(s.baseURL, token), role))
}

// SendPasswordEstablishLink implements the identity link sender.
func (s *InvitationSender) SendPasswordEstablishLink(ctx context.Context, email, link string) error {
	return s.mailer.Send(ctx, PasswordEstablishMessage(email, link))
}
