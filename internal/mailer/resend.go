package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultResendBaseURL = "https://api.resend.com"

// ResendMailer sends messages through the Resend transactional email API.
type ResendMailer struct {
	apiKey  string
	from    string
	baseURL string
	client  *http.Client
}

// ResendOption configures ResendMailer.
type ResendOption func(*ResendMailer)

// WithBaseURL overrides the API endpoint (useful for tests).
func WithBaseURL(u string) ResendOption {
	return func(m *ResendMailer) {
		if u != "" {
			m.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ResendOption {
	return func(m *ResendMailer) {
		if c != nil {
			m.client = c
		}
	}
}

var _ Mailer = (*ResendMailer)(nil)

// NewResendMailer constructs a mailer sending from the given address.
func NewResendMailer(apiKey, from string, opts ...ResendOption) (*ResendMailer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("mailer: api key is required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("mailer: from address is required")
	}
	m := &ResendMailer{
		apiKey:  apiKey,
		from:    from,
		baseURL: defaultResendBaseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

func (m *ResendMailer) Send(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	payload, err := json.Marshal(resendRequest{
		From:    m.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("mailer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mailer: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mailer: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mailer: delivery rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
