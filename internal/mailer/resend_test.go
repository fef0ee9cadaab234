package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestResendMailerSend(t *testing.T) {
	var got resendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/emails" {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, err := NewResendMailer("key-123", "Hadik <no-reply@hadik.org>", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewResendMailer: %v", err)
	}
	err = m.Send(context.Background(), Message{
		To:      "guest@lab.io",
		Subject: "hello",
		Text:    "body",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if auth != "Bearer key-123" {
		t.Fatalf("auth header = %q", auth)
	}
	if got.From != "Hadik <no-reply@hadik.org>" {
		t.Fatalf("from = %q", got.From)
	}
	if len(got.To) != 1 || got.To[0] != "guest@lab.io" {
		t.Fatalf("to = %v", got.To)
	}
}

func TestResendMailerRejectedDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid recipient"}`))
	}))
	defer srv.Close()

	m, err := NewResendMailer("key-123", "no-reply@hadik.org", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewResendMailer: %v", err)
	}
	err = m.Send(context.Background(), Message{To: "bad", Subject: "x", Text: "y"})
	if err == nil || !strings.Contains(err.Error(), "422") {
		t.Fatalf("err = %v, want 422 failure", err)
	}
}

func TestMessageValidation(t *testing.T) {
	lm := LogMailer{}
	cases := []Message{
		{Subject: "x", Text: "y"},
		{To: "a@b.io", Text: "y"},
		{To: "a@b.io", Subject: "x"},
	}
	for i, msg := range cases {
		if err := lm.Send(context.Background(), msg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if err := lm.Send(context.Background(), Message{To: "a@b.io", Subject: "x", Text: "y"}); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
}

func TestInviteLink(t *testing.T) {
	link := InviteLink("http://app.local/join", "tok en")
	if !strings.Contains(link, "invite_token=tok+en") && !strings.Contains(link, "invite_token=tok%20en") {
		t.Fatalf("link = %q", link)
	}
	if !strings.HasPrefix(link, "http://app.local/join?") {
		t.Fatalf("link = %q", link)
	}
}
