package identity

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeLinkSender struct {
	mu    sync.Mutex
	links []string
	to    []string
}

func (f *fakeLinkSender) SendPasswordEstablishLink(_ context.Context, email, link string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, email)
	f.links = append(f.links, link)
	return nil
}

func newTestLocal(t *testing.T, now *time.Time, opts ...LocalOption) *Local {
	t.Helper()
	base := []LocalOption{WithClock(func() time.Time { return *now })}
	l, err := NewLocal(NewMemAccounts(), "test-secret", append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l
}

func TestCreateAccountAndAuthenticate(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	l := newTestLocal(t, &now)
	ctx := context.Background()

	session, err := l.CreateAccount(ctx, "Ada@Lab.io", "correct horse")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if session.Email != "ada@lab.io" {
		t.Fatalf("email = %q, want normalized", session.Email)
	}
	if session.Token == "" {
		t.Fatal("empty session token")
	}

	if _, err := l.CreateAccount(ctx, "ada@lab.io", "other pass"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate create err = %v", err)
	}

	again, err := l.Authenticate(ctx, "ada@lab.io", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if again.AccountID != session.AccountID {
		t.Fatalf("account id changed: %s vs %s", again.AccountID, session.AccountID)
	}

	if _, err := l.Authenticate(ctx, "ada@lab.io", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password err = %v", err)
	}
	if _, err := l.Authenticate(ctx, "ghost@lab.io", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email err = %v", err)
	}
}

func TestVerifyTokenLifecycle(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	l := newTestLocal(t, &now, WithSessionTTL(time.Hour))
	ctx := context.Background()

	session, err := l.CreateAccount(ctx, "ada@lab.io", "correct horse")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	verified, err := l.Verify(ctx, session.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.AccountID != session.AccountID || verified.Email != "ada@lab.io" {
		t.Fatalf("verified = %+v", verified)
	}

	if _, err := l.Verify(ctx, "garbage.token.value"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token err = %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := l.Verify(ctx, session.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token err = %v", err)
	}
}

func TestCurrentSessionFromContext(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	l := newTestLocal(t, &now)
	ctx := context.Background()

	if _, err := l.CurrentSession(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("bare context err = %v", err)
	}

	session, err := l.CreateAccount(ctx, "ada@lab.io", "correct horse")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	got, err := l.CurrentSession(ContextWithToken(ctx, session.Token))
	if err != nil {
		t.Fatalf("CurrentSession: %v", err)
	}
	if got.AccountID != session.AccountID {
		t.Fatalf("account id = %s", got.AccountID)
	}
}

func TestHasAccountIgnoresPasswordless(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	sender := &fakeLinkSender{}
	l := newTestLocal(t, &now, WithLinkSender(sender))
	ctx := context.Background()

	exists, err := l.HasAccount(ctx, "ada@lab.io")
	if err != nil || exists {
		t.Fatalf("HasAccount = %v, %v", exists, err)
	}

	// The link flow provisions a passwordless account.
	if err := l.SendPasswordEstablishLink(ctx, "ada@lab.io", "http://app.local/set-password"); err != nil {
		t.Fatalf("SendPasswordEstablishLink: %v", err)
	}
	exists, err = l.HasAccount(ctx, "ada@lab.io")
	if err != nil {
		t.Fatalf("HasAccount: %v", err)
	}
	if exists {
		t.Fatal("passwordless account must not count as a full account")
	}

	// The dispatched link carries a usable token.
	if len(sender.links) != 1 {
		t.Fatalf("links sent = %d", len(sender.links))
	}
	u, err := url.Parse(sender.links[0])
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	token := u.Query().Get("token")
	if token == "" {
		t.Fatalf("link %q carries no token", sender.links[0])
	}
	session, err := l.VerifyEstablishToken(ctx, token)
	if err != nil {
		t.Fatalf("verify link token: %v", err)
	}

	// Establishing the password completes the account.
	if err := l.SetPassword(ctx, session, "fresh password"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	exists, err = l.HasAccount(ctx, "ada@lab.io")
	if err != nil || !exists {
		t.Fatalf("HasAccount after SetPassword = %v, %v", exists, err)
	}
	if _, err := l.Authenticate(ctx, "ada@lab.io", "fresh password"); err != nil {
		t.Fatalf("Authenticate after SetPassword: %v", err)
	}
}

func TestEstablishTokenScopedAndSingleUse(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	sender := &fakeLinkSender{}
	l := newTestLocal(t, &now, WithLinkSender(sender))
	ctx := context.Background()

	if err := l.SendPasswordEstablishLink(ctx, "ada@lab.io", "http://app.local/set-password"); err != nil {
		t.Fatalf("SendPasswordEstablishLink: %v", err)
	}
	u, err := url.Parse(sender.links[0])
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	link := u.Query().Get("token")

	// A link token is not a bearer session.
	if _, err := l.Verify(ctx, link); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify(link) err = %v, want ErrInvalidToken", err)
	}
	// And a session token is not a link.
	other, err := l.CreateAccount(ctx, "bob@lab.io", "correct horse")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := l.VerifyEstablishToken(ctx, other.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("VerifyEstablishToken(session) err = %v, want ErrInvalidToken", err)
	}

	session, err := l.VerifyEstablishToken(ctx, link)
	if err != nil {
		t.Fatalf("VerifyEstablishToken: %v", err)
	}
	if err := l.SetPassword(ctx, session, "fresh password"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	// The link died with the password change.
	if _, err := l.VerifyEstablishToken(ctx, link); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("replayed link err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	l := newTestLocal(t, &now)
	other, err := NewLocal(NewMemAccounts(), "other-secret", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	session, err := other.CreateAccount(context.Background(), "ada@lab.io", "correct horse")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := l.Verify(context.Background(), session.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign token err = %v", err)
	}
	if !strings.Contains(session.Token, ".") {
		t.Fatalf("token does not look like a JWT: %q", session.Token)
	}
}
