package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hadik.org/internal/identity"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentInvite struct {
	Email string
	Token string
	Role  Role
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []sentInvite
	fail  error
	links []string
}

func (n *recordingNotifier) SendInvitation(_ context.Context, email, token string, role Role) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, sentInvite{Email: email, Token: token, Role: role})
	return nil
}

func (n *recordingNotifier) SendPasswordEstablishLink(_ context.Context, email, link string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links = append(n.links, link)
	return nil
}

type testEnv struct {
	ctrl     *Controller
	store    *MemStore
	ident    *identity.Local
	notifier *recordingNotifier
	clock    *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newTestClock()
	notifier := &recordingNotifier{}
	store := NewMemStore()

	ident, err := identity.NewLocal(identity.NewMemAccounts(), "test-secret",
		identity.WithClock(clock.Now),
		identity.WithLinkSender(notifier),
	)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctrl, err := NewController(store, ident,
		WithClock(clock.Now),
		WithNotifier(notifier),
		WithEstablishTarget("http://app.local/set-password"),
	)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return &testEnv{ctrl: ctrl, store: store, ident: ident, notifier: notifier, clock: clock}
}

func (e *testEnv) attempt(t *testing.T, email, password string) Decision {
	t.Helper()
	d, err := e.ctrl.Attempt(context.Background(), AttemptRequest{
		Email:    email,
		Password: password,
		ClientIP: "10.0.0.9",
	})
	if err != nil {
		t.Fatalf("Attempt(%s): %v", email, err)
	}
	return d
}

func TestAttemptUnknownEmailSubmitsJoinRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d := env.attempt(t, "newcomer@lab.io", "hunter22")
	if d.Outcome != OutcomeJoinRequestSubmitted {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeJoinRequestSubmitted)
	}

	req, err := env.store.JoinRequests(ctx).LatestByEmail(ctx, "newcomer@lab.io")
	if err != nil {
		t.Fatalf("LatestByEmail: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if req.IP != "10.0.0.9" {
		t.Fatalf("ip = %q, want 10.0.0.9", req.IP)
	}

	// Re-submission is an idempotent no-op.
	d = env.attempt(t, "Newcomer@Lab.io", "hunter22")
	if d.Outcome != OutcomeAlreadyPending {
		t.Fatalf("second outcome = %s, want %s", d.Outcome, OutcomeAlreadyPending)
	}
}

func TestAttemptAllowListedCreatesAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.AllowList(ctx).Upsert(ctx, "ada@lab.io", RoleResearcher); err != nil {
		t.Fatalf("allow-list upsert: %v", err)
	}

	d := env.attempt(t, "ada@lab.io", "correct horse")
	if d.Outcome != OutcomeAccountCreated {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeAccountCreated)
	}
	if d.Session == nil || d.Session.Email != "ada@lab.io" {
		t.Fatalf("missing session in decision: %+v", d)
	}

	profile, err := env.ctrl.Profile(ctx, d.Session.AccountID)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.Role != RoleResearcher {
		t.Fatalf("backfilled role = %s, want RESEARCHER", profile.Role)
	}

	// Same credentials now authenticate directly.
	d = env.attempt(t, "ada@lab.io", "correct horse")
	if d.Outcome != OutcomeAuthenticated {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeAuthenticated)
	}
}

func TestAttemptAllowListedShortPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.AllowList(ctx).Upsert(ctx, "ada@lab.io", RoleViewer); err != nil {
		t.Fatalf("allow-list upsert: %v", err)
	}
	d := env.attempt(t, "ada@lab.io", "tiny")
	if d.Outcome != OutcomeInvalidInput {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeInvalidInput)
	}
}

func TestAttemptMalformedEmail(t *testing.T) {
	env := newTestEnv(t)
	d := env.attempt(t, "not-an-email", "whatever1")
	if d.Outcome != OutcomeInvalidInput {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeInvalidInput)
	}
}

func TestAttemptWrongPasswordWithAccountIsDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Provision an account, then remove the allow-list entry so the
	// invalid-credential branch must consult account existence.
	if err := env.store.AllowList(ctx).Upsert(ctx, "ada@lab.io", RoleViewer); err != nil {
		t.Fatalf("allow-list upsert: %v", err)
	}
	if d := env.attempt(t, "ada@lab.io", "correct horse"); d.Outcome != OutcomeAccountCreated {
		t.Fatalf("setup outcome = %s", d.Outcome)
	}
	if err := env.store.AllowList(ctx).Delete(ctx, "ada@lab.io"); err != nil {
		t.Fatalf("allow-list delete: %v", err)
	}

	d := env.attempt(t, "ada@lab.io", "wrong password")
	if d.Outcome != OutcomeDenied {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeDenied)
	}
	// No join request may be created for an existing account holder.
	if _, err := env.store.JoinRequests(ctx).LatestByEmail(ctx, "ada@lab.io"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected join request, err = %v", err)
	}
}

func TestAttemptAllowListedPasswordlessAccountGetsLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.AllowList(ctx).Upsert(ctx, "ada@lab.io", RoleAnnotator); err != nil {
		t.Fatalf("allow-list upsert: %v", err)
	}
	// Provision a passwordless account, as the link flow does.
	if err := env.ident.SendPasswordEstablishLink(ctx, "ada@lab.io", "http://app.local/set-password"); err != nil {
		t.Fatalf("SendPasswordEstablishLink: %v", err)
	}
	env.notifier.mu.Lock()
	env.notifier.links = nil
	env.notifier.mu.Unlock()

	d := env.attempt(t, "ada@lab.io", "some password")
	if d.Outcome != OutcomeAwaitingPassword {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeAwaitingPassword)
	}
	if d.Session != nil {
		t.Fatalf("no session may be minted for a passwordless account")
	}
	env.notifier.mu.Lock()
	links := len(env.notifier.links)
	env.notifier.mu.Unlock()
	if links != 1 {
		t.Fatalf("establish links sent = %d, want 1", links)
	}
}

func TestAttemptRateLimited(t *testing.T) {
	env := newTestEnv(t)
	window := NewFailureWindow(WithWindowClock(env.clock.Now))

	for i := 0; i < 5; i++ {
		d, err := env.ctrl.Attempt(context.Background(), AttemptRequest{
			Email:    "stranger@lab.io",
			Password: "nope nope",
			Window:   window,
		})
		if err != nil {
			t.Fatalf("Attempt %d: %v", i, err)
		}
		if d.Outcome == OutcomeRateLimited {
			t.Fatalf("locked too early on attempt %d", i)
		}
	}

	d, err := env.ctrl.Attempt(context.Background(), AttemptRequest{
		Email:    "stranger@lab.io",
		Password: "nope nope",
		Window:   window,
	})
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if d.Outcome != OutcomeRateLimited {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeRateLimited)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("retry after = %v", d.RetryAfter)
	}

	// The window frees up once the failures age out.
	env.clock.Advance(61 * time.Second)
	d, err = env.ctrl.Attempt(context.Background(), AttemptRequest{
		Email:    "stranger@lab.io",
		Password: "nope nope",
		Window:   window,
	})
	if err != nil {
		t.Fatalf("Attempt after window: %v", err)
	}
	if d.Outcome == OutcomeRateLimited {
		t.Fatalf("window did not release after expiry")
	}
}

func TestEnsureProfileNeverAutoAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.ctrl.EnsureProfile(ctx, "acct-1", "drifter@lab.io")
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if p.Role != RoleViewer {
		t.Fatalf("fallback role = %s, want VIEWER", p.Role)
	}

	// An existing role is never overwritten by backfill.
	if err := env.store.Profiles(ctx).UpdateRole(ctx, "acct-1", RoleResearcher); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	p, err = env.ctrl.EnsureProfile(ctx, "acct-1", "drifter@lab.io")
	if err != nil {
		t.Fatalf("EnsureProfile again: %v", err)
	}
	if p.Role != RoleResearcher {
		t.Fatalf("backfill overwrote role: %s", p.Role)
	}
}

func TestWithFallbackRoleRejectsAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewController(env.store, env.ident, WithFallbackRole(RoleAdmin))
	if err == nil {
		t.Fatal("expected error for ADMIN fallback role")
	}
}
