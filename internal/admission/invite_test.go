package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"hadik.org/internal/identity"
)

func TestValidateTokenStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.ctrl.ValidateToken(ctx, ""); !errors.Is(err, ErrInvitationInvalid) {
		t.Fatalf("empty token err = %v", err)
	}
	if _, err := env.ctrl.ValidateToken(ctx, "no-such-token"); !errors.Is(err, ErrInvitationInvalid) {
		t.Fatalf("unknown token err = %v", err)
	}

	inv, err := env.ctrl.Invite(ctx, "guest@lab.io", "boss@lab.io", RoleAnnotator)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	check, err := env.ctrl.ValidateToken(ctx, inv.Token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if check.Email != "guest@lab.io" || check.Role != RoleAnnotator {
		t.Fatalf("check = %+v", check)
	}

	env.clock.Advance(8 * 24 * time.Hour)
	if _, err := env.ctrl.ValidateToken(ctx, inv.Token); !errors.Is(err, ErrInvitationExpired) {
		t.Fatalf("expired token err = %v", err)
	}
}

func TestAcceptInvitationEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inv, err := env.ctrl.Invite(ctx, "guest@lab.io", "boss@lab.io", RoleResearcher)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}

	session, err := env.ctrl.AcceptInvitation(ctx, inv.Token, "chosen password")
	if err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	if session == nil || session.Email != "guest@lab.io" {
		t.Fatalf("session = %+v", session)
	}

	// The email is now allow-listed with the invited role.
	entry, err := env.store.AllowList(ctx).Get(ctx, "guest@lab.io")
	if err != nil {
		t.Fatalf("allow-list get: %v", err)
	}
	if entry.Role != RoleResearcher {
		t.Fatalf("allow-list role = %s", entry.Role)
	}

	// The profile carries the invited role.
	profile, err := env.ctrl.Profile(ctx, session.AccountID)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.Role != RoleResearcher {
		t.Fatalf("profile role = %s", profile.Role)
	}

	// The chosen credentials authenticate directly afterwards.
	d := env.attempt(t, "guest@lab.io", "chosen password")
	if d.Outcome != OutcomeAuthenticated {
		t.Fatalf("outcome = %s, want %s", d.Outcome, OutcomeAuthenticated)
	}

	// The token is spent.
	if _, err := env.ctrl.AcceptInvitation(ctx, inv.Token, "chosen password"); !errors.Is(err, ErrInvitationAccepted) {
		t.Fatalf("second accept err = %v, want ErrInvitationAccepted", err)
	}
}

func TestExpiryOutranksAcceptance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inv, err := env.ctrl.Invite(ctx, "guest@lab.io", "boss@lab.io", RoleViewer)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if _, err := env.ctrl.AcceptInvitation(ctx, inv.Token, "guest password"); err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}

	// Past expires_at the token reports expired, accepted or not.
	env.clock.Advance(8 * 24 * time.Hour)
	if _, err := env.ctrl.ValidateToken(ctx, inv.Token); !errors.Is(err, ErrInvitationExpired) {
		t.Fatalf("err = %v, want ErrInvitationExpired", err)
	}
	if got := inv.StatusAt(env.clock.Now()); got != InvitationExpired {
		t.Fatalf("status = %s, want expired", got)
	}
}

func TestAcceptInvitationWithActiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	provisionMember(t, env, "ada@lab.io", RoleViewer)

	d := env.attempt(t, "ada@lab.io", "password1")
	if d.Outcome != OutcomeAuthenticated {
		t.Fatalf("sign-in outcome = %s", d.Outcome)
	}

	inv, err := env.ctrl.Invite(ctx, "ada@lab.io", "boss@lab.io", RoleResearcher)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}

	// A signed-in invitee accepts without choosing a password.
	authed := identity.ContextWithToken(ctx, d.Session.Token)
	session, err := env.ctrl.AcceptInvitation(authed, inv.Token, "")
	if err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	if session.AccountID != d.Session.AccountID {
		t.Fatalf("account id = %s, want the active session's %s", session.AccountID, d.Session.AccountID)
	}
	profile, err := env.ctrl.Profile(ctx, session.AccountID)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.Role != RoleResearcher {
		t.Fatalf("profile role = %s, want the invited RESEARCHER", profile.Role)
	}
}

func TestAcceptInvitationWithExistingAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	provisionMember(t, env, "ada@lab.io", RoleViewer)

	inv, err := env.ctrl.Invite(ctx, "ada@lab.io", "boss@lab.io", RoleResearcher)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}

	// Without a session, the account holder signs in with their password.
	if _, err := env.ctrl.AcceptInvitation(ctx, inv.Token, "wrong password"); !errors.Is(err, ErrConflict) {
		t.Fatalf("wrong password err = %v, want ErrConflict", err)
	}
	session, err := env.ctrl.AcceptInvitation(ctx, inv.Token, "password1")
	if err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	profile, err := env.ctrl.Profile(ctx, session.AccountID)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.Role != RoleResearcher {
		t.Fatalf("profile role = %s, want RESEARCHER", profile.Role)
	}
}

func TestAcceptInvitationExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inv, err := env.ctrl.Invite(ctx, "guest@lab.io", "boss@lab.io", RoleViewer)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	env.clock.Advance(7*24*time.Hour + time.Minute)
	if _, err := env.ctrl.AcceptInvitation(ctx, inv.Token, "chosen password"); !errors.Is(err, ErrInvitationExpired) {
		t.Fatalf("err = %v, want ErrInvitationExpired", err)
	}
}

func TestAcceptInvitationWeakPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inv, err := env.ctrl.Invite(ctx, "guest@lab.io", "boss@lab.io", RoleViewer)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if _, err := env.ctrl.AcceptInvitation(ctx, inv.Token, "tiny"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	// The token survives a rejected password.
	if _, err := env.ctrl.ValidateToken(ctx, inv.Token); err != nil {
		t.Fatalf("ValidateToken after rejection: %v", err)
	}
}
