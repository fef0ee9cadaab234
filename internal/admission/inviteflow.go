package admission

import (
	"context"
	"errors"
	"fmt"

	"hadik.org/internal/audit"
	"hadik.org/internal/identity"
	"hadik.org/internal/obs"
)

// InviteCheck is the result of a pre-flight token validation. It exists so
// a client can render the set-password form before asking for credentials;
// acceptance re-validates regardless.
type InviteCheck struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// ValidateToken checks an invitation token without consuming it. Checks run
// in order: existence, expiry, prior acceptance.
func (c *Controller) ValidateToken(ctx context.Context, token string) (*InviteCheck, error) {
	if token == "" {
		return nil, ErrInvitationInvalid
	}
	inv, err := c.store.Invitations(ctx).GetByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvitationInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("admission: invitation lookup: %w", err)
	}
	switch inv.StatusAt(c.now().UTC()) {
	case InvitationExpired:
		return nil, ErrInvitationExpired
	case InvitationAccepted:
		return nil, ErrInvitationAccepted
	}
	return &InviteCheck{Email: inv.Email, Role: inv.Role}, nil
}

// AcceptInvitation consumes a token: the invitee is resolved to a session,
// the email joins the allow-list with the invited role, and the invitation
// is marked accepted. An invitee already signed in skips account creation
// entirely; one holding an account signs in with it. Token state is
// re-validated inside the store's atomic accept so two concurrent
// acceptances cannot both win.
func (c *Controller) AcceptInvitation(ctx context.Context, token, password string) (*identity.Session, error) {
	check, err := c.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	session, err := c.sessionForInvitee(ctx, check.Email, password)
	if err != nil {
		return nil, err
	}

	// Allow-list before the invitation transition, mirroring the
	// accept-request ordering: a crash here leaves the email admitted and
	// the token reusable, which self-heals on retry.
	if err := c.store.AllowList(ctx).Upsert(ctx, check.Email, check.Role); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPartialUpdate, err)
	}

	inv, err := c.store.Invitations(ctx).MarkAccepted(ctx, token, session.AccountID, c.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, ErrInvitationInvalid),
			errors.Is(err, ErrInvitationExpired),
			errors.Is(err, ErrInvitationAccepted):
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPartialUpdate, err)
	}

	if _, perr := c.EnsureProfile(ctx, session.AccountID, check.Email); perr != nil {
		obs.Log("warn", "profile backfill failed", map[string]any{"account": session.AccountID, "error": perr.Error()})
	}

	audit.Record(ctx, c.store.Audit(ctx), audit.Entry{
		ActorEmail: check.Email,
		Action:     "INVITATION_ACCEPTED",
		Resource:   check.Email,
		Details:    map[string]any{"role": inv.Role, "invited_by": inv.InvitedBy},
	})
	return session, nil
}

// sessionForInvitee resolves the session that will own the acceptance. An
// active session for the invited email is reused as-is. Otherwise a new
// account is created with the supplied password, falling back to password
// sign-in when the email already holds an account.
func (c *Controller) sessionForInvitee(ctx context.Context, email, password string) (*identity.Session, error) {
	if cur, err := c.identity.CurrentSession(ctx); err == nil && NormalizeEmail(cur.Email) == email {
		return cur, nil
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	session, err := c.identity.CreateAccount(ctx, email, password)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, identity.ErrAlreadyExists) {
		return nil, fmt.Errorf("admission: create invited account: %w", err)
	}
	session, err = c.identity.Authenticate(ctx, email, password)
	if errors.Is(err, identity.ErrInvalidCredentials) {
		return nil, fmt.Errorf("%w: an account already exists for %s, sign in to accept", ErrConflict, email)
	}
	if err != nil {
		return nil, fmt.Errorf("admission: authenticate invitee: %w", err)
	}
	return session, nil
}
