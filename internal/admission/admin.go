package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hadik.org/internal/audit"
	"hadik.org/internal/ids"
	"hadik.org/internal/obs"
)

// PendingRequests lists join requests awaiting a decision.
func (c *Controller) PendingRequests(ctx context.Context) ([]JoinRequest, error) {
	return c.store.JoinRequests(ctx).QueryPending(ctx)
}

// Accept approves a pending join request with an assigned role. The
// allow-list entry is written before the request transition so a crash
// between the two steps leaves the email admitted, never half-denied.
// When two admins race, the allow-list converges on the role of the
// decision that won the request transition.
func (c *Controller) Accept(ctx context.Context, requestID, adminEmail string, role Role) (*JoinRequest, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	requests := c.store.JoinRequests(ctx)
	req, err := requests.Find(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: request %s already %s", ErrConflict, requestID, req.Status)
	}

	if err := c.store.AllowList(ctx).Upsert(ctx, req.Email, role); err != nil {
		return nil, fmt.Errorf("admission: allow-list write: %w", err)
	}

	now := c.now().UTC()
	moved, err := requests.Transition(ctx, requestID, StatusAccepted, adminEmail, role, now)
	if err != nil {
		// The email is already admitted; the caller retries the
		// transition rather than the whole decision.
		return nil, fmt.Errorf("%w: %v", ErrPartialUpdate, err)
	}
	if !moved {
		// Lost a decision race. Re-read the winning decision and, if it
		// was an acceptance with a different role, make the allow-list
		// agree with it.
		won, ferr := requests.Find(ctx, requestID)
		if ferr != nil {
			return nil, fmt.Errorf("%w: %v", ErrPartialUpdate, ferr)
		}
		if won.Status == StatusAccepted && won.DecidedRole != role {
			if uerr := c.store.AllowList(ctx).Upsert(ctx, won.Email, won.DecidedRole); uerr != nil {
				return nil, fmt.Errorf("%w: %v", ErrPartialUpdate, uerr)
			}
		}
		return nil, fmt.Errorf("%w: request %s already %s", ErrConflict, requestID, won.Status)
	}

	req.Status = StatusAccepted
	req.DecidedBy = adminEmail
	req.DecidedRole = role
	req.DecidedAt = &now

	sink := c.store.Audit(ctx)
	audit.Record(ctx, sink, audit.Entry{
		ActorEmail: adminEmail,
		Action:     "REQUEST_ACCEPTED",
		Resource:   req.Email,
		Details:    map[string]any{"role": role, "request_id": requestID},
	})
	audit.Record(ctx, sink, audit.Entry{
		ActorEmail: adminEmail,
		Action:     "MEMBER_WHITELISTED",
		Resource:   req.Email,
		Details:    map[string]any{"role": role},
	})
	return req, nil
}

// Deny rejects a pending join request. No allow-list entry is touched.
func (c *Controller) Deny(ctx context.Context, requestID, adminEmail string) (*JoinRequest, error) {
	requests := c.store.JoinRequests(ctx)
	req, err := requests.Find(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: request %s already %s", ErrConflict, requestID, req.Status)
	}

	now := c.now().UTC()
	moved, err := requests.Transition(ctx, requestID, StatusDenied, adminEmail, "", now)
	if err != nil {
		return nil, fmt.Errorf("admission: deny request: %w", err)
	}
	if !moved {
		won, ferr := requests.Find(ctx, requestID)
		if ferr != nil {
			return nil, ferr
		}
		return nil, fmt.Errorf("%w: request %s already %s", ErrConflict, requestID, won.Status)
	}

	req.Status = StatusDenied
	req.DecidedBy = adminEmail
	req.DecidedAt = &now

	audit.Record(ctx, c.store.Audit(ctx), audit.Entry{
		ActorEmail: adminEmail,
		Action:     "REQUEST_DENIED",
		Resource:   req.Email,
		Details:    map[string]any{"request_id": requestID},
	})
	return req, nil
}

// Invite admits the email on the allow-list, then creates or replaces a
// time-boxed invitation for it and dispatches the token through the
// notifier. Allow-listing comes first so an invited email entering through
// the normal login path creates its account without waiting for the token;
// a crash after the allow-list write leaves the email admitted. A delivery
// failure returns the persisted invitation together with an error wrapping
// ErrNotificationFailed so the caller can offer a resend instead of
// treating the invite as lost.
func (c *Controller) Invite(ctx context.Context, email, adminEmail string, role Role) (*Invitation, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	email = NormalizeEmail(email)

	if err := c.store.AllowList(ctx).Upsert(ctx, email, role); err != nil {
		return nil, fmt.Errorf("admission: allow-list write: %w", err)
	}

	now := c.now().UTC()
	inv := &Invitation{
		ID:        ids.New(),
		Email:     email,
		Role:      role,
		Token:     c.newToken(),
		InvitedBy: adminEmail,
		ExpiresAt: now.Add(c.inviteTTL),
		CreatedAt: now,
	}
	if err := c.store.Invitations(ctx).UpsertByEmail(ctx, inv); err != nil {
		return nil, fmt.Errorf("admission: store invitation: %w", err)
	}

	audit.Record(ctx, c.store.Audit(ctx), audit.Entry{
		ActorEmail: adminEmail,
		Action:     "MEMBER_INVITED",
		Resource:   email,
		Details:    map[string]any{"role": role, "expires_at": inv.ExpiresAt},
	})

	if c.notifier == nil {
		return inv, fmt.Errorf("%w: no delivery channel configured", ErrNotificationFailed)
	}
	if err := c.notifier.SendInvitation(ctx, email, inv.Token, role); err != nil {
		obs.Log("warn", "invitation delivery failed", map[string]any{"email": email, "error": err.Error()})
		return inv, fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}
	return inv, nil
}

// Invitations lists all invitations with their derived status.
func (c *Controller) Invitations(ctx context.Context) ([]Invitation, error) {
	return c.store.Invitations(ctx).List(ctx)
}

// CancelInvitation revokes an unaccepted invitation and withdraws the
// email from the allow-list. The allow-list delete runs first so a crash
// mid-cancel fails closed: the gate is shut even while the token row
// lingers, and a retry finishes the cleanup. An accepted invitation only
// loses its row; the member it admitted is untouched.
func (c *Controller) CancelInvitation(ctx context.Context, id, adminEmail string) error {
	invitations := c.store.Invitations(ctx)
	inv, err := invitations.Get(ctx, id)
	if err != nil {
		return err
	}
	if inv.AcceptedAt == nil {
		if err := c.store.AllowList(ctx).Delete(ctx, inv.Email); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("admission: allow-list delete: %w", err)
		}
	}
	if err := invitations.Delete(ctx, id); err != nil {
		return err
	}
	audit.Record(ctx, c.store.Audit(ctx), audit.Entry{
		ActorEmail: adminEmail,
		Action:     "INVITATION_CANCELLED",
		Resource:   inv.Email,
		Details:    map[string]any{"invitation_id": id},
	})
	return nil
}

// Members lists provisioned profiles with presence derived at call time.
func (c *Controller) Members(ctx context.Context) ([]Profile, error) {
	return c.store.Profiles(ctx).List(ctx)
}

// ChangeRole reassigns a member's role and mirrors the change into the
// allow-list so a later account re-creation lands on the same role.
func (c *Controller) ChangeRole(ctx context.Context, accountID, adminEmail string, role Role) (*Profile, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	profiles := c.store.Profiles(ctx)
	p, err := profiles.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if p.Role == role {
		return p, nil
	}
	if p.Role == RoleAdmin {
		return nil, fmt.Errorf("%w: admins cannot be demoted here", ErrAdminProtected)
	}
	if err := profiles.UpdateRole(ctx, accountID, role); err != nil {
		return nil, err
	}
	if err := c.store.AllowList(ctx).Upsert(ctx, p.Email, role); err != nil {
		obs.Log("warn", "allow-list role mirror failed", map[string]any{"email": p.Email, "error": err.Error()})
	}

	audit.Record(ctx, c.store.Audit(ctx), audit.Entry{
		ActorEmail: adminEmail,
		Action:     "ROLE_CHANGED",
		Resource:   p.Email,
		Details:    map[string]any{"from": p.Role, "to": role},
	})
	p.Role = role
	p.UpdatedAt = c.now().UTC()
	return p, nil
}

// DeleteMember removes a member's profile, allow-list entry, and recorded
// address. The operation is idempotent; deleting an absent member is a
// no-op. The last remaining admin cannot be deleted.
func (c *Controller) DeleteMember(ctx context.Context, accountID, adminEmail string) error {
	profiles := c.store.Profiles(ctx)
	p, err := profiles.Get(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Role == RoleAdmin {
		admins, cerr := c.countAdmins(ctx)
		if cerr != nil {
			return cerr
		}
		if admins <= 1 {
			return fmt.Errorf("%w: cannot delete the last admin", ErrAdminProtected)
		}
	}

	if err := c.store.AllowList(ctx).Delete(ctx, p.Email); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("admission: allow-list delete: %w", err)
	}
	if err := c.store.IPs(ctx).Delete(ctx, accountID); err != nil && !errors.Is(err, ErrNotFound) {
		obs.Log("warn", "ip record delete failed", map[string]any{"account": accountID, "error": err.Error()})
	}
	if err := profiles.Delete(ctx, accountID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	audit.Record(ctx, c.store.Audit(ctx), audit.Entry{
		ActorEmail: adminEmail,
		Action:     "MEMBER_DELETED",
		Resource:   p.Email,
		Details:    map[string]any{"account_id": accountID, "role": p.Role},
	})
	return nil
}

// AuditTrail returns the most recent audit entries, newest first.
func (c *Controller) AuditTrail(ctx context.Context, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return c.store.Audit(ctx).Recent(ctx, limit)
}

// TrimAuditLog drops audit entries older than the retention period.
func (c *Controller) TrimAuditLog(ctx context.Context, retain time.Duration) (int64, error) {
	cutoff := c.now().UTC().Add(-retain)
	return c.store.Audit(ctx).TrimOlderThan(ctx, cutoff)
}

func (c *Controller) countAdmins(ctx context.Context) (int, error) {
	members, err := c.store.Profiles(ctx).List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range members {
		if m.Role == RoleAdmin {
			n++
		}
	}
	return n, nil
}
