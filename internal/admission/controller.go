package admission

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"hadik.org/internal/audit"
	"hadik.org/internal/identity"
	"hadik.org/internal/obs"
)

const defaultInvitationTTL = 7 * 24 * time.Hour

// Outcome is the closed set of user-facing admission decisions. Outcomes
// are result values, never errors; store and transport failures travel on
// the error return instead and must not be read as a negative decision.
type Outcome string

const (
	OutcomeAuthenticated        Outcome = "authenticated"
	OutcomeAccountCreated       Outcome = "account_created"
	OutcomeJoinRequestSubmitted Outcome = "join_request_submitted"
	OutcomeAlreadyPending       Outcome = "already_pending"
	OutcomeAwaitingPassword     Outcome = "already_accepted_awaiting_password"
	OutcomeDenied               Outcome = "denied"
	OutcomeRateLimited          Outcome = "rate_limited"
	OutcomeInvalidInput         Outcome = "invalid_input"
)

// AttemptRequest is one login/signup attempt with its ambient metadata.
// Window is owned by the caller's session; a nil Window disables the
// failed-attempt limiter for the call.
type AttemptRequest struct {
	Email    string
	Password string
	ClientIP string
	Window   *FailureWindow
}

// Decision is the outcome of one admission attempt.
type Decision struct {
	Outcome    Outcome           `json:"outcome"`
	Session    *identity.Session `json:"session,omitempty"`
	RetryAfter time.Duration     `json:"-"`
	Message    string            `json:"message"`
}

// Notifier delivers invitation tokens out of band.
type Notifier interface {
	SendInvitation(ctx context.Context, email, token string, role Role) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, email, token string, role Role) error

func (f NotifierFunc) SendInvitation(ctx context.Context, email, token string, role Role) error {
	return f(ctx, email, token, role)
}

// Controller drives every admission state transition: the login/signup
// decision procedure, admin accept/deny/invite operations, token-based
// invitation acceptance, and role-permission resolution.
type Controller struct {
	store    Store
	identity identity.Store
	notifier Notifier

	now             func() time.Time
	inviteTTL       time.Duration
	fallbackRole    Role
	establishTarget string
	newToken        func() string
}

// Option configures Controller behavior.
type Option func(*Controller) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Controller) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// WithInvitationTTL overrides the 7-day invitation expiry.
func WithInvitationTTL(ttl time.Duration) Option {
	return func(c *Controller) error {
		if ttl > 0 {
			c.inviteTTL = ttl
		}
		return nil
	}
}

// WithFallbackRole sets the role used when backfilling a profile for an
// account with no allow-list entry. ADMIN is rejected: backfill must never
// escalate.
func WithFallbackRole(role Role) Option {
	return func(c *Controller) error {
		if role == RoleAdmin {
			return errors.New("admission: fallback role must not be ADMIN")
		}
		if !role.Valid() {
			return fmt.Errorf("admission: invalid fallback role %q", role)
		}
		c.fallbackRole = role
		return nil
	}
}

// WithNotifier wires the invitation delivery channel.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) error {
		c.notifier = n
		return nil
	}
}

// WithEstablishTarget sets the redirect target embedded in
// password-establish links.
func WithEstablishTarget(target string) Option {
	return func(c *Controller) error {
		c.establishTarget = target
		return nil
	}
}

// WithTokenSource overrides invitation token generation (useful for tests).
func WithTokenSource(fn func() string) Option {
	return func(c *Controller) error {
		if fn != nil {
			c.newToken = fn
		}
		return nil
	}
}

// NewController constructs a Controller.
func NewController(store Store, ident identity.Store, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, errors.New("admission: store is required")
	}
	if ident == nil {
		return nil, errors.New("admission: identity store is required")
	}
	c := &Controller{
		store:        store,
		identity:     ident,
		now:          time.Now,
		inviteTTL:    defaultInvitationTTL,
		fallbackRole: RoleViewer,
		newToken:     newInviteToken,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Attempt runs the login/signup decision procedure. Steps execute strictly
// in order and short-circuit: rate-limit check, input validation, direct
// authentication, then the allow-list / join-request path on an
// invalid-credential failure. Only credential failures enter that path;
// any other identity error propagates on the error return.
func (c *Controller) Attempt(ctx context.Context, req AttemptRequest) (Decision, error) {
	if req.Window != nil {
		if locked, remaining := req.Window.Locked(); locked {
			return c.decide(Decision{
				Outcome:    OutcomeRateLimited,
				RetryAfter: remaining,
				Message:    fmt.Sprintf("too many failed attempts, retry in %d seconds", int(remaining.Seconds())+1),
			}), nil
		}
	}

	if err := ValidateEmail(req.Email); err != nil {
		return c.decide(Decision{Outcome: OutcomeInvalidInput, Message: "enter a valid email address"}), nil
	}
	email := NormalizeEmail(req.Email)

	session, err := c.identity.Authenticate(ctx, email, req.Password)
	if err == nil {
		if req.Window != nil {
			req.Window.Reset()
		}
		c.afterSignIn(ctx, session, req.ClientIP)
		return c.decide(Decision{Outcome: OutcomeAuthenticated, Session: session, Message: "signed in"}), nil
	}
	if !errors.Is(err, identity.ErrInvalidCredentials) {
		// Transport or store failure: never interpreted as denied.
		return Decision{}, fmt.Errorf("admission: authenticate: %w", err)
	}

	if req.Window != nil {
		req.Window.RecordFailure()
	}

	entry, err := c.store.AllowList(ctx).Get(ctx, email)
	switch {
	case err == nil:
		return c.admitAllowListed(ctx, entry, req)
	case errors.Is(err, ErrNotFound):
		return c.submitJoinRequest(ctx, email, req.ClientIP)
	default:
		return Decision{}, fmt.Errorf("admission: allow-list lookup: %w", err)
	}
}

// admitAllowListed creates the account with the credentials the user just
// typed. The allow-list entry decides the role.
func (c *Controller) admitAllowListed(ctx context.Context, entry *AllowEntry, req AttemptRequest) (Decision, error) {
	if err := ValidatePassword(req.Password); err != nil {
		return c.decide(Decision{Outcome: OutcomeInvalidInput, Message: "password must be at least 6 characters"}), nil
	}

	session, err := c.identity.CreateAccount(ctx, entry.Email, req.Password)
	switch {
	case err == nil:
		if req.Window != nil {
			req.Window.Reset()
		}
		c.afterSignIn(ctx, session, req.ClientIP)
		audit.Record(ctx, c.store.Audit(ctx), audit.Entry{
			ActorEmail: entry.Email,
			Action:     "ACCOUNT_CREATED",
			Resource:   entry.Email,
			Details:    map[string]any{"role": entry.Role},
			IP:         req.ClientIP,
		})
		return c.decide(Decision{Outcome: OutcomeAccountCreated, Session: session, Message: "account created"}), nil

	case errors.Is(err, identity.ErrAlreadyExists):
		// The account exists but has no password: it arrived through a
		// token-based flow. Dispatch an establish-password link and do
		// not fabricate a session.
		if derr := c.identity.SendPasswordEstablishLink(ctx, entry.Email, c.establishTarget); derr != nil {
			obs.Log("warn", "password establish dispatch failed", map[string]any{
				"email": entry.Email,
				"error": derr.Error(),
			})
		}
		return c.decide(Decision{
			Outcome: OutcomeAwaitingPassword,
			Message: "your access is approved; check your email to set a password",
		}), nil

	default:
		return c.decide(Decision{Outcome: OutcomeDenied, Message: err.Error()}), nil
	}
}

// submitJoinRequest records a pending request for an email outside the
// allow-list. At most one pending request exists per email; re-submission
// is an idempotent no-op.
func (c *Controller) submitJoinRequest(ctx context.Context, email, clientIP string) (Decision, error) {
	requests := c.store.JoinRequests(ctx)

	prior, err := requests.LatestByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Decision{}, fmt.Errorf("admission: join-request lookup: %w", err)
	}
	if prior != nil {
		switch prior.Status {
		case StatusPending:
			return c.decide(Decision{Outcome: OutcomeAlreadyPending, Message: "your request is already pending review"}), nil
		case StatusAccepted:
			return c.decide(Decision{
				Outcome: OutcomeAwaitingPassword,
				Message: "your request was approved; sign in again to create your account",
			}), nil
		}
	}

	exists, err := c.identity.HasAccount(ctx, email)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: account lookup: %w", err)
	}
	if exists {
		return c.decide(Decision{Outcome: OutcomeDenied, Message: "an account exists for this email, check your password"}), nil
	}

	req := &JoinRequest{
		Email:     email,
		IP:        clientIP,
		Status:    StatusPending,
		CreatedAt: c.now().UTC(),
	}
	if err := requests.Insert(ctx, req); err != nil {
		if errors.Is(err, ErrConflict) {
			// Raced another submission for the same email.
			return c.decide(Decision{Outcome: OutcomeAlreadyPending, Message: "your request is already pending review"}), nil
		}
		return Decision{}, fmt.Errorf("admission: submit join request: %w", err)
	}
	audit.Record(ctx, c.store.Audit(ctx), audit.Entry{
		ActorEmail: email,
		Action:     "JOIN_REQUEST_SUBMITTED",
		Resource:   email,
		IP:         clientIP,
	})
	return c.decide(Decision{Outcome: OutcomeJoinRequestSubmitted, Message: "access request submitted for review"}), nil
}

// EnsureProfile backfills the per-account profile if absent, using the
// allow-list role when present and the fallback role otherwise. Backfill
// never assigns ADMIN and never overwrites an existing role. Safe to call
// any number of times.
func (c *Controller) EnsureProfile(ctx context.Context, accountID, email string) (*Profile, error) {
	email = NormalizeEmail(email)
	role := c.fallbackRole
	if entry, err := c.store.AllowList(ctx).Get(ctx, email); err == nil {
		role = entry.Role
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("admission: allow-list lookup: %w", err)
	}
	name := email
	if i := strings.IndexByte(email, '@'); i > 0 {
		name = email[:i]
	}
	p := &Profile{
		ID:       accountID,
		Email:    email,
		FullName: name,
		Role:     role,
	}
	return c.store.Profiles(ctx).UpsertBackfill(ctx, p)
}

// Profile returns the stored profile for an account.
func (c *Controller) Profile(ctx context.Context, accountID string) (*Profile, error) {
	return c.store.Profiles(ctx).Get(ctx, accountID)
}

// TrackActivity touches the profile's last-seen timestamp. Best-effort.
func (c *Controller) TrackActivity(ctx context.Context, accountID string) {
	if err := c.store.Profiles(ctx).TouchLastSeen(ctx, accountID, c.now().UTC()); err != nil {
		obs.Log("warn", "last-seen update failed", map[string]any{"account": accountID, "error": err.Error()})
	}
}

// afterSignIn runs the best-effort bookkeeping of a successful sign-in:
// profile backfill, IP capture, last-seen touch. Failures never affect
// the admission outcome.
func (c *Controller) afterSignIn(ctx context.Context, session *identity.Session, clientIP string) {
	if session == nil {
		return
	}
	if _, err := c.EnsureProfile(ctx, session.AccountID, session.Email); err != nil {
		obs.Log("warn", "profile backfill failed", map[string]any{"account": session.AccountID, "error": err.Error()})
	}
	if clientIP != "" {
		if err := c.store.IPs(ctx).Record(ctx, session.AccountID, clientIP, c.now().UTC()); err != nil {
			obs.Log("warn", "ip capture failed", map[string]any{"account": session.AccountID, "error": err.Error()})
		}
	}
	c.TrackActivity(ctx, session.AccountID)
}

func (c *Controller) decide(d Decision) Decision {
	obs.ObserveAdmission(string(d.Outcome))
	return d
}

// newInviteToken returns an unguessable single-use invitation token.
func newInviteToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
