package admission

import (
	"context"
	"time"

	"hadik.org/internal/audit"
)

// Store describes persistence operations required by the admission core.
// Implementations must provide upsert-by-unique-key semantics where noted
// and conditional updates for the join-request and invitation transitions.
type Store interface {
	AllowList(ctx context.Context) AllowListStore
	JoinRequests(ctx context.Context) JoinRequestStore
	Invitations(ctx context.Context) InvitationStore
	Profiles(ctx context.Context) ProfileStore
	RolePermissions(ctx context.Context) RolePermissionStore
	IPs(ctx context.Context) IPStore
	Audit(ctx context.Context) audit.Sink
}

// AllowListStore manages the email admission gate.
type AllowListStore interface {
	Get(ctx context.Context, email string) (*AllowEntry, error)
	Upsert(ctx context.Context, email string, role Role) error
	Delete(ctx context.Context, email string) error
}

// JoinRequestStore manages the append/transition request ledger.
type JoinRequestStore interface {
	// Insert creates a pending request. It returns ErrConflict if a
	// pending request already exists for the email.
	Insert(ctx context.Context, req *JoinRequest) error
	Find(ctx context.Context, id string) (*JoinRequest, error)
	// LatestByEmail returns the most recently created request for the
	// email regardless of status, or ErrNotFound.
	LatestByEmail(ctx context.Context, email string) (*JoinRequest, error)
	// Transition moves a request from pending to the given terminal
	// status. It is conditional on the current status being pending and
	// reports whether a row was actually transitioned.
	Transition(ctx context.Context, id string, to RequestStatus, decidedBy string, decidedRole Role, decidedAt time.Time) (bool, error)
	QueryPending(ctx context.Context) ([]JoinRequest, error)
}

// InvitationStore manages time-boxed invitation tokens.
type InvitationStore interface {
	// UpsertByEmail replaces any prior invitation for the address.
	UpsertByEmail(ctx context.Context, inv *Invitation) error
	Get(ctx context.Context, id string) (*Invitation, error)
	GetByToken(ctx context.Context, token string) (*Invitation, error)
	// MarkAccepted re-validates expiry and acceptance at call time, marks
	// the invitation accepted, and applies its role to the invitee's
	// profile as one atomic step. It returns ErrInvitationInvalid,
	// ErrInvitationExpired, or ErrInvitationAccepted on terminal tokens.
	MarkAccepted(ctx context.Context, token, accountID string, now time.Time) (*Invitation, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Invitation, error)
}

// ProfileStore manages per-account records.
type ProfileStore interface {
	Get(ctx context.Context, id string) (*Profile, error)
	// UpsertBackfill creates the profile if absent; an existing role is
	// never overwritten. Safe to call any number of times.
	UpsertBackfill(ctx context.Context, p *Profile) (*Profile, error)
	UpdateRole(ctx context.Context, id string, role Role) error
	TouchLastSeen(ctx context.Context, id string, now time.Time) error
	Delete(ctx context.Context, id string) error
	// List returns provisioned profiles ordered by display name.
	List(ctx context.Context) ([]Profile, error)
}

// RolePermissionStore manages the stored permission matrix rows.
type RolePermissionStore interface {
	QueryAll(ctx context.Context) ([]RolePermission, error)
	// UpsertRows writes one row per permission key for a single role.
	UpsertRows(ctx context.Context, rows []RolePermission) error
}

// IPStore keeps one last-seen address row per account.
type IPStore interface {
	Record(ctx context.Context, accountID, ip string, seenAt time.Time) error
	Delete(ctx context.Context, accountID string) error
}
