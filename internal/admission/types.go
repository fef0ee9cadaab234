package admission

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of workspace roles. ADMIN is a superuser; no
// privilege ordering is assumed between the others.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleResearcher Role = "RESEARCHER"
	RoleAnnotator  Role = "ANNOTATOR"
	RoleViewer     Role = "VIEWER"
)

// Roles returns every assignable role in display order.
func Roles() []Role {
	return []Role{RoleAdmin, RoleResearcher, RoleAnnotator, RoleViewer}
}

// Valid reports whether the role is a member of the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleResearcher, RoleAnnotator, RoleViewer:
		return true
	}
	return false
}

// ParseRole normalizes and validates a role name.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
	return r, nil
}

// Permission is a typed capability key. The set is fixed; there are no
// free-form permission strings anywhere in the system.
type Permission string

const (
	PermModelManagement Permission = "model-management"
	PermTrainingAccess  Permission = "training-access"
	PermDatasetLabeling Permission = "dataset-labeling"
	PermAPIKeys         Permission = "api-keys"
	PermUserManagement  Permission = "user-management"
	PermDeployment      Permission = "deployment"
)

// AllPermissions returns every permission key in a stable order.
func AllPermissions() []Permission {
	return []Permission{
		PermModelManagement,
		PermTrainingAccess,
		PermDatasetLabeling,
		PermAPIKeys,
		PermUserManagement,
		PermDeployment,
	}
}

// RequestStatus is the join-request lifecycle state.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusAccepted RequestStatus = "accepted"
	StatusDenied   RequestStatus = "denied"
)

// AllowEntry maps an email to the role it will receive on account creation.
// An email with no entry can never create an account through the normal path.
type AllowEntry struct {
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// JoinRequest is a self-service access request from an email that is not yet
// allow-listed. Requests are never deleted; decisions are recorded in place.
type JoinRequest struct {
	ID          string        `json:"id"`
	Email       string        `json:"email"`
	IP          string        `json:"ip,omitempty"`
	Status      RequestStatus `json:"status"`
	DecidedBy   string        `json:"decided_by,omitempty"`
	DecidedRole Role          `json:"decided_role,omitempty"`
	DecidedAt   *time.Time    `json:"decided_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// InvitationStatus is derived from the invitation row, never stored.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationExpired  InvitationStatus = "expired"
)

// Invitation is an admin-initiated, token-based, time-boxed access grant.
// The token is single-use; upserting by email replaces any prior invitation
// for the address (latest invite wins).
type Invitation struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Role       Role       `json:"role"`
	Token      string     `json:"-"`
	InvitedBy  string     `json:"invited_by,omitempty"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// StatusAt derives the invitation status at the given instant. Expiry is
// terminal and checked first: a row past expires_at reports expired even
// when accepted_at is set.
func (i Invitation) StatusAt(now time.Time) InvitationStatus {
	if now.After(i.ExpiresAt) {
		return InvitationExpired
	}
	if i.AcceptedAt != nil {
		return InvitationAccepted
	}
	return InvitationPending
}

// Profile carries the per-account role and display attributes. A profile
// with an empty role is not yet provisioned and is excluded from member
// listings.
type Profile struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	FullName   string     `json:"full_name,omitempty"`
	AvatarURL  string     `json:"avatar_url,omitempty"`
	Role       Role       `json:"role,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Provisioned reports whether the profile has been assigned a role.
func (p Profile) Provisioned() bool { return p.Role != "" }

// Online reports whether the profile was active within the presence window.
func (p Profile) Online(now time.Time) bool {
	if p.LastSeenAt == nil {
		return false
	}
	return now.Sub(*p.LastSeenAt) < 5*time.Minute
}

// RolePermission is one stored matrix row, unique on (role, permission).
// Rows for ADMIN are never consulted.
type RolePermission struct {
	Role       Role       `json:"role"`
	Permission Permission `json:"permission"`
	Enabled    bool       `json:"enabled"`
	UpdatedBy  string     `json:"updated_by,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NormalizeEmail case-folds and trims an address for use as a store key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
