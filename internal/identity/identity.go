// Package identity is the account/credential collaborator of the admission
// core. The admission controller only ever talks to the Store interface;
// Local is a self-contained implementation minting HS256 session tokens.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials is the sole trigger for the join-request path
	// in the admission controller. Implementations must return it for
	// unknown emails and wrong passwords alike, and reserve other errors
	// for transport or store failures.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")

	// ErrAlreadyExists reports that an account exists for the email.
	ErrAlreadyExists = errors.New("identity: account already exists")

	ErrNoSession    = errors.New("identity: no active session")
	ErrInvalidToken = errors.New("identity: invalid session token")
)

// Session is an authenticated principal with an opaque bearer token.
type Session struct {
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the identity collaborator consumed by the admission controller.
type Store interface {
	// Authenticate verifies credentials and returns a fresh session.
	Authenticate(ctx context.Context, email, password string) (*Session, error)
	// CreateAccount registers credentials and returns an active session.
	CreateAccount(ctx context.Context, email, password string) (*Session, error)
	// SetPassword establishes or replaces the password for the session's
	// account.
	SetPassword(ctx context.Context, session *Session, password string) error
	// Verify validates a bearer token and reconstructs its session.
	// Tokens minted for the establish-password link flow are rejected.
	Verify(ctx context.Context, token string) (*Session, error)
	// VerifyEstablishToken validates a password-establish link token.
	// The token is single-use: it dies once the password changes.
	VerifyEstablishToken(ctx context.Context, token string) (*Session, error)
	// CurrentSession returns the session for the token attached to the
	// context, or ErrNoSession.
	CurrentSession(ctx context.Context) (*Session, error)
	// HasAccount reports whether a full account exists for the email.
	HasAccount(ctx context.Context, email string) (bool, error)
	// SendPasswordEstablishLink dispatches an out-of-band link letting
	// the address establish a password. Best-effort for callers.
	SendPasswordEstablishLink(ctx context.Context, email, redirectTarget string) error
}

// Account is the stored credential record. PasswordHash is empty for
// accounts provisioned through a token-based flow before a password was
// established.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PasswordSet reports whether the account can authenticate with a password.
func (a Account) PasswordSet() bool { return a.PasswordHash != "" }

// AccountStore persists accounts for the Local identity implementation.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	FindByID(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	SetPasswordHash(ctx context.Context, id, hash string) error
}

var (
	// ErrAccountNotFound is internal to AccountStore implementations.
	ErrAccountNotFound = errors.New("identity: account not found")
)
