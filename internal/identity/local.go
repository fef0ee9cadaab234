package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"hadik.org/internal/ids"
)

const (
	issuer            = "hadik"
	defaultSessionTTL = 24 * time.Hour

	establishPurpose = "establish-password"
	establishTTL     = time.Hour
)

// LinkSender delivers password-establish links out of band.
type LinkSender interface {
	SendPasswordEstablishLink(ctx context.Context, email, link string) error
}

// Local implements Store with bcrypt credentials and HS256 session tokens.
type Local struct {
	accounts AccountStore
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
	links    LinkSender
}

// LocalOption configures Local.
type LocalOption func(*Local) error

// WithSessionTTL overrides the session token lifetime.
func WithSessionTTL(ttl time.Duration) LocalOption {
	return func(l *Local) error {
		if ttl > 0 {
			l.ttl = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) LocalOption {
	return func(l *Local) error {
		if fn != nil {
			l.now = fn
		}
		return nil
	}
}

// WithLinkSender wires the out-of-band delivery channel for
// password-establish links.
func WithLinkSender(sender LinkSender) LocalOption {
	return func(l *Local) error {
		l.links = sender
		return nil
	}
}

// NewLocal constructs a Local identity store. The secret signs session
// tokens and must be non-empty.
func NewLocal(accounts AccountStore, secret string, opts ...LocalOption) (*Local, error) {
	if accounts == nil {
		return nil, errors.New("identity: account store is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("identity: session secret is required")
	}
	l := &Local{
		accounts: accounts,
		secret:   []byte(secret),
		ttl:      defaultSessionTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

type sessionClaims struct {
	Email string `json:"email"`
	// Purpose is empty on session tokens. Establish-link tokens carry
	// establishPurpose plus a fingerprint of the password hash current at
	// mint time, which dies as soon as the password changes.
	Purpose             string `json:"purpose,omitempty"`
	PasswordFingerprint string `json:"pwf,omitempty"`
	jwt.RegisteredClaims
}

func (l *Local) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	account, err := l.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("identity: lookup account: %w", err)
	}
	if !account.PasswordSet() {
		return nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(account.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return l.mintSession(account)
}

func (l *Local) CreateAccount(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("identity: email is required")
	}
	if _, err := l.accounts.FindByEmail(ctx, email); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("identity: lookup account: %w", err)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	account := &Account{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    l.now().UTC(),
	}
	if err := l.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("identity: create account: %w", err)
	}
	return l.mintSession(account)
}

func (l *Local) SetPassword(ctx context.Context, session *Session, password string) error {
	if session == nil || session.AccountID == "" {
		return ErrNoSession
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return l.accounts.SetPasswordHash(ctx, session.AccountID, hash)
}

func (l *Local) Verify(ctx context.Context, token string) (*Session, error) {
	claims, err := l.parseClaims(token)
	if err != nil {
		return nil, err
	}
	// Purposed tokens (establish links) are not bearer sessions.
	if claims.Purpose != "" {
		return nil, ErrInvalidToken
	}
	return sessionFromClaims(claims, token), nil
}

// VerifyEstablishToken validates a password-establish link token. The token
// must carry the establish purpose and a fingerprint matching the account's
// current password hash, so a link is spent the moment a password is set.
func (l *Local) VerifyEstablishToken(ctx context.Context, token string) (*Session, error) {
	claims, err := l.parseClaims(token)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != establishPurpose {
		return nil, ErrInvalidToken
	}
	account, err := l.accounts.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("identity: lookup account: %w", err)
	}
	if claims.PasswordFingerprint != passwordFingerprint(account.PasswordHash) {
		return nil, ErrInvalidToken
	}
	return sessionFromClaims(claims, token), nil
}

func (l *Local) parseClaims(token string) (*sessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return l.secret, nil
	}, jwt.WithTimeFunc(l.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != issuer || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func sessionFromClaims(claims *sessionClaims, token string) *Session {
	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return &Session{
		AccountID: claims.Subject,
		Email:     claims.Email,
		Token:     token,
		ExpiresAt: expires,
	}
}

func (l *Local) CurrentSession(ctx context.Context) (*Session, error) {
	token, ok := TokenFromContext(ctx)
	if !ok {
		return nil, ErrNoSession
	}
	session, err := l.Verify(ctx, token)
	if err != nil {
		return nil, ErrNoSession
	}
	return session, nil
}

func (l *Local) HasAccount(ctx context.Context, email string) (bool, error) {
	email = normalizeEmail(email)
	account, err := l.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("identity: lookup account: %w", err)
	}
	// A passwordless account is not a full account yet: the holder still
	// has to establish credentials through the link flow.
	return account.PasswordSet(), nil
}

// SendPasswordEstablishLink provisions a passwordless account for the email
// if none exists, mints a short-lived establish token, and dispatches the
// link through the configured sender.
func (l *Local) SendPasswordEstablishLink(ctx context.Context, email, redirectTarget string) error {
	email = normalizeEmail(email)
	if email == "" {
		return fmt.Errorf("identity: email is required")
	}
	account, err := l.accounts.FindByEmail(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		account = &Account{ID: ids.New(), Email: email, CreatedAt: l.now().UTC()}
		if err := l.accounts.Create(ctx, account); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("identity: provision account: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("identity: lookup account: %w", err)
	}

	token, err := l.signEstablishToken(account)
	if err != nil {
		return err
	}
	link := redirectTarget
	if u, err := url.Parse(redirectTarget); err == nil {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		link = u.String()
	}
	if l.links == nil {
		return errors.New("identity: no link sender configured")
	}
	return l.links.SendPasswordEstablishLink(ctx, email, link)
}

func (l *Local) mintSession(account *Account) (*Session, error) {
	token, err := l.signToken(account, l.ttl)
	if err != nil {
		return nil, err
	}
	return &Session{
		AccountID: account.ID,
		Email:     account.Email,
		Token:     token,
		ExpiresAt: l.now().UTC().Add(l.ttl),
	}, nil
}

func (l *Local) signToken(account *Account, ttl time.Duration) (string, error) {
	return l.sign(l.baseClaims(account, ttl))
}

func (l *Local) signEstablishToken(account *Account) (string, error) {
	claims := l.baseClaims(account, establishTTL)
	claims.Purpose = establishPurpose
	claims.PasswordFingerprint = passwordFingerprint(account.PasswordHash)
	return l.sign(claims)
}

func (l *Local) baseClaims(account *Account, ttl time.Duration) sessionClaims {
	now := l.now().UTC()
	return sessionClaims{
		Email: account.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
}

func (l *Local) sign(claims sessionClaims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// passwordFingerprint binds a token to the hash current at mint time. Not a
// secret: knowing it does not help forge a signature.
func passwordFingerprint(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:6])
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
