package identity

import (
	"context"
	"sync"
	"time"
)

// MemAccounts is a mutex-guarded in-memory AccountStore used by tests and
// DSN-less local development.
type MemAccounts struct {
	mu      sync.RWMutex
	byID    map[string]*Account
	byEmail map[string]string
}

var _ AccountStore = (*MemAccounts)(nil)

func NewMemAccounts() *MemAccounts {
	return &MemAccounts{
		byID:    make(map[string]*Account),
		byEmail: make(map[string]string),
	}
}

func (m *MemAccounts) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := normalizeEmail(a.Email)
	if _, ok := m.byEmail[email]; ok {
		return ErrAlreadyExists
	}
	clone := *a
	clone.Email = email
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	m.byID[clone.ID] = &clone
	m.byEmail[email] = clone.ID
	return nil
}

func (m *MemAccounts) FindByID(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	clone := *a
	return &clone, nil
}

func (m *MemAccounts) FindByEmail(_ context.Context, email string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	clone := *m.byID[id]
	return &clone, nil
}

func (m *MemAccounts) SetPasswordHash(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return ErrAccountNotFound
	}
	a.PasswordHash = hash
	a.UpdatedAt = time.Now().UTC()
	return nil
}
