package admission

import (
	"context"
	"sort"
	"sync"
	"time"

	"hadik.org/internal/audit"
	"hadik.org/internal/ids"
)

// MemStore is a mutex-guarded in-memory Store used by tests and DSN-less
// local development. All reads return clones.
type MemStore struct {
	mu          sync.RWMutex
	allow       map[string]*AllowEntry
	requests    map[string]*JoinRequest
	invitations map[string]*Invitation
	profiles    map[string]*Profile
	perms       map[Role]map[Permission]*RolePermission
	ipsByID     map[string]memIP
	auditLog    []audit.Entry
}

type memIP struct {
	ip     string
	seenAt time.Time
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		allow:       make(map[string]*AllowEntry),
		requests:    make(map[string]*JoinRequest),
		invitations: make(map[string]*Invitation),
		profiles:    make(map[string]*Profile),
		perms:       make(map[Role]map[Permission]*RolePermission),
		ipsByID:     make(map[string]memIP),
	}
}

func (m *MemStore) AllowList(context.Context) AllowListStore           { return (*memAllow)(m) }
func (m *MemStore) JoinRequests(context.Context) JoinRequestStore     { return (*memRequests)(m) }
func (m *MemStore) Invitations(context.Context) InvitationStore       { return (*memInvitations)(m) }
func (m *MemStore) Profiles(context.Context) ProfileStore             { return (*memProfiles)(m) }
func (m *MemStore) RolePermissions(context.Context) RolePermissionStore { return (*memPerms)(m) }
func (m *MemStore) IPs(context.Context) IPStore                       { return (*memIPs)(m) }
func (m *MemStore) Audit(context.Context) audit.Sink                  { return (*memAudit)(m) }

type memAllow MemStore

func (s *memAllow) Get(_ context.Context, email string) (*AllowEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.allow[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (s *memAllow) Upsert(_ context.Context, email string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = NormalizeEmail(email)
	if e, ok := s.allow[email]; ok {
		e.Role = role
		return nil
	}
	s.allow[email] = &AllowEntry{Email: email, Role: role, CreatedAt: time.Now().UTC()}
	return nil
}

func (s *memAllow) Delete(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = NormalizeEmail(email)
	if _, ok := s.allow[email]; !ok {
		return ErrNotFound
	}
	delete(s.allow, email)
	return nil
}

type memRequests MemStore

func (s *memRequests) Insert(_ context.Context, req *JoinRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := NormalizeEmail(req.Email)
	for _, r := range s.requests {
		if r.Email == email && r.Status == StatusPending {
			return ErrConflict
		}
	}
	if req.ID == "" {
		req.ID = ids.New()
	}
	req.Email = email
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	clone := *req
	s.requests[req.ID] = &clone
	return nil
}

func (s *memRequests) Find(_ context.Context, id string) (*JoinRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (s *memRequests) LatestByEmail(_ context.Context, email string) (*JoinRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = NormalizeEmail(email)
	var latest *JoinRequest
	for _, r := range s.requests {
		if r.Email != email {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	clone := *latest
	return &clone, nil
}

func (s *memRequests) Transition(_ context.Context, id string, to RequestStatus, decidedBy string, decidedRole Role, decidedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != StatusPending {
		return false, nil
	}
	r.Status = to
	r.DecidedBy = decidedBy
	r.DecidedRole = decidedRole
	at := decidedAt
	r.DecidedAt = &at
	return true, nil
}

func (s *memRequests) QueryPending(_ context.Context) ([]JoinRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []JoinRequest
	for _, r := range s.requests {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memInvitations MemStore

func (s *memInvitations) UpsertByEmail(_ context.Context, inv *Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := NormalizeEmail(inv.Email)
	for id, prior := range s.invitations {
		if prior.Email == email {
			delete(s.invitations, id)
		}
	}
	if inv.ID == "" {
		inv.ID = ids.New()
	}
	inv.Email = email
	clone := *inv
	s.invitations[inv.ID] = &clone
	return nil
}

func (s *memInvitations) Get(_ context.Context, id string) (*Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invitations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *inv
	return &clone, nil
}

func (s *memInvitations) GetByToken(_ context.Context, token string) (*Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inv := range s.invitations {
		if inv.Token == token {
			clone := *inv
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memInvitations) MarkAccepted(_ context.Context, token, accountID string, now time.Time) (*Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invitations {
		if inv.Token != token {
			continue
		}
		switch inv.StatusAt(now) {
		case InvitationExpired:
			return nil, ErrInvitationExpired
		case InvitationAccepted:
			return nil, ErrInvitationAccepted
		}
		at := now
		inv.AcceptedAt = &at
		if p, ok := s.profiles[accountID]; ok {
			p.Role = inv.Role
			p.UpdatedAt = now
		}
		clone := *inv
		return &clone, nil
	}
	return nil, ErrInvitationInvalid
}

func (s *memInvitations) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invitations[id]; !ok {
		return ErrNotFound
	}
	delete(s.invitations, id)
	return nil
}

func (s *memInvitations) List(_ context.Context) ([]Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Invitation, 0, len(s.invitations))
	for _, inv := range s.invitations {
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type memProfiles MemStore

func (s *memProfiles) Get(_ context.Context, id string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *memProfiles) UpsertBackfill(_ context.Context, p *Profile) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.profiles[p.ID]; ok {
		clone := *existing
		return &clone, nil
	}
	now := time.Now().UTC()
	clone := *p
	clone.Email = NormalizeEmail(p.Email)
	clone.CreatedAt = now
	clone.UpdatedAt = now
	s.profiles[p.ID] = &clone
	out := clone
	return &out, nil
}

func (s *memProfiles) UpdateRole(_ context.Context, id string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return ErrNotFound
	}
	p.Role = role
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memProfiles) TouchLastSeen(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return ErrNotFound
	}
	at := now
	p.LastSeenAt = &at
	return nil
}

func (s *memProfiles) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return ErrNotFound
	}
	delete(s.profiles, id)
	return nil
}

func (s *memProfiles) List(_ context.Context) ([]Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Profile
	for _, p := range s.profiles {
		if p.Provisioned() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

type memPerms MemStore

func (s *memPerms) QueryAll(_ context.Context) ([]RolePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RolePermission
	for _, byPerm := range s.perms {
		for _, row := range byPerm {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Permission < out[j].Permission
	})
	return out, nil
}

func (s *memPerms) UpsertRows(_ context.Context, rows []RolePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		byPerm, ok := s.perms[row.Role]
		if !ok {
			byPerm = make(map[Permission]*RolePermission)
			s.perms[row.Role] = byPerm
		}
		clone := row
		byPerm[row.Permission] = &clone
	}
	return nil
}

type memIPs MemStore

func (s *memIPs) Record(_ context.Context, accountID, ip string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ipsByID[accountID] = memIP{ip: ip, seenAt: seenAt}
	return nil
}

func (s *memIPs) Delete(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ipsByID, accountID)
	return nil
}

type memAudit MemStore

func (s *memAudit) Append(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, *e)
	return nil
}

func (s *memAudit) Recent(_ context.Context, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.auditLog)
	if limit > n {
		limit = n
	}
	out := make([]audit.Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.auditLog[i])
	}
	return out, nil
}

func (s *memAudit) TrimOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.auditLog[:0]
	var dropped int64
	for _, e := range s.auditLog {
		if e.OccurredAt.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	s.auditLog = kept
	return dropped, nil
}
