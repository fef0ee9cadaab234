package admission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"hadik.org/internal/audit"
	"hadik.org/internal/ids"
)

const pgErrUniqueViolation = "23505"

// PGStore implements Store on PostgreSQL over database/sql.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) AllowList(context.Context) AllowListStore             { return &pgAllow{db: s.db} }
func (s *PGStore) JoinRequests(context.Context) JoinRequestStore       { return &pgRequests{db: s.db} }
func (s *PGStore) Invitations(context.Context) InvitationStore         { return &pgInvitations{db: s.db} }
func (s *PGStore) Profiles(context.Context) ProfileStore               { return &pgProfiles{db: s.db} }
func (s *PGStore) RolePermissions(context.Context) RolePermissionStore { return &pgPerms{db: s.db} }
func (s *PGStore) IPs(context.Context) IPStore                         { return &pgIPs{db: s.db} }
func (s *PGStore) Audit(context.Context) audit.Sink                    { return &pgAudit{db: s.db} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

type pgAllow struct {
	db *sql.DB
}

func (s *pgAllow) Get(ctx context.Context, email string) (*AllowEntry, error) {
	var e AllowEntry
	err := s.db.QueryRowContext(ctx,
		`select email, role, created_at from allowed_users where email=$1`,
		NormalizeEmail(email),
	).Scan(&e.Email, &e.Role, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *pgAllow) Upsert(ctx context.Context, email string, role Role) error {
	_, err := s.db.ExecContext(ctx,
		`insert into allowed_users(email, role) values($1,$2)
		 on conflict (email) do update set role=excluded.role`,
		NormalizeEmail(email), role,
	)
	return err
}

func (s *pgAllow) Delete(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from allowed_users where email=$1`, NormalizeEmail(email))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type pgRequests struct {
	db *sql.DB
}

func (s *pgRequests) Insert(ctx context.Context, req *JoinRequest) error {
	if req.ID == "" {
		req.ID = ids.New()
	}
	req.Email = NormalizeEmail(req.Email)
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	// Uniqueness of a pending request per email is enforced by a partial
	// unique index, so a concurrent double-submit surfaces here as 23505.
	_, err := s.db.ExecContext(ctx,
		`insert into join_requests(id, email, ip, status, created_at) values($1,$2,$3,$4,$5)`,
		req.ID, req.Email, nullString(req.IP), req.Status, req.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *pgRequests) Find(ctx context.Context, id string) (*JoinRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx,
		`select id, email, coalesce(ip,''), status, coalesce(decided_by,''), coalesce(decided_role,''), decided_at, created_at
		 from join_requests where id=$1`, id))
}

func (s *pgRequests) LatestByEmail(ctx context.Context, email string) (*JoinRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx,
		`select id, email, coalesce(ip,''), status, coalesce(decided_by,''), coalesce(decided_role,''), decided_at, created_at
		 from join_requests where email=$1 order by created_at desc limit 1`,
		NormalizeEmail(email)))
}

func (s *pgRequests) Transition(ctx context.Context, id string, to RequestStatus, decidedBy string, decidedRole Role, decidedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update join_requests
		 set status=$2, decided_by=$3, decided_role=nullif($4,''), decided_at=$5
		 where id=$1 and status='pending'`,
		id, to, decidedBy, string(decidedRole), decidedAt,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *pgRequests) QueryPending(ctx context.Context) ([]JoinRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, email, coalesce(ip,''), status, coalesce(decided_by,''), coalesce(decided_role,''), decided_at, created_at
		 from join_requests where status='pending' order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JoinRequest
	for rows.Next() {
		var r JoinRequest
		var decidedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Email, &r.IP, &r.Status, &r.DecidedBy, &r.DecidedRole, &decidedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		if decidedAt.Valid {
			at := decidedAt.Time
			r.DecidedAt = &at
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(row *sql.Row) (*JoinRequest, error) {
	var r JoinRequest
	var decidedAt sql.NullTime
	err := row.Scan(&r.ID, &r.Email, &r.IP, &r.Status, &r.DecidedBy, &r.DecidedRole, &decidedAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		at := decidedAt.Time
		r.DecidedAt = &at
	}
	return &r, nil
}

type pgInvitations struct {
	db *sql.DB
}

func (s *pgInvitations) UpsertByEmail(ctx context.Context, inv *Invitation) error {
	if inv.ID == "" {
		inv.ID = ids.New()
	}
	inv.Email = NormalizeEmail(inv.Email)
	_, err := s.db.ExecContext(ctx,
		`insert into invitations(id, email, role, token, invited_by, expires_at, created_at)
		 values($1,$2,$3,$4,$5,$6,$7)
		 on conflict (email) do update
		 set id=excluded.id, role=excluded.role, token=excluded.token,
		     invited_by=excluded.invited_by, accepted_at=null,
		     expires_at=excluded.expires_at, created_at=excluded.created_at`,
		inv.ID, inv.Email, inv.Role, inv.Token, nullString(inv.InvitedBy), inv.ExpiresAt, inv.CreatedAt,
	)
	return err
}

func (s *pgInvitations) Get(ctx context.Context, id string) (*Invitation, error) {
	return scanInvitation(s.db.QueryRowContext(ctx,
		`select id, email, role, token, coalesce(invited_by,''), accepted_at, expires_at, created_at
		 from invitations where id=$1`, id))
}

func (s *pgInvitations) GetByToken(ctx context.Context, token string) (*Invitation, error) {
	return scanInvitation(s.db.QueryRowContext(ctx,
		`select id, email, role, token, coalesce(invited_by,''), accepted_at, expires_at, created_at
		 from invitations where token=$1`, token))
}

func (s *pgInvitations) MarkAccepted(ctx context.Context, token, accountID string, now time.Time) (*Invitation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inv, err := scanInvitation(tx.QueryRowContext(ctx,
		`select id, email, role, token, coalesce(invited_by,''), accepted_at, expires_at, created_at
		 from invitations where token=$1 for update`, token))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvitationInvalid
	}
	if err != nil {
		return nil, err
	}
	switch inv.StatusAt(now) {
	case InvitationExpired:
		return nil, ErrInvitationExpired
	case InvitationAccepted:
		return nil, ErrInvitationAccepted
	}

	if _, err := tx.ExecContext(ctx,
		`update invitations set accepted_at=$2 where id=$1`, inv.ID, now); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`update profiles set role=$2, updated_at=$3 where id=$1`, accountID, inv.Role, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	at := now
	inv.AcceptedAt = &at
	return inv, nil
}

func (s *pgInvitations) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from invitations where id=$1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgInvitations) List(ctx context.Context) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, email, role, token, coalesce(invited_by,''), accepted_at, expires_at, created_at
		 from invitations order by created_at desc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invitation
	for rows.Next() {
		var inv Invitation
		var acceptedAt sql.NullTime
		if err := rows.Scan(&inv.ID, &inv.Email, &inv.Role, &inv.Token, &inv.InvitedBy, &acceptedAt, &inv.ExpiresAt, &inv.CreatedAt); err != nil {
			return nil, err
		}
		if acceptedAt.Valid {
			at := acceptedAt.Time
			inv.AcceptedAt = &at
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvitation(row *sql.Row) (*Invitation, error) {
	var inv Invitation
	var acceptedAt sql.NullTime
	err := row.Scan(&inv.ID, &inv.Email, &inv.Role, &inv.Token, &inv.InvitedBy, &acceptedAt, &inv.ExpiresAt, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if acceptedAt.Valid {
		at := acceptedAt.Time
		inv.AcceptedAt = &at
	}
	return &inv, nil
}

type pgProfiles struct {
	db *sql.DB
}

func (s *pgProfiles) Get(ctx context.Context, id string) (*Profile, error) {
	return scanProfile(s.db.QueryRowContext(ctx,
		`select id, email, coalesce(full_name,''), coalesce(avatar_url,''), coalesce(role,''), last_seen_at, created_at, updated_at
		 from profiles where id=$1`, id))
}

func (s *pgProfiles) UpsertBackfill(ctx context.Context, p *Profile) (*Profile, error) {
	// do nothing on conflict keeps an existing role; the returning row is
	// the stored one either way.
	row := s.db.QueryRowContext(ctx,
		`with ins as (
		   insert into profiles(id, email, full_name, avatar_url, role)
		   values($1,$2,$3,$4,nullif($5,''))
		   on conflict (id) do nothing
		   returning id, email, coalesce(full_name,''), coalesce(avatar_url,''), coalesce(role,''), last_seen_at, created_at, updated_at
		 )
		 select * from ins
		 union all
		 select id, email, coalesce(full_name,''), coalesce(avatar_url,''), coalesce(role,''), last_seen_at, created_at, updated_at
		 from profiles where id=$1 and not exists (select 1 from ins)`,
		p.ID, NormalizeEmail(p.Email), p.FullName, p.AvatarURL, string(p.Role),
	)
	return scanProfile(row)
}

func (s *pgProfiles) UpdateRole(ctx context.Context, id string, role Role) error {
	res, err := s.db.ExecContext(ctx,
		`update profiles set role=$2, updated_at=now() where id=$1`, id, role)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgProfiles) TouchLastSeen(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update profiles set last_seen_at=$2 where id=$1`, id, now)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgProfiles) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from profiles where id=$1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgProfiles) List(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, email, coalesce(full_name,''), coalesce(avatar_url,''), coalesce(role,''), last_seen_at, created_at, updated_at
		 from profiles where role is not null order by full_name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		var lastSeen sql.NullTime
		if err := rows.Scan(&p.ID, &p.Email, &p.FullName, &p.AvatarURL, &p.Role, &lastSeen, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			at := lastSeen.Time
			p.LastSeenAt = &at
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProfile(row *sql.Row) (*Profile, error) {
	var p Profile
	var lastSeen sql.NullTime
	err := row.Scan(&p.ID, &p.Email, &p.FullName, &p.AvatarURL, &p.Role, &lastSeen, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		at := lastSeen.Time
		p.LastSeenAt = &at
	}
	return &p, nil
}

type pgPerms struct {
	db *sql.DB
}

func (s *pgPerms) QueryAll(ctx context.Context) ([]RolePermission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select role, permission, enabled, coalesce(updated_by,''), updated_at
		 from role_permissions order by role, permission`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RolePermission
	for rows.Next() {
		var rp RolePermission
		if err := rows.Scan(&rp.Role, &rp.Permission, &rp.Enabled, &rp.UpdatedBy, &rp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

func (s *pgPerms) UpsertRows(ctx context.Context, rows []RolePermission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range rows {
		if _, err := tx.ExecContext(ctx,
			`insert into role_permissions(role, permission, enabled, updated_by, updated_at)
			 values($1,$2,$3,$4,$5)
			 on conflict (role, permission) do update
			 set enabled=excluded.enabled, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
			row.Role, row.Permission, row.Enabled, nullString(row.UpdatedBy), row.UpdatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type pgIPs struct {
	db *sql.DB
}

func (s *pgIPs) Record(ctx context.Context, accountID, ip string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`insert into user_ips(account_id, ip, seen_at) values($1,$2,$3)
		 on conflict (account_id) do update set ip=excluded.ip, seen_at=excluded.seen_at`,
		accountID, ip, seenAt,
	)
	return err
}

func (s *pgIPs) Delete(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `delete from user_ips where account_id=$1`, accountID)
	return err
}

type pgAudit struct {
	db *sql.DB
}

func (s *pgAudit) Append(ctx context.Context, e *audit.Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`insert into audit_log(id, actor_email, action, resource, details, ip, occurred_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, nullString(e.ActorEmail), e.Action, nullString(e.Resource), details, nullString(e.IP), e.OccurredAt,
	)
	return err
}

func (s *pgAudit) Recent(ctx context.Context, limit int) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, coalesce(actor_email,''), action, coalesce(resource,''), details, coalesce(ip,''), occurred_at
		 from audit_log order by occurred_at desc limit $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var details []byte
		if err := rows.Scan(&e.ID, &e.ActorEmail, &e.Action, &e.Resource, &details, &e.IP, &e.OccurredAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgAudit) TrimOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from audit_log where occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
