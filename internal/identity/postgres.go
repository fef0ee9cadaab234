package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgErrUniqueViolation = "23505"

// PGAccounts implements AccountStore on PostgreSQL.
type PGAccounts struct {
	db *sql.DB
}

var _ AccountStore = (*PGAccounts)(nil)

func NewPGAccounts(db *sql.DB) *PGAccounts {
	return &PGAccounts{db: db}
}

func (s *PGAccounts) Create(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx,
		`insert into accounts(id, email, password_hash) values($1,$2,$3)`,
		a.ID, a.Email, a.PasswordHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *PGAccounts) FindByID(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, coalesce(password_hash,''), created_at, updated_at from accounts where id=$1`, id)
	return scanAccount(row)
}

func (s *PGAccounts) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, coalesce(password_hash,''), created_at, updated_at from accounts where email=$1`,
		normalizeEmail(email))
	return scanAccount(row)
}

func (s *PGAccounts) SetPasswordHash(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`update accounts set password_hash=$2, updated_at=now() where id=$1`, id, hash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}
