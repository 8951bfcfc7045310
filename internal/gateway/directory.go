package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

const (
	pgUniqueViolation   = "23505"
	profilesUsernameKey = "profiles_username_key"
)

// Querier is the subset of pgxpool.Pool used by the gateway.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuthUser is an account row in auth_users.
type AuthUser struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	Metadata     Metadata
	ConfirmedAt  *time.Time
	CreatedAt    time.Time
}

// Identity projects the account onto the public identity.
func (u *AuthUser) Identity() Identity {
	return Identity{ID: u.ID, Email: u.Email, Role: u.Role, Metadata: u.Metadata}
}

// Directory persists auth accounts.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (*AuthUser, error)
	FindByID(ctx context.Context, id string) (*AuthUser, error)
	Create(ctx context.Context, email, passwordHash, role string, metadata Metadata) (*AuthUser, error)
	Confirm(ctx context.Context, id string, at time.Time) error
	SetPassword(ctx context.Context, id, passwordHash string) error
	PruneUnconfirmed(ctx context.Context, createdBefore time.Time) (int64, error)
}

// PGDirectory implements Directory on PostgreSQL.
type PGDirectory struct {
	db Querier
}

// NewPGDirectory constructs a PostgreSQL directory.
func NewPGDirectory(db Querier) *PGDirectory {
	return &PGDirectory{db: db}
}

const authUserColumns = `id::text, email, password_hash, role, user_metadata, confirmed_at, created_at`

// FindByEmail fetches an account by email, case-insensitively.
func (d *PGDirectory) FindByEmail(ctx context.Context, email string) (*AuthUser, error) {
	row := d.db.QueryRow(ctx, `SELECT `+authUserColumns+` FROM auth_users WHERE lower(email) = lower($1)`, strings.TrimSpace(email))
	return scanAuthUser(row)
}

// FindByID fetches an account by id.
func (d *PGDirectory) FindByID(ctx context.Context, id string) (*AuthUser, error) {
	row := d.db.QueryRow(ctx, `SELECT `+authUserColumns+` FROM auth_users WHERE id = $1::uuid`, id)
	return scanAuthUser(row)
}

// Create inserts an account. A duplicate email yields ErrUserExists; a
// username collision raised by the profile trigger yields ErrUsernameExists.
func (d *PGDirectory) Create(ctx context.Context, email, passwordHash, role string, metadata Metadata) (*AuthUser, error) {
	if metadata == nil {
		metadata = Metadata{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal metadata: %w", err)
	}
	row := d.db.QueryRow(ctx, `INSERT INTO auth_users (email, password_hash, role, user_metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW())
RETURNING `+authUserColumns, strings.TrimSpace(email), passwordHash, role, meta)
	user, err := scanAuthUser(row)
	if err != nil {
		return nil, createError(err)
	}
	return user, nil
}

func createError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return err
	}
	if pgErr.ConstraintName == profilesUsernameKey {
		return ErrUsernameExists
	}
	return ErrUserExists
}

// Confirm stamps the account as confirmed.
func (d *PGDirectory) Confirm(ctx context.Context, id string, at time.Time) error {
	tag, err := d.db.Exec(ctx, `UPDATE auth_users SET confirmed_at = COALESCE(confirmed_at, $2), updated_at = NOW() WHERE id = $1::uuid`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPassword replaces the password hash.
func (d *PGDirectory) SetPassword(ctx context.Context, id, passwordHash string) error {
	tag, err := d.db.Exec(ctx, `UPDATE auth_users SET password_hash = $2, updated_at = NOW() WHERE id = $1::uuid`, id, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneUnconfirmed deletes accounts never confirmed and created before the cutoff.
func (d *PGDirectory) PruneUnconfirmed(ctx context.Context, createdBefore time.Time) (int64, error) {
	tag, err := d.db.Exec(ctx, `DELETE FROM auth_users WHERE confirmed_at IS NULL AND created_at < $1`, createdBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanAuthUser(row pgx.Row) (*AuthUser, error) {
	var (
		user        AuthUser
		meta        []byte
		confirmedAt pgtype.Timestamptz
		createdAt   pgtype.Timestamptz
	)
	if err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &meta, &confirmedAt, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &user.Metadata); err != nil {
			return nil, fmt.Errorf("gateway: decode metadata: %w", err)
		}
	}
	if confirmedAt.Valid {
		at := confirmedAt.Time
		user.ConfirmedAt = &at
	}
	user.CreatedAt = createdAt.Time
	return &user, nil
}

var _ Directory = (*PGDirectory)(nil)
