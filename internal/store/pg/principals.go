package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"hireloop.dev/internal/auth"
	"hireloop.dev/internal/ids"
)

var _ auth.PrincipalStore = (*Store)(nil)

const principalColumns = `id, email, coalesce(phone, ''), password_hash, role, email_verified, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (*auth.Principal, error) {
	var (
		p    auth.Principal
		role string
	)
	if err := row.Scan(&p.ID, &p.Email, &p.Phone, &p.PasswordHash, &role, &p.EmailVerified, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Role = auth.Role(role)
	return &p, nil
}

func (s *Store) FindOne(ctx context.Context, f auth.Filter) (*auth.Principal, error) {
	var (
		cond string
		arg  string
	)
	switch {
	case f.ID != "":
		cond, arg = "id = $1", f.ID
	case f.Email != "":
		cond, arg = "lower(email) = lower($1)", f.Email
	case f.Phone != "":
		cond, arg = "phone = $1", f.Phone
	default:
		return nil, errors.New("pg: empty principal filter")
	}
	p, err := scanPrincipal(s.q(ctx).QueryRowContext(ctx,
		`select `+principalColumns+` from principals where `+cond+` limit 1`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) Create(ctx context.Context, in auth.CreatePrincipal) (*auth.Principal, error) {
	p, err := scanPrincipal(s.q(ctx).QueryRowContext(ctx, `
		insert into principals (id, email, phone, password_hash, role)
		values ($1, $2, $3, $4, $5)
		returning `+principalColumns,
		ids.New(), in.Email, nullIfEmpty(in.Phone), in.PasswordHash, string(in.Role)))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil, duplicate(pgErr.ConstraintName)
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) Update(ctx context.Context, id string, upd auth.PrincipalUpdate) (*auth.Principal, error) {
	p, err := scanPrincipal(s.q(ctx).QueryRowContext(ctx, `
		update principals set
			email = coalesce($2, email),
			phone = coalesce($3, phone),
			password_hash = coalesce($4, password_hash),
			email_verified = coalesce($5, email_verified),
			updated_at = $6
		where id = $1
		returning `+principalColumns,
		id, nullString(upd.Email), nullString(upd.Phone), nullString(upd.PasswordHash), nullBool(upd.EmailVerified), s.now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrRecordNotFound
	}
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil, duplicate(pgErr.ConstraintName)
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `delete from principals where id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) CreateProfile(ctx context.Context, role auth.Role, principalID string, profile auth.Profile) error {
	var (
		query string
		args  []any
	)
	switch role {
	case auth.RoleSeeker:
		query = `insert into seeker_profiles (principal_id, full_name, location) values ($1, $2, $3)`
		args = []any{principalID, profile.DisplayName, profile.Location}
	case auth.RoleCompany:
		query = `insert into company_profiles (principal_id, legal_name, website, location) values ($1, $2, $3, $4)`
		args = []any{principalID, profile.DisplayName, profile.Website, profile.Location}
	case auth.RoleAdmin:
		query = `insert into admin_profiles (principal_id, display_name) values ($1, $2)`
		args = []any{principalID, profile.DisplayName}
	default:
		return fmt.Errorf("pg: no profile table for role %q", role)
	}
	if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return duplicate(pgErr.ConstraintName)
			case pgErrForeignKeyViolation:
				return auth.ErrRecordNotFound
			}
		}
		return err
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

// duplicate maps a unique constraint to the field it guards.
func duplicate(constraint string) error {
	switch constraint {
	case "principals_email_key":
		return &auth.DuplicateError{Field: "email"}
	case "principals_phone_key":
		return &auth.DuplicateError{Field: "phone"}
	case "seeker_profiles_pkey", "company_profiles_pkey", "admin_profiles_pkey":
		return &auth.DuplicateError{Field: "profile"}
	default:
		return &auth.DuplicateError{Field: constraint}
	}
}
