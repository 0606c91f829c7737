package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"hireloop.dev/internal/auth"
	"hireloop.dev/internal/ids"
)

var _ auth.APIKeyStore = (*Store)(nil)

func (s *Store) FindAPIKey(ctx context.Context, hash string) (*auth.APIKey, error) {
	var (
		key       auth.APIKey
		rawPerms  []byte
		expiresAt sql.NullTime
	)
	err := s.q(ctx).QueryRowContext(ctx, `
		select id, client_id, client_name, permissions, rate_limit, active, expires_at
		from api_keys
		where key_hash = $1
	`, hash).Scan(&key.ID, &key.ClientID, &key.ClientName, &rawPerms, &key.RateLimit, &key.Active, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawPerms) > 0 {
		if err := json.Unmarshal(rawPerms, &key.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	return &key, nil
}

// CreateAPIKey stores key under the hash of its secret value. The value itself
// is never persisted.
func (s *Store) CreateAPIKey(ctx context.Context, key auth.APIKey, hash string) (auth.APIKey, error) {
	if key.ID == "" {
		key.ID = ids.New()
	}
	perms := key.Permissions
	if perms == nil {
		perms = []string{}
	}
	permJSON, err := json.Marshal(perms)
	if err != nil {
		return auth.APIKey{}, fmt.Errorf("marshal permissions: %w", err)
	}
	var expiresAt sql.NullTime
	if key.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: key.ExpiresAt.UTC(), Valid: true}
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		insert into api_keys (id, key_hash, client_id, client_name, permissions, rate_limit, active, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, key.ID, hash, key.ClientID, key.ClientName, permJSON, key.RateLimit, key.Active, expiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.APIKey{}, fmt.Errorf("%w: %s", auth.ErrDuplicateRecord, pgErr.ConstraintName)
		}
		return auth.APIKey{}, err
	}
	return key, nil
}
