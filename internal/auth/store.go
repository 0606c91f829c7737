package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PrincipalStore describes the persistence operations required by the auth service.
// Every method honours an ambient transaction started by WithinTx.
type PrincipalStore interface {
	FindOne(ctx context.Context, filter Filter) (*Principal, error)
	Create(ctx context.Context, in CreatePrincipal) (*Principal, error)
	Update(ctx context.Context, id string, upd PrincipalUpdate) (*Principal, error)
	Delete(ctx context.Context, id string) (bool, error)
	CreateProfile(ctx context.Context, role Role, principalID string, profile Profile) error
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// APIKeyStore resolves API keys by the hex SHA-256 of their value.
type APIKeyStore interface {
	FindAPIKey(ctx context.Context, hash string) (*APIKey, error)
}

// HashAPIKey returns the lookup hash stored for an API key value.
func HashAPIKey(value string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(value)))
	return hex.EncodeToString(sum[:])
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
