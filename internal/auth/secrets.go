package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultAccessTTL        = 15 * time.Minute
	DefaultRefreshTTL       = 7 * 24 * time.Hour
	DefaultPasswordResetTTL = 15 * time.Minute

	insecureFallbackSecret = "hireloop-insecure-development-secret"
)

// ErrMissingSecret indicates that no signing secret resolves for a role and token type.
var ErrMissingSecret = errors.New("auth: signing secret is not configured")

// TokenSettings is one cell of the role-scoped configuration table.
type TokenSettings struct {
	Secret string
	TTL    time.Duration
}

// SecretConfig is the raw input used to build a SecretTable.
type SecretConfig struct {
	// GlobalSecret is used for any (role, type) without its own secret.
	GlobalSecret string
	// TypeTTL overrides the hardcoded lifetime of a token type for every role.
	TypeTTL map[TokenType]time.Duration
	// Entries holds role and type specific overrides.
	Entries map[Role]map[TokenType]TokenSettings
	// AllowInsecureFallback enables a hardcoded secret as the last resort.
	// It must stay false in production.
	AllowInsecureFallback bool
}

type tableKey struct {
	role Role
	typ  TokenType
}

// SecretTable resolves signing secrets and lifetimes keyed by (role, token type).
// It is immutable once built and safe for concurrent use.
type SecretTable struct {
	entries  map[tableKey]TokenSettings
	global   string
	typeTTL  map[TokenType]time.Duration
	fallback bool
}

// NewSecretTable copies cfg into an immutable lookup table.
func NewSecretTable(cfg SecretConfig) *SecretTable {
	t := &SecretTable{
		entries:  make(map[tableKey]TokenSettings),
		global:   strings.TrimSpace(cfg.GlobalSecret),
		typeTTL:  make(map[TokenType]time.Duration, len(cfg.TypeTTL)),
		fallback: cfg.AllowInsecureFallback,
	}
	for typ, ttl := range cfg.TypeTTL {
		if ttl > 0 {
			t.typeTTL[typ] = ttl
		}
	}
	for role, byType := range cfg.Entries {
		for typ, settings := range byType {
			settings.Secret = strings.TrimSpace(settings.Secret)
			t.entries[tableKey{role: role, typ: typ}] = settings
		}
	}
	return t
}

// Secret resolves the signing secret: role+type entry, then the global
// secret, then the development fallback when allowed.
func (t *SecretTable) Secret(role Role, typ TokenType) ([]byte, error) {
	if entry, ok := t.entries[tableKey{role: role, typ: typ}]; ok && entry.Secret != "" {
		return []byte(entry.Secret), nil
	}
	if t.global != "" {
		return []byte(t.global), nil
	}
	if t.fallback {
		return []byte(insecureFallbackSecret), nil
	}
	return nil, fmt.Errorf("%w: role=%s type=%s", ErrMissingSecret, role, typ)
}

// TTL resolves the token lifetime with the same cascading strategy as Secret,
// ending at the hardcoded defaults.
func (t *SecretTable) TTL(role Role, typ TokenType) time.Duration {
	if entry, ok := t.entries[tableKey{role: role, typ: typ}]; ok && entry.TTL > 0 {
		return entry.TTL
	}
	if ttl, ok := t.typeTTL[typ]; ok {
		return ttl
	}
	return defaultTTL(typ)
}

// Validate checks that every (role, type) pair resolves to a secret.
func (t *SecretTable) Validate() error {
	var errs []error
	for _, role := range Roles {
		for _, typ := range TokenTypes {
			if _, err := t.Secret(role, typ); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func defaultTTL(typ TokenType) time.Duration {
	switch typ {
	case TokenRefresh:
		return DefaultRefreshTTL
	case TokenPasswordReset:
		return DefaultPasswordResetTTL
	default:
		return DefaultAccessTTL
	}
}
