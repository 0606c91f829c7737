package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken indicates a signature, format or claim failure.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenExpired indicates a correctly signed token past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
)

// Claims is the payload carried by every token the service signs.
type Claims struct {
	PrincipalID string    `json:"id"`
	Role        Role      `json:"role"`
	Type        TokenType `json:"type"`
	jwt.RegisteredClaims
}

// Token is a signed credential together with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenPair is what a successful login, verification or refresh yields.
type TokenPair struct {
	Access  Token
	Refresh Token
}

// Codec signs and verifies HS256 tokens using the role-scoped secret table.
type Codec struct {
	secrets *SecretTable
	now     func() time.Time
}

// NewCodec builds a codec. A nil clock defaults to time.Now.
func NewCodec(secrets *SecretTable, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{secrets: secrets, now: now}
}

// TTL exposes the resolved lifetime for a role and token type.
func (c *Codec) TTL(role Role, typ TokenType) time.Duration {
	return c.secrets.TTL(role, typ)
}

// Issue signs a new token for the principal.
func (c *Codec) Issue(principalID string, role Role, typ TokenType) (Token, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Token{}, errors.New("auth: principal id is required")
	}
	if !role.Valid() || !typ.Valid() {
		return Token{}, fmt.Errorf("auth: cannot issue %q token for role %q", typ, role)
	}
	secret, err := c.secrets.Secret(role, typ)
	if err != nil {
		return Token{}, err
	}

	now := c.now().UTC()
	expiresAt := now.Add(c.secrets.TTL(role, typ))
	claims := Claims{
		PrincipalID: principalID,
		Role:        role,
		Type:        typ,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify checks the signature and expiry of token against the secret for
// (role, typ) and requires the embedded role and type to match.
func (c *Codec) Verify(token string, role Role, typ TokenType) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	secret, err := c.secrets.Secret(role, typ)
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != role || claims.Type != typ || strings.TrimSpace(claims.PrincipalID) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyAny verifies a token whose role is not known in advance. The
// unverified role only selects the secret; nothing decoded is returned
// unless the signature checks out.
func (c *Codec) VerifyAny(token string, typ TokenType) (*Claims, error) {
	hint, ok := c.decodeUnverified(token)
	if !ok || !hint.Role.Valid() {
		return nil, ErrInvalidToken
	}
	return c.Verify(token, hint.Role, typ)
}

// decodeUnverified reads claims without checking the signature. The result
// must never be used for an authorization decision.
func (c *Codec) decodeUnverified(token string) (*Claims, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, false
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}
