package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of principal kinds on the platform.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleSeeker  Role = "SEEKER"
	RoleCompany Role = "COMPANY"
)

// Roles lists every valid role in a stable order.
var Roles = []Role{RoleAdmin, RoleSeeker, RoleCompany}

// ParseRole accepts a role name in any case.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return role, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSeeker, RoleCompany:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }

// TokenType distinguishes bearer credentials minted by the codec.
type TokenType string

const (
	TokenAccess        TokenType = "access"
	TokenRefresh       TokenType = "refresh"
	TokenPasswordReset TokenType = "password_reset"
)

// TokenTypes lists every token type the codec can issue.
var TokenTypes = []TokenType{TokenAccess, TokenRefresh, TokenPasswordReset}

// Valid reports whether t is one of the known token types.
func (t TokenType) Valid() bool {
	switch t {
	case TokenAccess, TokenRefresh, TokenPasswordReset:
		return true
	}
	return false
}

func (t TokenType) String() string { return string(t) }
