package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSecretTableFallbackChain(t *testing.T) {
	table := NewSecretTable(SecretConfig{
		GlobalSecret: " global ",
		Entries: map[Role]map[TokenType]TokenSettings{
			RoleCompany: {TokenRefresh: {Secret: "company-refresh"}},
		},
	})

	got, err := table.Secret(RoleCompany, TokenRefresh)
	if err != nil || string(got) != "company-refresh" {
		t.Fatalf("role secret: got %q, %v", got, err)
	}
	got, err = table.Secret(RoleCompany, TokenAccess)
	if err != nil || string(got) != "global" {
		t.Fatalf("global secret: got %q, %v", got, err)
	}

	empty := NewSecretTable(SecretConfig{})
	if _, err := empty.Secret(RoleSeeker, TokenAccess); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	if err := empty.Validate(); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("Validate: expected ErrMissingSecret, got %v", err)
	}

	dev := NewSecretTable(SecretConfig{AllowInsecureFallback: true})
	got, err = dev.Secret(RoleSeeker, TokenAccess)
	if err != nil || string(got) != insecureFallbackSecret {
		t.Fatalf("fallback secret: got %q, %v", got, err)
	}
	if err := dev.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSecretTableTTL(t *testing.T) {
	table := NewSecretTable(SecretConfig{
		TypeTTL: map[TokenType]time.Duration{TokenAccess: 10 * time.Minute, TokenRefresh: 0},
		Entries: map[Role]map[TokenType]TokenSettings{
			RoleAdmin: {TokenAccess: {TTL: 2 * time.Minute}},
		},
	})

	cases := []struct {
		role Role
		typ  TokenType
		want time.Duration
	}{
		{RoleAdmin, TokenAccess, 2 * time.Minute},
		{RoleSeeker, TokenAccess, 10 * time.Minute},
		{RoleSeeker, TokenRefresh, DefaultRefreshTTL},
		{RoleCompany, TokenPasswordReset, DefaultPasswordResetTTL},
	}
	for _, tc := range cases {
		if got := table.TTL(tc.role, tc.typ); got != tc.want {
			t.Fatalf("TTL(%s,%s)=%v, want %v", tc.role, tc.typ, got, tc.want)
		}
	}
}
