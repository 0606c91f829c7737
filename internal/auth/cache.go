package auth

import (
	"context"
	"time"
)

// TokenCache is the TTL-backed key-value store holding OTPs and single-use markers.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	// CompareAndDelete removes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// Take removes key and reports whether it existed.
	Take(ctx context.Context, key string) (bool, error)
}

// Cache key layout shared with every other consumer of the cache.

func AccountVerificationOTPKey(email string) string {
	return "account_verification_otp:" + email
}

func PasswordResetOTPKey(principalID string) string {
	return "password_reset_otp:" + principalID
}

func PasswordResetTokenKey(principalID string) string {
	return "password_reset_token:" + principalID
}

func RefreshTokenKey(role Role, principalID, token string) string {
	return "refresh_token:" + string(role) + ":" + principalID + ":" + token
}

func APIKeyCacheKey(value string) string {
	return "api_key:" + value
}
