package auth

import (
	"slices"
	"time"
)

// APIKey is the metadata stored for a machine client credential. It is cached
// as JSON under APIKeyCacheKey.
type APIKey struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id"`
	ClientName  string     `json:"client_name"`
	Permissions []string   `json:"permissions"`
	RateLimit   int        `json:"rate_limit"`
	Active      bool       `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the key has an expiry at or before now.
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// APIClient is the part of an API key attached to the request context.
type APIClient struct {
	APIKeyID    string
	ClientID    string
	ClientName  string
	Permissions map[string]struct{}
	RateLimit   int
}

// NewAPIClient resolves the permission set of key.
func NewAPIClient(key APIKey) *APIClient {
	set := make(map[string]struct{}, len(key.Permissions))
	for _, p := range key.Permissions {
		set[p] = struct{}{}
	}
	return &APIClient{
		APIKeyID:    key.ID,
		ClientID:    key.ClientID,
		ClientName:  key.ClientName,
		Permissions: set,
		RateLimit:   key.RateLimit,
	}
}

// HasPermission reports whether the client may execute the action identified by key.
func (c *APIClient) HasPermission(key string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Permissions[key]
	return ok
}

// PermissionList returns the client's permissions in sorted order.
func (c *APIClient) PermissionList() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Permissions))
	for k := range c.Permissions {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
