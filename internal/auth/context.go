package auth

import "context"

// AuthMethod records how a request authenticated.
type AuthMethod string

const (
	MethodAPIKey  AuthMethod = "api_key"
	MethodSession AuthMethod = "session"
)

// AuthType records what kind of caller a request belongs to.
type AuthType string

const (
	TypeAPIClient AuthType = "api_client"
	TypeUser      AuthType = "user"
)

// Identity is the request-scoped authentication context. It is never persisted.
type Identity struct {
	PrincipalID string
	Role        Role
	Email       string
	Method      AuthMethod
	Type        AuthType

	// APIClient is set when Method is MethodAPIKey.
	APIClient *APIClient

	// Raw session tokens, set when Method is MethodSession.
	AccessToken  string
	RefreshToken string
}

type identityContextKey struct{}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil {
		return Identity{}, false
	}
	return *v, true
}
