package httpapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"hireloop.dev/internal/audit"
	"hireloop.dev/internal/auth"
	"hireloop.dev/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Authenticator turns API keys and session cookies into an auth.Identity.
type Authenticator struct {
	svc     *auth.Service
	cookies CookieConfig

	refreshes singleflight.Group

	keyLimits *limiterSet
}

// NewAuthenticator builds the request authentication middleware. keyBurst is
// the bucket size used for API keys that declare a per-minute rate limit.
func NewAuthenticator(svc *auth.Service, cookies CookieConfig, keyBurst int) *Authenticator {
	if keyBurst <= 0 {
		keyBurst = 1
	}
	return &Authenticator{
		svc:       svc,
		cookies:   cookies,
		keyLimits: newLimiterSet(0, keyBurst),
	}
}

// AuthenticateAPIKey requires a valid "Authorization: Bearer <key>" header.
func (a *Authenticator) AuthenticateAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, ok := a.apiKey(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthenticateUser requires both session cookies. An access token that fails
// verification triggers a refresh rotation; a valid access token is still
// rejected when its refresh marker has been revoked.
func (a *Authenticator) AuthenticateUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, ok := a.session(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthenticateAny accepts an API key when a bearer Authorization header is
// present and a session otherwise.
func (a *Authenticator) AuthenticateAny(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			ctx context.Context
			ok  bool
		)
		if hasBearer(r.Header.Get(authHeader)) {
			ctx, ok = a.apiKey(w, r)
		} else {
			ctx, ok = a.session(w, r)
		}
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) apiKey(w http.ResponseWriter, r *http.Request) (context.Context, bool) {
	value, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, auth.MsgInvalidAPIKey)
		return nil, false
	}
	client, err := a.svc.AuthenticateAPIKey(r.Context(), value)
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	if client.RateLimit > 0 && !allow(w, r, a.keyLimiter(client)) {
		return nil, false
	}
	ctx := auth.ContextWithIdentity(r.Context(), auth.Identity{
		PrincipalID: client.ClientID,
		Method:      auth.MethodAPIKey,
		Type:        auth.TypeAPIClient,
		APIClient:   client,
	})
	return ctx, true
}

// keyLimiter returns the bucket of an API key; RateLimit is requests per minute.
func (a *Authenticator) keyLimiter(client *auth.APIClient) *rate.Limiter {
	return a.keyLimits.getLimit(client.APIKeyID, rate.Limit(float64(client.RateLimit)/60))
}

func (a *Authenticator) session(w http.ResponseWriter, r *http.Request) (context.Context, bool) {
	access := cookieValue(r, accessCookie)
	refresh := cookieValue(r, refreshCookie)
	if access == "" || refresh == "" {
		a.reject(w, r, auth.MsgAuthRequired)
		return nil, false
	}

	claims, err := a.svc.VerifyAccessToken(access)
	if err != nil {
		return a.refreshSession(w, r, refresh)
	}

	active, err := a.svc.SessionActive(r.Context(), claims.Role, claims.PrincipalID, refresh)
	if err != nil {
		obs.Error("session marker lookup failed", map[string]any{
			"request_id":   RequestIDFromContext(r.Context()),
			"principal_id": claims.PrincipalID,
			"error":        err.Error(),
		})
		a.cookies.clearSession(w)
		writeError(w, r, http.StatusInternalServerError, auth.MsgInternal)
		return nil, false
	}
	if !active {
		a.reject(w, r, auth.MsgSessionExpired)
		return nil, false
	}

	p, err := a.svc.Principal(r.Context(), claims.PrincipalID)
	if err != nil {
		a.fail(w, r, err)
		return nil, false
	}
	return a.withSession(r.Context(), p, access, refresh), true
}

func hasBearer(header string) bool {
	header = strings.TrimSpace(header)
	return len(header) >= len(bearer) && strings.EqualFold(header[:len(bearer)], bearer)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !hasBearer(header) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

type rotation struct {
	pair      auth.TokenPair
	principal *auth.Principal
}

// refreshSession rotates the refresh token. Concurrent requests presenting the
// same refresh token share one rotation.
func (a *Authenticator) refreshSession(w http.ResponseWriter, r *http.Request, refresh string) (context.Context, bool) {
	ctx := context.WithoutCancel(r.Context())
	v, err, _ := a.refreshes.Do(refresh, func() (any, error) {
		pair, p, err := a.svc.RefreshToken(ctx, "", refresh)
		if err != nil {
			return nil, err
		}
		obs.RecordRefreshRotation("middleware")
		return rotation{pair: pair, principal: p}, nil
	})
	if err != nil {
		a.fail(w, r, err)
		return nil, false
	}
	rot := v.(rotation)
	a.cookies.setSession(w, rot.pair)

	sessCtx := a.withSession(r.Context(), rot.principal, rot.pair.Access.Value, rot.pair.Refresh.Value)
	_ = audit.LogEvent(sessCtx, "auth.session.refreshed", map[string]any{"source": "middleware"})
	return sessCtx, true
}

func (a *Authenticator) withSession(ctx context.Context, p *auth.Principal, access, refresh string) context.Context {
	return auth.ContextWithIdentity(ctx, auth.Identity{
		PrincipalID:  p.ID,
		Role:         p.Role,
		Email:        p.Email,
		Method:       auth.MethodSession,
		Type:         auth.TypeUser,
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

// fail clears the session and maps err: internal failures are 500, anything
// else is a generic 401.
func (a *Authenticator) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(auth.Kind(err), auth.ErrInternal) {
		a.cookies.clearSession(w)
		writeError(w, r, http.StatusInternalServerError, auth.MsgInternal)
		return
	}
	a.reject(w, r, auth.MsgSessionExpired)
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, msg string) {
	a.cookies.clearSession(w)
	writeError(w, r, http.StatusUnauthorized, msg)
}

// RequireRole admits session callers whose role is one of roles.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, auth.MsgAuthRequired)
				return
			}
			if id.Type != auth.TypeUser || !slices.Contains(roles, id.Role) {
				writeError(w, r, http.StatusForbidden, auth.MsgForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission admits API clients holding perm.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, auth.MsgAuthRequired)
				return
			}
			if !id.APIClient.HasPermission(perm) {
				writeError(w, r, http.StatusForbidden, auth.MsgForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
