package httpapi

import (
	"net/http"
	"time"

	"hireloop.dev/internal/auth"
)

const (
	accessCookie  = "access_token"
	refreshCookie = "refresh_token"

	accessCookieMaxAge  = 15 * time.Minute
	refreshCookieMaxAge = 7 * 24 * time.Hour
)

// CookieConfig controls the attributes of the session cookies.
type CookieConfig struct {
	Secure      bool
	Domain      string
	RefreshPath string
}

func (c CookieConfig) refreshPath() string {
	if c.RefreshPath == "" {
		return "/auth/refresh-token"
	}
	return c.RefreshPath
}

func (c CookieConfig) cookie(name, value, path string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   c.Domain,
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// setSession writes both session cookies for a freshly issued pair.
func (c CookieConfig) setSession(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, c.cookie(accessCookie, pair.Access.Value, "/", accessCookieMaxAge))
	http.SetCookie(w, c.cookie(refreshCookie, pair.Refresh.Value, c.refreshPath(), refreshCookieMaxAge))
}

// clearSession expires both session cookies.
func (c CookieConfig) clearSession(w http.ResponseWriter) {
	access := c.cookie(accessCookie, "", "/", 0)
	access.MaxAge = -1
	refresh := c.cookie(refreshCookie, "", c.refreshPath(), 0)
	refresh.MaxAge = -1
	http.SetCookie(w, access)
	http.SetCookie(w, refresh)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
