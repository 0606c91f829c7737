package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"hireloop.dev/internal/auth"
	"hireloop.dev/internal/obs"
)

const serviceName = "hireloop-auth"

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings Postgres and Redis. Nil dependencies are skipped.
type ReadyProbe struct {
	Postgres Pinger
	Redis    Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	var errs []error
	if rp.Postgres != nil {
		if err := rp.Postgres.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config holds the HTTP-layer settings of the API.
type Config struct {
	Version           string
	Cookies           CookieConfig
	AuthBurst         int
	AuthPerSecond     float64
	APIKeyBurst       int
	MaxBodyBytes      int64
	CORSOrigins       []string
	AllowLocalOrigins bool
	TrustedProxies    []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	authn      *Authenticator
	readyProbe readinessChecker
	cfg        Config
	authLimit  func(http.Handler) http.Handler
}

func New(svc *auth.Service, rp readinessChecker, cfg Config) *API {
	if cfg.AuthBurst <= 0 {
		cfg.AuthBurst = 10
	}
	if cfg.AuthPerSecond <= 0 {
		cfg.AuthPerSecond = 5
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		authn:      NewAuthenticator(svc, cfg.Cookies, cfg.APIKeyBurst),
		readyProbe: rp,
		cfg:        cfg,
		authLimit:  RateLimit(cfg.AuthBurst, cfg.AuthPerSecond),
	}
	a.routes()
	return a
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /auth/register/admin", a.authn.AuthenticateAPIKey(
		RequirePermission(auth.PermAdminRegister)(http.HandlerFunc(a.registerAdmin))))
	a.mux.Handle("POST /auth/register/{role}", a.throttle(a.register))
	a.mux.Handle("POST /auth/verify-account", a.throttle(a.verifyAccount))
	a.mux.Handle("POST /auth/resend-verification", a.throttle(a.resendVerification))
	a.mux.Handle("POST /auth/login", a.throttle(a.login))
	a.mux.Handle("POST /auth/refresh-token", a.throttle(a.refreshToken))
	a.mux.Handle("POST /auth/forgot-password", a.throttle(a.forgotPassword))
	a.mux.Handle("POST /auth/verify-otp", a.throttle(a.verifyOTP))
	a.mux.Handle("POST /auth/reset-password", a.throttle(a.resetPassword))

	a.mux.Handle("POST /auth/logout", a.authn.AuthenticateUser(http.HandlerFunc(a.logout)))
	a.mux.Handle("POST /auth/change-password", a.authn.AuthenticateUser(http.HandlerFunc(a.changePassword)))
	a.mux.Handle("GET /auth/me", a.authn.AuthenticateAny(http.HandlerFunc(a.me)))

	a.mux.Handle("GET /admin/principals/{id}", a.authn.AuthenticateUser(
		RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.principal))))
	a.mux.Handle("GET /internal/principals/{id}", a.authn.AuthenticateAPIKey(
		RequirePermission(auth.PermSessionRead)(http.HandlerFunc(a.principal))))
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.cfg.MaxBodyBytes)
	h = CORS(h, a.cfg.CORSOrigins, a.cfg.AllowLocalOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	h = RealIP(h, a.cfg.TrustedProxies)
	return obs.Instrument(h)
}

// throttle applies the shared per-IP limit of the unauthenticated auth endpoints.
func (a *API) throttle(fn http.HandlerFunc) http.Handler {
	return a.authLimit(fn)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe.Check(r.Context()); err != nil {
			obs.Warn("readiness check failed", map[string]any{"error": err.Error()})
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps an auth error kind to its HTTP status. Internal
// details were already logged by the service.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusFor(err), auth.PublicMessage(err))
}

func statusFor(err error) int {
	switch auth.Kind(err) {
	case auth.ErrConflict:
		return http.StatusConflict
	case auth.ErrNotFound:
		return http.StatusNotFound
	case auth.ErrUnauthorized:
		return http.StatusUnauthorized
	case auth.ErrBadRequest:
		return http.StatusBadRequest
	case auth.ErrUnprocessableEntity:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
