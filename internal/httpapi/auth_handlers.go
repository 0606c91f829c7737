package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"hireloop.dev/internal/audit"
	"hireloop.dev/internal/auth"
	"hireloop.dev/internal/obs"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Phone    string `json:"phone" validate:"omitempty,e164"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Name     string `json:"name" validate:"required,max=200"`
	Website  string `json:"website" validate:"omitempty,url,max=500"`
	Location string `json:"location" validate:"omitempty,max=200"`
}

type otpRequest struct {
	Email string `json:"email" validate:"required,email"`
	OTP   string `json:"otp" validate:"required,len=6,numeric"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=128"`
}

type resetPasswordRequest struct {
	ResetToken  string `json:"reset_token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=128"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=128"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128,nefield=CurrentPassword"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type sessionResponse struct {
	Message string        `json:"message"`
	User    principalView `json:"user"`
}

type principalView struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone,omitempty"`
	Role          auth.Role `json:"role"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

func viewOf(p *auth.Principal) principalView {
	return principalView{
		ID:            p.ID,
		Email:         p.Email,
		Phone:         p.Phone,
		Role:          p.Role,
		EmailVerified: p.EmailVerified,
		CreatedAt:     p.CreatedAt,
	}
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	role, err := auth.ParseRole(r.PathValue("role"))
	if err != nil || role == auth.RoleAdmin {
		writeError(w, r, http.StatusNotFound, "unknown role")
		return
	}
	a.doRegister(w, r, role)
}

func (a *API) registerAdmin(w http.ResponseWriter, r *http.Request) {
	a.doRegister(w, r, auth.RoleAdmin)
}

func (a *API) doRegister(w http.ResponseWriter, r *http.Request, role auth.Role) {
	var req registerRequest
	if !bind(w, r, &req) {
		return
	}
	msg, err := a.svc.Register(r.Context(), auth.RegisterInput{
		Role:     role,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
		Profile: auth.Profile{
			DisplayName: req.Name,
			Website:     req.Website,
			Location:    req.Location,
		},
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.registered", map[string]any{
		"role":  role,
		"email": auth.NormalizeEmail(req.Email),
	})
	writeJSON(w, http.StatusCreated, messageResponse{Message: msg})
}

func (a *API) verifyAccount(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if !bind(w, r, &req) {
		return
	}
	pair, p, err := a.svc.VerifyAccountOTP(r.Context(), req.Email, req.OTP)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.cfg.Cookies.setSession(w, pair)
	_ = audit.LogEvent(principalContext(r, p), "auth.account.verified", nil)
	writeJSON(w, http.StatusOK, sessionResponse{Message: "Account verified", User: viewOf(p)})
}

func (a *API) resendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !bind(w, r, &req) {
		return
	}
	msg, err := a.svc.ResendVerificationOTP(r.Context(), req.Email)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !bind(w, r, &req) {
		return
	}
	pair, p, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
				"email":     auth.NormalizeEmail(req.Email),
				"remote_ip": clientIP(r),
			})
		}
		a.cfg.Cookies.clearSession(w)
		writeServiceError(w, r, err)
		return
	}
	a.cfg.Cookies.setSession(w, pair)
	_ = audit.LogEvent(principalContext(r, p), "auth.login", map[string]any{"remote_ip": clientIP(r)})
	writeJSON(w, http.StatusOK, sessionResponse{Message: "Logged in", User: viewOf(p)})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	msg, err := a.svc.Logout(r.Context(), id.PrincipalID, id.RefreshToken)
	a.cfg.Cookies.clearSession(w)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (a *API) refreshToken(w http.ResponseWriter, r *http.Request) {
	refresh := cookieValue(r, refreshCookie)
	if refresh == "" {
		a.cfg.Cookies.clearSession(w)
		writeError(w, r, http.StatusUnauthorized, auth.MsgAuthRequired)
		return
	}
	pair, p, err := a.svc.RefreshToken(r.Context(), "", refresh)
	if err != nil {
		a.cfg.Cookies.clearSession(w)
		writeServiceError(w, r, err)
		return
	}
	obs.RecordRefreshRotation("endpoint")
	a.cfg.Cookies.setSession(w, pair)
	_ = audit.LogEvent(principalContext(r, p), "auth.session.refreshed", map[string]any{"source": "endpoint"})
	writeJSON(w, http.StatusOK, messageResponse{Message: "Token refreshed"})
}

func (a *API) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !bind(w, r, &req) {
		return
	}
	msg, err := a.svc.ForgotPassword(r.Context(), req.Email)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (a *API) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if !bind(w, r, &req) {
		return
	}
	tok, err := a.svc.VerifyResetOTP(r.Context(), req.Email, req.OTP)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reset_token": tok.Value,
		"expires_at":  tok.ExpiresAt.UTC(),
	})
}

func (a *API) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !bind(w, r, &req) {
		return
	}
	msg, err := a.svc.ResetPassword(r.Context(), auth.ResetPasswordInput{
		ResetToken:  req.ResetToken,
		NewPassword: req.NewPassword,
		Device:      deviceOf(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.reset", map[string]any{"remote_ip": clientIP(r)})
	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !bind(w, r, &req) {
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	pair, err := a.svc.ChangePassword(r.Context(), auth.ChangePasswordInput{
		PrincipalID:     id.PrincipalID,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		RefreshToken:    id.RefreshToken,
		Device:          deviceOf(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.cfg.Cookies.setSession(w, pair)
	_ = audit.LogEvent(r.Context(), "auth.password.changed", nil)
	writeJSON(w, http.StatusOK, messageResponse{Message: auth.MsgPasswordChanged})
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	if id.Type == auth.TypeAPIClient {
		writeJSON(w, http.StatusOK, map[string]any{
			"type":        id.Type,
			"method":      id.Method,
			"client_id":   id.APIClient.ClientID,
			"client_name": id.APIClient.ClientName,
			"permissions": id.APIClient.PermissionList(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":   id.Type,
		"method": id.Method,
		"id":     id.PrincipalID,
		"role":   id.Role,
		"email":  id.Email,
	})
}

func (a *API) principal(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Principal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

// principalContext attaches a just-authenticated principal so audit entries carry it.
func principalContext(r *http.Request, p *auth.Principal) context.Context {
	return auth.ContextWithIdentity(r.Context(), auth.Identity{
		PrincipalID: p.ID,
		Role:        p.Role,
		Email:       p.Email,
		Method:      auth.MethodSession,
		Type:        auth.TypeUser,
	})
}

func deviceOf(r *http.Request) auth.DeviceInfo {
	return auth.DeviceInfo{IP: clientIP(r), UserAgent: r.UserAgent()}
}

// bind decodes and validates the body, writing 400/413/422 on failure.
func bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, r, http.StatusUnprocessableEntity, "invalid request")
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		payload := map[string]any{
			"error":  "validation failed",
			"fields": fields,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusUnprocessableEntity, payload)
		return false
	}
	return true
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
