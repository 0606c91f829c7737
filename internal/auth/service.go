package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hireloop.dev/internal/obs"
)

const (
	defaultAPIKeyCacheTTL = 5 * time.Minute
	refreshMarkerValue    = "1"
)

// Service implements the authentication protocol: registration, OTP
// verification, login, logout, refresh rotation and password reset.
type Service struct {
	store     PrincipalStore
	cache     TokenCache
	codec     *Codec
	passwords *Passwords
	mailer    Mailer
	apiKeys   APIKeyStore
	otp       OTPSource
	now       func() time.Time
	tracer    trace.Tracer

	apiKeyCacheTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithOTPSource replaces the random OTP generator.
func WithOTPSource(src OTPSource) ServiceOption {
	return func(s *Service) error {
		if src != nil {
			s.otp = src
		}
		return nil
	}
}

// WithPasswords sets the role-scoped password policy.
func WithPasswords(p *Passwords) ServiceOption {
	return func(s *Service) error {
		if p == nil {
			return errors.New("auth: password policy is nil")
		}
		s.passwords = p
		return nil
	}
}

// WithMailer sets the job queue used for outgoing mail.
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) error {
		if m != nil {
			s.mailer = m
		}
		return nil
	}
}

// WithAPIKeyStore enables the store fallback for API keys missing from the cache.
func WithAPIKeyStore(store APIKeyStore) ServiceOption {
	return func(s *Service) error {
		s.apiKeys = store
		return nil
	}
}

// WithAPIKeyCacheTTL sets how long API keys loaded from the store stay cached.
func WithAPIKeyCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.apiKeyCacheTTL = ttl
		}
		return nil
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *Service) error {
		if t != nil {
			s.tracer = t
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store PrincipalStore, cache TokenCache, codec *Codec, opts ...ServiceOption) (*Service, error) {
	if store == nil || cache == nil || codec == nil {
		return nil, errors.New("auth: store, cache and codec are required")
	}
	svc := &Service{
		store:          store,
		cache:          cache,
		codec:          codec,
		passwords:      DefaultPasswords(nil),
		mailer:         noopMailer{},
		otp:            GenerateOTP,
		now:            time.Now,
		tracer:         otel.Tracer("hireloop.dev/internal/auth"),
		apiKeyCacheTTL: defaultAPIKeyCacheTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// guard runs fn inside a span and converts untyped failures into a generic
// internal error after logging them.
func (s *Service) guard(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "auth."+op)
	defer span.End()

	err := fn(ctx)
	if err == nil {
		obs.RecordAuthOperation(op, "ok")
		return nil
	}

	var typed *Error
	if !errors.As(err, &typed) {
		err = wrapError(ErrInternal, MsgInternal, err)
	}
	kind := Kind(err)
	if kind == ErrInternal {
		obs.Error("auth operation failed", map[string]any{"op": op, "error": err.Error()})
	}
	label := outcomeLabel(kind)
	span.SetAttributes(attribute.String("auth.outcome", label))
	span.RecordError(err)
	span.SetStatus(codes.Error, label)
	obs.RecordAuthOperation(op, label)
	return err
}

func outcomeLabel(kind error) string {
	switch kind {
	case ErrConflict:
		return "conflict"
	case ErrNotFound:
		return "not_found"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrBadRequest:
		return "bad_request"
	case ErrUnprocessableEntity:
		return "unprocessable"
	default:
		return "internal"
	}
}

// Register creates a principal and its role profile in one transaction, then
// caches a verification OTP and enqueues the verification mail.
func (s *Service) Register(ctx context.Context, in RegisterInput) (string, error) {
	err := s.guard(ctx, "register", func(ctx context.Context) error {
		email := NormalizeEmail(in.Email)
		phone := strings.TrimSpace(in.Phone)
		if !in.Role.Valid() || email == "" || in.Password == "" {
			return newError(ErrUnprocessableEntity, "role, email and password are required")
		}

		if _, err := s.store.FindOne(ctx, Filter{Email: email}); err == nil {
			return newError(ErrConflict, MsgEmailInUse)
		} else if !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		if phone != "" {
			if _, err := s.store.FindOne(ctx, Filter{Phone: phone}); err == nil {
				return newError(ErrConflict, MsgPhoneInUse)
			} else if !errors.Is(err, ErrRecordNotFound) {
				return err
			}
		}

		hash, err := s.passwords.Hash(in.Role, in.Password)
		if err != nil {
			return err
		}

		err = s.store.WithinTx(ctx, func(ctx context.Context) error {
			p, err := s.store.Create(ctx, CreatePrincipal{
				Email:        email,
				Phone:        phone,
				PasswordHash: hash,
				Role:         in.Role,
			})
			if err != nil {
				return err
			}
			return s.store.CreateProfile(ctx, in.Role, p.ID, in.Profile)
		})
		if errors.Is(err, ErrDuplicateRecord) {
			if DuplicateField(err) == "phone" {
				return wrapError(ErrConflict, MsgPhoneInUse, err)
			}
			return wrapError(ErrConflict, MsgEmailInUse, err)
		}
		if err != nil {
			return err
		}

		s.sendVerificationOTP(ctx, email)
		return nil
	})
	if err != nil {
		return "", err
	}
	return MsgRegistered, nil
}

// sendVerificationOTP is best effort: failures are logged and never undo registration.
func (s *Service) sendVerificationOTP(ctx context.Context, email string) {
	code, err := s.otp()
	if err != nil {
		obs.Error("generate verification otp", map[string]any{"error": err.Error()})
		return
	}
	if err := s.cache.Set(ctx, AccountVerificationOTPKey(email), code, OTPTTL); err != nil {
		obs.Error("cache verification otp", map[string]any{"error": err.Error()})
		return
	}
	s.enqueue(ctx, MailJob{
		Email:   email,
		Subject: "Verify your account",
		Template: MailTemplate{
			Name:    TemplateAccountVerification,
			Content: map[string]string{"otp": code, "expires_in_minutes": "10"},
		},
	})
}

// VerifyAccountOTP consumes the verification OTP, marks the email verified
// and opens a session.
func (s *Service) VerifyAccountOTP(ctx context.Context, email, otp string) (TokenPair, *Principal, error) {
	var (
		pair      TokenPair
		principal *Principal
	)
	err := s.guard(ctx, "verify_account_otp", func(ctx context.Context) error {
		email = NormalizeEmail(email)
		p, err := s.findPrincipal(ctx, Filter{Email: email})
		if err != nil {
			return err
		}
		otp = strings.TrimSpace(otp)
		if otp == "" {
			return newError(ErrUnauthorized, MsgInvalidOTP)
		}
		ok, err := s.cache.CompareAndDelete(ctx, AccountVerificationOTPKey(email), otp)
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrUnauthorized, MsgInvalidOTP)
		}

		verified := true
		p, err = s.store.Update(ctx, p.ID, PrincipalUpdate{EmailVerified: &verified})
		if err != nil {
			return err
		}
		pair, err = s.issuePair(ctx, p)
		principal = p
		return err
	})
	return pair, principal, err
}

// ResendVerificationOTP replaces the verification OTP of an unverified
// account. The response never reveals whether the account exists.
func (s *Service) ResendVerificationOTP(ctx context.Context, email string) (string, error) {
	err := s.guard(ctx, "resend_verification_otp", func(ctx context.Context) error {
		email = NormalizeEmail(email)
		p, err := s.store.FindOne(ctx, Filter{Email: email})
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !p.EmailVerified {
			s.sendVerificationOTP(ctx, email)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return MsgVerificationSent, nil
}

// Login checks credentials and opens a session. Unknown email and wrong
// password produce the same error.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, *Principal, error) {
	var (
		pair      TokenPair
		principal *Principal
	)
	err := s.guard(ctx, "login", func(ctx context.Context) error {
		p, err := s.store.FindOne(ctx, Filter{Email: NormalizeEmail(email)})
		if errors.Is(err, ErrRecordNotFound) {
			return newError(ErrUnauthorized, MsgInvalidCredentials)
		}
		if err != nil {
			return err
		}
		ok, err := s.passwords.Compare(p.Role, p.PasswordHash, password)
		if err != nil {
			obs.Warn("password compare failed", map[string]any{"principal_id": p.ID, "error": err.Error()})
		}
		if !ok {
			return newError(ErrUnauthorized, MsgInvalidCredentials)
		}
		pair, err = s.issuePair(ctx, p)
		principal = p
		return err
	})
	return pair, principal, err
}

// Logout revokes the presented refresh token.
func (s *Service) Logout(ctx context.Context, principalID, refreshToken string) (string, error) {
	err := s.guard(ctx, "logout", func(ctx context.Context) error {
		p, err := s.findPrincipal(ctx, Filter{ID: principalID})
		if err != nil {
			return err
		}
		if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
			return s.cache.Delete(ctx, RefreshTokenKey(p.Role, p.ID, refreshToken))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return MsgLoggedOut, nil
}

// RefreshToken rotates a refresh token: the presented marker is consumed
// atomically and a new pair is issued. principalID may be empty when the
// caller only holds the refresh token.
func (s *Service) RefreshToken(ctx context.Context, principalID, refreshToken string) (TokenPair, *Principal, error) {
	var (
		pair      TokenPair
		principal *Principal
	)
	err := s.guard(ctx, "refresh_token", func(ctx context.Context) error {
		claims, err := s.codec.VerifyAny(refreshToken, TokenRefresh)
		if err != nil {
			return wrapError(ErrUnauthorized, MsgSessionExpired, err)
		}
		if principalID != "" && claims.PrincipalID != principalID {
			return newError(ErrUnauthorized, MsgSessionExpired)
		}
		p, err := s.findPrincipal(ctx, Filter{ID: claims.PrincipalID})
		if err != nil {
			return err
		}
		if p.Role != claims.Role {
			return newError(ErrUnauthorized, MsgSessionExpired)
		}
		taken, err := s.cache.Take(ctx, RefreshTokenKey(claims.Role, p.ID, strings.TrimSpace(refreshToken)))
		if err != nil {
			return err
		}
		if !taken {
			return newError(ErrUnauthorized, MsgSessionExpired)
		}
		pair, err = s.issuePair(ctx, p)
		principal = p
		return err
	})
	return pair, principal, err
}

// ForgotPassword sends a reset OTP when the account exists. The response is
// identical either way.
func (s *Service) ForgotPassword(ctx context.Context, email string) (string, error) {
	err := s.guard(ctx, "forgot_password", func(ctx context.Context) error {
		email = NormalizeEmail(email)
		p, err := s.store.FindOne(ctx, Filter{Email: email})
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		code, err := s.otp()
		if err != nil {
			return err
		}
		if err := s.cache.Set(ctx, PasswordResetOTPKey(p.ID), code, OTPTTL); err != nil {
			obs.Error("cache password reset otp", map[string]any{"principal_id": p.ID, "error": err.Error()})
			return nil
		}
		s.enqueue(ctx, MailJob{
			Email:   p.Email,
			Subject: "Your password reset code",
			Template: MailTemplate{
				Name:    TemplatePasswordResetOTP,
				Content: map[string]string{"otp": code, "expires_in_minutes": "10"},
			},
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return MsgPasswordResetSent, nil
}

// VerifyResetOTP consumes the reset OTP and returns a single-use
// password_reset token for the final step.
func (s *Service) VerifyResetOTP(ctx context.Context, email, otp string) (Token, error) {
	var token Token
	err := s.guard(ctx, "verify_reset_otp", func(ctx context.Context) error {
		p, err := s.findPrincipal(ctx, Filter{Email: NormalizeEmail(email)})
		if err != nil {
			return err
		}
		otp = strings.TrimSpace(otp)
		if otp == "" {
			return newError(ErrBadRequest, MsgInvalidOTP)
		}
		ok, err := s.cache.CompareAndDelete(ctx, PasswordResetOTPKey(p.ID), otp)
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrBadRequest, MsgInvalidOTP)
		}
		token, err = s.codec.Issue(p.ID, p.Role, TokenPasswordReset)
		if err != nil {
			return err
		}
		return s.cache.Set(ctx, PasswordResetTokenKey(p.ID), token.Value, s.codec.TTL(p.Role, TokenPasswordReset))
	})
	return token, err
}

// ResetPassword sets a new password using a token from VerifyResetOTP. The
// token is consumed atomically, so it authorizes at most one reset.
func (s *Service) ResetPassword(ctx context.Context, in ResetPasswordInput) (string, error) {
	err := s.guard(ctx, "reset_password", func(ctx context.Context) error {
		if in.NewPassword == "" {
			return newError(ErrUnprocessableEntity, "new password is required")
		}
		resetToken := strings.TrimSpace(in.ResetToken)
		claims, err := s.codec.VerifyAny(resetToken, TokenPasswordReset)
		if err != nil {
			return wrapError(ErrBadRequest, MsgResetNotAuthorized, err)
		}
		p, err := s.findPrincipal(ctx, Filter{ID: claims.PrincipalID})
		if err != nil {
			return err
		}

		key := PasswordResetTokenKey(p.ID)
		stored, found, err := s.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found || stored != resetToken {
			return newError(ErrBadRequest, MsgResetNotAuthorized)
		}
		if err := s.rejectReuse(p, in.NewPassword); err != nil {
			return err
		}
		consumed, err := s.cache.CompareAndDelete(ctx, key, resetToken)
		if err != nil {
			return err
		}
		if !consumed {
			return newError(ErrBadRequest, MsgResetNotAuthorized)
		}

		if err := s.setPassword(ctx, p, in.NewPassword); err != nil {
			return err
		}
		s.notifyPasswordChanged(ctx, p, in.Device)
		return nil
	})
	if err != nil {
		return "", err
	}
	return MsgPasswordReset, nil
}

// ChangePassword replaces the password of an authenticated principal, revokes
// the presented refresh token and opens a fresh session.
func (s *Service) ChangePassword(ctx context.Context, in ChangePasswordInput) (TokenPair, error) {
	var pair TokenPair
	err := s.guard(ctx, "change_password", func(ctx context.Context) error {
		if in.NewPassword == "" {
			return newError(ErrUnprocessableEntity, "new password is required")
		}
		p, err := s.findPrincipal(ctx, Filter{ID: in.PrincipalID})
		if err != nil {
			return err
		}
		ok, err := s.passwords.Compare(p.Role, p.PasswordHash, in.CurrentPassword)
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrUnauthorized, MsgCurrentPasswordBad)
		}
		if err := s.rejectReuse(p, in.NewPassword); err != nil {
			return err
		}
		if err := s.setPassword(ctx, p, in.NewPassword); err != nil {
			return err
		}
		if rt := strings.TrimSpace(in.RefreshToken); rt != "" {
			if err := s.cache.Delete(ctx, RefreshTokenKey(p.Role, p.ID, rt)); err != nil {
				return err
			}
		}
		s.notifyPasswordChanged(ctx, p, in.Device)
		pair, err = s.issuePair(ctx, p)
		return err
	})
	return pair, err
}

// Principal loads an account by id.
func (s *Service) Principal(ctx context.Context, id string) (*Principal, error) {
	var principal *Principal
	err := s.guard(ctx, "principal", func(ctx context.Context) error {
		p, err := s.findPrincipal(ctx, Filter{ID: id})
		principal = p
		return err
	})
	return principal, err
}

// VerifyAccessToken checks an access token without touching the cache. It
// returns ErrTokenExpired or ErrInvalidToken unchanged.
func (s *Service) VerifyAccessToken(token string) (*Claims, error) {
	return s.codec.VerifyAny(token, TokenAccess)
}

// SessionActive reports whether the refresh marker of a session still exists.
func (s *Service) SessionActive(ctx context.Context, role Role, principalID, refreshToken string) (bool, error) {
	return s.cache.Has(ctx, RefreshTokenKey(role, principalID, strings.TrimSpace(refreshToken)))
}

// AuthenticateAPIKey resolves an API key from the cache, falling back to the
// store. Inactive or expired keys are rejected; expired keys are evicted.
func (s *Service) AuthenticateAPIKey(ctx context.Context, value string) (*APIClient, error) {
	var client *APIClient
	err := s.guard(ctx, "authenticate_api_key", func(ctx context.Context) error {
		value = strings.TrimSpace(value)
		if value == "" {
			return newError(ErrUnauthorized, MsgInvalidAPIKey)
		}
		key, err := s.loadAPIKey(ctx, value)
		if err != nil {
			return err
		}
		if key == nil || !key.Active {
			return newError(ErrUnauthorized, MsgInvalidAPIKey)
		}
		if key.Expired(s.now()) {
			if err := s.cache.Delete(ctx, APIKeyCacheKey(value)); err != nil {
				obs.Warn("evict expired api key", map[string]any{"api_key_id": key.ID, "error": err.Error()})
			}
			return newError(ErrUnauthorized, MsgInvalidAPIKey)
		}
		client = NewAPIClient(*key)
		return nil
	})
	return client, err
}

func (s *Service) loadAPIKey(ctx context.Context, value string) (*APIKey, error) {
	cacheKey := APIKeyCacheKey(value)
	raw, found, err := s.cache.Get(ctx, cacheKey)
	if err != nil {
		return nil, err
	}
	if found {
		var key APIKey
		if err := json.Unmarshal([]byte(raw), &key); err == nil {
			return &key, nil
		}
		obs.Warn("discarding malformed cached api key", nil)
		if err := s.cache.Delete(ctx, cacheKey); err != nil {
			return nil, err
		}
	}
	if s.apiKeys == nil {
		return nil, nil
	}

	key, err := s.apiKeys.FindAPIKey(ctx, HashAPIKey(value))
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ttl := s.apiKeyCacheTTL
	if key.ExpiresAt != nil {
		if left := key.ExpiresAt.Sub(s.now()); left < ttl {
			ttl = left
		}
	}
	if ttl > 0 {
		data, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, cacheKey, string(data), ttl); err != nil {
			obs.Warn("cache api key", map[string]any{"api_key_id": key.ID, "error": err.Error()})
		}
	}
	return key, nil
}

func (s *Service) findPrincipal(ctx context.Context, f Filter) (*Principal, error) {
	if f.IsZero() {
		return nil, newError(ErrNotFound, MsgUserNotFound)
	}
	p, err := s.store.FindOne(ctx, f)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, wrapError(ErrNotFound, MsgUserNotFound, err)
	}
	return p, err
}

func (s *Service) rejectReuse(p *Principal, password string) error {
	same, err := s.passwords.Compare(p.Role, p.PasswordHash, password)
	if err != nil {
		return err
	}
	if same {
		return newError(ErrBadRequest, MsgPasswordReuse)
	}
	return nil
}

func (s *Service) setPassword(ctx context.Context, p *Principal, password string) error {
	hash, err := s.passwords.Hash(p.Role, password)
	if err != nil {
		return err
	}
	_, err = s.store.Update(ctx, p.ID, PrincipalUpdate{PasswordHash: &hash})
	return err
}

func (s *Service) notifyPasswordChanged(ctx context.Context, p *Principal, device DeviceInfo) {
	s.enqueue(ctx, MailJob{
		Email:   p.Email,
		Subject: "Your password was changed",
		Template: MailTemplate{
			Name: TemplatePasswordChanged,
			Content: map[string]string{
				"ip":         device.IP,
				"user_agent": device.UserAgent,
				"changed_at": s.now().UTC().Format(time.RFC3339),
			},
		},
	})
}

// issuePair mints an access and refresh token and records the refresh marker.
func (s *Service) issuePair(ctx context.Context, p *Principal) (TokenPair, error) {
	access, err := s.codec.Issue(p.ID, p.Role, TokenAccess)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.codec.Issue(p.ID, p.Role, TokenRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	ttl := s.codec.TTL(p.Role, TokenRefresh)
	if err := s.cache.Set(ctx, RefreshTokenKey(p.Role, p.ID, refresh.Value), refreshMarkerValue, ttl); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

func (s *Service) enqueue(ctx context.Context, job MailJob) {
	if err := s.mailer.Enqueue(ctx, job); err != nil {
		obs.Warn("mail enqueue failed", map[string]any{"template": job.Template.Name, "error": err.Error()})
	}
}
