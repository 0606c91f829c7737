package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"hireloop.dev/internal/auth"
	"hireloop.dev/internal/cache"
	"hireloop.dev/internal/store/memory"
)

type recordingMailer struct {
	mu   sync.Mutex
	jobs []auth.MailJob
	err  error
}

func (m *recordingMailer) Enqueue(_ context.Context, job auth.MailJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *recordingMailer) Jobs() []auth.MailJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]auth.MailJob(nil), m.jobs...)
}

type harness struct {
	svc    *auth.Service
	store  *memory.Store
	mr     *miniredis.Miniredis
	mailer *recordingMailer
	codec  *auth.Codec
	otp    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		store:  memory.New(),
		mr:     mr,
		mailer: &recordingMailer{},
		otp:    "123456",
	}
	h.codec = auth.NewCodec(auth.NewSecretTable(auth.SecretConfig{GlobalSecret: "test-secret"}), nil)
	passwords := auth.NewPasswords(map[auth.Role]auth.PasswordHasher{
		auth.RoleAdmin:   auth.Argon2Hasher{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16},
		auth.RoleSeeker:  auth.BcryptHasher{Cost: bcrypt.MinCost},
		auth.RoleCompany: auth.BcryptHasher{Cost: bcrypt.MinCost},
	}, map[auth.Role]string{auth.RoleSeeker: "seeker-pepper"})

	h.svc, err = auth.NewService(h.store, cache.NewRedis(client), h.codec,
		auth.WithPasswords(passwords),
		auth.WithMailer(h.mailer),
		auth.WithAPIKeyStore(h.store),
		auth.WithOTPSource(func() (string, error) { return h.otp, nil }),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return h
}

func (h *harness) register(t *testing.T, role auth.Role, email, password string) {
	t.Helper()
	if _, err := h.svc.Register(context.Background(), auth.RegisterInput{
		Role:     role,
		Email:    email,
		Password: password,
		Profile:  auth.Profile{DisplayName: "Test"},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func (h *harness) login(t *testing.T, email, password string) auth.TokenPair {
	t.Helper()
	pair, _, err := h.svc.Login(context.Background(), email, password)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return pair
}

func TestRegisterAndVerifyAccountScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	msg, err := h.svc.Register(ctx, auth.RegisterInput{
		Role:     auth.RoleSeeker,
		Email:    "A@x.com",
		Password: "Abc12345!",
		Profile:  auth.Profile{DisplayName: "Ann"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if msg != auth.MsgRegistered {
		t.Fatalf("unexpected message %q", msg)
	}

	p, err := h.store.FindOne(ctx, auth.Filter{Email: "a@x.com"})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if p.EmailVerified {
		t.Fatalf("new principal must be unverified")
	}
	if _, ok := h.store.Profile(auth.RoleSeeker, p.ID); !ok {
		t.Fatalf("profile was not created")
	}
	key := auth.AccountVerificationOTPKey("a@x.com")
	if got, err := h.mr.Get(key); err != nil || got != "123456" {
		t.Fatalf("otp not cached: %q %v", got, err)
	}
	if ttl := h.mr.TTL(key); ttl != auth.OTPTTL {
		t.Fatalf("unexpected otp ttl %v", ttl)
	}
	jobs := h.mailer.Jobs()
	if len(jobs) != 1 || jobs[0].Template.Name != auth.TemplateAccountVerification || jobs[0].Template.Content["otp"] != "123456" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}

	if _, _, err := h.svc.VerifyAccountOTP(ctx, "a@x.com", "000000"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("wrong otp: expected ErrUnauthorized, got %v", err)
	}
	if !h.mr.Exists(key) {
		t.Fatalf("wrong otp must not consume the cached value")
	}

	pair, principal, err := h.svc.VerifyAccountOTP(ctx, "a@x.com", "123456")
	if err != nil {
		t.Fatalf("VerifyAccountOTP: %v", err)
	}
	if !principal.EmailVerified || pair.Access.Value == "" || pair.Refresh.Value == "" {
		t.Fatalf("unexpected result %+v %+v", principal, pair)
	}
	if h.mr.Exists(key) {
		t.Fatalf("otp must be deleted after use")
	}
	if !h.mr.Exists(auth.RefreshTokenKey(auth.RoleSeeker, principal.ID, pair.Refresh.Value)) {
		t.Fatalf("refresh marker missing")
	}

	if _, _, err := h.svc.VerifyAccountOTP(ctx, "a@x.com", "123456"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("replayed otp: expected ErrUnauthorized, got %v", err)
	}
	if _, _, err := h.svc.VerifyAccountOTP(ctx, "nobody@x.com", "123456"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("unknown email: expected ErrNotFound, got %v", err)
	}
}

func TestVerifyAccountOTPExpires(t *testing.T) {
	h := newHarness(t)
	h.register(t, auth.RoleCompany, "c@x.com", "Abc12345!")
	h.mr.FastForward(auth.OTPTTL + time.Second)

	if _, _, err := h.svc.VerifyAccountOTP(context.Background(), "c@x.com", "123456"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRegisterConflict(t *testing.T) {
	h := newHarness(t)
	h.register(t, auth.RoleSeeker, "a@x.com", "Abc12345!")

	_, err := h.svc.Register(context.Background(), auth.RegisterInput{Role: auth.RoleCompany, Email: "a@x.com", Password: "x"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if auth.PublicMessage(err) != auth.MsgEmailInUse {
		t.Fatalf("unexpected message %q", auth.PublicMessage(err))
	}
}

// lateCollisionStore misses phone lookups, so a phone clash only surfaces
// from the unique index at insert time.
type lateCollisionStore struct {
	*memory.Store
}

func (s lateCollisionStore) FindOne(ctx context.Context, f auth.Filter) (*auth.Principal, error) {
	if f.Phone != "" {
		return nil, auth.ErrRecordNotFound
	}
	return s.Store.FindOne(ctx, f)
}

func TestRegisterReportsCollidingField(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Register(ctx, auth.RegisterInput{
		Role: auth.RoleSeeker, Email: "a@x.com", Phone: "+15550001111", Password: "Abc12345!",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: h.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc, err := auth.NewService(lateCollisionStore{h.store}, cache.NewRedis(client), h.codec,
		auth.WithPasswords(auth.NewPasswords(map[auth.Role]auth.PasswordHasher{
			auth.RoleSeeker: auth.BcryptHasher{Cost: bcrypt.MinCost},
		}, nil)),
		auth.WithMailer(h.mailer),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	_, err = svc.Register(ctx, auth.RegisterInput{
		Role: auth.RoleSeeker, Email: "b@x.com", Phone: "+15550001111", Password: "Abc12345!",
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if auth.PublicMessage(err) != auth.MsgPhoneInUse {
		t.Fatalf("unexpected message %q", auth.PublicMessage(err))
	}
	if _, err := h.store.FindOne(ctx, auth.Filter{Email: "b@x.com"}); !errors.Is(err, auth.ErrRecordNotFound) {
		t.Fatalf("colliding registration must not persist, got %v", err)
	}
}

func TestRegisterSurvivesMailerFailure(t *testing.T) {
	h := newHarness(t)
	h.mailer.err = errors.New("queue down")

	h.register(t, auth.RoleSeeker, "a@x.com", "Abc12345!")
	if _, err := h.store.FindOne(context.Background(), auth.Filter{Email: "a@x.com"}); err != nil {
		t.Fatalf("registration must persist despite mail failure: %v", err)
	}
}

func TestLoginEnumerationResistance(t *testing.T) {
	h := newHarness(t)
	h.register(t, auth.RoleSeeker, "a@x.com", "Abc12345!")
	ctx := context.Background()

	if _, _, err := h.svc.Login(ctx, "a@x.com", "Abc12345!"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	_, _, wrongPassword := h.svc.Login(ctx, "a@x.com", "nope")
	_, _, unknownEmail := h.svc.Login(ctx, "ghost@x.com", "Abc12345!")
	for _, err := range []error{wrongPassword, unknownEmail} {
		if !errors.Is(err, auth.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	}
	if auth.PublicMessage(wrongPassword) != auth.PublicMessage(unknownEmail) {
		t.Fatalf("messages differ: %q vs %q", auth.PublicMessage(wrongPassword), auth.PublicMessage(unknownEmail))
	}
}

func TestRefreshRotationAndReplay(t *testing.T) {
	h := newHarness(t)
	h.register(t, auth.RoleSeeker, "a@x.com", "Abc12345!")
	pair := h.login(t, "a@x.com", "Abc12345!")
	ctx := context.Background()

	rotated, p, err := h.svc.RefreshToken(ctx, "", pair.Refresh.Value)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if rotated.Refresh.Value == pair.Refresh.Value {
		t.Fatalf("expected a new refresh token")
	}
	if h.mr.Exists(auth.RefreshTokenKey(auth.RoleSeeker, p.ID, pair.Refresh.Value)) {
		t.Fatalf("old refresh marker must be removed")
	}
	if !h.mr.Exists(auth.RefreshTokenKey(auth.RoleSeeker, p.ID, rotated.Refresh.Value)) {
		t.Fatalf("new refresh marker missing")
	}

	if _, _, err := h.svc.RefreshToken(ctx, p.ID, pair.Refresh.Value); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("replay: expected ErrUnauthorized, got %v", err)
	}
	if _, _, err := h.svc.RefreshToken(ctx, "someone-else", rotated.Refresh.Value); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("principal mismatch: expected ErrUnauthorized, got %v", err)
	}
	if _, _, err := h.svc.RefreshToken(ctx, "", pair.Access.Value); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("access token as refresh: expected ErrUnauthorized, got %v", err)
	}
}

func TestConcurrentRefreshHasSingleWinner(t *testing.T) {
	h := newHarness(t)
	h.register(t, auth.RoleCompany, "c@x.com", "Abc12345!")
	pair := h.login(t, "c@x.com", "Abc12345!")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := h.svc.RefreshToken(context.Background(), "", pair.Refresh.Value); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", wins)
	}
}

func TestLogoutRevokesRefreshMarker(t *testing.T) {
	h := newHarness(t)
	h.register(t, auth.RoleSeeker, "a@x.com", "Abc12345!")
	pair := h.login(t, "a@x.com", "Abc12345!")
	ctx := context.Background()

	claims, err := h.svc.VerifyAccessToken(pair.Access.Value)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if _, err := h.svc.Logout(ctx, claims.PrincipalID, pair.Refresh.Value); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	active, err := h.svc.SessionActive(ctx, claims.Role, claims.PrincipalID, pair.Refresh.Value)
	if err != nil || active {
		t.Fatalf("session must be inactive: %v %v", active, err)
	}
	if _, _, err := h.svc.RefreshToken(ctx, "", pair.Refresh.Value); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after logout, got %v", err)
	}
	if _, err := h.svc.Logout(ctx, "missing", ""); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestForgotPasswordIsIndistinguishable(t *testing.T) {
	h := newHarness(t)
	h.register(t, auth.RoleSeeker, "known@x.com", "Abc12345!")
	ctx := context.Background()
	before := len(h.mailer.Jobs())

	unknownMsg, err := h.svc.ForgotPassword(ctx, "unknown@x.com")
	if err != nil {
		t.Fatalf("ForgotPassword unknown: %v", err)
	}
	if len(h.mailer.Jobs()) != before {
		t.Fatalf("unknown email must not enqueue mail")
	}
	knownMsg, err := h.svc.ForgotPassword(ctx, "known@x.com")
	if err != nil {
		t.Fatalf("ForgotPassword known: %v", err)
	}
	if unknownMsg != knownMsg {
		t.Fatalf("messages differ: %q vs %q", unknownMsg, knownMsg)
	}
	jobs := h.mailer.Jobs()
	if len(jobs) != before+1 || jobs[len(jobs)-1].Template.Name != auth.TemplatePasswordResetOTP {
		t.Fatalf("expected reset otp mail, got %+v", jobs)
	}
	p, _ := h.store.FindOne(ctx, auth.Filter{Email: "known@x.com"})
	if !h.mr.Exists(auth.PasswordResetOTPKey(p.ID)) {
		t.Fatalf("reset otp must be keyed by principal id")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	h := newHarness(t)
	h.register(t, auth.RoleSeeker, "a@x.com", "Abc12345!")
	ctx := context.Background()
	p, _ := h.store.FindOne(ctx, auth.Filter{Email: "a@x.com"})

	if _, err := h.svc.ForgotPassword(ctx, "a@x.com"); err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	if _, err := h.svc.VerifyResetOTP(ctx, "a@x.com", "999999"); !errors.Is(err, auth.ErrBadRequest) {
		t.Fatalf("wrong otp: expected ErrBadRequest, got %v", err)
	}
	token, err := h.svc.VerifyResetOTP(ctx, "a@x.com", "123456")
	if err != nil {
		t.Fatalf("VerifyResetOTP: %v", err)
	}
	if h.mr.Exists(auth.PasswordResetOTPKey(p.ID)) {
		t.Fatalf("reset otp must be consumed")
	}
	stored, _ := h.mr.Get(auth.PasswordResetTokenKey(p.ID))
	if stored != token.Value {
		t.Fatalf("reset token not cached")
	}

	device := auth.DeviceInfo{IP: "203.0.113.7", UserAgent: "test-agent"}
	_, err = h.svc.ResetPassword(ctx, auth.ResetPasswordInput{ResetToken: token.Value, NewPassword: "Abc12345!", Device: device})
	if !errors.Is(err, auth.ErrBadRequest) || auth.PublicMessage(err) != auth.MsgPasswordReuse {
		t.Fatalf("reuse: expected ErrBadRequest, got %v", err)
	}
	if !h.mr.Exists(auth.PasswordResetTokenKey(p.ID)) {
		t.Fatalf("rejected reuse must not consume the reset token")
	}

	if _, err := h.svc.ResetPassword(ctx, auth.ResetPasswordInput{ResetToken: token.Value, NewPassword: "NewPass99!", Device: device}); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if h.mr.Exists(auth.PasswordResetTokenKey(p.ID)) {
		t.Fatalf("reset token must be consumed")
	}
	jobs := h.mailer.Jobs()
	last := jobs[len(jobs)-1]
	if last.Template.Name != auth.TemplatePasswordChanged || last.Template.Content["ip"] != "203.0.113.7" || last.Template.Content["changed_at"] == "" {
		t.Fatalf("unexpected notification %+v", last)
	}

	if _, _, err := h.svc.Login(ctx, "a@x.com", "Abc12345!"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	h.login(t, "a@x.com", "NewPass99!")

	if _, err := h.svc.ResetPassword(ctx, auth.ResetPasswordInput{ResetToken: token.Value, NewPassword: "Another1!"}); !errors.Is(err, auth.ErrBadRequest) {
		t.Fatalf("second reset: expected ErrBadRequest, got %v", err)
	}
}

func TestResetPasswordRequiresOTPStep(t *testing.T) {
	h := newHarness(t)
	h.register(t, auth.RoleCompany, "c@x.com", "Abc12345!")
	ctx := context.Background()
	p, _ := h.store.FindOne(ctx, auth.Filter{Email: "c@x.com"})

	// a correctly signed reset token without the cache marker
	token, err := h.codec.Issue(p.ID, p.Role, auth.TokenPasswordReset)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, err = h.svc.ResetPassword(ctx, auth.ResetPasswordInput{ResetToken: token.Value, NewPassword: "NewPass99!"})
	if !errors.Is(err, auth.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if _, err := h.svc.ResetPassword(ctx, auth.ResetPasswordInput{ResetToken: "garbage", NewPassword: "NewPass99!"}); !errors.Is(err, auth.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for garbage token, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t)
	h.register(t, auth.RoleAdmin, "root@x.com", "Abc12345!")
	pair := h.login(t, "root@x.com", "Abc12345!")
	ctx := context.Background()
	claims, _ := h.svc.VerifyAccessToken(pair.Access.Value)

	_, err := h.svc.ChangePassword(ctx, auth.ChangePasswordInput{PrincipalID: claims.PrincipalID, CurrentPassword: "bad", NewPassword: "NewPass99!"})
	if !errors.Is(err, auth.ErrUnauthorized) || auth.PublicMessage(err) != auth.MsgCurrentPasswordBad {
		t.Fatalf("expected current password error, got %v", err)
	}

	fresh, err := h.svc.ChangePassword(ctx, auth.ChangePasswordInput{
		PrincipalID:     claims.PrincipalID,
		CurrentPassword: "Abc12345!",
		NewPassword:     "NewPass99!",
		RefreshToken:    pair.Refresh.Value,
	})
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if h.mr.Exists(auth.RefreshTokenKey(auth.RoleAdmin, claims.PrincipalID, pair.Refresh.Value)) {
		t.Fatalf("old session must be revoked")
	}
	if !h.mr.Exists(auth.RefreshTokenKey(auth.RoleAdmin, claims.PrincipalID, fresh.Refresh.Value)) {
		t.Fatalf("new session marker missing")
	}
	h.login(t, "root@x.com", "NewPass99!")
}

func TestAuthenticateAPIKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	h.store.PutAPIKey(auth.HashAPIKey("live-key"), auth.APIKey{
		ID: "k1", ClientID: "c1", ClientName: "backoffice", Active: true,
		Permissions: []string{auth.PermAdminRegister}, ExpiresAt: &future,
	})
	h.store.PutAPIKey(auth.HashAPIKey("disabled-key"), auth.APIKey{ID: "k2", Active: false})

	client, err := h.svc.AuthenticateAPIKey(ctx, "live-key")
	if err != nil {
		t.Fatalf("AuthenticateAPIKey: %v", err)
	}
	if !client.HasPermission(auth.PermAdminRegister) || client.ClientName != "backoffice" {
		t.Fatalf("unexpected client %+v", client)
	}
	if !h.mr.Exists(auth.APIKeyCacheKey("live-key")) {
		t.Fatalf("api key must be cached after store lookup")
	}

	for _, value := range []string{"", "unknown", "disabled-key"} {
		if _, err := h.svc.AuthenticateAPIKey(ctx, value); !errors.Is(err, auth.ErrUnauthorized) {
			t.Fatalf("%q: expected ErrUnauthorized, got %v", value, err)
		}
	}

	expired, _ := json.Marshal(auth.APIKey{ID: "k3", Active: true, ExpiresAt: &past})
	if err := h.mr.Set(auth.APIKeyCacheKey("old-key"), string(expired)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if _, err := h.svc.AuthenticateAPIKey(ctx, "old-key"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expired: expected ErrUnauthorized, got %v", err)
	}
	if h.mr.Exists(auth.APIKeyCacheKey("old-key")) {
		t.Fatalf("expired key must be evicted from the cache")
	}
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	h := newHarness(t)
	h.register(t, auth.RoleSeeker, "a@x.com", "Abc12345!")
	h.mr.Close()

	_, _, err := h.svc.Login(context.Background(), "a@x.com", "Abc12345!")
	if !errors.Is(err, auth.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if auth.PublicMessage(err) != auth.MsgInternal {
		t.Fatalf("internal details leaked: %q", auth.PublicMessage(err))
	}
}
