// Package config loads service configuration from an optional YAML file,
// a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"hireloop.dev/internal/auth"
)

type Config struct {
	Env       string     `yaml:"env" env:"HIRELOOP_ENV" env-default:"development"`
	HTTP      HTTPServer `yaml:"http"`
	GRPC      GRPCServer `yaml:"grpc"`
	Postgres  Postgres   `yaml:"postgres"`
	Redis     Redis      `yaml:"redis"`
	Cookies   Cookies    `yaml:"cookies"`
	JWT       JWT        `yaml:"jwt" env-prefix:"HIRELOOP_JWT_"`
	Peppers   Peppers    `yaml:"peppers"`
	RateLimit RateLimit  `yaml:"rate_limit"`
}

type HTTPServer struct {
	Address        string        `yaml:"address" env:"HIRELOOP_HTTP_ADDR" env-default:":8080"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"HIRELOOP_HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"HIRELOOP_HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"HIRELOOP_HTTP_IDLE_TIMEOUT" env-default:"60s"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" env:"HIRELOOP_HTTP_MAX_BODY_BYTES" env-default:"1048576"`
	CORSOrigins    []string      `yaml:"cors_origins" env:"HIRELOOP_CORS_ORIGINS" env-separator:","`
	TrustedProxies []string      `yaml:"trusted_proxies" env:"HIRELOOP_TRUSTED_PROXIES" env-separator:","`
}

type GRPCServer struct {
	Address string `yaml:"address" env:"HIRELOOP_GRPC_ADDR" env-default:":9090"`
}

type Postgres struct {
	DSN string `yaml:"dsn" env:"HIRELOOP_PG_DSN"`
}

type Redis struct {
	Address  string `yaml:"address" env:"HIRELOOP_REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"HIRELOOP_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"HIRELOOP_REDIS_DB" env-default:"0"`
	MailKey  string `yaml:"mail_key" env:"HIRELOOP_MAIL_QUEUE_KEY" env-default:"mail:jobs"`
}

type Cookies struct {
	Secure      bool   `yaml:"secure" env:"HIRELOOP_COOKIE_SECURE" env-default:"true"`
	Domain      string `yaml:"domain" env:"HIRELOOP_COOKIE_DOMAIN"`
	RefreshPath string `yaml:"refresh_path" env:"HIRELOOP_COOKIE_REFRESH_PATH" env-default:"/auth/refresh-token"`
}

// JWT maps onto HIRELOOP_JWT_SECRET, HIRELOOP_JWT_<TYPE>_TTL and
// HIRELOOP_JWT_<ROLE>_<TYPE>_{SECRET,TTL}.
type JWT struct {
	Secret           string        `yaml:"secret" env:"SECRET"`
	AccessTTL        time.Duration `yaml:"access_ttl" env:"ACCESS_TTL"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl" env:"REFRESH_TTL"`
	PasswordResetTTL time.Duration `yaml:"password_reset_ttl" env:"PASSWORD_RESET_TTL"`

	Admin   RoleTokens `yaml:"admin" env-prefix:"ADMIN_"`
	Seeker  RoleTokens `yaml:"seeker" env-prefix:"SEEKER_"`
	Company RoleTokens `yaml:"company" env-prefix:"COMPANY_"`
}

type RoleTokens struct {
	Access        TokenEntry `yaml:"access" env-prefix:"ACCESS_"`
	Refresh       TokenEntry `yaml:"refresh" env-prefix:"REFRESH_"`
	PasswordReset TokenEntry `yaml:"password_reset" env-prefix:"PASSWORD_RESET_"`
}

type TokenEntry struct {
	Secret string        `yaml:"secret" env:"SECRET"`
	TTL    time.Duration `yaml:"ttl" env:"TTL"`
}

// Peppers holds a default pepper and optional per-role overrides.
type Peppers struct {
	Default string `yaml:"default" env:"HIRELOOP_PEPPER"`
	Admin   string `yaml:"admin" env:"HIRELOOP_PEPPER_ADMIN"`
	Seeker  string `yaml:"seeker" env:"HIRELOOP_PEPPER_SEEKER"`
	Company string `yaml:"company" env:"HIRELOOP_PEPPER_COMPANY"`
}

type RateLimit struct {
	AuthPerSecond float64 `yaml:"auth_per_second" env:"HIRELOOP_AUTH_RPS" env-default:"5"`
	AuthBurst     int     `yaml:"auth_burst" env:"HIRELOOP_AUTH_BURST" env-default:"10"`
	APIKeyBurst   int     `yaml:"api_key_burst" env:"HIRELOOP_API_KEY_BURST" env-default:"20"`
}

// Production reports whether the service runs with production safeguards.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// SecretConfig converts the JWT section into the token codec's table input.
// The development fallback secret is only allowed outside production.
func (c *Config) SecretConfig() auth.SecretConfig {
	entries := make(map[auth.Role]map[auth.TokenType]auth.TokenSettings, len(auth.Roles))
	for role, rt := range map[auth.Role]RoleTokens{
		auth.RoleAdmin:   c.JWT.Admin,
		auth.RoleSeeker:  c.JWT.Seeker,
		auth.RoleCompany: c.JWT.Company,
	} {
		entries[role] = map[auth.TokenType]auth.TokenSettings{
			auth.TokenAccess:        {Secret: rt.Access.Secret, TTL: rt.Access.TTL},
			auth.TokenRefresh:       {Secret: rt.Refresh.Secret, TTL: rt.Refresh.TTL},
			auth.TokenPasswordReset: {Secret: rt.PasswordReset.Secret, TTL: rt.PasswordReset.TTL},
		}
	}
	return auth.SecretConfig{
		GlobalSecret: c.JWT.Secret,
		TypeTTL: map[auth.TokenType]time.Duration{
			auth.TokenAccess:        c.JWT.AccessTTL,
			auth.TokenRefresh:       c.JWT.RefreshTTL,
			auth.TokenPasswordReset: c.JWT.PasswordResetTTL,
		},
		Entries:               entries,
		AllowInsecureFallback: !c.Production(),
	}
}

// RolePeppers resolves the pepper of every role, falling back to the default.
func (c *Config) RolePeppers() map[auth.Role]string {
	pick := func(v string) string {
		if strings.TrimSpace(v) != "" {
			return v
		}
		return c.Peppers.Default
	}
	return map[auth.Role]string{
		auth.RoleAdmin:   pick(c.Peppers.Admin),
		auth.RoleSeeker:  pick(c.Peppers.Seeker),
		auth.RoleCompany: pick(c.Peppers.Company),
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then the environment, which wins over both.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

func (c *Config) validate() error {
	var errs []error
	if err := auth.NewSecretTable(c.SecretConfig()).Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Production() {
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("HIRELOOP_PG_DSN is required in production"))
		}
		if c.Peppers.Default == "" {
			errs = append(errs, errors.New("HIRELOOP_PEPPER is required in production"))
		}
		if !c.Cookies.Secure {
			errs = append(errs, errors.New("secure cookies cannot be disabled in production"))
		}
	}
	if !strings.HasPrefix(c.Cookies.RefreshPath, "/") {
		errs = append(errs, fmt.Errorf("cookie refresh path %q must be absolute", c.Cookies.RefreshPath))
	}
	return errors.Join(errs...)
}
