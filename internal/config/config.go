// Package config loads process configuration for authd from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/oauth"
	"github.com/mtracking/authcore/token"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"authd"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`
	// CookieSecure marks the refresh cookie Secure. Only local HTTP
	// development turns it off.
	CookieSecure bool `env:"COOKIE_SECURE" envDefault:"true"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"as"`

	// DatabaseURL selects Postgres; otherwise SQLitePath is used.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"authcore.db"`

	JWT JWT `envPrefix:"JWT_"`

	// SecretKey is the hex encoded 32-byte key sealing TOTP secrets and
	// provider tokens.
	SecretKey string `env:"SECRET_ENCRYPTION_KEY,required,unset"`

	Google   OAuthClient `envPrefix:"GOOGLE_"`
	GitHub   OAuthClient `envPrefix:"GITHUB_"`
	Facebook OAuthClient `envPrefix:"FACEBOOK_"`
	// TrustProviderEmail links provider accounts to existing identities
	// when the provider vouches for the address.
	TrustProviderEmail bool `env:"OAUTH_TRUST_PROVIDER_EMAIL" envDefault:"true"`

	ResendAPIKey string `env:"RESEND_API_KEY,unset"`
	MailFrom     string `env:"MAIL_FROM" envDefault:"Auth <no-reply@localhost>"`

	TelemetryEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TelemetryInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`

	RateLimitRPM       int           `env:"RATE_LIMIT_RPM" envDefault:"600"`
	LoginMaxFailures   int           `env:"LOGIN_MAX_FAILURES" envDefault:"10"`
	LoginFailureWindow time.Duration `env:"LOGIN_FAILURE_WINDOW" envDefault:"15m"`
	SweepInterval      time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"10m"`
}

// JWT holds signing material. The private key is read from PrivateKeyPath
// unless PrivateKey carries the PEM inline.
type JWT struct {
	SigningMethod  string        `env:"SIGNING_METHOD" envDefault:"rs256"`
	PrivateKey     string        `env:"PRIVATE_KEY,unset"`
	PrivateKeyPath string        `env:"PRIVATE_KEY_PATH"`
	KeyID          string        `env:"KEY_ID"`
	RefreshSecret  string        `env:"REFRESH_SECRET,required,unset"`
	AccessTTL      time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	RefreshTTL     time.Duration `env:"REFRESH_TTL" envDefault:"168h"`
	Issuer         string        `env:"ISSUER" envDefault:"authcore"`
	Audience       string        `env:"AUDIENCE"`
}

// OAuthClient is one provider registration.
type OAuthClient struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET,unset"`
	RedirectURL  string `env:"REDIRECT_URL"`
}

// Load reads a .env file when present and then parses the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.JWT.PrivateKey == "" && cfg.JWT.PrivateKeyPath == "" {
		return Config{}, errors.New("JWT_PRIVATE_KEY or JWT_PRIVATE_KEY_PATH is required")
	}
	return cfg, nil
}

// Development reports whether the process runs in development mode.
func (c Config) Development() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Engine builds the engine configuration, reading the key file if needed.
func (c Config) Engine() (authcore.Config, error) {
	out := authcore.DefaultConfig()

	key := []byte(c.JWT.PrivateKey)
	if len(key) == 0 {
		data, err := os.ReadFile(c.JWT.PrivateKeyPath)
		if err != nil {
			return authcore.Config{}, fmt.Errorf("read jwt private key: %w", err)
		}
		key = data
	}

	out.JWT.SigningMethod = token.SigningMethod(strings.ToLower(c.JWT.SigningMethod))
	out.JWT.PrivateKey = key
	out.JWT.KeyID = c.JWT.KeyID
	out.JWT.RefreshSecret = []byte(c.JWT.RefreshSecret)
	out.JWT.AccessTTL = c.JWT.AccessTTL
	out.JWT.RefreshTTL = c.JWT.RefreshTTL
	out.JWT.Issuer = c.JWT.Issuer
	out.JWT.Audience = c.JWT.Audience
	out.Session.RedisPrefix = c.RedisPrefix
	out.TwoFactor.Issuer = c.JWT.Issuer
	out.OAuth.TrustProviderEmail = c.TrustProviderEmail

	if err := out.Validate(); err != nil {
		return authcore.Config{}, err
	}
	return out, nil
}

// OAuthProviders returns the provider registrations. Providers without a
// client id are skipped by oauth.NewProviders.
func (c Config) OAuthProviders() map[string]oauth.ProviderConfig {
	return map[string]oauth.ProviderConfig{
		oauth.ProviderGoogle: {
			ClientID:     c.Google.ClientID,
			ClientSecret: c.Google.ClientSecret,
			RedirectURL:  c.Google.RedirectURL,
		},
		oauth.ProviderGitHub: {
			ClientID:     c.GitHub.ClientID,
			ClientSecret: c.GitHub.ClientSecret,
			RedirectURL:  c.GitHub.RedirectURL,
		},
		oauth.ProviderFacebook: {
			ClientID:     c.Facebook.ClientID,
			ClientSecret: c.Facebook.ClientSecret,
			RedirectURL:  c.Facebook.RedirectURL,
		},
	}
}
