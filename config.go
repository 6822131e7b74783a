package authcore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/password"
	"github.com/mtracking/authcore/token"
	"github.com/mtracking/authcore/twofactor"
)

// Config is the Engine configuration. It is copied on Build and never
// mutated afterwards.
type Config struct {
	JWT       JWTConfig
	Session   SessionConfig
	Password  password.Config
	Tokens    TokenConfig
	TwoFactor TwoFactorConfig
	OAuth     OAuthConfig
	Limits    LimitsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures access and refresh tokens. Keys are PEM encoded.
// The refresh TTL is also the session lifetime.
type JWTConfig struct {
	SigningMethod token.SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	KeyID         string
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Leeway        time.Duration
	Issuer        string
	Audience      string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig configures the Redis session store.
type SessionConfig struct {
	RedisPrefix string
	// RevokeOnReuse removes the whole session when a revoked refresh token
	// is presented again.
	RevokeOnReuse bool
	// LoginChallengeTTL bounds the window between password and second factor.
	LoginChallengeTTL time.Duration
	// MaxChallengeAttempts is how many wrong codes a login challenge absorbs.
	MaxChallengeAttempts int
}

/*
====================================
SINGLE-USE TOKENS
====================================
*/

// TokenConfig sets lifetimes of emailed single-use tokens.
type TokenConfig struct {
	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

/*
====================================
TWO-FACTOR
====================================
*/

// TwoFactorConfig tunes TOTP enrollment.
type TwoFactorConfig struct {
	Issuer                 string
	BackupCodes            int
	EnrollmentTTL          time.Duration
	RegenerateSecretOnBack bool
}

/*
====================================
OAUTH
====================================
*/

// OAuthConfig controls how provider profiles map to identities.
type OAuthConfig struct {
	// TrustProviderEmail allows linking a provider account to an existing
	// identity with the same address when the provider has verified it.
	TrustProviderEmail bool
	DefaultRole        string
}

/*
====================================
LIMITS
====================================
*/

// LimitsConfig caps guessable and mail-sending operations per identity or
// address. A zero maximum disables the corresponding limit.
type LimitsConfig struct {
	// MaxCodeAttempts wrong two-factor codes lock further checks for
	// CodeLockout, counted from the first failure.
	MaxCodeAttempts int
	CodeLockout     time.Duration
	// MaxEmailsPerWindow bounds resent verification and reset emails per
	// address and kind.
	MaxEmailsPerWindow int
	EmailWindow        time.Duration
}

// DefaultConfig returns production defaults. Key material is left empty.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			SigningMethod: token.MethodRS256,
			AccessTTL:     token.DefaultAccessTTL,
			RefreshTTL:    token.DefaultRefreshTTL,
			Leeway:        30 * time.Second,
			Issuer:        "authcore",
		},
		Session: SessionConfig{
			RedisPrefix:          "as",
			RevokeOnReuse:        true,
			LoginChallengeTTL:    5 * time.Minute,
			MaxChallengeAttempts: 5,
		},
		Password: password.DefaultConfig(),
		Tokens: TokenConfig{
			VerificationTTL: 24 * time.Hour,
			ResetTTL:        time.Hour,
		},
		TwoFactor: TwoFactorConfig{
			Issuer:                 "authcore",
			BackupCodes:            twofactor.DefaultBackupCodes,
			EnrollmentTTL:          twofactor.DefaultEnrollmentTTL,
			RegenerateSecretOnBack: true,
		},
		OAuth: OAuthConfig{
			TrustProviderEmail: true,
			DefaultRole:        identity.DefaultRole,
		},
		Limits: LimitsConfig{
			MaxCodeAttempts:    5,
			CodeLockout:        time.Minute,
			MaxEmailsPerWindow: 3,
			EmailWindow:        time.Hour,
		},
	}
}

// Validate reports the first invalid setting. Key parsing is left to the
// token issuer at Build.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return errors.New("authcore: JWT TTLs must be > 0")
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return errors.New("authcore: JWT AccessTTL must be shorter than RefreshTTL")
	}
	if len(c.JWT.PrivateKey) == 0 {
		return errors.New("authcore: JWT PrivateKey is required")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		return errors.New("authcore: JWT RefreshSecret must be at least 32 bytes")
	}
	if strings.TrimSpace(c.Session.RedisPrefix) == "" {
		return errors.New("authcore: Session RedisPrefix must not be empty")
	}
	if c.Session.LoginChallengeTTL <= 0 || c.Session.MaxChallengeAttempts <= 0 {
		return errors.New("authcore: Session login challenge settings must be > 0")
	}
	if c.Tokens.VerificationTTL <= 0 || c.Tokens.ResetTTL <= 0 {
		return errors.New("authcore: Tokens TTLs must be > 0")
	}
	if c.TwoFactor.BackupCodes <= 0 || c.TwoFactor.EnrollmentTTL <= 0 {
		return errors.New("authcore: TwoFactor BackupCodes and EnrollmentTTL must be > 0")
	}
	if strings.TrimSpace(c.TwoFactor.Issuer) == "" {
		return errors.New("authcore: TwoFactor Issuer must not be empty")
	}
	if strings.TrimSpace(c.OAuth.DefaultRole) == "" {
		return errors.New("authcore: OAuth DefaultRole must not be empty")
	}
	if c.Limits.MaxCodeAttempts < 0 || c.Limits.MaxEmailsPerWindow < 0 {
		return errors.New("authcore: Limits maxima must be >= 0")
	}
	if (c.Limits.MaxCodeAttempts > 0 && c.Limits.CodeLockout <= 0) || (c.Limits.MaxEmailsPerWindow > 0 && c.Limits.EmailWindow <= 0) {
		return errors.New("authcore: Limits windows must be > 0 when the limit is enabled")
	}
	if c.Password.MinLength < 8 {
		return fmt.Errorf("authcore: Password MinLength must be >= 8, got %d", c.Password.MinLength)
	}
	return nil
}

func cloneConfig(c Config) Config {
	out := c
	out.JWT.PrivateKey = append([]byte(nil), c.JWT.PrivateKey...)
	out.JWT.PublicKey = append([]byte(nil), c.JWT.PublicKey...)
	out.JWT.RefreshSecret = append([]byte(nil), c.JWT.RefreshSecret...)
	return out
}
