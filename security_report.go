package authcore

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SecurityReport summarizes the security posture an Engine was built with.
// It carries no key material.
type SecurityReport struct {
	SigningAlgorithm      string
	KeyID                 string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	Argon2                PasswordConfigReport
	RevokeOnReuse         bool
	TrustProviderEmail    bool
	OAuthProviders        []string
	TwoFactorBackupCodes  int
	ChallengeAttempts     int
	CodeLockoutActive     bool
	MailThrottleActive    bool
	CustomAuditSink       bool
	CustomRevocationStore bool
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	_, nopAudit := e.auditSink.(nopAuditSink)
	return SecurityReport{
		SigningAlgorithm: string(e.config.JWT.SigningMethod),
		KeyID:            e.issuer.KeyID(),
		AccessTTL:        e.issuer.AccessTTL(),
		RefreshTTL:       e.issuer.RefreshTTL(),
		Argon2: PasswordConfigReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
			MinLength:   e.config.Password.MinLength,
		},
		RevokeOnReuse:         e.config.Session.RevokeOnReuse,
		TrustProviderEmail:    e.config.OAuth.TrustProviderEmail,
		OAuthProviders:        e.OAuthProviderNames(),
		TwoFactorBackupCodes:  e.config.TwoFactor.BackupCodes,
		ChallengeAttempts:     e.config.Session.MaxChallengeAttempts,
		CodeLockoutActive:     e.config.Limits.MaxCodeAttempts > 0,
		MailThrottleActive:    e.config.Limits.MaxEmailsPerWindow > 0,
		CustomAuditSink:       !nopAudit,
		CustomRevocationStore: e.customRegistry,
	}
}

// MarshalLogObject lets a report be logged with zap.Object.
func (r SecurityReport) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("signing_alg", r.SigningAlgorithm)
	enc.AddString("kid", r.KeyID)
	enc.AddDuration("access_ttl", r.AccessTTL)
	enc.AddDuration("refresh_ttl", r.RefreshTTL)
	enc.AddUint32("argon2_memory_kib", r.Argon2.Memory)
	enc.AddUint32("argon2_time", r.Argon2.Time)
	enc.AddUint8("argon2_parallelism", r.Argon2.Parallelism)
	enc.AddBool("revoke_on_reuse", r.RevokeOnReuse)
	enc.AddBool("trust_provider_email", r.TrustProviderEmail)
	if err := enc.AddArray("oauth_providers", zapcore.ArrayMarshalerFunc(func(arr zapcore.ArrayEncoder) error {
		for _, name := range r.OAuthProviders {
			arr.AppendString(name)
		}
		return nil
	})); err != nil {
		return err
	}
	enc.AddInt("backup_codes", r.TwoFactorBackupCodes)
	enc.AddInt("challenge_attempts", r.ChallengeAttempts)
	enc.AddBool("code_lockout", r.CodeLockoutActive)
	enc.AddBool("mail_throttle", r.MailThrottleActive)
	enc.AddBool("audit_sink", r.CustomAuditSink)
	enc.AddBool("custom_revocation", r.CustomRevocationStore)
	return nil
}

// Field is shorthand for logging the report.
func (r SecurityReport) Field() zap.Field {
	return zap.Object("security", r)
}
