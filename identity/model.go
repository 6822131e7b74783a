package identity

import (
	"strings"
	"time"
)

// DefaultRole is assigned to identities created by registration or OAuth.
const DefaultRole = "user"

// Identity is a local account. CredentialHash is empty for OAuth-only
// accounts; TwoFactorSecret holds sealed bytes and is nil until enrollment
// reaches the backup step.
type Identity struct {
	ID               string
	Email            string
	CredentialHash   string
	DisplayName      string
	AvatarURL        string
	EmailVerified    bool
	TwoFactorEnabled bool
	TwoFactorSecret  []byte
	Roles            []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasCredential reports whether the identity can log in with a password.
func (i *Identity) HasCredential() bool {
	return i.CredentialHash != ""
}

// OAuthLink binds an identity to one external provider account. Provider
// tokens are sealed before they reach the repository.
type OAuthLink struct {
	ID            string
	IdentityID    string
	Provider      string
	ProviderID    string
	ProviderEmail string
	AccessToken   []byte
	RefreshToken  []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TokenKind scopes a single-use token to one flow.
type TokenKind string

const (
	KindEmailVerification TokenKind = "email_verification"
	KindPasswordReset     TokenKind = "password_reset"
)

// SingleUseToken is a time-boxed token persisted by digest only.
type SingleUseToken struct {
	ID         string
	IdentityID string
	Kind       TokenKind
	Digest     string
	ExpiresAt  time.Time
	UsedAt     *time.Time
	CreatedAt  time.Time
}

// Usable reports whether the token can still be consumed at now.
func (t *SingleUseToken) Usable(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}

// NormalizeEmail canonicalizes an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Clone returns a deep copy.
func (i *Identity) Clone() *Identity {
	out := *i
	out.Roles = append([]string(nil), i.Roles...)
	out.TwoFactorSecret = cloneBytes(i.TwoFactorSecret)
	return &out
}

// Clone returns a deep copy.
func (l *OAuthLink) Clone() *OAuthLink {
	out := *l
	out.AccessToken = cloneBytes(l.AccessToken)
	out.RefreshToken = cloneBytes(l.RefreshToken)
	return &out
}
