package identity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("identity: not found")
	ErrEmailTaken     = errors.New("identity: email already registered")
	ErrLinkExists     = errors.New("identity: oauth link already exists")
	ErrLastAuthMethod = errors.New("identity: cannot remove last authentication method")
	ErrTokenUnusable  = errors.New("identity: token unknown, used or expired")
	ErrTwoFactorState = errors.New("identity: two-factor secret not enrolled")
	ErrUnavailable    = errors.New("identity: repository unavailable")
	ErrInvalid        = errors.New("identity: invalid input")
)

// Identities covers the identity rows themselves.
type Identities interface {
	CreateIdentity(ctx context.Context, identity *Identity) error
	IdentityByID(ctx context.Context, id string) (*Identity, error)
	IdentityByEmail(ctx context.Context, email string) (*Identity, error)
	MarkEmailVerified(ctx context.Context, id string) error
	SetCredentialHash(ctx context.Context, id, hash string) error
	SetAvatarIfEmpty(ctx context.Context, id, avatarURL string) error
}

// Links covers OAuth links.
type Links interface {
	// CreateIdentityWithLink inserts a new identity and its first link in one
	// transaction.
	CreateIdentityWithLink(ctx context.Context, identity *Identity, link *OAuthLink) error
	CreateLink(ctx context.Context, link *OAuthLink) error
	LinkByProvider(ctx context.Context, provider, providerID string) (*OAuthLink, error)
	LinksForIdentity(ctx context.Context, identityID string) ([]*OAuthLink, error)
	UpdateLinkTokens(ctx context.Context, linkID, providerEmail string, accessToken, refreshToken []byte) error
	// DeleteLink removes the identity's link for provider. It fails with
	// ErrLastAuthMethod when the identity has no credential and this is its
	// only link, and with ErrNotFound when no such link exists.
	DeleteLink(ctx context.Context, identityID, provider string) error
}

// Tokens covers email-verification and password-reset tokens.
type Tokens interface {
	CreateToken(ctx context.Context, token *SingleUseToken) error
	// ConsumeToken marks the token used if and only if it exists, matches
	// kind, is unused and unexpired at now. Any other case is ErrTokenUnusable.
	ConsumeToken(ctx context.Context, kind TokenKind, digest string, now time.Time) (*SingleUseToken, error)
}

// TwoFactor covers the second-factor columns and backup codes.
type TwoFactor interface {
	// SaveTwoFactorEnrollment stores the sealed secret with two-factor still
	// disabled and replaces all backup codes, atomically.
	SaveTwoFactorEnrollment(ctx context.Context, identityID string, secret []byte, backupDigests []string) error
	// EnableTwoFactor fails with ErrTwoFactorState when no secret is stored.
	EnableTwoFactor(ctx context.Context, identityID string) error
	ClearTwoFactor(ctx context.Context, identityID string) error
	// ConsumeBackupCode marks one unused code used and returns how many remain.
	ConsumeBackupCode(ctx context.Context, identityID, digest string) (int, error)
	RemainingBackupCodes(ctx context.Context, identityID string) (int, error)
}

// Repository is everything the auth core needs from persistent storage.
type Repository interface {
	Identities
	Links
	Tokens
	TwoFactor
}
