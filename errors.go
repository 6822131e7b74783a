package authcore

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by Engine wraps exactly one of them, so
// callers classify with errors.Is or KindOf.
var (
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrUpstream     = errors.New("upstream unavailable")
)

var (
	ErrInvalidEmail    = fmt.Errorf("%w: invalid email address", ErrValidation)
	ErrPasswordPolicy  = fmt.Errorf("%w: password does not meet policy", ErrValidation)
	ErrInvalidRequest  = fmt.Errorf("%w: invalid request", ErrValidation)
	ErrInvalidProfile  = fmt.Errorf("%w: invalid provider profile", ErrValidation)
	ErrUnknownProvider = fmt.Errorf("%w: unknown oauth provider", ErrValidation)

	ErrEmailTaken        = fmt.Errorf("%w: email already registered", ErrConflict)
	ErrProviderInUse     = fmt.Errorf("%w: provider account linked elsewhere", ErrConflict)
	ErrLastAuthMethod    = fmt.Errorf("%w: cannot remove last authentication method", ErrConflict)
	ErrTwoFactorEnabled  = fmt.Errorf("%w: two-factor already enabled", ErrConflict)
	ErrTwoFactorStep     = fmt.Errorf("%w: two-factor step not allowed now", ErrConflict)
	ErrTwoFactorConflict = fmt.Errorf("%w: concurrent two-factor update", ErrConflict)

	ErrInvalidCredentials  = fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	ErrEmailNotVerified    = fmt.Errorf("%w: email not verified", ErrUnauthorized)
	ErrInvalidRefreshToken = fmt.Errorf("%w: invalid refresh token", ErrUnauthorized)
	ErrRefreshTokenReused  = fmt.Errorf("%w: refresh token reuse detected", ErrUnauthorized)
	ErrInvalidAccessToken  = fmt.Errorf("%w: invalid access token", ErrUnauthorized)
	ErrAccessTokenExpired  = fmt.Errorf("%w: access token expired", ErrUnauthorized)
	ErrAccessTokenRevoked  = fmt.Errorf("%w: access token revoked", ErrUnauthorized)
	ErrInvalidTwoFactor    = fmt.Errorf("%w: invalid two-factor code", ErrUnauthorized)
	ErrOAuthExchange       = fmt.Errorf("%w: oauth exchange failed", ErrUnauthorized)
	ErrTwoFactorLocked     = fmt.Errorf("%w: too many two-factor attempts", ErrUnauthorized)

	ErrVerificationTokenInvalid = fmt.Errorf("%w: verification token unknown, used or expired", ErrNotFound)
	ErrResetTokenInvalid        = fmt.Errorf("%w: reset token unknown, used or expired", ErrNotFound)
	ErrIdentityNotFound         = fmt.Errorf("%w: identity", ErrNotFound)
	ErrSessionNotFound          = fmt.Errorf("%w: session", ErrNotFound)
	ErrLinkNotFound             = fmt.Errorf("%w: oauth link", ErrNotFound)
	ErrNoEnrollment             = fmt.Errorf("%w: no two-factor enrollment in progress", ErrNotFound)
	ErrTwoFactorNotEnabled      = fmt.Errorf("%w: two-factor not enabled", ErrNotFound)

	ErrEngineNotReady = fmt.Errorf("%w: engine not initialized", ErrUpstream)
)

// Kind names an error class.
type Kind string

const (
	KindNone         Kind = ""
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	KindUpstream     Kind = "upstream"
)

// KindOf classifies err. Errors outside the taxonomy are reported as
// KindUpstream; nil is KindNone.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindUpstream
	}
}

// upstream wraps an infrastructure failure into the Upstream class while
// keeping the cause in the chain.
func upstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}
