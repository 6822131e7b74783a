// Package authcore is the authentication and session-lifecycle core: password
// credentials, RS256/EdDSA access tokens, HS256 refresh tokens rotated with
// reuse detection, Redis sessions and revocation, OAuth account linking and
// TOTP two-factor enrollment.
//
// An [Engine] is assembled with [New] and [Builder.Build] and is safe for
// concurrent use. Component packages (password, token, session, revocation,
// identity, oauth, twofactor, mail) can be used on their own; the Engine
// enforces the invariants that span them.
//
// Every error returned by the Engine wraps one class from errors.go:
// ErrValidation, ErrConflict, ErrUnauthorized, ErrNotFound or ErrUpstream.
// Use [KindOf] or errors.Is to classify.
package authcore
