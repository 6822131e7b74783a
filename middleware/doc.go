// Package middleware protects plain net/http handlers with authcore access
// tokens.
//
// [Require] reads the Authorization header, calls VerifyAccess and injects the
// resulting principal with authcore.WithPrincipal. Handlers read it back with
// authcore.PrincipalFromContext.
//
// The package translates HTTP semantics only. Token parsing and revocation
// checks stay in the engine.
package middleware
