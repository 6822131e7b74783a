// Package token mints and verifies the two credentials the core hands out.
//
// Access tokens are short-lived and signed with an asymmetric key (RS256 or
// EdDSA) so resource servers can verify them from the published JWKS. Refresh
// tokens are long-lived, HS256-signed with a shared secret, and carry the
// session id plus a monotonic token version.
//
// Verification is strict: the expected algorithm is pinned, issuer and
// audience are enforced when configured, and every structurally valid token is
// then checked against the revocation registry. A registry failure is returned
// as an error, never treated as "not revoked".
package token
