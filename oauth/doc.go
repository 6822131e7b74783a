// Package oauth links third-party provider accounts to identities.
//
// Providers performs the authorization-code exchange and turns the provider's
// user info into a Profile. Linker resolves a Profile to an identity: an
// existing link wins, then (when the provider vouches for the email) an
// identity with the same email, and otherwise a new OAuth-only identity.
package oauth
