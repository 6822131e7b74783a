// Package twofactor implements TOTP enrollment as a small state machine
//
//	qr -> verify -> backup -> enabled
//
// The pending enrollment (secret and current state) lives in Redis until the
// code is verified. Only then is the sealed secret written to the identity,
// together with a fresh set of single-use backup codes, and two-factor stays
// disabled until the user confirms the codes were saved.
package twofactor
