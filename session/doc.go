// Package session provides the Redis-backed session store: one record per
// logged-in device, bound to the digest of its current refresh token.
//
// # Key layout
//
//	<prefix>:s:<sessionID>      hash  (uid, rh, tv, ip, dev, ca, la, ea)
//	<prefix>:rt:<refreshDigest> string -> sessionID
//	<prefix>:u:<identityID>     set of sessionIDs
//
// Every key expires with its session. Expiry is also checked on every read, so
// correctness never depends on [Store.SweepExpired] having run.
//
// # Rotation
//
// [Store.Rotate] is a single Lua compare-and-swap: the stored digest and token
// version must equal what the caller presented, otherwise nothing changes. Two
// concurrent rotations of one refresh token therefore have exactly one winner.
//
// # What this package must NOT do
//
//   - Import authcore or token (no upward imports).
//   - Store raw refresh tokens. Only [password.Digest] output is persisted.
package session
