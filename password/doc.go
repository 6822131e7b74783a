// Package password implements the credential hasher: Argon2id password hashing,
// random single-use token generation and one-way token digests.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Hasher.NeedsUpgrade] reports hashes produced with weaker parameters so callers
// can re-hash after the next successful login.
//
// # Tokens
//
// [GenerateToken] returns 32 random bytes hex encoded. Only [Digest] of a token is
// ever persisted; raw tokens leave the process exactly once, in an email or a
// response body.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords. Callers supply plaintext and receive hashes.
//   - Import any other authcore package.
//   - Log plaintext passwords or tokens.
package password
