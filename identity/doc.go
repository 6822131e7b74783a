// Package identity defines the identity data model and the repository
// contract the auth core depends on: identities, OAuth links, single-use
// tokens and two-factor backup codes.
//
// Implementations live in subpackages (postgres, sqlite) plus the in-process
// [MemoryRepository]. Every implementation must provide:
//
//   - unique email and unique (provider, providerID) and (identity, provider)
//     link constraints, reported as ErrEmailTaken and ErrLinkExists;
//   - [Tokens.ConsumeToken] as one conditional update, so a token is redeemed
//     at most once under concurrency;
//   - [Links.DeleteLink] refusing, atomically, to remove the last
//     authentication method of an identity.
package identity
