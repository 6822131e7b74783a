// Package identitytest holds the behavioural contract every
// identity.Repository implementation must satisfy.
package identitytest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtracking/authcore/identity"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty repository for one subtest.
type Factory func(t *testing.T) identity.Repository

// Run executes the contract against repositories produced by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, newRepo(t)) })
	t.Run("EmailUnique", func(t *testing.T) { testEmailUnique(t, newRepo(t)) })
	t.Run("Mutations", func(t *testing.T) { testMutations(t, newRepo(t)) })
	t.Run("Links", func(t *testing.T) { testLinks(t, newRepo(t)) })
	t.Run("IdentityWithLink", func(t *testing.T) { testIdentityWithLink(t, newRepo(t)) })
	t.Run("DeleteLastLink", func(t *testing.T) { testDeleteLastLink(t, newRepo(t)) })
	t.Run("ConsumeToken", func(t *testing.T) { testConsumeToken(t, newRepo(t)) })
	t.Run("ConsumeTokenConcurrent", func(t *testing.T) { testConsumeTokenConcurrent(t, newRepo(t)) })
	t.Run("TwoFactor", func(t *testing.T) { testTwoFactor(t, newRepo(t)) })
}

func newIdentity(email string) *identity.Identity {
	return &identity.Identity{
		Email:          email,
		CredentialHash: "$argon2id$stub",
		DisplayName:    "Ada",
		Roles:          []string{identity.DefaultRole},
	}
}

func testCreateAndFind(t *testing.T, repo identity.Repository) {
	ctx := context.Background()
	in := newIdentity("  Ada@Example.com ")
	require.NoError(t, repo.CreateIdentity(ctx, in))
	require.NotEmpty(t, in.ID)
	require.Equal(t, "ada@example.com", in.Email)

	byID, err := repo.IdentityByID(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", byID.Email)
	require.Equal(t, "Ada", byID.DisplayName)
	require.Equal(t, []string{identity.DefaultRole}, byID.Roles)
	require.True(t, byID.HasCredential())
	require.False(t, byID.EmailVerified)

	byEmail, err := repo.IdentityByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	require.Equal(t, in.ID, byEmail.ID)

	_, err = repo.IdentityByEmail(ctx, "nobody@example.com")
	require.ErrorIs(t, err, identity.ErrNotFound)
	_, err = repo.IdentityByID(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, identity.ErrNotFound)
}

func testEmailUnique(t *testing.T, repo identity.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateIdentity(ctx, newIdentity("dup@example.com")))
	err := repo.CreateIdentity(ctx, newIdentity("DUP@example.com"))
	require.ErrorIs(t, err, identity.ErrEmailTaken)
}

func testMutations(t *testing.T, repo identity.Repository) {
	ctx := context.Background()
	in := newIdentity("m@example.com")
	require.NoError(t, repo.CreateIdentity(ctx, in))

	require.NoError(t, repo.MarkEmailVerified(ctx, in.ID))
	require.NoError(t, repo.SetCredentialHash(ctx, in.ID, "$argon2id$new"))
	require.NoError(t, repo.SetAvatarIfEmpty(ctx, in.ID, "https://a/1.png"))
	require.NoError(t, repo.SetAvatarIfEmpty(ctx, in.ID, "https://a/2.png"))

	got, err := repo.IdentityByID(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, got.EmailVerified)
	require.Equal(t, "$argon2id$new", got.CredentialHash)
	require.Equal(t, "https://a/1.png", got.AvatarURL)

	require.ErrorIs(t, repo.MarkEmailVerified(ctx, "00000000-0000-0000-0000-000000000000"), identity.ErrNotFound)
}

func testLinks(t *testing.T, repo identity.Repository) {
	ctx := context.Background()
	in := newIdentity("l@example.com")
	require.NoError(t, repo.CreateIdentity(ctx, in))

	link := &identity.OAuthLink{
		IdentityID:    in.ID,
		Provider:      "google",
		ProviderID:    "g-1",
		ProviderEmail: "l@example.com",
		AccessToken:   []byte("sealed-access"),
	}
	require.NoError(t, repo.CreateLink(ctx, link))
	require.NotEmpty(t, link.ID)

	got, err := repo.LinkByProvider(ctx, "google", "g-1")
	require.NoError(t, err)
	require.Equal(t, in.ID, got.IdentityID)
	require.Equal(t, []byte("sealed-access"), got.AccessToken)

	// (provider, providerID) is globally unique.
	other := newIdentity("other@example.com")
	require.NoError(t, repo.CreateIdentity(ctx, other))
	err = repo.CreateLink(ctx, &identity.OAuthLink{IdentityID: other.ID, Provider: "google", ProviderID: "g-1"})
	require.ErrorIs(t, err, identity.ErrLinkExists)

	// One link per provider per identity.
	err = repo.CreateLink(ctx, &identity.OAuthLink{IdentityID: in.ID, Provider: "google", ProviderID: "g-2"})
	require.ErrorIs(t, err, identity.ErrLinkExists)

	require.NoError(t, repo.UpdateLinkTokens(ctx, link.ID, "new@example.com", []byte("a2"), []byte("r2")))
	got, err = repo.LinkByProvider(ctx, "google", "g-1")
	require.NoError(t, err)
	require.Equal(t, "new@example.com", got.ProviderEmail)
	require.Equal(t, []byte("r2"), got.RefreshToken)

	require.NoError(t, repo.CreateLink(ctx, &identity.OAuthLink{IdentityID: in.ID, Provider: "github", ProviderID: "gh-1"}))
	links, err := repo.LinksForIdentity(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	require.Equal(t, "github", links[0].Provider)

	// Identity has a credential, so its links can all go.
	require.NoError(t, repo.DeleteLink(ctx, in.ID, "google"))
	require.NoError(t, repo.DeleteLink(ctx, in.ID, "github"))
	require.ErrorIs(t, repo.DeleteLink(ctx, in.ID, "github"), identity.ErrNotFound)
	_, err = repo.LinkByProvider(ctx, "google", "g-1")
	require.ErrorIs(t, err, identity.ErrNotFound)
}

func testIdentityWithLink(t *testing.T, repo identity.Repository) {
	ctx := context.Background()
	in := &identity.Identity{Email: "oauth@example.com", EmailVerified: true, Roles: []string{identity.DefaultRole}}
	link := &identity.OAuthLink{Provider: "github", ProviderID: "gh-7"}
	require.NoError(t, repo.CreateIdentityWithLink(ctx, in, link))
	require.Equal(t, in.ID, link.IdentityID)

	got, err := repo.IdentityByID(ctx, in.ID)
	require.NoError(t, err)
	require.False(t, got.HasCredential())
	require.True(t, got.EmailVerified)

	// A duplicate link rolls back the identity insert too.
	dup := &identity.Identity{Email: "second@example.com", Roles: []string{identity.DefaultRole}}
	err = repo.CreateIdentityWithLink(ctx, dup, &identity.OAuthLink{Provider: "github", ProviderID: "gh-7"})
	require.ErrorIs(t, err, identity.ErrLinkExists)
	_, err = repo.IdentityByEmail(ctx, "second@example.com")
	require.ErrorIs(t, err, identity.ErrNotFound)
}

func testDeleteLastLink(t *testing.T, repo identity.Repository) {
	ctx := context.Background()
	in := &identity.Identity{Email: "only@example.com", Roles: []string{identity.DefaultRole}}
	require.NoError(t, repo.CreateIdentityWithLink(ctx, in, &identity.OAuthLink{Provider: "google", ProviderID: "g-9"}))

	require.ErrorIs(t, repo.DeleteLink(ctx, in.ID, "google"), identity.ErrLastAuthMethod)
	_, err := repo.LinkByProvider(ctx, "google", "g-9")
	require.NoError(t, err, "refused delete must leave the link in place")

	require.NoError(t, repo.CreateLink(ctx, &identity.OAuthLink{IdentityID: in.ID, Provider: "github", ProviderID: "gh-9"}))
	require.NoError(t, repo.DeleteLink(ctx, in.ID, "google"))
	require.ErrorIs(t, repo.DeleteLink(ctx, in.ID, "github"), identity.ErrLastAuthMethod)
}

func testConsumeToken(t *testing.T, repo identity.Repository) {
	ctx := context.Background()
	in := newIdentity("t@example.com")
	require.NoError(t, repo.CreateIdentity(ctx, in))

	now := time.Now()
	require.NoError(t, repo.CreateToken(ctx, &identity.SingleUseToken{
		IdentityID: in.ID,
		Kind:       identity.KindPasswordReset,
		Digest:     "digest-reset",
		ExpiresAt:  now.Add(time.Hour),
	}))
	require.NoError(t, repo.CreateToken(ctx, &identity.SingleUseToken{
		IdentityID: in.ID,
		Kind:       identity.KindEmailVerification,
		Digest:     "digest-old",
		ExpiresAt:  now.Add(-time.Second),
	}))

	// Wrong kind never consumes.
	_, err := repo.ConsumeToken(ctx, identity.KindEmailVerification, "digest-reset", now)
	require.ErrorIs(t, err, identity.ErrTokenUnusable)

	tok, err := repo.ConsumeToken(ctx, identity.KindPasswordReset, "digest-reset", now)
	require.NoError(t, err)
	require.Equal(t, in.ID, tok.IdentityID)
	require.NotNil(t, tok.UsedAt)

	_, err = repo.ConsumeToken(ctx, identity.KindPasswordReset, "digest-reset", now)
	require.ErrorIs(t, err, identity.ErrTokenUnusable)

	_, err = repo.ConsumeToken(ctx, identity.KindEmailVerification, "digest-old", now)
	require.ErrorIs(t, err, identity.ErrTokenUnusable)

	_, err = repo.ConsumeToken(ctx, identity.KindPasswordReset, "never-issued", now)
	require.ErrorIs(t, err, identity.ErrTokenUnusable)
}

func testConsumeTokenConcurrent(t *testing.T, repo identity.Repository) {
	ctx := context.Background()
	in := newIdentity("race@example.com")
	require.NoError(t, repo.CreateIdentity(ctx, in))
	require.NoError(t, repo.CreateToken(ctx, &identity.SingleUseToken{
		IdentityID: in.ID,
		Kind:       identity.KindEmailVerification,
		Digest:     "digest-race",
		ExpiresAt:  time.Now().Add(time.Hour),
	}))

	const workers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.ConsumeToken(ctx, identity.KindEmailVerification, "digest-race", time.Now()); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func testTwoFactor(t *testing.T, repo identity.Repository) {
	ctx := context.Background()
	in := newIdentity("2fa@example.com")
	require.NoError(t, repo.CreateIdentity(ctx, in))

	require.ErrorIs(t, repo.EnableTwoFactor(ctx, in.ID), identity.ErrTwoFactorState)

	require.NoError(t, repo.SaveTwoFactorEnrollment(ctx, in.ID, []byte("sealed"), []string{"c1", "c2", "c3"}))
	got, err := repo.IdentityByID(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("sealed"), got.TwoFactorSecret)
	require.False(t, got.TwoFactorEnabled)

	n, err := repo.RemainingBackupCodes(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = repo.ConsumeBackupCode(ctx, in.ID, "c2")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	_, err = repo.ConsumeBackupCode(ctx, in.ID, "c2")
	require.ErrorIs(t, err, identity.ErrTokenUnusable)

	require.NoError(t, repo.EnableTwoFactor(ctx, in.ID))
	got, err = repo.IdentityByID(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, got.TwoFactorEnabled)

	// Re-enrolling replaces every code.
	require.NoError(t, repo.SaveTwoFactorEnrollment(ctx, in.ID, []byte("sealed-2"), []string{"d1"}))
	n, err = repo.RemainingBackupCodes(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, repo.ClearTwoFactor(ctx, in.ID))
	got, err = repo.IdentityByID(ctx, in.ID)
	require.NoError(t, err)
	require.Nil(t, got.TwoFactorSecret)
	require.False(t, got.TwoFactorEnabled)
	n, err = repo.RemainingBackupCodes(ctx, in.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}
