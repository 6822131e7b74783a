package oauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/internal/secretbox"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newLinker(t *testing.T, trust bool) (*Linker, *identity.MemoryRepository, *secretbox.Box) {
	t.Helper()
	box, err := secretbox.FromHex(testKey)
	require.NoError(t, err)
	repo := identity.NewMemoryRepository()
	return NewLinker(repo, box, Policy{TrustProviderEmail: trust}, nil), repo, box
}

func googleProfileFor(email string, verified bool) Profile {
	return Profile{
		Provider:      "google",
		ProviderID:    "g-123",
		Email:         email,
		EmailVerified: verified,
		Name:          "Ada Lovelace",
		AvatarURL:     "https://img/ada.png",
		AccessToken:   "provider-access",
		RefreshToken:  "provider-refresh",
	}
}

func TestCallbackCreatesIdentity(t *testing.T) {
	linker, repo, box := newLinker(t, true)
	ctx := context.Background()

	res, err := linker.HandleCallback(ctx, googleProfileFor("Ada@Example.com", true))
	require.NoError(t, err)
	require.True(t, res.Created)
	require.False(t, res.Identity.HasCredential())
	require.True(t, res.Identity.EmailVerified)
	require.Equal(t, "ada@example.com", res.Identity.Email)
	require.Equal(t, []string{identity.DefaultRole}, res.Identity.Roles)

	link, err := repo.LinkByProvider(ctx, "google", "g-123")
	require.NoError(t, err)
	require.NotEqual(t, []byte("provider-access"), link.AccessToken, "provider tokens must be sealed")
	plain, err := box.Open(link.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "provider-access", string(plain))
}

func TestCallbackReusesExistingLink(t *testing.T) {
	linker, repo, box := newLinker(t, true)
	ctx := context.Background()

	first, err := linker.HandleCallback(ctx, googleProfileFor("ada@example.com", true))
	require.NoError(t, err)

	again := googleProfileFor("ada+new@example.com", true)
	again.AccessToken = "rotated-access"
	again.RefreshToken = ""
	second, err := linker.HandleCallback(ctx, again)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.False(t, second.Linked)
	require.Equal(t, first.Identity.ID, second.Identity.ID)

	link, err := repo.LinkByProvider(ctx, "google", "g-123")
	require.NoError(t, err)
	require.Equal(t, "ada+new@example.com", link.ProviderEmail)
	access, _ := box.Open(link.AccessToken)
	require.Equal(t, "rotated-access", string(access))
	refresh, _ := box.Open(link.RefreshToken)
	require.Equal(t, "provider-refresh", string(refresh), "missing refresh token keeps the stored one")
}

func TestCallbackAutoLinksVerifiedEmail(t *testing.T) {
	linker, repo, _ := newLinker(t, true)
	ctx := context.Background()

	existing := &identity.Identity{Email: "ada@example.com", CredentialHash: "hash", Roles: []string{identity.DefaultRole}}
	require.NoError(t, repo.CreateIdentity(ctx, existing))

	res, err := linker.HandleCallback(ctx, googleProfileFor("ada@example.com", true))
	require.NoError(t, err)
	require.True(t, res.Linked)
	require.Equal(t, existing.ID, res.Identity.ID)

	got, err := repo.IdentityByID(ctx, existing.ID)
	require.NoError(t, err)
	require.Equal(t, "https://img/ada.png", got.AvatarURL, "avatar filled when unset")
}

func TestCallbackRefusesUnverifiedEmailCollision(t *testing.T) {
	linker, repo, _ := newLinker(t, true)
	ctx := context.Background()
	require.NoError(t, repo.CreateIdentity(ctx, &identity.Identity{Email: "ada@example.com", CredentialHash: "hash"}))

	_, err := linker.HandleCallback(ctx, googleProfileFor("ada@example.com", false))
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestCallbackWithoutTrustNeverAutoLinks(t *testing.T) {
	linker, repo, _ := newLinker(t, false)
	ctx := context.Background()
	require.NoError(t, repo.CreateIdentity(ctx, &identity.Identity{Email: "ada@example.com", CredentialHash: "hash"}))

	_, err := linker.HandleCallback(ctx, googleProfileFor("ada@example.com", true))
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestCallbackRejectsProfileWithoutEmail(t *testing.T) {
	linker, _, _ := newLinker(t, true)
	_, err := linker.HandleCallback(context.Background(), googleProfileFor("", true))
	require.ErrorIs(t, err, ErrInvalidProfile)
}

func TestConcurrentCallbacksCreateOneIdentity(t *testing.T) {
	linker, repo, _ := newLinker(t, true)
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		ids     sync.Map
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := linker.HandleCallback(ctx, googleProfileFor("race@example.com", true))
			if err != nil {
				t.Errorf("HandleCallback: %v", err)
				return
			}
			if res.Created {
				created.Add(1)
			}
			ids.Store(res.Identity.ID, true)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, created.Load())
	n := 0
	ids.Range(func(any, any) bool { n++; return true })
	require.Equal(t, 1, n)

	links, err := repo.LinksForIdentity(ctx, func() string {
		who, _ := repo.IdentityByEmail(ctx, "race@example.com")
		return who.ID
	}())
	require.NoError(t, err)
	require.Len(t, links, 1)
}

func TestUnlink(t *testing.T) {
	linker, repo, _ := newLinker(t, true)
	ctx := context.Background()

	res, err := linker.HandleCallback(ctx, googleProfileFor("solo@example.com", true))
	require.NoError(t, err)
	id := res.Identity.ID

	require.ErrorIs(t, linker.Unlink(ctx, id, "google"), ErrLastAuthMethod)
	require.ErrorIs(t, linker.Unlink(ctx, id, "github"), ErrLinkNotFound)

	require.NoError(t, repo.SetCredentialHash(ctx, id, "hash"))
	require.NoError(t, linker.Unlink(ctx, id, "google"))

	links, err := linker.Links(ctx, id)
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestLinksHideTokens(t *testing.T) {
	linker, _, _ := newLinker(t, true)
	ctx := context.Background()

	res, err := linker.HandleCallback(ctx, googleProfileFor("ada@example.com", true))
	require.NoError(t, err)

	links, err := linker.Links(ctx, res.Identity.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, LinkedAccount{
		ID:       res.Link.ID,
		Provider: "google",
		Email:    "ada@example.com",
		LinkedAt: links[0].LinkedAt,
	}, links[0])
}
