package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/identity/identitytest"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreContract(t *testing.T) {
	identitytest.Run(t, func(t *testing.T) identity.Repository {
		return openTestStore(t)
	})
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	first, err := Open(path)
	require.NoError(t, err)
	in := &identity.Identity{Email: "keep@example.com", Roles: []string{identity.DefaultRole}}
	require.NoError(t, first.CreateIdentity(context.Background(), in))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.IdentityByEmail(context.Background(), "keep@example.com")
	require.NoError(t, err)
	require.Equal(t, in.ID, got.ID)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestTokenForUnknownIdentity(t *testing.T) {
	store := openTestStore(t)
	err := store.CreateToken(context.Background(), &identity.SingleUseToken{
		IdentityID: "missing",
		Kind:       identity.KindPasswordReset,
		Digest:     "d",
	})
	require.ErrorIs(t, err, identity.ErrNotFound)
}
