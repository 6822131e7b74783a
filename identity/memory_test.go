package identity_test

import (
	"testing"

	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/identity/identitytest"
)

func TestMemoryRepositoryContract(t *testing.T) {
	identitytest.Run(t, func(*testing.T) identity.Repository {
		return identity.NewMemoryRepository()
	})
}
