package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mtracking/authcore/password"
	"github.com/redis/go-redis/v9"
)

func newSessionStoreTest(t *testing.T) (*Store, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(rdb, "as", time.Hour)
	return store, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func testDevice() DeviceInfo {
	return DeviceInfo{
		UserAgent: "Mozilla/5.0",
		Platform:  "macOS",
		Extra:     map[string]string{"app": "web"},
	}
}

func TestCreateAndFindByRefreshToken(t *testing.T) {
	store, mr, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	created, err := store.Create(ctx, "sid-1", "user-1", "refresh-1", testDevice(), "10.0.0.1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.RefreshHash != password.Digest("refresh-1") {
		t.Fatal("session must store the digest, not the raw token")
	}
	if mr.Exists("as:rt:refresh-1") {
		t.Fatal("raw token must never be a key")
	}

	found, err := store.FindByRefreshToken(ctx, "refresh-1")
	if err != nil {
		t.Fatalf("FindByRefreshToken: %v", err)
	}
	if found.ID != "sid-1" || found.IdentityID != "user-1" || found.TokenVersion != 1 {
		t.Fatalf("unexpected session %+v", found)
	}
	if found.IP != "10.0.0.1" || found.Device.Platform != "macOS" || found.Device.Extra["app"] != "web" {
		t.Fatalf("metadata not round-tripped: %+v", found)
	}

	if _, err := store.FindByRefreshToken(ctx, "unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRotateReplacesDigest(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	if _, err := store.Create(ctx, "sid-1", "user-1", "rt-1", testDevice(), ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rotated, err := store.Rotate(ctx, "sid-1", "rt-1", "rt-2", 1)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated.TokenVersion != 2 || rotated.RefreshHash != password.Digest("rt-2") {
		t.Fatalf("unexpected rotated session %+v", rotated)
	}

	if _, err := store.FindByRefreshToken(ctx, "rt-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("rotated-away token must not resolve, got %v", err)
	}
	if _, err := store.FindByRefreshToken(ctx, "rt-2"); err != nil {
		t.Fatalf("new token must resolve: %v", err)
	}

	if _, err := store.Rotate(ctx, "sid-1", "rt-1", "rt-3", 2); !errors.Is(err, ErrRefreshHashMismatch) {
		t.Fatalf("stale digest: expected ErrRefreshHashMismatch, got %v", err)
	}
	if _, err := store.Rotate(ctx, "sid-1", "rt-2", "rt-3", 1); !errors.Is(err, ErrRefreshHashMismatch) {
		t.Fatalf("stale version: expected ErrRefreshHashMismatch, got %v", err)
	}
	if _, err := store.Rotate(ctx, "missing", "rt-2", "rt-3", 2); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	if _, err := store.Create(ctx, "sid-1", "user-1", "rt-1", DeviceInfo{}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const workers = 16
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			next := "rt-next-" + string(rune('a'+i))
			if _, err := store.Rotate(ctx, "sid-1", "rt-1", next, 1); err == nil {
				success.Add(1)
			} else if !errors.Is(err, ErrRefreshHashMismatch) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if got := success.Load(); got != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", got)
	}
}

func TestExpiredSessionNeverAuthorizes(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }
	if _, err := store.Create(ctx, "sid-1", "user-1", "rt-1", DeviceInfo{}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Clock moves past expiry before Redis evicts the key.
	store.now = func() time.Time { return base.Add(2 * time.Hour) }

	if _, err := store.Rotate(ctx, "sid-1", "rt-1", "rt-2", 1); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	store.now = func() time.Time { return base }
	if _, err := store.Create(ctx, "sid-2", "user-1", "rt-x", DeviceInfo{}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	store.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := store.FindByRefreshToken(ctx, "rt-x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expired session to be not found, got %v", err)
	}
}

func TestUpdateRefreshTokenExtendsExpiry(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }
	if _, err := store.Create(ctx, "sid-1", "user-1", "rt-1", DeviceInfo{}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	store.now = func() time.Time { return base.Add(30 * time.Minute) }
	updated, err := store.UpdateRefreshToken(ctx, "sid-1", "rt-2")
	if err != nil {
		t.Fatalf("UpdateRefreshToken: %v", err)
	}
	if !updated.ExpiresAt.After(base.Add(time.Hour)) {
		t.Fatalf("expiry not extended: %v", updated.ExpiresAt)
	}
	if !updated.LastActiveAt.After(updated.CreatedAt) {
		t.Fatal("last-active not bumped")
	}
	if _, err := store.FindByRefreshToken(ctx, "rt-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("old index must be gone, got %v", err)
	}
}

func TestRevokeAndRevokeAll(t *testing.T) {
	store, mr, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	for _, id := range []string{"sid-1", "sid-2", "sid-3"} {
		if _, err := store.Create(ctx, id, "user-1", "rt-"+id, DeviceInfo{}, ""); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := store.Create(ctx, "sid-x", "user-2", "rt-sid-x", DeviceInfo{}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Revoke(ctx, "sid-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := store.Revoke(ctx, "sid-1"); err != nil {
		t.Fatalf("Revoke must be idempotent: %v", err)
	}
	if mr.Exists("as:rt:" + password.Digest("rt-sid-1")) {
		t.Fatal("index must be removed with the session")
	}

	removed, err := store.RevokeAll(ctx, "user-1")
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed sessions, got %d", len(removed))
	}
	if list, _ := store.ListForIdentity(ctx, "user-1"); len(list) != 0 {
		t.Fatalf("expected no sessions left, got %d", len(list))
	}
	if list, _ := store.ListForIdentity(ctx, "user-2"); len(list) != 1 {
		t.Fatal("other identities must be untouched")
	}
}

func TestListForIdentityOrdersByLastActive(t *testing.T) {
	store, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }
	for _, id := range []string{"old", "new"} {
		if _, err := store.Create(ctx, id, "user-1", "rt-"+id, DeviceInfo{}, ""); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	store.now = func() time.Time { return base.Add(time.Minute) }
	if err := store.Touch(ctx, "new"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	list, err := store.ListForIdentity(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListForIdentity: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestSweepExpiredRemovesDanglingMembers(t *testing.T) {
	store, mr, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }
	if _, err := store.Create(ctx, "live", "user-1", "rt-live", DeviceInfo{}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(ctx, "gone", "user-1", "rt-gone", DeviceInfo{}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	mr.Del("as:s:gone")

	removed, err := store.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	members, _ := mr.Members("as:u:user-1")
	if len(members) != 1 || members[0] != "live" {
		t.Fatalf("unexpected members %v", members)
	}
}

func TestStoreUnavailable(t *testing.T) {
	store, mr, done := newSessionStoreTest(t)
	defer done()
	mr.Close()

	_, err := store.Create(context.Background(), "sid", "uid", "rt", DeviceInfo{}, "")
	if !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
