package twofactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/internal/secretbox"
	"github.com/redis/go-redis/v9"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fixture struct {
	mgr  *Manager
	repo *identity.MemoryRepository
	mr   *miniredis.Miniredis
	who  *identity.Identity
	at   time.Time
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	box, err := secretbox.FromHex(testKey)
	if err != nil {
		t.Fatalf("secretbox: %v", err)
	}
	repo := identity.NewMemoryRepository()
	who := &identity.Identity{Email: "ada@example.com", CredentialHash: "x", Roles: []string{identity.DefaultRole}}
	if err := repo.CreateIdentity(context.Background(), who); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	mgr, err := NewManager(NewStore(rdb, "as"), repo, DefaultTOTP("authcore"), box, policy)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	f := &fixture{mgr: mgr, repo: repo, mr: mr, who: who, at: time.Now()}
	mgr.now = func() time.Time { return f.at }
	return f
}

// nextStep moves the clock to the following TOTP period.
func (f *fixture) nextStep() {
	f.at = f.at.Add(f.mgr.totp.Period)
}

func (f *fixture) reload(t *testing.T) *identity.Identity {
	t.Helper()
	who, err := f.repo.IdentityByID(context.Background(), f.who.ID)
	if err != nil {
		t.Fatalf("IdentityByID: %v", err)
	}
	return who
}

func (f *fixture) codeFor(t *testing.T, setup *Setup) string {
	t.Helper()
	raw, err := DecodeSecret(setup.Secret)
	if err != nil {
		t.Fatalf("DecodeSecret: %v", err)
	}
	code, err := f.mgr.totp.Code(raw, f.mgr.now())
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	return code
}

func TestEnrollmentHappyPath(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	setup, err := f.mgr.Begin(ctx, f.who)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if setup.State != StateQR || setup.Secret == "" || setup.URI == "" {
		t.Fatalf("unexpected setup %+v", setup)
	}
	if len(f.reload(t).TwoFactorSecret) != 0 {
		t.Fatal("qr step must not touch the identity")
	}

	if state, err := f.mgr.Proceed(ctx, f.who.ID); err != nil || state != StateVerify {
		t.Fatalf("Proceed = %s, %v", state, err)
	}

	codes, err := f.mgr.Verify(ctx, f.who.ID, f.codeFor(t, setup))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(codes) != DefaultBackupCodes {
		t.Fatalf("expected %d backup codes, got %d", DefaultBackupCodes, len(codes))
	}
	who := f.reload(t)
	if len(who.TwoFactorSecret) == 0 || who.TwoFactorEnabled {
		t.Fatal("backup step must persist the secret with two-factor disabled")
	}
	if string(who.TwoFactorSecret) == setup.Secret {
		t.Fatal("secret must be sealed at rest")
	}

	if err := f.mgr.Confirm(ctx, f.who.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	who = f.reload(t)
	if !who.TwoFactorEnabled {
		t.Fatal("confirm must enable two-factor")
	}
	if f.mr.Exists("as:2fa:" + f.who.ID) {
		t.Fatal("pending enrollment must be removed once enabled")
	}

	status, err := f.mgr.Status(ctx, who)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != StateEnabled || status.RemainingBackupCodes != DefaultBackupCodes {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, err := f.mgr.Begin(ctx, who); !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("expected ErrAlreadyEnabled, got %v", err)
	}
}

func TestWrongCodeStaysAtVerify(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	setup, _ := f.mgr.Begin(ctx, f.who)
	_, _ = f.mgr.Proceed(ctx, f.who.ID)

	good := f.codeFor(t, setup)
	bad := "000000"
	if bad == good {
		bad = "111111"
	}
	if _, err := f.mgr.Verify(ctx, f.who.ID, bad); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	if len(f.reload(t).TwoFactorSecret) != 0 {
		t.Fatal("a wrong code must persist nothing")
	}
	if n, _ := f.repo.RemainingBackupCodes(ctx, f.who.ID); n != 0 {
		t.Fatal("a wrong code must not create backup codes")
	}
	status, _ := f.mgr.Status(ctx, f.who)
	if status.State != StateVerify {
		t.Fatalf("state = %s, want verify", status.State)
	}
	if _, err := f.mgr.Verify(ctx, f.who.ID, good); err != nil {
		t.Fatalf("retry with the right code: %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	if _, err := f.mgr.Proceed(ctx, f.who.ID); !errors.Is(err, ErrNoEnrollment) {
		t.Fatalf("expected ErrNoEnrollment, got %v", err)
	}
	setup, _ := f.mgr.Begin(ctx, f.who)
	if _, err := f.mgr.Verify(ctx, f.who.ID, f.codeFor(t, setup)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("verify from qr: expected ErrInvalidTransition, got %v", err)
	}
	if err := f.mgr.Confirm(ctx, f.who.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("confirm from qr: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.mgr.Back(ctx, f.who.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("back from qr: expected ErrInvalidTransition, got %v", err)
	}
}

func TestBackRegeneratesSecretByDefault(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	first, _ := f.mgr.Begin(ctx, f.who)
	_, _ = f.mgr.Proceed(ctx, f.who.ID)
	second, err := f.mgr.Back(ctx, f.who.ID)
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	if second.State != StateQR {
		t.Fatalf("state = %s, want qr", second.State)
	}
	if second.Secret == first.Secret {
		t.Fatal("secret must be regenerated on back")
	}
}

func TestBackKeepsSecretWhenConfigured(t *testing.T) {
	policy := DefaultPolicy()
	policy.RegenerateSecretOnBack = false
	f := newFixture(t, policy)
	ctx := context.Background()

	first, _ := f.mgr.Begin(ctx, f.who)
	_, _ = f.mgr.Proceed(ctx, f.who.ID)
	second, err := f.mgr.Back(ctx, f.who.ID)
	if err != nil {
		t.Fatalf("Back: %v", err)
	}
	if second.Secret != first.Secret {
		t.Fatal("secret must be kept when regeneration is off")
	}
}

func TestCancelAtBackupClearsIdentity(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	setup, _ := f.mgr.Begin(ctx, f.who)
	_, _ = f.mgr.Proceed(ctx, f.who.ID)
	if _, err := f.mgr.Verify(ctx, f.who.ID, f.codeFor(t, setup)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := f.mgr.Cancel(ctx, f.who.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	who := f.reload(t)
	if len(who.TwoFactorSecret) != 0 || who.TwoFactorEnabled {
		t.Fatal("cancel must leave no secret on the identity")
	}
	if n, _ := f.repo.RemainingBackupCodes(ctx, f.who.ID); n != 0 {
		t.Fatalf("cancel must drop backup codes, %d left", n)
	}
	if err := f.mgr.Cancel(ctx, f.who.ID); !errors.Is(err, ErrNoEnrollment) {
		t.Fatalf("second cancel: expected ErrNoEnrollment, got %v", err)
	}
}

func TestEnrollmentExpires(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	if _, err := f.mgr.Begin(ctx, f.who); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	f.mr.FastForward(DefaultEnrollmentTTL + time.Second)
	if _, err := f.mgr.Proceed(ctx, f.who.ID); !errors.Is(err, ErrNoEnrollment) {
		t.Fatalf("expected ErrNoEnrollment after ttl, got %v", err)
	}
}

func TestConcurrentVerifySingleWinner(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	setup, _ := f.mgr.Begin(ctx, f.who)
	_, _ = f.mgr.Proceed(ctx, f.who.ID)
	code := f.codeFor(t, setup)

	const workers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.mgr.Verify(ctx, f.who.ID, code); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected one winning verify, got %d", got)
	}
}

func enable(t *testing.T, f *fixture) ([]string, *Setup) {
	t.Helper()
	ctx := context.Background()
	setup, _ := f.mgr.Begin(ctx, f.who)
	_, _ = f.mgr.Proceed(ctx, f.who.ID)
	codes, err := f.mgr.Verify(ctx, f.who.ID, f.codeFor(t, setup))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := f.mgr.Confirm(ctx, f.who.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	return codes, setup
}

func TestVerifySecondFactor(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	if _, err := f.mgr.VerifySecondFactor(ctx, f.who, "123456"); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("expected ErrNotEnabled, got %v", err)
	}

	codes, setup := enable(t, f)
	who := f.reload(t)

	f.nextStep()
	res, err := f.mgr.VerifySecondFactor(ctx, who, f.codeFor(t, setup))
	if err != nil {
		t.Fatalf("totp: %v", err)
	}
	if res.Method != MethodTOTP || res.RemainingBackupCodes != DefaultBackupCodes {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = f.mgr.VerifySecondFactor(ctx, who, codes[3])
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if res.Method != MethodBackup || res.RemainingBackupCodes != DefaultBackupCodes-1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := f.mgr.VerifySecondFactor(ctx, who, codes[3]); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("reused backup code: expected ErrInvalidCode, got %v", err)
	}
	if _, err := f.mgr.VerifySecondFactor(ctx, who, "ZZZZ-ZZZZ"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("unknown backup code: expected ErrInvalidCode, got %v", err)
	}
}

func TestDisableRequiresSecondFactor(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	codes, _ := enable(t, f)
	who := f.reload(t)

	if err := f.mgr.Disable(ctx, who, "ZZZZ-ZZZZ"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	if !f.reload(t).TwoFactorEnabled {
		t.Fatal("failed disable must leave two-factor on")
	}

	if err := f.mgr.Disable(ctx, who, codes[0]); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	after := f.reload(t)
	if after.TwoFactorEnabled || len(after.TwoFactorSecret) != 0 {
		t.Fatalf("two-factor not cleared: %+v", after)
	}
	if n, _ := f.repo.RemainingBackupCodes(ctx, who.ID); n != 0 {
		t.Fatalf("expected no backup codes, got %d", n)
	}
}

func TestTOTPCodeIsSingleUse(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	_, setup := enable(t, f)
	who := f.reload(t)

	// The code that finished enrollment is already spent.
	if _, err := f.mgr.VerifySecondFactor(ctx, who, f.codeFor(t, setup)); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("enrollment code replayed: expected ErrInvalidCode, got %v", err)
	}

	f.nextStep()
	code := f.codeFor(t, setup)
	if _, err := f.mgr.VerifySecondFactor(ctx, who, code); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := f.mgr.VerifySecondFactor(ctx, who, code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("second use: expected ErrInvalidCode, got %v", err)
	}

	// A code from an earlier step still inside the skew window is refused too.
	earlier, err := f.mgr.totp.Code(mustDecode(t, setup), f.at.Add(-f.mgr.totp.Period))
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	if _, err := f.mgr.VerifySecondFactor(ctx, who, earlier); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("earlier step: expected ErrInvalidCode, got %v", err)
	}
	if err := f.mgr.Disable(ctx, who, code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("disable with spent code: expected ErrInvalidCode, got %v", err)
	}

	f.nextStep()
	if err := f.mgr.Disable(ctx, who, f.codeFor(t, setup)); err != nil {
		t.Fatalf("Disable: %v", err)
	}
}

func TestConcurrentTOTPSingleWinner(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	_, setup := enable(t, f)
	who := f.reload(t)
	f.nextStep()
	code := f.codeFor(t, setup)

	const workers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.mgr.VerifySecondFactor(ctx, who, code); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected one accepted code, got %d", got)
	}
}

func mustDecode(t *testing.T, setup *Setup) []byte {
	t.Helper()
	raw, err := DecodeSecret(setup.Secret)
	if err != nil {
		t.Fatalf("DecodeSecret: %v", err)
	}
	return raw
}
