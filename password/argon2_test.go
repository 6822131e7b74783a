package password

import (
	"errors"
	"strings"
	"testing"
)

func testConfig() Config {
	cfg := DefaultConfig()
	// Keep the suite fast; the floor still exercises the real algorithm.
	cfg.Memory = minMemoryKB
	cfg.Time = 1
	cfg.Parallelism = 1
	return cfg
}

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestHashAndCompare(t *testing.T) {
	h := newTestHasher(t)

	encoded, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected PHC prefix: %s", encoded)
	}
	if !h.Compare("correct horse battery", encoded) {
		t.Fatal("expected password to match")
	}
	if h.Compare("correct horse battery!", encoded) {
		t.Fatal("expected different password to mismatch")
	}
}

func TestHashIsSalted(t *testing.T) {
	h := newTestHasher(t)

	a, err := h.Hash("same-password-twice")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := h.Hash("same-password-twice")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct digests for repeated hashing")
	}
}

func TestHashRejectsShortPassword(t *testing.T) {
	h := newTestHasher(t)

	if _, err := h.Hash("short"); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if _, err := h.Hash(strings.Repeat("x", MaxLength+1)); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}

func TestCompareMalformedHashIsFalse(t *testing.T) {
	h := newTestHasher(t)

	for _, encoded := range []string{
		"",
		"plain",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5a2V5a2V5a2V5a2V5aw",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5a2V5a2V5a2V5a2V5aw",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5a2V5a2V5a2V5a2V5aw",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5a2V5a2V5a2V5a2V5aw",
		"$argon2id$v=19$m=8192,t=1,p=1$!!$a2V5a2V5a2V5a2V5a2V5aw",
	} {
		if h.Compare("whatever-password", encoded) {
			t.Fatalf("expected mismatch for %q", encoded)
		}
		if _, err := h.Verify("whatever-password", encoded); !errors.Is(err, ErrMalformedHash) {
			t.Fatalf("expected ErrMalformedHash for %q, got %v", encoded, err)
		}
	}
}

func TestNeedsUpgrade(t *testing.T) {
	weak := newTestHasher(t)
	encoded, err := weak.Hash("upgrade-me-please")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	cfg := testConfig()
	cfg.Time = 2
	strong, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if up, err := weak.NeedsUpgrade(encoded); err != nil || up {
		t.Fatalf("same params: upgrade=%v err=%v", up, err)
	}
	if up, err := strong.NeedsUpgrade(encoded); err != nil || !up {
		t.Fatalf("stronger params: upgrade=%v err=%v", up, err)
	}
	if !strong.Compare("upgrade-me-please", encoded) {
		t.Fatal("old hash must still verify under new params")
	}
}

func TestNewRejectsWeakConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SaltLength = 8
	if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestGenerateTokenAndDigest(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if len(a) != 2*TokenBytes || a == b {
		t.Fatalf("unexpected tokens %q %q", a, b)
	}
	if Digest(a) != Digest(a) || Digest(a) == Digest(b) {
		t.Fatal("digest must be deterministic and distinct")
	}
	if Digest(a) == a {
		t.Fatal("digest must not echo the token")
	}
}
