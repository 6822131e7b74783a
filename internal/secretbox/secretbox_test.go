package secretbox

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealOpen(t *testing.T) {
	box, err := FromHex(testKey)
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	a, err := box.Seal([]byte("JBSWY3DPEHPK3PXP"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, _ := box.Seal([]byte("JBSWY3DPEHPK3PXP"))
	if bytes.Equal(a, b) {
		t.Fatal("nonces must differ between seals")
	}
	if bytes.Contains(a, []byte("JBSWY3DP")) {
		t.Fatal("plaintext leaked into sealed output")
	}
	out, err := box.Open(a)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(out) != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("round trip mismatch: %q", out)
	}
}

func TestOpenRejectsTamperingAndForeignKeys(t *testing.T) {
	box, _ := FromHex(testKey)
	other, _ := FromHex(strings.Repeat("ff", 32))

	sealed, _ := box.Seal([]byte("secret"))
	if _, err := other.Open(sealed); !errors.Is(err, ErrOpen) {
		t.Fatalf("foreign key: expected ErrOpen, got %v", err)
	}
	sealed[len(sealed)-1] ^= 1
	if _, err := box.Open(sealed); !errors.Is(err, ErrOpen) {
		t.Fatalf("tampered: expected ErrOpen, got %v", err)
	}
	if _, err := box.Open([]byte("short")); !errors.Is(err, ErrOpen) {
		t.Fatalf("short: expected ErrOpen, got %v", err)
	}
}

func TestEmptyValues(t *testing.T) {
	box, _ := FromHex(testKey)
	sealed, err := box.Seal(nil)
	if err != nil || sealed != nil {
		t.Fatalf("empty seal = %v, %v", sealed, err)
	}
	out, err := box.Open(nil)
	if err != nil || out != nil {
		t.Fatalf("empty open = %v, %v", out, err)
	}
}

func TestInvalidKeys(t *testing.T) {
	for _, key := range []string{"", "abcd", "zz" + testKey[2:], testKey + "00"} {
		if _, err := FromHex(key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}
