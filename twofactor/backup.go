package twofactor

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
)

// DefaultBackupCodes is how many codes an enrollment issues.
const DefaultBackupCodes = 10

const backupAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateBackupCodes returns n codes formatted XXXX-XXXX.
func GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	max := big.NewInt(int64(len(backupAlphabet)))
	for len(codes) < n {
		var b strings.Builder
		for i := 0; i < 8; i++ {
			if i == 4 {
				b.WriteByte('-')
			}
			idx, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, err
			}
			b.WriteByte(backupAlphabet[idx.Int64()])
		}
		code := b.String()
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// NormalizeBackupCode accepts lower case and missing or extra separators.
func NormalizeBackupCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()
	if len(s) != 8 {
		return s
	}
	return s[:4] + "-" + s[4:]
}

// LooksLikeBackupCode reports whether code has the backup code shape.
func LooksLikeBackupCode(code string) bool {
	n := NormalizeBackupCode(code)
	if len(n) != 9 {
		return false
	}
	for i, r := range n {
		if i == 4 {
			continue
		}
		if !strings.ContainsRune(backupAlphabet, r) {
			return false
		}
	}
	return true
}

// DigestBackupCode binds the digest to the identity so equal codes of
// different identities never collide.
func DigestBackupCode(identityID, code string) string {
	sum := sha256.Sum256([]byte(identityID + "\x00" + NormalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}
