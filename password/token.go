package password

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// TokenBytes is the entropy of tokens returned by GenerateToken.
const TokenBytes = 32

// GenerateToken returns a cryptographically random token, hex encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Digest returns the hex SHA-256 of token. It is deterministic and is the only
// form in which tokens are stored or used as lookup keys.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
