package token

import (
	"crypto"
	_ "crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// JWKS returns the public key set resource servers use to verify access tokens.
func (i *Issuer) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       i.publicKey,
		KeyID:     i.cfg.KeyID,
		Algorithm: i.method.Alg(),
		Use:       "sig",
	}}}
}

// thumbprint derives a stable key id (RFC 7638) from the public key.
func thumbprint(public crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: public}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("%w: key thumbprint: %v", ErrInvalidConfig, err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}
