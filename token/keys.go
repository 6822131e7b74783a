package token

import (
	"crypto"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the asymmetric algorithm for access tokens.
type SigningMethod string

const (
	MethodRS256 SigningMethod = "rs256"
	MethodEdDSA SigningMethod = "eddsa"
)

func (m SigningMethod) jwtMethod() (jwt.SigningMethod, error) {
	switch m {
	case MethodRS256, "":
		return jwt.SigningMethodRS256, nil
	case MethodEdDSA:
		return jwt.SigningMethodEdDSA, nil
	default:
		return nil, fmt.Errorf("%w: unsupported signing method %q", ErrInvalidConfig, m)
	}
}

// loadKeyPair parses PEM key material for method. The public key is derived
// from the private key when not supplied; a missing private key yields a
// verify-only issuer.
func loadKeyPair(method SigningMethod, privatePEM, publicPEM []byte) (crypto.Signer, crypto.PublicKey, error) {
	var (
		signer crypto.Signer
		public crypto.PublicKey
	)

	switch method {
	case MethodRS256, "":
		if len(privatePEM) > 0 {
			key, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: rsa private key: %v", ErrInvalidConfig, err)
			}
			if key.N.BitLen() < 2048 {
				return nil, nil, fmt.Errorf("%w: rsa key must be at least 2048 bits", ErrInvalidConfig)
			}
			signer, public = key, &key.PublicKey
		}
		if len(publicPEM) > 0 {
			key, err := jwt.ParseRSAPublicKeyFromPEM(publicPEM)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: rsa public key: %v", ErrInvalidConfig, err)
			}
			if signer != nil && !key.Equal(public) {
				return nil, nil, fmt.Errorf("%w: rsa public key does not match private key", ErrInvalidConfig)
			}
			public = key
		}
	case MethodEdDSA:
		if len(privatePEM) > 0 {
			parsed, err := jwt.ParseEdPrivateKeyFromPEM(privatePEM)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: ed25519 private key: %v", ErrInvalidConfig, err)
			}
			key, ok := parsed.(ed25519.PrivateKey)
			if !ok {
				return nil, nil, fmt.Errorf("%w: ed25519 private key type", ErrInvalidConfig)
			}
			signer, public = key, key.Public()
		}
		if len(publicPEM) > 0 {
			parsed, err := jwt.ParseEdPublicKeyFromPEM(publicPEM)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: ed25519 public key: %v", ErrInvalidConfig, err)
			}
			key, ok := parsed.(ed25519.PublicKey)
			if !ok {
				return nil, nil, fmt.Errorf("%w: ed25519 public key type", ErrInvalidConfig)
			}
			if signer != nil && !key.Equal(public) {
				return nil, nil, fmt.Errorf("%w: ed25519 public key does not match private key", ErrInvalidConfig)
			}
			public = key
		}
	default:
		return nil, nil, fmt.Errorf("%w: unsupported signing method %q", ErrInvalidConfig, method)
	}

	if public == nil {
		return nil, nil, errors.Join(ErrInvalidConfig, errors.New("access token key material missing"))
	}
	return signer, public, nil
}
