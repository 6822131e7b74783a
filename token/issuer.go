package token

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mtracking/authcore/password"
	"github.com/mtracking/authcore/revocation"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	minRefreshSecret = 32
)

var (
	ErrInvalidConfig       = errors.New("invalid token config")
	ErrNoSigningKey        = errors.New("issuer has no signing key")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenInvalid        = errors.New("token invalid")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrRegistryUnavailable = errors.New("revocation check unavailable")
)

// Config configures an Issuer. Keys are PEM encoded.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	KeyID         string
	RefreshSecret []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// Subject is what an access token asserts about its bearer.
type Subject struct {
	ID    string
	Email string
	Roles []string
}

// AccessClaims are the claims carried by an access token.
type AccessClaims struct {
	Email     string   `json:"email"`
	Roles     []string `json:"roles"`
	SessionID string   `json:"sessionId"`
	jwt.RegisteredClaims
}

// RefreshClaims are the claims carried by a refresh token.
type RefreshClaims struct {
	SessionID    string `json:"sessionId"`
	TokenVersion uint64 `json:"tokenVersion"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies access and refresh tokens. It is immutable after
// construction and safe for concurrent use.
type Issuer struct {
	cfg       Config
	method    jwt.SigningMethod
	signer    crypto.Signer
	publicKey crypto.PublicKey
	registry  revocation.Registry
	now       func() time.Time
}

// NewIssuer validates cfg and binds the issuer to registry for revocation checks.
func NewIssuer(cfg Config, registry revocation.Registry) (*Issuer, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: revocation registry is required", ErrInvalidConfig)
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.AccessTTL < 0 || cfg.RefreshTTL < 0 || cfg.AccessTTL >= cfg.RefreshTTL {
		return nil, fmt.Errorf("%w: ttl", ErrInvalidConfig)
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, fmt.Errorf("%w: leeway must be within 0..2m", ErrInvalidConfig)
	}
	if len(cfg.RefreshSecret) < minRefreshSecret {
		return nil, fmt.Errorf("%w: refresh secret must be at least %d bytes", ErrInvalidConfig, minRefreshSecret)
	}

	method, err := cfg.SigningMethod.jwtMethod()
	if err != nil {
		return nil, err
	}
	signer, public, err := loadKeyPair(cfg.SigningMethod, cfg.PrivateKey, cfg.PublicKey)
	if err != nil {
		return nil, err
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	if cfg.KeyID == "" {
		if cfg.KeyID, err = thumbprint(public); err != nil {
			return nil, err
		}
	}

	return &Issuer{
		cfg:       cfg,
		method:    method,
		signer:    signer,
		publicKey: public,
		registry:  registry,
		now:       time.Now,
	}, nil
}

func (i *Issuer) AccessTTL() time.Duration  { return i.cfg.AccessTTL }
func (i *Issuer) RefreshTTL() time.Duration { return i.cfg.RefreshTTL }
func (i *Issuer) KeyID() string             { return i.cfg.KeyID }

func (i *Issuer) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	if i.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.cfg.Audience}
	}
	return claims
}

// IssueAccess signs an access token for sub bound to sessionID.
func (i *Issuer) IssueAccess(sub Subject, sessionID string) (string, error) {
	if i.signer == nil {
		return "", ErrNoSigningKey
	}
	if sub.ID == "" || sessionID == "" {
		return "", fmt.Errorf("%w: subject and session are required", ErrTokenInvalid)
	}
	roles := sub.Roles
	if roles == nil {
		roles = []string{}
	}

	tok := jwt.NewWithClaims(i.method, AccessClaims{
		Email:            sub.Email,
		Roles:            roles,
		SessionID:        sessionID,
		RegisteredClaims: i.registered(sub.ID, i.cfg.AccessTTL),
	})
	tok.Header["kid"] = i.cfg.KeyID
	return tok.SignedString(i.signer)
}

// IssueRefresh signs a refresh token for identityID bound to sessionID at version.
func (i *Issuer) IssueRefresh(identityID, sessionID string, version uint64) (string, error) {
	if identityID == "" || sessionID == "" || version == 0 {
		return "", fmt.Errorf("%w: identity, session and version are required", ErrTokenInvalid)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		SessionID:        sessionID,
		TokenVersion:     version,
		RegisteredClaims: i.registered(identityID, i.cfg.RefreshTTL),
	})
	return tok.SignedString(i.cfg.RefreshSecret)
}

func (i *Issuer) parserOptions(alg string) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	}
	if i.cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(i.cfg.Leeway))
	}
	if i.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.cfg.Issuer))
	}
	return opts
}

// ParseAccess checks signature, algorithm, expiry, issuer and audience but not
// revocation. Use VerifyAccess to authorize a request.
func (i *Issuer) ParseAccess(raw string) (*AccessClaims, error) {
	opts := i.parserOptions(i.method.Alg())
	if i.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(i.cfg.Audience))
	}

	claims := &AccessClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != i.cfg.KeyID {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return i.publicKey, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing subject or session", ErrTokenInvalid)
	}
	return claims, nil
}

// ParseRefresh is the refresh-token counterpart of ParseAccess.
func (i *Issuer) ParseRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	_, err := jwt.NewParser(i.parserOptions(jwt.SigningMethodHS256.Alg())...).ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.cfg.RefreshSecret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if claims.Subject == "" || claims.SessionID == "" || claims.TokenVersion == 0 {
		return nil, fmt.Errorf("%w: missing subject, session or version", ErrTokenInvalid)
	}
	return claims, nil
}

// VerifyAccess parses raw and then consults the revocation registry for the
// token digest and its session. A revoked token fails with ErrTokenRevoked
// even when its signature and expiry are valid.
func (i *Issuer) VerifyAccess(ctx context.Context, raw string) (*AccessClaims, error) {
	claims, err := i.ParseAccess(raw)
	if err != nil {
		return nil, err
	}
	if err := i.checkRevoked(ctx, raw, claims.SessionID); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRefresh parses raw and checks revocation. When the token is revoked,
// the parsed claims are returned together with ErrTokenRevoked so callers can
// act on the session the replayed token belongs to.
func (i *Issuer) VerifyRefresh(ctx context.Context, raw string) (*RefreshClaims, error) {
	claims, err := i.ParseRefresh(raw)
	if err != nil {
		return nil, err
	}
	if err := i.checkRevoked(ctx, raw, claims.SessionID); err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			return claims, err
		}
		return nil, err
	}
	return claims, nil
}

func (i *Issuer) checkRevoked(ctx context.Context, raw, sessionID string) error {
	revoked, err := i.registry.IsRevoked(ctx, password.Digest(raw), sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	return nil
}

// Revoke blacklists raw until expiresAt. Tokens that have already expired are
// not written.
func (i *Issuer) Revoke(ctx context.Context, raw, identityID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(i.now())
	if err := i.registry.Revoke(ctx, password.Digest(raw), identityID, ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return nil
}

// RevokeSession blacklists every access token bound to sessionID. Access
// tokens are the shortest-lived credential, so the marker only needs to
// outlive them.
func (i *Issuer) RevokeSession(ctx context.Context, sessionID, identityID string) error {
	ttl := i.cfg.AccessTTL + i.cfg.Leeway
	if err := i.registry.RevokeSession(ctx, sessionID, identityID, ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}
