// Package revocation records digests of tokens that must be rejected before
// their natural expiry. Entries are written with a TTL equal to the token's
// remaining lifetime and are never deleted on the hot path.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable wraps every backend failure. Callers must treat it as
	// "cannot prove the token is live" and fail closed.
	ErrUnavailable = errors.New("revocation registry unavailable")
	ErrEmptyKey    = errors.New("revocation key is empty")
)

// Registry is the contract the token issuer and orchestrator depend on.
type Registry interface {
	// Revoke marks a token digest as revoked for ttl. A non-positive ttl is a
	// no-op: the token has already expired on its own.
	Revoke(ctx context.Context, digest, identityID string, ttl time.Duration) error
	// RevokeSession marks every token bound to sessionID as revoked for ttl.
	RevokeSession(ctx context.Context, sessionID, identityID string, ttl time.Duration) error
	// IsRevoked reports whether the digest, or the session it is bound to, has
	// been revoked. An empty sessionID checks the digest only.
	IsRevoked(ctx context.Context, digest, sessionID string) (bool, error)
}

// RedisRegistry stores revocations as plain string keys with an expiry.
// Redis applies SET and EXISTS on one connection-serialized keyspace, so a
// completed Revoke is visible to the next IsRevoked from any process.
type RedisRegistry struct {
	redis  redis.UniversalClient
	prefix string
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry returns a registry writing under prefix (default "blacklist").
func NewRedisRegistry(client redis.UniversalClient, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "blacklist"
	}
	return &RedisRegistry{redis: client, prefix: prefix}
}

func (r *RedisRegistry) tokenKey(digest string) string {
	return r.prefix + ":" + digest
}

func (r *RedisRegistry) sessionKey(sessionID string) string {
	return r.prefix + ":sid:" + sessionID
}

func (r *RedisRegistry) Revoke(ctx context.Context, digest, identityID string, ttl time.Duration) error {
	if digest == "" {
		return ErrEmptyKey
	}
	return r.set(ctx, r.tokenKey(digest), identityID, ttl)
}

func (r *RedisRegistry) RevokeSession(ctx context.Context, sessionID, identityID string, ttl time.Duration) error {
	if sessionID == "" {
		return ErrEmptyKey
	}
	return r.set(ctx, r.sessionKey(sessionID), identityID, ttl)
}

func (r *RedisRegistry) set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	// Sub-millisecond TTLs are rejected by Redis.
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	if err := r.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisRegistry) IsRevoked(ctx context.Context, digest, sessionID string) (bool, error) {
	if digest == "" {
		return false, ErrEmptyKey
	}
	keys := []string{r.tokenKey(digest)}
	if sessionID != "" {
		keys = append(keys, r.sessionKey(sessionID))
	}
	n, err := r.redis.Exists(ctx, keys...).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// Owner returns the identity recorded against a revoked digest, or "" when the
// digest is not revoked.
func (r *RedisRegistry) Owner(ctx context.Context, digest string) (string, error) {
	owner, err := r.redis.Get(ctx, r.tokenKey(digest)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return owner, nil
}
