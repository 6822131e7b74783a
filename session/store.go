package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mtracking/authcore/password"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the lifetime of a session and of each refresh token issued for it.
const DefaultTTL = 7 * 24 * time.Hour

var (
	ErrRedisUnavailable    = errors.New("session store unavailable")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrSessionCorrupt      = errors.New("session record corrupt")
	ErrRefreshHashMismatch = errors.New("refresh token is not current for session")
	ErrInvalidSession      = errors.New("invalid session input")
)

const (
	rotateStatusNotFound = 0
	rotateStatusExpired  = 1
	rotateStatusMismatch = 2
	rotateStatusRotated  = 3
)

// KEYS: session, index prefix, next index, identity set prefix
// ARGV: session id, presented digest, next digest, expected version
// (-1 skips the compare), now ms, next expiry ms
const rotateRefreshScript = `
local session_key = KEYS[1]
local index_prefix = KEYS[2]
local new_index = KEYS[3]
local user_prefix = KEYS[4]

local session_id = ARGV[1]
local presented = ARGV[2]
local next_hash = ARGV[3]
local expected_version = tonumber(ARGV[4])
local now_ms = tonumber(ARGV[5])
local expires_ms = tonumber(ARGV[6])

local h = redis.call("HMGET", session_key, "rh", "ea", "tv", "uid")
if not h[1] or not h[2] or not h[3] or not h[4] then
  return {0}
end

local old_index = index_prefix .. h[1]
local user_key = user_prefix .. h[4]

if tonumber(h[2]) <= now_ms then
  redis.call("DEL", session_key)
  redis.call("DEL", old_index)
  redis.call("SREM", user_key, session_id)
  return {1}
end

local version = tonumber(h[3])
if expected_version >= 0 and (h[1] ~= presented or version ~= expected_version) then
  return {2}
end

version = version + 1
redis.call("HSET", session_key, "rh", next_hash, "tv", version, "la", now_ms, "ea", expires_ms)
redis.call("PEXPIREAT", session_key, expires_ms)
redis.call("DEL", old_index)
redis.call("SET", new_index, session_id, "PX", expires_ms - now_ms)
redis.call("SADD", user_key, session_id)
redis.call("PEXPIREAT", user_key, expires_ms)

return {3, version}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

// KEYS: session, index prefix, identity set prefix
// ARGV: session id
const deleteSessionScript = `
local h = redis.call("HMGET", KEYS[1], "rh", "uid")
local deleted = redis.call("DEL", KEYS[1])
if h[1] then
  redis.call("DEL", KEYS[2] .. h[1])
end
if h[2] then
  redis.call("SREM", KEYS[3] .. h[2], ARGV[1])
end
return deleted
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

const touchSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "la", ARGV[1])
return 1
`

var touchSessionLua = redis.NewScript(touchSessionScript)

// Store is a Redis-backed session store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewStore creates a Store writing under prefix (default "as"). ttl is the
// lifetime given to new and rotated sessions (default DefaultTTL).
func NewStore(client redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "as"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		redis:  client,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

// TTL returns the configured session lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) key(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *Store) indexPrefix() string {
	return s.prefix + ":rt:"
}

func (s *Store) indexKey(digest string) string {
	return s.indexPrefix() + digest
}

func (s *Store) userPrefix() string {
	return s.prefix + ":u:"
}

func (s *Store) userKey(identityID string) string {
	return s.userPrefix() + identityID
}

// Create stores a new session for identityID bound to the digest of
// refreshToken. The caller picks sessionID so it can be embedded in the
// refresh token before the session exists.
func (s *Store) Create(
	ctx context.Context,
	sessionID, identityID, refreshToken string,
	device DeviceInfo,
	ip string,
) (*Session, error) {
	if sessionID == "" || identityID == "" || refreshToken == "" {
		return nil, ErrInvalidSession
	}

	now := s.now()
	sess := &Session{
		ID:           sessionID,
		IdentityID:   identityID,
		RefreshHash:  password.Digest(refreshToken),
		TokenVersion: 1,
		Device:       device,
		IP:           ip,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(s.ttl),
	}
	fields, err := sess.fields()
	if err != nil {
		return nil, err
	}

	sessionKey := s.key(sessionID)
	userKey := s.userKey(identityID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey, fields)
		pipe.PExpireAt(ctx, sessionKey, sess.ExpiresAt)
		pipe.Set(ctx, s.indexKey(sess.RefreshHash), sessionID, s.ttl)
		pipe.SAdd(ctx, userKey, sessionID)
		pipe.PExpireAt(ctx, userKey, sess.ExpiresAt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return sess, nil
}

// Get loads a session by id. Missing and expired sessions both yield
// ErrSessionNotFound; expired ones are removed on the way out.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	h, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(h) == 0 {
		return nil, ErrSessionNotFound
	}

	sess, err := fromFields(sessionID, h)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		if err := s.Revoke(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// FindByRefreshToken resolves the session whose current refresh digest equals
// the digest of token. A rotated-away token is not found.
func (s *Store) FindByRefreshToken(ctx context.Context, token string) (*Session, error) {
	digest := password.Digest(token)
	sessionID, err := s.redis.Get(ctx, s.indexKey(digest)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.RefreshHash != digest {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Rotate atomically replaces the session's refresh digest with the digest of
// next, provided the stored digest still equals the digest of presented and the
// stored version equals expectedVersion. Expiry is extended by the store TTL.
func (s *Store) Rotate(
	ctx context.Context,
	sessionID, presented, next string,
	expectedVersion uint64,
) (*Session, error) {
	return s.swap(ctx, sessionID, password.Digest(presented), password.Digest(next), int64(expectedVersion))
}

// UpdateRefreshToken unconditionally binds the session to newToken, extends
// its expiry and bumps last-active.
func (s *Store) UpdateRefreshToken(ctx context.Context, sessionID, newToken string) (*Session, error) {
	return s.swap(ctx, sessionID, "", password.Digest(newToken), -1)
}

func (s *Store) swap(ctx context.Context, sessionID, presentedDigest, nextDigest string, expectedVersion int64) (*Session, error) {
	now := s.now()
	expires := now.Add(s.ttl)

	result, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID), s.indexPrefix(), s.indexKey(nextDigest), s.userPrefix()},
		sessionID,
		presentedDigest,
		nextDigest,
		expectedVersion,
		now.UnixMilli(),
		expires.UnixMilli(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: empty rotate response", ErrRedisUnavailable)
	}
	code, ok := result[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return nil, ErrSessionNotFound
	case rotateStatusExpired:
		return nil, ErrSessionExpired
	case rotateStatusMismatch:
		return nil, ErrRefreshHashMismatch
	case rotateStatusRotated:
		return s.Get(ctx, sessionID)
	default:
		return nil, fmt.Errorf("%w: unknown rotate status %d", ErrRedisUnavailable, code)
	}
}

// Revoke deletes one session and its index entries. Deleting a missing session
// is not an error.
func (s *Store) Revoke(ctx context.Context, sessionID string) error {
	_, err := deleteSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID), s.indexPrefix(), s.userPrefix()},
		sessionID,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RevokeAll deletes every session of identityID and returns the live sessions
// it removed, so the caller can revoke their outstanding tokens.
//
// A session created concurrently with RevokeAll may survive it.
func (s *Store) RevokeAll(ctx context.Context, identityID string) ([]*Session, error) {
	sessions, stale, err := s.load(ctx, identityID)
	if err != nil {
		return nil, err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sess := range sessions {
			pipe.Del(ctx, s.key(sess.ID), s.indexKey(sess.RefreshHash))
		}
		for _, id := range stale {
			pipe.Del(ctx, s.key(id))
		}
		pipe.Del(ctx, s.userKey(identityID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return sessions, nil
}

// ListForIdentity returns the live sessions of identityID, most recently
// active first.
func (s *Store) ListForIdentity(ctx context.Context, identityID string) ([]*Session, error) {
	sessions, _, err := s.load(ctx, identityID)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
	})
	return sessions, nil
}

// Touch bumps the last-active time of a live session. Missing sessions are
// ignored.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	err := touchSessionLua.Run(ctx, s.redis, []string{s.key(sessionID)}, s.now().UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// load returns the live sessions in the identity set plus ids whose record is
// missing, expired or unreadable.
func (s *Store) load(ctx context.Context, identityID string) ([]*Session, []string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(identityID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := s.now()
	var (
		live  []*Session
		stale []string
	)
	for i, cmd := range cmds {
		h, err := cmd.Result()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		sess, err := fromFields(ids[i], h)
		if err != nil || sess.Expired(now) {
			stale = append(stale, ids[i])
			continue
		}
		live = append(live, sess)
	}
	return live, stale, nil
}

// SweepExpired walks every identity set and removes sessions past expiry along
// with dangling set members. Redis key expiry does most of the work; the sweep
// keeps the identity sets tidy. It returns the number of entries removed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, s.userPrefix()+"*", 256).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		for _, key := range keys {
			identityID := strings.TrimPrefix(key, s.userPrefix())
			_, stale, err := s.load(ctx, identityID)
			if err != nil {
				return removed, err
			}
			for _, id := range stale {
				if err := s.Revoke(ctx, id); err != nil {
					return removed, err
				}
				if err := s.redis.SRem(ctx, key, id).Err(); err != nil {
					return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
				}
				removed++
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Ping reports the store's round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
