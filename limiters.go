package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtracking/authcore/password"
	"github.com/redis/go-redis/v9"
)

var errLimitBackend = errors.New("limiter backend unavailable")

// codeLimiter counts two-factor code checks per identity. The window starts
// at the first check and is not extended by later ones. A correct code
// clears the count.
type codeLimiter struct {
	redis       redis.UniversalClient
	prefix      string
	maxAttempts int
	lockout     time.Duration
}

func newCodeLimiter(client redis.UniversalClient, prefix string, cfg LimitsConfig) *codeLimiter {
	return &codeLimiter{redis: client, prefix: prefix, maxAttempts: cfg.MaxCodeAttempts, lockout: cfg.CodeLockout}
}

func (l *codeLimiter) key(identityID string) string {
	return l.prefix + ":2fa:att:" + identityID
}

// KEYS: counter
// ARGV: window ms
const takeAttemptScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`

var takeAttemptLua = redis.NewScript(takeAttemptScript)

// KEYS: counter
const returnAttemptScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return redis.call("DECR", KEYS[1])
end
return 0
`

var returnAttemptLua = redis.NewScript(returnAttemptScript)

// Take reserves one code check for identityID before the code is looked at.
// It reports false once the reservations in the current window exceed the
// limit, so concurrent guesses can never get more checks than allowed.
func (l *codeLimiter) Take(ctx context.Context, identityID string) (bool, error) {
	if l.maxAttempts <= 0 {
		return true, nil
	}
	count, err := takeAttemptLua.Run(ctx, l.redis, []string{l.key(identityID)}, l.lockout.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errLimitBackend, err)
	}
	return count <= int64(l.maxAttempts), nil
}

// Return gives back a reservation whose check failed for a reason other
// than a wrong code.
func (l *codeLimiter) Return(ctx context.Context, identityID string) error {
	if l.maxAttempts <= 0 {
		return nil
	}
	if err := returnAttemptLua.Run(ctx, l.redis, []string{l.key(identityID)}).Err(); err != nil {
		return fmt.Errorf("%w: %v", errLimitBackend, err)
	}
	return nil
}

func (l *codeLimiter) Reset(ctx context.Context, identityID string) error {
	if l.maxAttempts <= 0 {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(identityID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errLimitBackend, err)
	}
	return nil
}

// mailLimiter is a fixed window on emails of one kind to one address.
type mailLimiter struct {
	redis  redis.UniversalClient
	prefix string
	max    int
	window time.Duration
}

func newMailLimiter(client redis.UniversalClient, prefix string, cfg LimitsConfig) *mailLimiter {
	return &mailLimiter{redis: client, prefix: prefix, max: cfg.MaxEmailsPerWindow, window: cfg.EmailWindow}
}

// Allow consumes one send from the window of kind and email.
func (l *mailLimiter) Allow(ctx context.Context, kind, email string) (bool, error) {
	if l.max <= 0 {
		return true, nil
	}
	key := l.prefix + ":mail:" + kind + ":" + password.Digest(email)
	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", errLimitBackend, err)
	}
	return incr.Val() <= int64(l.max), nil
}
