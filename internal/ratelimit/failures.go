package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtracking/authcore/password"
	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// FailureConfig sets the failed-attempt budget.
type FailureConfig struct {
	MaxAttempts int
	Window      time.Duration
}

// Failures tracks failed login attempts in Redis.
type Failures struct {
	redis  redis.UniversalClient
	prefix string
	config FailureConfig
}

// NewFailures returns a limiter. A non-positive MaxAttempts disables it.
func NewFailures(client redis.UniversalClient, prefix string, cfg FailureConfig) *Failures {
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	return &Failures{redis: client, prefix: prefix, config: cfg}
}

func (f *Failures) emailKey(email string) string {
	return f.prefix + ":rl:e:" + password.Digest(email)
}

func (f *Failures) ipKey(ip string) string {
	return f.prefix + ":rl:i:" + ip
}

func (f *Failures) keys(email, ip string) []string {
	keys := make([]string, 0, 2)
	if email != "" {
		keys = append(keys, f.emailKey(email))
	}
	if ip != "" {
		keys = append(keys, f.ipKey(ip))
	}
	return keys
}

func (f *Failures) enabled() bool {
	return f != nil && f.config.MaxAttempts > 0
}

// Check returns ErrRateLimited when email or ip has used up its budget.
func (f *Failures) Check(ctx context.Context, email, ip string) error {
	if !f.enabled() {
		return nil
	}
	for _, key := range f.keys(email, ip) {
		count, err := f.redis.Get(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if count >= int64(f.config.MaxAttempts) {
			return ErrRateLimited
		}
	}
	return nil
}

// Fail records one failed attempt for email and ip.
func (f *Failures) Fail(ctx context.Context, email, ip string) error {
	if !f.enabled() {
		return nil
	}
	for _, key := range f.keys(email, ip) {
		count, err := f.redis.Incr(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if count == 1 {
			if err := f.redis.Expire(ctx, key, f.config.Window).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
		}
	}
	return nil
}

// Reset clears the email counter after a successful login. The IP counter
// is left to expire so one valid account cannot launder a sprayer's budget.
func (f *Failures) Reset(ctx context.Context, email string) error {
	if !f.enabled() || email == "" {
		return nil
	}
	if err := f.redis.Del(ctx, f.emailKey(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
