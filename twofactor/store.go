package twofactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultEnrollmentTTL bounds how long a started enrollment stays pending.
const DefaultEnrollmentTTL = 15 * time.Minute

const maxUpdateRetries = 4

var (
	ErrNoEnrollment      = errors.New("twofactor: no enrollment in progress")
	ErrInvalidTransition = errors.New("twofactor: step not allowed in current state")
	ErrInvalidCode       = errors.New("twofactor: invalid code")
	ErrAlreadyEnabled    = errors.New("twofactor: already enabled")
	ErrNotEnabled        = errors.New("twofactor: not enabled")
	ErrConflict          = errors.New("twofactor: concurrent update")
	ErrUnavailable       = errors.New("twofactor: store unavailable")
)

// Store keeps pending enrollments in Redis under <prefix>:2fa:<identityID>.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore returns a Store. An empty prefix defaults to "as".
func NewStore(client redis.UniversalClient, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "as"
	}
	return &Store{redis: client, prefix: prefix, now: time.Now}
}

func (s *Store) key(identityID string) string {
	return s.prefix + ":2fa:" + identityID
}

// Put writes e, replacing any pending enrollment for the same identity.
func (s *Store) Put(ctx context.Context, e *Enrollment) error {
	ttl := e.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return ErrNoEnrollment
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(e.IdentityID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get returns the pending enrollment or ErrNoEnrollment.
func (s *Store) Get(ctx context.Context, identityID string) (*Enrollment, error) {
	data, err := s.redis.Get(ctx, s.key(identityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoEnrollment
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.decode(data)
}

func (s *Store) decode(data []byte) (*Enrollment, error) {
	var e Enrollment
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: corrupt enrollment: %v", ErrUnavailable, err)
	}
	if !e.ExpiresAt.After(s.now()) {
		return nil, ErrNoEnrollment
	}
	return &e, nil
}

// Delete drops the pending enrollment, if any.
func (s *Store) Delete(ctx context.Context, identityID string) error {
	if err := s.redis.Del(ctx, s.key(identityID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// KEYS: last used step
// ARGV: step, ttl ms
const useStepScript = `
local last = redis.call("GET", KEYS[1])
if last and tonumber(last) >= tonumber(ARGV[1]) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`

var useStepLua = redis.NewScript(useStepScript)

// UseStep records step as the last TOTP time step accepted for identityID.
// It reports false when step is at or below the one already recorded, which
// makes each code single use. The record lives under <prefix>:2fa:used:<id>.
func (s *Store) UseStep(ctx context.Context, identityID string, step int64, ttl time.Duration) (bool, error) {
	n, err := useStepLua.Run(ctx, s.redis, []string{s.prefix + ":2fa:used:" + identityID}, step, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// Update applies fn to the pending enrollment under WATCH, so two concurrent
// steps can never both succeed from the same state. When fn leaves the
// enrollment in a terminal state the record is deleted. It returns a copy of
// the enrollment as it was before fn ran, plus the updated one.
func (s *Store) Update(ctx context.Context, identityID string, fn func(*Enrollment) error) (before, after *Enrollment, err error) {
	key := s.key(identityID)

	for i := 0; i < maxUpdateRetries; i++ {
		err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNoEnrollment
			}
			if err != nil {
				return err
			}
			current, err := s.decode(data)
			if err != nil {
				return err
			}
			prev := *current
			if err := fn(current); err != nil {
				return err
			}

			var encoded []byte
			if !current.State.Terminal() {
				if encoded, err = json.Marshal(current); err != nil {
					return err
				}
			}
			ttl := current.ExpiresAt.Sub(s.now())
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if current.State.Terminal() || ttl <= 0 {
					pipe.Del(ctx, key)
					return nil
				}
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			before, after = &prev, current
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if isFlowError(err) {
				return nil, nil, err
			}
			return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return before, after, nil
	}
	return nil, nil, ErrConflict
}

func isFlowError(err error) bool {
	for _, target := range []error{ErrNoEnrollment, ErrInvalidTransition, ErrInvalidCode, ErrUnavailable} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
