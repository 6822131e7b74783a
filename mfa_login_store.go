package authcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtracking/authcore/password"
	"github.com/redis/go-redis/v9"
)

var (
	errChallengeNotFound = errors.New("login challenge not found")
	errChallengeBackend  = errors.New("login challenge backend unavailable")
)

// loginChallenge holds a password-verified login waiting for its second
// factor. The challenge id itself is never stored, only its digest.
type loginChallenge struct {
	IdentityID string     `json:"uid"`
	Device     DeviceInfo `json:"dev"`
	IP         string     `json:"ip,omitempty"`
	ExpiresAt  int64      `json:"exp"`
	Attempts   int        `json:"n"`
}

type loginChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func newLoginChallengeStore(client redis.UniversalClient, prefix string) *loginChallengeStore {
	return &loginChallengeStore{redis: client, prefix: prefix, now: time.Now}
}

func (s *loginChallengeStore) key(challengeID string) string {
	return s.prefix + ":mfa:" + password.Digest(challengeID)
}

func (s *loginChallengeStore) Save(ctx context.Context, challengeID string, record *loginChallenge, ttl time.Duration) error {
	record.ExpiresAt = s.now().Add(ttl).UnixMilli()
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(challengeID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return nil
}

func (s *loginChallengeStore) decode(data []byte) (*loginChallenge, error) {
	record := &loginChallenge{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	if s.now().UnixMilli() >= record.ExpiresAt {
		return nil, errChallengeNotFound
	}
	return record, nil
}

func (s *loginChallengeStore) Get(ctx context.Context, challengeID string) (*loginChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(challengeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return s.decode(data)
}

// Consume deletes the challenge and reports whether this caller removed it.
// Exactly one of several concurrent callers wins.
func (s *loginChallengeStore) Consume(ctx context.Context, challengeID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(challengeID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure counts a wrong code. Once maxAttempts is reached the
// challenge is deleted and exceeded is true.
func (s *loginChallengeStore) RecordFailure(ctx context.Context, challengeID string, maxAttempts int) (exceeded bool, err error) {
	const maxRetries = 4
	key := s.key(challengeID)

	for i := 0; i < maxRetries; i++ {
		exceeded = false
		err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			record, err := s.decode(data)
			if err != nil {
				return err
			}

			record.Attempts++
			ttl := time.UnixMilli(record.ExpiresAt).Sub(s.now())
			if record.Attempts >= maxAttempts || ttl <= 0 {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			updated, err := json.Marshal(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, redis.Nil), errors.Is(err, errChallengeNotFound):
			return false, errChallengeNotFound
		case errors.Is(err, errChallengeBackend):
			return false, err
		case err != nil:
			return false, fmt.Errorf("%w: %v", errChallengeBackend, err)
		}
		return exceeded, nil
	}
	return false, errChallengeNotFound
}
