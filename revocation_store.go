package tessera

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const denyKeyPrefix = "deny"

// revocationStore is the access-token deny list. Logout writes the jti
// with the token's remaining lifetime as TTL; entries clean themselves
// up exactly when the token would stop verifying anyway.
type revocationStore struct {
	redis  redis.UniversalClient
	prefix string
}

func newRevocationStore(redisClient redis.UniversalClient, prefix string) *revocationStore {
	return &revocationStore{redis: redisClient, prefix: prefix}
}

func (s *revocationStore) key(jti string) string {
	return s.prefix + ":" + denyKeyPrefix + ":" + jti
}

func (s *revocationStore) Deny(ctx context.Context, jti string, remaining time.Duration) error {
	if remaining <= 0 {
		return nil
	}
	if err := s.redis.Set(ctx, s.key(jti), "1", remaining).Err(); err != nil {
		return storeUnavailable(err)
	}
	return nil
}

func (s *revocationStore) IsDenied(ctx context.Context, jti string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.key(jti)).Result()
	if err != nil {
		return false, storeUnavailable(err)
	}
	return n > 0, nil
}
