package tessera

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const stepupKeyPrefix = "suc"

type stepupStatus int

const (
	stepupMissing stepupStatus = iota
	stepupProceed
	stepupExceeded
)

// attemptScript counts the attempt before the caller verifies anything,
// so a wrong code and an abandoned request burn budget identically. The
// record is deleted when the budget runs out; later attempts against the
// same challenge report missing.
const attemptScript = `
local key = KEYS[1]
local max = tonumber(ARGV[1])

if redis.call("EXISTS", key) == 0 then
  return {0, 0}
end

local att = redis.call("HINCRBY", key, "att", 1)
if att > max then
  redis.call("DEL", key)
  return {2, att}
end
return {1, att}
`

var attemptLua = redis.NewScript(attemptScript)

// stepupStore holds the server-side record behind each step-up token.
// The signed token alone proves nothing: without a live record the
// challenge is dead, which is what makes it single-use and what bounds
// verification attempts.
type stepupStore struct {
	redis  redis.UniversalClient
	prefix string
}

func newStepupStore(redisClient redis.UniversalClient, prefix string) *stepupStore {
	return &stepupStore{redis: redisClient, prefix: prefix}
}

func (s *stepupStore) key(jti string) string {
	return s.prefix + ":" + stepupKeyPrefix + ":" + jti
}

func (s *stepupStore) Create(ctx context.Context, jti, principalID, tenantID string, ttl time.Duration) error {
	key := s.key(jti)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"pid", principalID,
			"tid", tenantID,
			"att", "0",
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return storeUnavailable(err)
	}
	return nil
}

// Attempt burns one verification attempt and reports the position in the
// budget. stepupMissing covers never-created, expired, consumed, and
// exhausted challenges alike.
func (s *stepupStore) Attempt(ctx context.Context, jti string, maxAttempts int) (stepupStatus, int, error) {
	res, err := attemptLua.Run(ctx, s.redis, []string{s.key(jti)}, maxAttempts).Result()
	if err != nil {
		return stepupMissing, 0, storeUnavailable(err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) < 2 {
		return stepupMissing, 0, storeUnavailable(redis.Nil)
	}
	status, _ := parts[0].(int64)
	attempts, _ := parts[1].(int64)
	return stepupStatus(status), int(attempts), nil
}

// Consume deletes the challenge after a successful verification. False
// means another request consumed it first; the caller must not establish
// a session on a challenge it did not consume.
func (s *stepupStore) Consume(ctx context.Context, jti string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(jti)).Result()
	if err != nil {
		return false, storeUnavailable(err)
	}
	return n > 0, nil
}
